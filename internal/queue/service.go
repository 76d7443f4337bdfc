// ============================================================================
// Event Queue Service - durable at-least-once delivery
// ============================================================================
//
// Package: internal/queue
// File: service.go
//
// PostOrQueue:
//   delivered          -> (true, nil)
//   validation failure -> (false, err), nothing stored
//   anything else      -> stored with retry_count=0, is_synced=false -> (false, nil)
//
// Sync:
//   oldest timestamp first, continue past failures
//   delivered  -> is_synced=true                          (counted synced)
//   validation -> is_synced=true, outcome=rejected        (counted failed)
//   transient  -> retry_count++, last_retry_at=now        (left pending)
//   Overlapping calls share one drain through singleflight. The drain runs
//   on its own context bounded by the sync timeout, so a caller that gives up
//   does not cancel it for the others.
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/sitepresence/internal/identity"
	"github.com/ChuLiYu/sitepresence/internal/transport"
	"github.com/ChuLiYu/sitepresence/pkg/types"
	"golang.org/x/sync/singleflight"
)

var log = slog.Default().With("component", "queue")

// DefaultRetention is how long synced events are kept.
const DefaultRetention = 30 * 24 * time.Hour

// DefaultSyncTimeout bounds one drain.
const DefaultSyncTimeout = 5 * time.Minute

// Sender is the transport seen by the queue.
type Sender interface {
	Send(ctx context.Context, ev types.TransitionEvent) error
}

// Recorder receives queue metrics.
type Recorder interface {
	RecordDelivered()
	RecordQueued()
	RecordRejected()
	RecordRetry()
	ObserveSync(d time.Duration, res types.SyncResult)
	SetPending(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordDelivered()                            {}
func (nopRecorder) RecordQueued()                               {}
func (nopRecorder) RecordRejected()                             {}
func (nopRecorder) RecordRetry()                                {}
func (nopRecorder) ObserveSync(time.Duration, types.SyncResult) {}
func (nopRecorder) SetPending(int)                              {}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRetention overrides DefaultRetention. Non-positive values are ignored.
func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithSyncTimeout overrides DefaultSyncTimeout. Non-positive values are ignored.
func WithSyncTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.syncTimeout = d
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.metrics = r
		}
	}
}

// Service is the event queue.
type Service struct {
	store       Store
	sender      Sender
	identity    identity.Provider
	now         func() time.Time
	retention   time.Duration
	syncTimeout time.Duration
	metrics     Recorder
	group       singleflight.Group

	// drains run on base so Close can stop them after their current event
	base       context.Context
	cancelBase context.CancelFunc
	mu         sync.Mutex
	closed     bool
	drains     sync.WaitGroup
}

// NewService creates a queue over store delivering through sender.
func NewService(store Store, sender Sender, id identity.Provider, opts ...Option) *Service {
	s := &Service{
		store:       store,
		sender:      sender,
		identity:    id,
		now:         time.Now,
		retention:   DefaultRetention,
		syncTimeout: DefaultSyncTimeout,
		metrics:     nopRecorder{},
	}
	s.base, s.cancelBase = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PostOrQueue attempts immediate delivery and persists the event on a
// transient failure.
func (s *Service) PostOrQueue(ctx context.Context, ev types.TransitionEvent) (bool, error) {
	if ev.UserID == "" && s.identity != nil {
		ev.UserID = s.identity.UserID()
	}

	err := s.sender.Send(ctx, ev)
	switch transport.Classify(err) {
	case transport.Delivered:
		s.metrics.RecordDelivered()
		log.Info("Event delivered", "site_id", ev.SiteID, "kind", ev.Kind)
		return true, nil

	case transport.ValidationFailure:
		s.metrics.RecordRejected()
		log.Warn("Event rejected by backend, not queued",
			"site_id", ev.SiteID,
			"kind", ev.Kind,
			"error", err)
		return false, err
	}

	// the caller's deadline must not cancel the durable write
	qe := types.NewQueuedEvent(ev, s.now())
	id, serr := s.store.Insert(context.WithoutCancel(ctx), qe)
	if serr != nil {
		return false, fmt.Errorf("%w: queue event after send failure: %w", ErrStorage, serr)
	}

	s.metrics.RecordQueued()
	s.refreshPending(ctx)
	log.Info("Event queued for later sync",
		"local_id", id,
		"site_id", ev.SiteID,
		"kind", ev.Kind,
		"reason", err)
	return false, nil
}

// Sync drains pending events once. Concurrent callers share a single drain
// and receive its result. A caller whose ctx ends returns early; the drain
// keeps going for the remaining callers.
func (s *Service) Sync(ctx context.Context) (types.SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return types.SyncResult{}, err
	}

	ch := s.group.DoChan("sync", func() (interface{}, error) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return types.SyncResult{}, ErrClosed
		}
		s.drains.Add(1)
		s.mu.Unlock()
		defer s.drains.Done()

		dctx, cancel := context.WithTimeout(s.base, s.syncTimeout)
		defer cancel()
		return s.drain(dctx)
	})

	select {
	case <-ctx.Done():
		log.Info("Sync caller gave up, drain continues", "error", ctx.Err())
		return types.SyncResult{}, ctx.Err()
	case r := <-ch:
		if r.Shared {
			log.Debug("Sync joined an in-progress drain")
		}
		res, _ := r.Val.(types.SyncResult)
		return res, r.Err
	}
}

// Close stops a running drain after the event it is sending and waits for it.
// Sync returns ErrClosed afterwards. Close does not close the store.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancelBase()
	s.drains.Wait()
}

func (s *Service) drain(ctx context.Context) (types.SyncResult, error) {
	start := time.Now()
	var res types.SyncResult

	pending, err := s.store.Pending(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: load pending events: %w", ErrStorage, err)
	}
	if len(pending) == 0 {
		s.metrics.SetPending(0)
		return res, nil
	}

	log.Info("Sync started", "pending", len(pending))

	for _, qe := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		sendErr := s.sender.Send(ctx, qe.Transition())
		at := s.now()
		// the outcome of a finished send is recorded even if the drain timed out
		wctx := context.WithoutCancel(ctx)

		switch transport.Classify(sendErr) {
		case transport.Delivered:
			if err := s.store.MarkDelivered(wctx, qe.LocalID, at); err != nil {
				return res, fmt.Errorf("%w: mark event %d delivered: %w", ErrStorage, qe.LocalID, err)
			}
			res.Synced++
			s.metrics.RecordDelivered()

		case transport.ValidationFailure:
			if err := s.store.MarkRejected(wctx, qe.LocalID, sendErr.Error(), at); err != nil {
				return res, fmt.Errorf("%w: mark event %d rejected: %w", ErrStorage, qe.LocalID, err)
			}
			res.Failed++
			s.metrics.RecordRejected()
			log.Warn("Queued event permanently rejected, dropped from pending set",
				"local_id", qe.LocalID,
				"site_id", qe.SiteID,
				"kind", qe.EventType,
				"timestamp", qe.Timestamp,
				"error", sendErr)

		default:
			if err := s.store.RecordRetry(wctx, qe.LocalID, sendErr.Error(), at); err != nil {
				return res, fmt.Errorf("%w: record retry for event %d: %w", ErrStorage, qe.LocalID, err)
			}
			s.metrics.RecordRetry()
			log.Info("Queued event still undeliverable",
				"local_id", qe.LocalID,
				"retry_count", qe.RetryCount+1,
				"error", sendErr)
		}
	}

	s.metrics.ObserveSync(time.Since(start), res)
	s.refreshPending(ctx)
	log.Info("Sync finished", "synced", res.Synced, "failed", res.Failed, "duration", time.Since(start))
	return res, nil
}

// GetPendingCount returns the number of unsynced events.
func (s *Service) GetPendingCount(ctx context.Context) (int, error) {
	n, err := s.store.CountPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: count pending: %w", ErrStorage, err)
	}
	return n, nil
}

// CleanupOldEvents deletes synced events older than the retention window.
func (s *Service) CleanupOldEvents(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.DeleteSyncedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup: %w", ErrStorage, err)
	}
	if n > 0 {
		log.Info("Old synced events purged", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

// Rejected lists permanently failed events kept for audit.
func (s *Service) Rejected(ctx context.Context) ([]types.QueuedEvent, error) {
	events, err := s.store.Rejected(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list rejected: %w", ErrStorage, err)
	}
	return events, nil
}

// IsStorageError reports whether err came from the durable store.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorage)
}

func (s *Service) refreshPending(ctx context.Context) {
	n, err := s.store.CountPending(context.WithoutCancel(ctx))
	if err != nil {
		log.Warn("Failed to count pending events", "error", err)
		return
	}
	s.metrics.SetPending(n)
}
