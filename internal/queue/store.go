package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
)

// ErrStorage wraps every failure of the durable store.
var ErrStorage = errors.New("queue: storage failure")

// ErrClosed is returned by Sync after the service was closed.
var ErrClosed = errors.New("queue: service closed")

// ErrEventNotFound is returned by stores for an unknown local id.
var ErrEventNotFound = errors.New("queue: event not found")

// Store is the durable, ordered backing of the queue. An acknowledged write
// must survive a process crash.
type Store interface {
	// Insert persists ev and returns its new local id.
	Insert(ctx context.Context, ev types.QueuedEvent) (int64, error)
	// Pending returns all unsynced events, oldest timestamp first, ties by local id.
	Pending(ctx context.Context) ([]types.QueuedEvent, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
	// MarkRejected sets is_synced and records the permanent failure for audit.
	MarkRejected(ctx context.Context, id int64, reason string, at time.Time) error
	// RecordRetry bumps retry_count and last_retry_at.
	RecordRetry(ctx context.Context, id int64, reason string, at time.Time) error
	CountPending(ctx context.Context) (int, error)
	// DeleteSyncedBefore removes synced events whose timestamp is before cutoff.
	DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int, error)
	// Rejected lists permanently failed events, oldest first.
	Rejected(ctx context.Context) ([]types.QueuedEvent, error)
	Close() error
}
