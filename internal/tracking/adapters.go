package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
)

// ErrNoFix is returned by a PositionProvider that has no usable position yet.
var ErrNoFix = errors.New("tracking: no position fix available")

// PositionProvider answers "where am I now". Platform location services sit
// behind it.
type PositionProvider interface {
	CurrentPosition(ctx context.Context) (types.PositionSample, error)
}

// PollAdapter actively polls a PositionProvider and runs every fix through
// the tracker.
type PollAdapter struct {
	provider PositionProvider
	tracker  *Tracker
	interval time.Duration
}

// NewPollAdapter creates an adapter polling every interval.
func NewPollAdapter(provider PositionProvider, tracker *Tracker, interval time.Duration) *PollAdapter {
	return &PollAdapter{provider: provider, tracker: tracker, interval: interval}
}

// Run polls until ctx is done. The first poll happens immediately.
func (a *PollAdapter) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("Poll adapter stopped")
			return ctx.Err()
		case <-ticker.C:
			a.PollOnce(ctx)
		}
	}
}

// PollOnce fetches one position and evaluates it.
func (a *PollAdapter) PollOnce(ctx context.Context) (Result, error) {
	s, err := a.provider.CurrentPosition(ctx)
	if err != nil {
		if errors.Is(err, ErrNoFix) {
			log.Debug("No position fix yet")
		} else {
			log.Warn("Position poll failed", "error", err)
		}
		return Result{}, err
	}
	return a.tracker.HandleSample(ctx, s), nil
}

// RegionEvent is a platform geofence callback: the OS already decided the
// user entered or left a registered region.
type RegionEvent struct {
	SiteID    types.SiteID         `json:"site_id"`
	Kind      types.TransitionKind `json:"kind"`
	At        time.Time            `json:"at"`
	Latitude  *float64             `json:"latitude,omitempty"`
	Longitude *float64             `json:"longitude,omitempty"`
}

// PushAdapter forwards passive region callbacks into the tracker so they
// share per-site state with the polled path.
type PushAdapter struct {
	tracker *Tracker
}

// NewPushAdapter creates a push adapter.
func NewPushAdapter(tracker *Tracker) *PushAdapter {
	return &PushAdapter{tracker: tracker}
}

// Deliver applies one region event and reports whether it produced a transition.
func (a *PushAdapter) Deliver(ctx context.Context, ev RegionEvent) bool {
	if ev.Kind != types.KindEnter && ev.Kind != types.KindExit {
		log.Warn("Ignoring region event with unknown kind", "kind", ev.Kind)
		return false
	}
	return a.tracker.ApplyRegionEvent(ctx, ev)
}

// Run delivers events from ch until it is closed or ctx is done.
func (a *PushAdapter) Run(ctx context.Context, ch <-chan RegionEvent) error {
	for {
		select {
		case <-ctx.Done():
			log.Info("Push adapter stopped")
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			a.Deliver(ctx, ev)
		}
	}
}
