// Package source feeds positions and region callbacks into tracking.
package source

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/sitepresence/internal/tracking"
	"github.com/ChuLiYu/sitepresence/pkg/types"
)

// LastKnown holds the most recent fix and serves it to a poll adapter.
type LastKnown struct {
	mu     sync.RWMutex
	sample *types.PositionSample
	maxAge time.Duration
	now    func() time.Time
}

var _ tracking.PositionProvider = (*LastKnown)(nil)

// NewLastKnown creates a holder. Fixes older than maxAge are treated as no
// fix; zero disables the check.
func NewLastKnown(maxAge time.Duration) *LastKnown {
	return &LastKnown{maxAge: maxAge, now: time.Now}
}

// Update replaces the stored fix.
func (l *LastKnown) Update(s types.PositionSample) {
	if s.CapturedAt.IsZero() {
		s.CapturedAt = l.now()
	}
	l.mu.Lock()
	l.sample = &s
	l.mu.Unlock()
}

// CurrentPosition returns the stored fix or tracking.ErrNoFix.
func (l *LastKnown) CurrentPosition(context.Context) (types.PositionSample, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.sample == nil {
		return types.PositionSample{}, tracking.ErrNoFix
	}
	if l.maxAge > 0 && l.now().Sub(l.sample.CapturedAt) > l.maxAge {
		return types.PositionSample{}, tracking.ErrNoFix
	}
	return *l.sample, nil
}
