package tracking

import (
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
)

// siteRecord is the per-site detection state. A site has at most one pending
// candidate and its kind is always the opposite of wasInside.
type siteRecord struct {
	wasInside    bool
	pendingKind  types.TransitionKind // empty when no candidate
	pendingSince time.Time
	// startAnchor is the tracking start time. It is set until the first
	// sample after Start has been evaluated for this site.
	startAnchor time.Time
}

func (r *siteRecord) hasPending() bool { return r.pendingKind != "" }

func (r *siteRecord) clearPending() {
	r.pendingKind = ""
	r.pendingSince = time.Time{}
}

// insideWithHysteresis applies the asymmetric threshold: a site that was
// inside stays inside up to radius+buffer, a site that was outside needs
// distance <= radius-buffer to count as inside.
func insideWithHysteresis(wasInside bool, distance, radius, buffer float64) bool {
	if wasInside {
		return distance <= radius+buffer
	}
	return distance <= radius-buffer
}

// observe feeds one hysteresis result into the record and reports a
// confirmed transition.
func (r *siteRecord) observe(inside bool, now time.Time, cfg Config) (types.TransitionKind, bool) {
	anchor := r.startAnchor
	r.startAnchor = time.Time{}

	if inside == r.wasInside {
		r.clearPending()
		return "", false
	}

	kind := types.KindExit
	if inside {
		kind = types.KindEnter
	}

	if !r.hasPending() {
		// the first sample after Start dwells from the start itself
		since := now
		if !anchor.IsZero() && now.Sub(anchor) <= cfg.ObservationWindow {
			since = anchor
		}
		r.pendingKind = kind
		r.pendingSince = since
		return "", false
	}

	if now.Sub(r.pendingSince) < cfg.DwellTime {
		return "", false
	}

	r.wasInside = inside
	r.clearPending()
	return kind, true
}

// force applies an externally confirmed transition. It reports false when
// the record already agrees with kind.
func (r *siteRecord) force(kind types.TransitionKind) bool {
	inside := kind == types.KindEnter
	r.clearPending()
	r.startAnchor = time.Time{}
	if r.wasInside == inside {
		return false
	}
	r.wasInside = inside
	return true
}
