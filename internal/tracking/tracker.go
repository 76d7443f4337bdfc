// ============================================================================
// Location Tracking - geofence transition detector
// ============================================================================
//
// Package: internal/tracking
// File: tracker.go
// Purpose: Converts a noisy stream of position samples into confirmed
//          Enter/Exit transitions, one independent state machine per site.
//
// Per sample, in order:
//   1. Rate limit   - drop if the last processed sample is too recent
//   2. Accuracy     - drop fixes worse than MaxAccuracy
//   3. Distance     - haversine distance to every monitored site
//   4. Hysteresis   - asymmetric radius +/- buffer against wasInside
//   5. Dwell        - a candidate must persist DwellTime before it is confirmed
//   6. Radius       - detection always uses the auto trigger radius
//
// Concurrency:
//   Samples are processed one at a time under mu. Confirmed transitions are
//   handed to the TransitionHandler before the next sample is looked at.
//
// Stop / Start:
//   Both are idempotent. Samples arriving while stopped are ignored. Start
//   keeps wasInside for every site but discards pending candidates, so the
//   dwell clock restarts after a pause.
//
// ============================================================================

package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ChuLiYu/sitepresence/internal/geo"
	"github.com/ChuLiYu/sitepresence/internal/identity"
	"github.com/ChuLiYu/sitepresence/pkg/types"
)

var log = slog.Default().With("component", "tracking")

// ErrInvalidRadius is reported for a site whose auto trigger radius is unusable.
var ErrInvalidRadius = errors.New("tracking: site radius must be a positive number")

// TransitionHandler receives confirmed transitions. Both the poll and the
// push adapter end up here.
type TransitionHandler interface {
	OnConfirmedTransition(ctx context.Context, ev types.TransitionEvent) error
}

// HandlerFunc adapts a function to TransitionHandler.
type HandlerFunc func(ctx context.Context, ev types.TransitionEvent) error

// OnConfirmedTransition implements TransitionHandler.
func (f HandlerFunc) OnConfirmedTransition(ctx context.Context, ev types.TransitionEvent) error {
	return f(ctx, ev)
}

// RangeObserver is an optional interface a handler may implement to see the
// raw hysteresis result for every evaluated site.
type RangeObserver interface {
	OnRangeObserved(siteID types.SiteID, inside bool)
}

// Recorder receives detection metrics.
type Recorder interface {
	RecordSample(disposition string)
	RecordTransition(kind types.TransitionKind)
}

type nopRecorder struct{}

func (nopRecorder) RecordSample(string)                   {}
func (nopRecorder) RecordTransition(types.TransitionKind) {}

// Disposition says what happened to a sample.
type Disposition string

const (
	DispositionProcessed   Disposition = "processed"
	DispositionRateLimited Disposition = "rate_limited"
	DispositionInaccurate  Disposition = "inaccurate"
	DispositionInvalid     Disposition = "invalid"
	DispositionStopped     Disposition = "stopped"
)

// Result reports the outcome of HandleSample.
type Result struct {
	Disposition Disposition
	Confirmed   []types.TransitionEvent
	SiteErrors  int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(t *Tracker) {
		if r != nil {
			t.metrics = r
		}
	}
}

// Tracker is the location tracking service.
type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	handler  TransitionHandler
	identity identity.Provider
	metrics  Recorder
	now      func() time.Time

	sites    []types.MonitoredSite
	records  map[types.SiteID]*siteRecord
	restored map[types.SiteID]types.SiteRecord

	running         bool
	startedAt       time.Time
	lastProcessedAt time.Time
}

// NewTracker creates a stopped tracker with no sites.
func NewTracker(cfg Config, handler TransitionHandler, id identity.Provider, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracking config: %w", err)
	}
	if handler == nil {
		return nil, errors.New("tracking: transition handler is required")
	}
	if err := identity.Validate(id); err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:      cfg,
		handler:  handler,
		identity: id,
		metrics:  nopRecorder{},
		now:      time.Now,
		records:  make(map[types.SiteID]*siteRecord),
		restored: make(map[types.SiteID]types.SiteRecord),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start begins accepting samples. Calling Start on a running tracker is a no-op.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}

	now := t.now()
	t.running = true
	t.startedAt = now
	t.lastProcessedAt = time.Time{}

	discarded := 0
	for _, rec := range t.records {
		if rec.hasPending() {
			discarded++
		}
		rec.clearPending()
		rec.startAnchor = now
	}

	log.Info("Tracking started", "sites", len(t.sites), "discarded_candidates", discarded)
}

// Stop stops accepting samples. Per-site state is kept.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	t.running = false
	log.Info("Tracking stopped")
}

// Running reports whether samples are accepted.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// SetSites replaces the monitored set. State of sites that are no longer
// present is dropped; sites that stay keep their state.
func (t *Tracker) SetSites(sites []types.MonitoredSite) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make([]types.MonitoredSite, 0, len(sites))
	records := make(map[types.SiteID]*siteRecord, len(sites))

	for _, site := range sites {
		if _, dup := records[site.ID]; dup {
			log.Warn("Ignoring duplicate site", "site_id", site.ID)
			continue
		}
		if site.AutoTriggerRadius <= t.cfg.HysteresisBuffer {
			log.Warn("Site radius is within the hysteresis buffer, automatic entry is impossible",
				"site_id", site.ID, "radius", site.AutoTriggerRadius, "buffer", t.cfg.HysteresisBuffer)
		}
		rec, ok := t.records[site.ID]
		if !ok {
			rec = &siteRecord{}
			if t.running {
				rec.startAnchor = t.startedAt
			}
			if r, found := t.restored[site.ID]; found {
				rec.wasInside = r.WasInside
			}
		}
		records[site.ID] = rec
		next = append(next, site)
	}

	removed := 0
	for id := range t.records {
		if _, ok := records[id]; !ok {
			removed++
		}
	}

	t.sites = next
	t.records = records
	log.Info("Monitored sites updated", "sites", len(next), "removed", removed)
}

// Sites returns the current monitored set.
func (t *Tracker) Sites() []types.MonitoredSite {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.MonitoredSite, len(t.sites))
	copy(out, t.sites)
	return out
}

// Records exports wasInside for every monitored site.
func (t *Tracker) Records() map[types.SiteID]types.SiteRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[types.SiteID]types.SiteRecord, len(t.records))
	for id, rec := range t.records {
		out[id] = types.SiteRecord{WasInside: rec.wasInside}
	}
	return out
}

// Restore seeds wasInside from a snapshot. It applies to current sites and
// to sites added later by SetSites.
func (t *Tracker) Restore(records map[types.SiteID]types.SiteRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.restored = make(map[types.SiteID]types.SiteRecord, len(records))
	for id, r := range records {
		t.restored[id] = r
		if rec, ok := t.records[id]; ok {
			rec.wasInside = r.WasInside
			rec.clearPending()
		}
	}
}

// Run processes samples from ch until it is closed or ctx is done.
func (t *Tracker) Run(ctx context.Context, ch <-chan types.PositionSample) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			t.HandleSample(ctx, s)
		}
	}
}

// HandleSample runs one sample through the detection pipeline.
func (t *Tracker) HandleSample(ctx context.Context, s types.PositionSample) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := t.handleSampleLocked(ctx, s)
	t.metrics.RecordSample(string(res.Disposition))
	return res
}

func (t *Tracker) handleSampleLocked(ctx context.Context, s types.PositionSample) Result {
	if !t.running {
		return Result{Disposition: DispositionStopped}
	}

	now := t.now()

	// 1. rate limit
	if !t.lastProcessedAt.IsZero() && now.Sub(t.lastProcessedAt) < t.cfg.MinUpdateInterval {
		return Result{Disposition: DispositionRateLimited}
	}
	t.lastProcessedAt = now

	if !validCoordinates(s) {
		log.Warn("Dropping sample with invalid coordinates",
			"latitude", s.Latitude, "longitude", s.Longitude)
		return Result{Disposition: DispositionInvalid}
	}

	// 2. accuracy gate
	if math.IsNaN(s.HorizontalAccuracy) || s.HorizontalAccuracy < 0 || s.HorizontalAccuracy > t.cfg.MaxAccuracy {
		log.Debug("Dropping inaccurate sample", "accuracy", s.HorizontalAccuracy)
		return Result{Disposition: DispositionInaccurate}
	}

	// 3-6. per-site evaluation, isolated
	res := Result{Disposition: DispositionProcessed}
	for _, site := range t.sites {
		ev, err := t.evaluateSite(site, s, now)
		if err != nil {
			res.SiteErrors++
			log.Error("Site evaluation failed", "site_id", site.ID, "error", err)
			continue
		}
		if ev == nil {
			continue
		}

		res.Confirmed = append(res.Confirmed, *ev)
		t.dispatch(ctx, *ev)
	}
	return res
}

func (t *Tracker) evaluateSite(site types.MonitoredSite, s types.PositionSample, now time.Time) (ev *types.TransitionEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while evaluating site %s: %v", site.ID, r)
		}
	}()

	radius := site.AutoTriggerRadius
	if math.IsNaN(radius) || math.IsInf(radius, 0) || radius <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRadius, radius)
	}

	rec, ok := t.records[site.ID]
	if !ok {
		return nil, fmt.Errorf("no record for site %s", site.ID)
	}

	distance := geo.ToSite(s, site)
	if math.IsNaN(distance) {
		return nil, errors.New("distance is not a number")
	}

	inside := insideWithHysteresis(rec.wasInside, distance, radius, t.cfg.HysteresisBuffer)
	if ro, ok := t.handler.(RangeObserver); ok {
		ro.OnRangeObserved(site.ID, inside)
	}

	kind, confirmed := rec.observe(inside, now, t.cfg)
	if !confirmed {
		return nil, nil
	}

	lat, lon := s.Latitude, s.Longitude
	log.Info("Transition confirmed",
		"site_id", site.ID,
		"kind", kind,
		"distance_m", math.Round(distance))

	return &types.TransitionEvent{
		UserID:    t.identity.UserID(),
		SiteID:    site.ID,
		Kind:      kind,
		Latitude:  &lat,
		Longitude: &lon,
		Timestamp: now,
		Source:    "poll",
	}, nil
}

// ApplyRegionEvent applies a transition reported by the platform's own
// geofencing. It is dropped when the site already is in that state.
func (t *Tracker) ApplyRegionEvent(ctx context.Context, re RegionEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return false
	}

	rec, ok := t.records[re.SiteID]
	if !ok {
		log.Warn("Region event for unknown site", "site_id", re.SiteID)
		return false
	}

	now := t.now()
	if !rec.force(re.Kind) {
		log.Debug("Duplicate region event dropped", "site_id", re.SiteID, "kind", re.Kind)
		return false
	}

	at := re.At
	if at.IsZero() {
		at = now
	}
	ev := types.TransitionEvent{
		UserID:    t.identity.UserID(),
		SiteID:    re.SiteID,
		Kind:      re.Kind,
		Latitude:  re.Latitude,
		Longitude: re.Longitude,
		Timestamp: at,
		Source:    "push",
	}
	log.Info("Region transition applied", "site_id", re.SiteID, "kind", re.Kind)
	t.dispatch(ctx, ev)
	return true
}

func (t *Tracker) dispatch(ctx context.Context, ev types.TransitionEvent) {
	t.metrics.RecordTransition(ev.Kind)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Transition handler panicked", "site_id", ev.SiteID, "panic", r)
		}
	}()

	if err := t.handler.OnConfirmedTransition(ctx, ev); err != nil {
		log.Error("Transition handler failed",
			"site_id", ev.SiteID,
			"kind", ev.Kind,
			"error", err)
	}
}

func validCoordinates(s types.PositionSample) bool {
	if math.IsNaN(s.Latitude) || math.IsNaN(s.Longitude) {
		return false
	}
	return s.Latitude >= -90 && s.Latitude <= 90 && s.Longitude >= -180 && s.Longitude <= 180
}
