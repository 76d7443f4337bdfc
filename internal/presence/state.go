// ============================================================================
// Presence State Service
// ============================================================================
//
// Package: internal/presence
// File: state.go
// Purpose: Owns the single process-wide PresenceState. A passive ledger: the
//          detection pipeline mutates it through four total operations and
//          every call emits exactly one observer event.
//
// Invariant:
//   CurrentSiteID and CheckInTime are both set iff Status == at_site.
//
// ============================================================================

package presence

import (
	"sync"
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
)

// Observer receives a copy of the state after every operation.
type Observer func(state types.PresenceState)

// Service is the geofence state holder.
type Service struct {
	mu        sync.RWMutex
	state     types.PresenceState
	observers map[int]Observer
	nextID    int
	now       func() time.Time
}

// NewService creates a service in the not_at_site state.
func NewService(now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		state:     types.PresenceState{Status: types.StatusNotAtSite},
		observers: make(map[int]Observer),
		now:       now,
	}
}

// Subscribe registers an observer and returns a function that removes it.
func (s *Service) Subscribe(fn Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.observers[id] = fn

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// State returns a copy of the current state.
func (s *Service) State() types.PresenceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyState(s.state)
}

// SetCheckedIn marks the user as at siteID from now on.
func (s *Service) SetCheckedIn(siteID types.SiteID) {
	s.mutate(func(st *types.PresenceState, now time.Time) {
		id := siteID
		st.Status = types.StatusAtSite
		st.CurrentSiteID = &id
		st.CheckInTime = &now
		st.AwayFromSiteStart = nil
		st.ConsecutiveOutOfRange = 0
		st.NotAtSiteDisplayStart = nil
	})
}

// SetNotAtSite clears the check-in. The not-at-site display timer starts
// only if it is not already running.
func (s *Service) SetNotAtSite() {
	s.mutate(func(st *types.PresenceState, now time.Time) {
		st.Status = types.StatusNotAtSite
		st.CurrentSiteID = nil
		st.CheckInTime = nil
		st.AwayFromSiteStart = nil
		st.ConsecutiveOutOfRange = 0
		if st.NotAtSiteDisplayStart == nil {
			st.NotAtSiteDisplayStart = &now
		}
	})
}

// RecordOutOfRange counts a sample that placed a checked-in user outside
// their site. Status is not changed.
func (s *Service) RecordOutOfRange() {
	s.mutate(func(st *types.PresenceState, now time.Time) {
		st.ConsecutiveOutOfRange++
		if st.AwayFromSiteStart == nil {
			st.AwayFromSiteStart = &now
		}
	})
}

// RecordBackInRange resets the out-of-range counter.
func (s *Service) RecordBackInRange() {
	s.mutate(func(st *types.PresenceState, _ time.Time) {
		st.ConsecutiveOutOfRange = 0
		st.AwayFromSiteStart = nil
	})
}

// Restore replaces the state without notifying observers. A state that
// breaks the check-in invariant is replaced by not_at_site.
func (s *Service) Restore(state types.PresenceState) {
	if state.Status == "" {
		state.Status = types.StatusNotAtSite
	}
	if !state.Valid() {
		log.Warn("Discarding inconsistent presence state", "status", state.Status)
		state = types.PresenceState{Status: types.StatusNotAtSite}
	}

	s.mu.Lock()
	s.state = copyState(state)
	s.mu.Unlock()
}

func (s *Service) mutate(fn func(st *types.PresenceState, now time.Time)) {
	s.mu.Lock()
	fn(&s.state, s.now())
	snapshot := copyState(s.state)
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	for _, o := range observers {
		o(snapshot)
	}
}

func copyState(st types.PresenceState) types.PresenceState {
	out := st
	if st.CurrentSiteID != nil {
		id := *st.CurrentSiteID
		out.CurrentSiteID = &id
	}
	out.CheckInTime = copyTime(st.CheckInTime)
	out.AwayFromSiteStart = copyTime(st.AwayFromSiteStart)
	out.NotAtSiteDisplayStart = copyTime(st.NotAtSiteDisplayStart)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
