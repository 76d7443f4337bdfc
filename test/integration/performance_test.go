// ============================================================================
// SitePresence Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: recovery time with a large backlog, sync and sample throughput
//
// TestRecoveryWithBacklog:
//   - queue 500 events while offline
//   - restart the agent, target: Start < 3 seconds
//   - every event is delivered by one sync, in event time order
//
// BenchmarkHandleSample / BenchmarkSync:
//   per-sample tracker cost with 50 sites, drain cost of the SQLite queue
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/sitepresence/internal/geo"
	"github.com/ChuLiYu/sitepresence/internal/identity"
	"github.com/ChuLiYu/sitepresence/internal/queue"
	"github.com/ChuLiYu/sitepresence/internal/tracking"
	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const backlogSize = 500

func fillBacklog(t testing.TB, q *queue.Service, base time.Time) {
	t.Helper()
	for i := 0; i < backlogSize; i++ {
		kind := types.KindEnter
		if i%2 == 1 {
			kind = types.KindExit
		}
		ev := types.TransitionEvent{
			UserID:    "worker-42",
			SiteID:    types.SiteID(fmt.Sprintf("S%d", i%7)),
			Kind:      kind,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		delivered, err := q.PostOrQueue(context.Background(), ev)
		require.NoError(t, err)
		require.False(t, delivered)
	}
}

func TestRecoveryWithBacklog(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping backlog test in short mode")
	}

	dir := t.TempDir()
	backend := newFakeBackend(t)
	backend.mode.Store(modeOffline)
	clock := newClock()

	a := startAgent(t, dir, backend, clock)
	q := queue.NewService(a.store, failingSender{}, identity.Static("worker-42"))
	fillBacklog(t, q, clock.Now().Add(-48*time.Hour))
	require.Equal(t, backlogSize, pendingCount(t, a))
	a.stop(t)

	// 重啟並計時
	start := time.Now()
	a2 := launchAgent(t, dir, backend, clock)
	recovery := time.Since(start)
	defer a2.stop(t)

	t.Logf("recovery with %d queued events: %v", backlogSize, recovery)
	assert.Less(t, recovery, 3*time.Second)
	a2.awaitStartupSync(t)

	backend.mode.Store(modeOnline)
	res, err := a2.ctrl.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SyncResult{Synced: backlogSize}, res)
	assert.Equal(t, 0, pendingCount(t, a2))

	accepted := backend.Accepted()
	require.Len(t, accepted, backlogSize)
	var prev time.Time
	for i, body := range accepted {
		ts, err := time.Parse(time.RFC3339Nano, body["timestamp"].(string))
		require.NoError(t, err)
		require.False(t, ts.Before(prev), "event %d delivered out of order", i)
		prev = ts
	}
}

type failingSender struct{}

func (failingSender) Send(context.Context, types.TransitionEvent) error {
	return fmt.Errorf("offline")
}

func BenchmarkHandleSample(b *testing.B) {
	list := make([]types.MonitoredSite, 50)
	for i := range list {
		lat, lon := geo.Offset(siteS1.Latitude, siteS1.Longitude, float64(i)*300, 45)
		list[i] = types.MonitoredSite{ID: types.SiteID(fmt.Sprintf("S%d", i)), Latitude: lat, Longitude: lon, AutoTriggerRadius: 80}
	}

	clock := newClock()
	handler := tracking.HandlerFunc(func(context.Context, types.TransitionEvent) error { return nil })
	tr, err := tracking.NewTracker(tracking.DefaultConfig(), handler, identity.Static("worker-42"), tracking.WithClock(clock.Now))
	require.NoError(b, err)
	tr.SetSites(list)
	tr.Start()

	s := sampleAt(120)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		clock.Advance(25 * time.Second)
		tr.HandleSample(context.Background(), s)
	}
}

func BenchmarkSync(b *testing.B) {
	backend := newFakeBackend(b)
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		backend.mode.Store(modeOffline)
		a := startAgent(b, b.TempDir(), backend, newClock())
		q := queue.NewService(a.store, failingSender{}, identity.Static("worker-42"))
		fillBacklog(b, q, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		backend.mode.Store(modeOnline)
		b.StartTimer()

		_, err := a.ctrl.SyncNow(context.Background())
		require.NoError(b, err)

		b.StopTimer()
		a.stop(b)
	}
}
