package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/sitepresence/internal/controller"
	"github.com/ChuLiYu/sitepresence/internal/geo"
	"github.com/ChuLiYu/sitepresence/internal/identity"
	"github.com/ChuLiYu/sitepresence/internal/sites"
	"github.com/ChuLiYu/sitepresence/internal/storage/sqlite"
	"github.com/ChuLiYu/sitepresence/internal/tracking"
	"github.com/ChuLiYu/sitepresence/internal/transport"
	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/stretchr/testify/require"
)

// backend modes
const (
	modeOnline int32 = iota
	modeOffline
	modeReject
)

// fakeBackend is an HTTP ingest endpoint whose behaviour can be switched.
type fakeBackend struct {
	*httptest.Server
	mode atomic.Int32

	mu       sync.Mutex
	accepted []map[string]any
	keys     []string
}

func newFakeBackend(t testing.TB) *fakeBackend {
	b := &fakeBackend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch b.mode.Load() {
		case modeOffline:
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		case modeReject:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"site not found"}`))
			return
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.accepted = append(b.accepted, body)
		b.keys = append(b.keys, r.Header.Get("Idempotency-Key"))
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *fakeBackend) Accepted() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.accepted...)
}

func (b *fakeBackend) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.keys...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var siteS1 = types.MonitoredSite{
	ID:                "S1",
	Name:              "Docklands",
	Latitude:          53.3498,
	Longitude:         -6.2603,
	AutoTriggerRadius: 50,
}

func sampleAt(meters float64) types.PositionSample {
	lat, lon := geo.Offset(siteS1.Latitude, siteS1.Longitude, meters, 90)
	return types.PositionSample{Latitude: lat, Longitude: lon, HorizontalAccuracy: 10}
}

// agent is a controller over a SQLite queue and the HTTP transport.
type agent struct {
	ctrl  *controller.Controller
	store *sqlite.Store
	clock *fakeClock
}

// launchAgent starts an agent without waiting for anything.
func launchAgent(t testing.TB, dir string, backend *fakeBackend, clock *fakeClock) *agent {
	t.Helper()

	store, err := sqlite.Open(context.Background(), filepath.Join(dir, "queue.db"))
	require.NoError(t, err)

	sender := transport.WithRetry(
		transport.NewHTTPSender(backend.URL, "token", 2*time.Second),
		transport.RetryPolicy{Timeout: 2 * time.Second, Attempts: 1},
	)

	ctrl, err := controller.NewController(controller.Config{
		Tracking:         tracking.DefaultConfig(),
		SyncInterval:     time.Hour,
		CleanupInterval:  time.Hour,
		SnapshotInterval: time.Hour,
		SnapshotPath:     filepath.Join(dir, "state.json"),
	}, controller.Deps{
		Store:    store,
		Sender:   sender,
		Identity: identity.Static("worker-42"),
		Sites:    sites.Static{siteS1},
		Clock:    clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))

	return &agent{ctrl: ctrl, store: store, clock: clock}
}

// startAgent launches an agent and waits for its startup sync, so the syncs a
// test triggers never join it.
func startAgent(t testing.TB, dir string, backend *fakeBackend, clock *fakeClock) *agent {
	t.Helper()
	a := launchAgent(t, dir, backend, clock)
	a.awaitStartupSync(t)
	return a
}

func (a *agent) awaitStartupSync(t testing.TB) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := a.ctrl.GetStatus(context.Background())
		return err == nil && st.LastSyncAt != nil
	}, 30*time.Second, 10*time.Millisecond)
}

// stop simulates a process exit.
func (a *agent) stop(t testing.TB) {
	t.Helper()
	a.ctrl.Stop()
	require.NoError(t, a.store.Close())
}

// feed advances the clock 25s before each sample, the poll cadence of the field app.
func (a *agent) feed(samples ...types.PositionSample) []types.TransitionEvent {
	var out []types.TransitionEvent
	for _, s := range samples {
		a.clock.Advance(25 * time.Second)
		s.CapturedAt = a.clock.Now()
		out = append(out, a.ctrl.HandleSample(context.Background(), s).Confirmed...)
	}
	return out
}

func repeat(s types.PositionSample, n int) []types.PositionSample {
	out := make([]types.PositionSample, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func pendingCount(t testing.TB, a *agent) int {
	t.Helper()
	n, err := a.store.CountPending(context.Background())
	require.NoError(t, err)
	return n
}
