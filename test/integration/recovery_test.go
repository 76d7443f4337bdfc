// ============================================================================
// SitePresence 端到端測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: SQLite 佇列 + HTTP 傳輸 + 控制器的端到端情境
//
// 情境:
//   A. 線上：第 4 個樣本確認 Enter，立即送達，不入列
//   B. 離線：Enter 入列；程序重啟後佇列與在場狀態都還在；上線後同步一次送達
//   C. 永久失敗：後端回 404，同步後事件離開待送集合，保留為 rejected
//
// ============================================================================

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func TestScenarioA_OnlineEnter(t *testing.T) {
	backend := newFakeBackend(t)
	a := startAgent(t, t.TempDir(), backend, newClock())
	defer a.stop(t)

	in := sampleAt(10)
	assert.Empty(t, a.feed(in, in, in))
	confirmed := a.feed(in)
	require.Len(t, confirmed, 1)
	assert.Equal(t, types.KindEnter, confirmed[0].Kind)

	accepted := backend.Accepted()
	require.Len(t, accepted, 1)
	assert.Equal(t, "worker-42", accepted[0]["userId"])
	assert.Equal(t, "S1", accepted[0]["siteId"])
	assert.Equal(t, "enter", accepted[0]["eventType"])
	assert.Equal(t, 0, pendingCount(t, a))
	assert.Equal(t, types.StatusAtSite, a.ctrl.Presence().Status)
}

func TestScenarioB_OfflineQueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	backend := newFakeBackend(t)
	backend.mode.Store(modeOffline)
	clock := newClock()

	// 第一階段：離線時確認 Enter
	a := startAgent(t, dir, backend, clock)
	require.Len(t, a.feed(repeat(sampleAt(10), 4)...), 1)
	assert.Equal(t, 1, pendingCount(t, a))
	a.stop(t)

	// 第二階段：重啟
	a2 := startAgent(t, dir, backend, clock)
	defer a2.stop(t)

	assert.Equal(t, 1, pendingCount(t, a2))
	st := a2.ctrl.Presence()
	require.Equal(t, types.StatusAtSite, st.Status)
	assert.Equal(t, types.SiteID("S1"), *st.CurrentSiteID)

	// still inside after the restart: no second Enter
	assert.Empty(t, a2.feed(repeat(sampleAt(10), 5)...))

	// 上線後同步
	backend.mode.Store(modeOnline)
	res, err := a2.ctrl.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SyncResult{Synced: 1, Failed: 0}, res)

	assert.Equal(t, 0, pendingCount(t, a2))
	accepted := backend.Accepted()
	require.Len(t, accepted, 1)
	assert.Equal(t, "enter", accepted[0]["eventType"])

	// a second sync delivers nothing new
	res, err = a2.ctrl.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SyncResult{}, res)
	assert.Len(t, backend.Accepted(), 1)
}

func TestScenarioC_PermanentFailureLeavesQueue(t *testing.T) {
	backend := newFakeBackend(t)
	backend.mode.Store(modeOffline)
	a := startAgent(t, t.TempDir(), backend, newClock())
	defer a.stop(t)

	require.Len(t, a.feed(repeat(sampleAt(10), 4)...), 1)
	require.Equal(t, 1, pendingCount(t, a))

	backend.mode.Store(modeReject)
	res, err := a.ctrl.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SyncResult{Synced: 0, Failed: 1}, res, "a rejected event is reported as failed")
	assert.Equal(t, 0, pendingCount(t, a))

	rejected, err := a.ctrl.Rejected(context.Background())
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, types.OutcomeRejected, rejected[0].Outcome)
	assert.Contains(t, rejected[0].LastError, "site not found")

	// never retried
	backend.mode.Store(modeOnline)
	_, err = a.ctrl.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, backend.Accepted())
}

func TestEnterExitOrderPreservedThroughQueue(t *testing.T) {
	backend := newFakeBackend(t)
	backend.mode.Store(modeOffline)
	a := startAgent(t, t.TempDir(), backend, newClock())
	defer a.stop(t)

	require.Len(t, a.feed(repeat(sampleAt(10), 4)...), 1)
	require.Len(t, a.feed(repeat(sampleAt(400), 5)...), 1)
	require.Equal(t, 2, pendingCount(t, a))

	backend.mode.Store(modeOnline)
	_, err := a.ctrl.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pendingCount(t, a))

	accepted := backend.Accepted()
	require.Len(t, accepted, 2)
	assert.Equal(t, "enter", accepted[0]["eventType"])
	assert.Equal(t, "exit", accepted[1]["eventType"])
	keys := backend.Keys()
	assert.NotEqual(t, keys[0], keys[1])
}
