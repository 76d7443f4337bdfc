// Package storetest holds the behaviour every queue.Store must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/sitepresence/internal/queue"
	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener opens a store rooted in dir. Opening the same dir twice must see
// the same data.
type Opener func(t *testing.T, dir string) queue.Store

var base = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func event(site string, kind types.TransitionKind, ts time.Time) types.QueuedEvent {
	lat, lon := 53.3498, -6.2603
	return types.NewQueuedEvent(types.TransitionEvent{
		UserID:    "u1",
		SiteID:    types.SiteID(site),
		Kind:      kind,
		Latitude:  &lat,
		Longitude: &lon,
		Timestamp: ts,
	}, base.Add(time.Hour))
}

// Run executes the suite against open.
func Run(t *testing.T, open Opener) {
	t.Run("InsertAndPending", func(t *testing.T) { testInsertAndPending(t, open) })
	t.Run("PendingOrder", func(t *testing.T) { testPendingOrder(t, open) })
	t.Run("MarkDelivered", func(t *testing.T) { testMarkDelivered(t, open) })
	t.Run("MarkRejected", func(t *testing.T) { testMarkRejected(t, open) })
	t.Run("RecordRetry", func(t *testing.T) { testRecordRetry(t, open) })
	t.Run("UnknownID", func(t *testing.T) { testUnknownID(t, open) })
	t.Run("DeleteSyncedBefore", func(t *testing.T) { testDeleteSyncedBefore(t, open) })
	t.Run("SurvivesReopen", func(t *testing.T) { testSurvivesReopen(t, open) })
	t.Run("IDsNeverReused", func(t *testing.T) { testIDsNeverReused(t, open) })
}

func testInsertAndPending(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, t.TempDir())
	defer s.Close()

	id, err := s.Insert(ctx, event("S1", types.KindEnter, base))
	require.NoError(t, err)
	assert.Positive(t, id)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	got := pending[0]
	assert.Equal(t, id, got.LocalID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, types.SiteID("S1"), got.SiteID)
	assert.Equal(t, types.KindEnter, got.EventType)
	assert.True(t, got.Timestamp.Equal(base))
	assert.Equal(t, 0, got.RetryCount)
	assert.False(t, got.IsSynced)
	assert.Equal(t, types.OutcomePending, got.Outcome)
	require.NotNil(t, got.Latitude)
	assert.InDelta(t, 53.3498, *got.Latitude, 1e-9)

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testPendingOrder(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, t.TempDir())
	defer s.Close()

	// inserted out of event-time order, two sharing a timestamp
	idLate, _ := s.Insert(ctx, event("S1", types.KindExit, base.Add(2*time.Minute)))
	idTieA, _ := s.Insert(ctx, event("S2", types.KindEnter, base.Add(time.Minute)))
	idTieB, _ := s.Insert(ctx, event("S3", types.KindEnter, base.Add(time.Minute)))
	idEarly, _ := s.Insert(ctx, event("S1", types.KindEnter, base))

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 4)

	var ids []int64
	for _, ev := range pending {
		ids = append(ids, ev.LocalID)
	}
	assert.Equal(t, []int64{idEarly, idTieA, idTieB, idLate}, ids)
}

func testMarkDelivered(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, t.TempDir())
	defer s.Close()

	id, _ := s.Insert(ctx, event("S1", types.KindEnter, base))
	require.NoError(t, s.MarkDelivered(ctx, id, base.Add(time.Hour)))

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	rejected, err := s.Rejected(ctx)
	require.NoError(t, err)
	assert.Empty(t, rejected)
}

func testMarkRejected(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, t.TempDir())
	defer s.Close()

	id, _ := s.Insert(ctx, event("S9", types.KindEnter, base))
	require.NoError(t, s.MarkRejected(ctx, id, "site not found", base.Add(time.Hour)))

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rejected, err := s.Rejected(ctx)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.True(t, rejected[0].IsSynced)
	assert.Equal(t, types.OutcomeRejected, rejected[0].Outcome)
	assert.Equal(t, "site not found", rejected[0].LastError)
	require.NotNil(t, rejected[0].SyncedAt)
}

func testRecordRetry(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, t.TempDir())
	defer s.Close()

	id, _ := s.Insert(ctx, event("S1", types.KindEnter, base))
	require.NoError(t, s.RecordRetry(ctx, id, "timeout", base.Add(time.Hour)))
	require.NoError(t, s.RecordRetry(ctx, id, "timeout", base.Add(2*time.Hour)))

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].RetryCount)
	require.NotNil(t, pending[0].LastRetryAt)
	assert.True(t, pending[0].LastRetryAt.Equal(base.Add(2*time.Hour)))
	assert.False(t, pending[0].IsSynced)
}

func testUnknownID(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, t.TempDir())
	defer s.Close()

	err := s.MarkDelivered(ctx, 42, base)
	assert.ErrorIs(t, err, queue.ErrEventNotFound)
}

func testDeleteSyncedBefore(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, t.TempDir())
	defer s.Close()

	oldSynced, _ := s.Insert(ctx, event("S1", types.KindEnter, base))
	_, _ = s.Insert(ctx, event("S1", types.KindExit, base.Add(time.Minute)))
	recentSynced, _ := s.Insert(ctx, event("S2", types.KindEnter, base.Add(40*24*time.Hour)))
	require.NoError(t, s.MarkDelivered(ctx, oldSynced, base.Add(time.Hour)))
	require.NoError(t, s.MarkDelivered(ctx, recentSynced, base.Add(40*24*time.Hour)))

	n, err := s.DeleteSyncedBefore(ctx, base.Add(10*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "old unsynced event is kept")
	assert.Equal(t, types.KindExit, pending[0].EventType)

	n, err = s.DeleteSyncedBefore(ctx, base.Add(10*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// An acknowledged insert must be visible after the store is reopened.
func testSurvivesReopen(t *testing.T, open Opener) {
	ctx := context.Background()
	dir := t.TempDir()

	s := open(t, dir)
	id1, err := s.Insert(ctx, event("S1", types.KindEnter, base))
	require.NoError(t, err)
	id2, err := s.Insert(ctx, event("S1", types.KindExit, base.Add(time.Minute)))
	require.NoError(t, err)
	require.NoError(t, s.RecordRetry(ctx, id1, "offline", base.Add(time.Hour)))
	require.NoError(t, s.Close())

	s = open(t, dir)
	defer s.Close()

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].LocalID)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, id2, pending[1].LocalID)
}

func testIDsNeverReused(t *testing.T, open Opener) {
	ctx := context.Background()
	dir := t.TempDir()

	s := open(t, dir)
	_, _ = s.Insert(ctx, event("S1", types.KindEnter, base))
	last, _ := s.Insert(ctx, event("S1", types.KindExit, base.Add(time.Minute)))
	require.NoError(t, s.MarkDelivered(ctx, last, base.Add(time.Hour)))
	_, err := s.DeleteSyncedBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = open(t, dir)
	defer s.Close()
	next, err := s.Insert(ctx, event("S2", types.KindEnter, base.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Greater(t, next, last)
}
