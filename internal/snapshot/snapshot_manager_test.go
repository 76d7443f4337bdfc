package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkedIn(site types.SiteID, at time.Time) types.SnapshotData {
	return types.SnapshotData{
		Presence: types.PresenceState{
			Status:        types.StatusAtSite,
			CurrentSiteID: &site,
			CheckInTime:   &at,
		},
		Sites: map[types.SiteID]types.SiteRecord{
			site:    {WasInside: true},
			"OTHER": {WasInside: false},
		},
		SavedAt: at,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "state.json")
	manager := NewManager(snapshotPath)

	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	original := checkedIn("S1", at)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, types.StatusAtSite, loaded.Presence.Status)
	require.NotNil(t, loaded.Presence.CurrentSiteID)
	assert.Equal(t, types.SiteID("S1"), *loaded.Presence.CurrentSiteID)
	require.NotNil(t, loaded.Presence.CheckInTime)
	assert.True(t, loaded.Presence.CheckInTime.Equal(at))
	assert.True(t, loaded.Presence.Valid())
	assert.Equal(t, original.Sites, loaded.Sites)
}

// TestAtomicWrite 寫入時同時讀取，只能讀到完整的舊版或新版
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "state.json")
	manager := NewManager(snapshotPath)

	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, manager.Write(checkedIn("OLD", at)))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(checkedIn("NEW", at)))
	}()

	var loaded types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	require.NotNil(t, loaded.Presence.CurrentSiteID)
	site := *loaded.Presence.CurrentSiteID
	assert.True(t, site == "OLD" || site == "NEW", "got %s", site)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "state.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(Empty()))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 無快照時回傳 not_at_site 與空的工地紀錄
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, types.StatusNotAtSite, loaded.Presence.Status)
	assert.Nil(t, loaded.Presence.CurrentSiteID)
	assert.NotNil(t, loaded.Sites)
	assert.Empty(t, loaded.Sites)
}

func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "state.json")
	manager := NewManager(snapshotPath)

	data := Empty()
	data.SchemaVer = 2
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "state.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"presence": {"status": "at_site"`), 0o644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 上層路徑是一般檔案，無法建立目錄
func TestWriteFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	manager := NewManager(filepath.Join(blocker, "state.json"))
	assert.Error(t, manager.Write(Empty()))
}

func TestWrite_CreatesDirectory(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "a", "b", "state.json"))
	require.NoError(t, manager.Write(Empty()))
	assert.True(t, manager.Exists())
}

func TestLoad_FillsMissingFields(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"schema_ver": 1}`), 0o644))

	loaded, err := NewManager(snapshotPath).Load()
	require.NoError(t, err)
	assert.Equal(t, types.StatusNotAtSite, loaded.Presence.Status)
	assert.NotNil(t, loaded.Sites)
}

// ============================================================================
// 並發安全測試
// ============================================================================

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "state.json"))
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	numGoroutines := 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(checkedIn(types.SiteID(fmt.Sprintf("S%d", index)), at)))
		}(i)
	}

	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.True(t, loaded.Presence.Valid())
}
