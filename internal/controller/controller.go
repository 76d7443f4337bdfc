// ============================================================================
// SitePresence 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝 tracker / presence / queue / snapshot，負責啟動恢復與背景循環
//
// 組件:
//   - Tracker:  定位樣本 → 確認的 enter/exit
//   - Pipeline: 確認轉換 → 在場狀態 + PostOrQueue + 通知
//   - Queue:    離線佇列，Sync 單飛
//   - Snapshot: 在場狀態與每個工地的 wasInside
//
// 背景循環 (3 個 Goroutine):
//   1. Sync Loop     - 啟動後立即同步一次，之後每 SyncInterval 一次
//   2. Cleanup Loop  - 刪除超過保留期限的已同步事件
//   3. Snapshot Loop - 定期寫快照；在場狀態改變時也會觸發
//
// 恢復流程 (Start):
//   1. loadSnapshot() - 還原在場狀態與 wasInside
//   2. 從 Site Directory 載入工地
//   3. tracker.Start()，待確認候選一律重新計時
//
// 關閉順序 (Stop，冪等):
//   1. tracker.Stop() → 不再產生新轉換
//   2. close(stopCh) + cancel → 通知循環
//   3. loopWg.Wait()
//   4. 最後一次快照
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/sitepresence/internal/identity"
	"github.com/ChuLiYu/sitepresence/internal/metrics"
	"github.com/ChuLiYu/sitepresence/internal/notify"
	"github.com/ChuLiYu/sitepresence/internal/presence"
	"github.com/ChuLiYu/sitepresence/internal/queue"
	"github.com/ChuLiYu/sitepresence/internal/sites"
	"github.com/ChuLiYu/sitepresence/internal/snapshot"
	"github.com/ChuLiYu/sitepresence/internal/tracking"
	"github.com/ChuLiYu/sitepresence/pkg/types"
)

var log = slog.Default().With("component", "controller")

// ErrNotStarted is returned by operations that need a started controller.
var ErrNotStarted = errors.New("controller: not started")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Tracking         tracking.Config
	SyncInterval     time.Duration // 背景同步間隔
	CleanupInterval  time.Duration // 清理間隔
	Retention        time.Duration // 已同步事件保留期限
	SnapshotInterval time.Duration // 快照間隔
	SnapshotPath     string        // 快照檔案路徑
}

// Deps 外部依賴；Notifier 與 Metrics 可為 nil
type Deps struct {
	Store    queue.Store
	Sender   queue.Sender
	Identity identity.Provider
	Sites    sites.Directory
	Notifier notify.Notifier
	Metrics  *metrics.Collector
	Clock    func() time.Time
}

// Status 對外回報的系統狀態
type Status struct {
	Presence types.PresenceState `json:"presence"`
	Tracking bool                `json:"tracking"`
	Sites    int                 `json:"sites"`
	Pending  int                 `json:"pending"`
	Deferred int                 `json:"deferred"`
	Uptime   string              `json:"uptime"`
	// LastSyncAt 最近一次完成的同步（含失敗），尚未同步過時為空
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// Controller 核心控制器
type Controller struct {
	mu        sync.Mutex
	config    Config
	deps      Deps
	now       func() time.Time
	presence  *presence.Service
	pipeline  *Pipeline
	tracker   *tracking.Tracker
	push      *tracking.PushAdapter
	queue     *queue.Service
	snapshot  *snapshot.Manager
	stopCh    chan struct{}
	dirty     chan struct{} // 在場狀態改變，需要寫快照
	cancel    context.CancelFunc
	started   bool
	stopped   bool
	startTime time.Time
	lastSync  time.Time
	loopWg    sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例，尚未開始追蹤
func NewController(config Config, deps Deps) (*Controller, error) {
	if deps.Store == nil || deps.Sender == nil || deps.Sites == nil {
		return nil, errors.New("controller: store, sender and sites are required")
	}
	if err := identity.Validate(deps.Identity); err != nil {
		return nil, err
	}
	if config.SyncInterval <= 0 || config.CleanupInterval <= 0 || config.SnapshotInterval <= 0 {
		return nil, errors.New("controller: loop intervals must be positive")
	}

	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	qopts := []queue.Option{queue.WithClock(now), queue.WithRetention(config.Retention)}
	topts := []tracking.Option{tracking.WithClock(now)}
	if deps.Metrics != nil {
		qopts = append(qopts, queue.WithRecorder(deps.Metrics))
		topts = append(topts, tracking.WithRecorder(deps.Metrics))
	}

	q := queue.NewService(deps.Store, deps.Sender, deps.Identity, qopts...)
	p := presence.NewService(now)
	pipeline := NewPipeline(p, q, deps.Notifier)

	tracker, err := tracking.NewTracker(config.Tracking, pipeline, deps.Identity, topts...)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		config:   config,
		deps:     deps,
		now:      now,
		presence: p,
		pipeline: pipeline,
		tracker:  tracker,
		push:     tracking.NewPushAdapter(tracker),
		queue:    q,
		snapshot: snapshot.NewManager(config.SnapshotPath),
		stopCh:   make(chan struct{}),
		dirty:    make(chan struct{}, 1),
	}
	p.Subscribe(func(types.PresenceState) { c.markDirty() })
	return c, nil
}

// Start 恢復狀態並啟動追蹤與背景循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return errors.New("controller: already stopped")
	}
	if c.started {
		return nil
	}
	c.startTime = c.now()
	start := time.Now()

	// 1. 恢復階段
	log.Info("Starting recovery...")
	if err := c.loadSnapshot(); err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}

	// 2. 工地
	list, err := c.deps.Sites.Sites(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sites: %w", err)
	}
	c.setSites(list)

	// 3. 追蹤
	c.tracker.Start()

	recovery := time.Since(start)
	if c.deps.Metrics != nil {
		c.deps.Metrics.SetRecoveryTime(recovery)
	}
	log.Info("Recovery completed",
		"duration", recovery,
		"status", c.presence.State().Status,
		"sites", len(list))

	// 4. 背景循環
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.loopWg.Add(3)
	go c.syncLoop(loopCtx)
	go c.cleanupLoop(loopCtx)
	go c.snapshotLoop()

	c.started = true
	log.Info("Controller started")
	return nil
}

// loadSnapshot 從快照恢復狀態；損毀或版本不符的快照視為空白狀態
func (c *Controller) loadSnapshot() error {
	data, err := c.snapshot.Load()
	switch {
	case err == nil:
	case errors.Is(err, snapshot.ErrCorruptedSnapshot), errors.Is(err, snapshot.ErrIncompatibleVersion):
		log.Warn("Discarding unusable snapshot", "path", c.snapshot.GetPath(), "error", err)
		data = snapshot.Empty()
	default:
		return err
	}

	c.presence.Restore(data.Presence)
	c.tracker.Restore(data.Sites)

	log.Info("Snapshot loaded",
		"saved_at", data.SavedAt,
		"sites", len(data.Sites))
	return nil
}

// ============================================================================
// 背景循環
// ============================================================================

func (c *Controller) syncLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	c.syncOnce(ctx)
	for {
		select {
		case <-c.stopCh:
			log.Info("Sync loop stopped")
			return
		case <-ticker.C:
			c.syncOnce(ctx)
		}
	}
}

func (c *Controller) syncOnce(ctx context.Context) {
	res, err := c.SyncNow(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("Background sync failed", "error", err)
		}
		return
	}
	if res.Synced > 0 || res.Failed > 0 {
		log.Info("Background sync finished", "synced", res.Synced, "failed", res.Failed)
	}
}

func (c *Controller) cleanupLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Cleanup loop stopped")
			return
		case <-ticker.C:
			if _, err := c.queue.CleanupOldEvents(ctx); err != nil && ctx.Err() == nil {
				log.Error("Cleanup failed", "error", err)
			}
		}
	}
}

func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-c.dirty:
			if err := c.takeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

func (c *Controller) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

// takeSnapshot 執行快照操作
func (c *Controller) takeSnapshot() error {
	data := types.SnapshotData{
		Presence: c.presence.State(),
		Sites:    c.tracker.Records(),
		SavedAt:  c.now().UTC(),
	}
	if err := c.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	log.Debug("Snapshot taken", "sites", len(data.Sites), "status", data.Presence.Status)
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// HandleSample 把一個定位樣本交給 tracker
func (c *Controller) HandleSample(ctx context.Context, s types.PositionSample) tracking.Result {
	return c.tracker.HandleSample(ctx, s)
}

// DeliverRegion 套用平台 geofence 回呼
func (c *Controller) DeliverRegion(ctx context.Context, ev tracking.RegionEvent) bool {
	return c.push.Deliver(ctx, ev)
}

// SyncNow 先重試儲存失敗的事件，再同步佇列
func (c *Controller) SyncNow(ctx context.Context) (types.SyncResult, error) {
	c.pipeline.RetryDeferred(ctx)
	res, err := c.queue.Sync(ctx)
	if ctx.Err() == nil && !errors.Is(err, queue.ErrClosed) {
		c.mu.Lock()
		c.lastSync = c.now()
		c.mu.Unlock()
	}
	return res, err
}

// Cleanup 立即刪除超過保留期限的已同步事件
func (c *Controller) Cleanup(ctx context.Context) (int, error) {
	return c.queue.CleanupOldEvents(ctx)
}

// Rejected 回傳被後端永久拒絕的事件
func (c *Controller) Rejected(ctx context.Context) ([]types.QueuedEvent, error) {
	return c.queue.Rejected(ctx)
}

// Sites 目前監控的工地
func (c *Controller) Sites() []types.MonitoredSite {
	return c.tracker.Sites()
}

// UpdateSites 替換監控的工地（例如 sites 檔案重新載入）
func (c *Controller) UpdateSites(list []types.MonitoredSite) {
	c.setSites(list)
	c.markDirty()
}

// setSites 更新監控清單；已簽到的工地若被移除，就再也不會產生 Exit，
// 因此直接回到 not_at_site（不送出事件，後端已不認得這個工地）
func (c *Controller) setSites(list []types.MonitoredSite) {
	c.pipeline.SetSites(list)
	c.tracker.SetSites(list)

	st := c.presence.State()
	if st.Status != types.StatusAtSite || st.CurrentSiteID == nil {
		return
	}
	for _, site := range list {
		if site.ID == *st.CurrentSiteID {
			return
		}
	}
	log.Warn("Checked-in site is no longer monitored, clearing presence without an Exit event",
		"site_id", *st.CurrentSiteID)
	c.presence.SetNotAtSite()
}

// Tracker 給 poll adapter 使用
func (c *Controller) Tracker() *tracking.Tracker {
	return c.tracker
}

// Presence 目前的在場狀態
func (c *Controller) Presence() types.PresenceState {
	return c.presence.State()
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus(ctx context.Context) (Status, error) {
	pending, err := c.queue.GetPendingCount(ctx)
	if err != nil {
		return Status{}, err
	}

	c.mu.Lock()
	var uptime time.Duration
	if c.started {
		uptime = c.now().Sub(c.startTime)
	}
	var lastSync *time.Time
	if !c.lastSync.IsZero() {
		at := c.lastSync
		lastSync = &at
	}
	c.mu.Unlock()

	return Status{
		Presence:   c.presence.State(),
		Tracking:   c.tracker.Running(),
		Sites:      len(c.tracker.Sites()),
		Pending:    pending,
		Deferred:   c.pipeline.Deferred(),
		Uptime:     uptime.Round(time.Second).String(),
		LastSyncAt: lastSync,
	}, nil
}

// Stop 優雅關閉 Controller，可重複呼叫
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	log.Info("Stopping controller...")

	// 1. 不再產生新的轉換
	c.tracker.Stop()

	// 2. 通知循環，並中斷進行中的同步
	close(c.stopCh)
	if c.cancel != nil {
		c.cancel()
	}

	// 3. 等待所有循環與背景同步退出
	c.loopWg.Wait()
	c.queue.Close()

	// 4. 最後一次快照
	if started {
		if err := c.takeSnapshot(); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
		}
	}

	if pending := c.pipeline.Deferred(); pending > 0 {
		log.Warn("Stopping with transitions that were never stored", "count", pending)
	}
	log.Info("Controller stopped")
}
