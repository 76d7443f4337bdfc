package controller

// ============================================================================
// Pipeline - 確認轉換後的處理流程
// ============================================================================
//
// tracker 確認轉換 → OnConfirmedTransition：
//   1. 更新在場狀態（enter → SetCheckedIn，exit → SetNotAtSite）
//   2. PostOrQueue
//        送達        → 通知 "Entered/Exited site X"
//        入列        → 通知 "... (will sync when online)"
//        驗證失敗    → 記錄，不通知、不入列
//        儲存失敗    → 暫存於記憶體 deferred 清單，下次同步時重試
//
// OnRangeObserved 只針對目前簽到的工地更新 out-of-range 計數。
//
// 注意：兩個回呼都在 tracker 鎖內執行，不可呼叫 tracker 的方法。
// ============================================================================

import (
	"context"
	"sync"

	"github.com/ChuLiYu/sitepresence/internal/notify"
	"github.com/ChuLiYu/sitepresence/internal/presence"
	"github.com/ChuLiYu/sitepresence/internal/tracking"
	"github.com/ChuLiYu/sitepresence/internal/transport"
	"github.com/ChuLiYu/sitepresence/pkg/types"
)

// Poster is the delivery entry point of the event queue.
type Poster interface {
	PostOrQueue(ctx context.Context, ev types.TransitionEvent) (bool, error)
}

// Pipeline 處理確認的轉換
type Pipeline struct {
	presence *presence.Service
	queue    Poster
	notifier notify.Notifier

	mu       sync.Mutex
	names    map[types.SiteID]string
	deferred []types.TransitionEvent
}

var (
	_ tracking.TransitionHandler = (*Pipeline)(nil)
	_ tracking.RangeObserver     = (*Pipeline)(nil)
)

// NewPipeline 建立 pipeline；notifier 可為 nil
func NewPipeline(p *presence.Service, q Poster, n notify.Notifier) *Pipeline {
	return &Pipeline{
		presence: p,
		queue:    q,
		notifier: n,
		names:    make(map[types.SiteID]string),
	}
}

// SetSites 更新通知用的工地名稱
func (p *Pipeline) SetSites(list []types.MonitoredSite) {
	names := make(map[types.SiteID]string, len(list))
	for _, s := range list {
		names[s.ID] = s.Name
	}
	p.mu.Lock()
	p.names = names
	p.mu.Unlock()
}

// OnConfirmedTransition implements tracking.TransitionHandler.
func (p *Pipeline) OnConfirmedTransition(ctx context.Context, ev types.TransitionEvent) error {
	p.applyPresence(ev)
	p.deliver(ctx, ev)
	return nil
}

func (p *Pipeline) applyPresence(ev types.TransitionEvent) {
	switch ev.Kind {
	case types.KindEnter:
		p.presence.SetCheckedIn(ev.SiteID)
	case types.KindExit:
		st := p.presence.State()
		if st.Status == types.StatusAtSite && st.CurrentSiteID != nil && *st.CurrentSiteID == ev.SiteID {
			p.presence.SetNotAtSite()
			return
		}
		log.Debug("Exit for a site that is not the checked-in site",
			"site_id", ev.SiteID,
			"status", st.Status)
	}
}

func (p *Pipeline) deliver(ctx context.Context, ev types.TransitionEvent) {
	delivered, err := p.queue.PostOrQueue(ctx, ev)
	switch {
	case err == nil:
		p.notify(ctx, ev, !delivered)

	case transport.IsValidation(err):
		log.Warn("Transition rejected by backend",
			"site_id", ev.SiteID,
			"kind", ev.Kind,
			"error", err)

	default:
		p.mu.Lock()
		p.deferred = append(p.deferred, ev)
		n := len(p.deferred)
		p.mu.Unlock()
		log.Error("Failed to queue transition, kept in memory for retry",
			"site_id", ev.SiteID,
			"kind", ev.Kind,
			"deferred", n,
			"error", err)
		p.notify(ctx, ev, true)
	}
}

func (p *Pipeline) notify(ctx context.Context, ev types.TransitionEvent, queued bool) {
	if p.notifier == nil {
		return
	}
	p.mu.Lock()
	name := p.names[ev.SiteID]
	p.mu.Unlock()

	if err := p.notifier.Notify(ctx, notify.ForTransition(ev, name, queued)); err != nil {
		log.Warn("Notification failed", "site_id", ev.SiteID, "error", err)
	}
}

// OnRangeObserved implements tracking.RangeObserver.
func (p *Pipeline) OnRangeObserved(siteID types.SiteID, inside bool) {
	st := p.presence.State()
	if st.Status != types.StatusAtSite || st.CurrentSiteID == nil || *st.CurrentSiteID != siteID {
		return
	}
	if !inside {
		p.presence.RecordOutOfRange()
		return
	}
	if st.ConsecutiveOutOfRange > 0 || st.AwayFromSiteStart != nil {
		p.presence.RecordBackInRange()
	}
}

// RetryDeferred 重新嘗試儲存失敗的事件，回傳仍未成功的數量
func (p *Pipeline) RetryDeferred(ctx context.Context) int {
	p.mu.Lock()
	pending := p.deferred
	p.deferred = nil
	p.mu.Unlock()

	if len(pending) == 0 {
		return 0
	}

	var keep []types.TransitionEvent
	for _, ev := range pending {
		_, err := p.queue.PostOrQueue(ctx, ev)
		switch {
		case err == nil:
		case transport.IsValidation(err):
			log.Warn("Deferred transition rejected by backend", "site_id", ev.SiteID, "error", err)
		default:
			keep = append(keep, ev)
		}
	}

	p.mu.Lock()
	p.deferred = append(keep, p.deferred...)
	n := len(p.deferred)
	p.mu.Unlock()

	if n > 0 {
		log.Warn("Deferred transitions still not stored", "count", n)
	}
	return n
}

// Deferred 目前暫存在記憶體的事件數
func (p *Pipeline) Deferred() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deferred)
}
