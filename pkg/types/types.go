// Package types 定義了 sitepresence 系統中使用的核心領域模型
package types

import (
	"time"
)

// SiteID 工地唯一識別碼
type SiteID string

// PositionSample 定位樣本，由平台定位服務產生，只被消費一次，不會直接持久化
type PositionSample struct {
	Latitude           float64   `json:"latitude"`            // 緯度（度）
	Longitude          float64   `json:"longitude"`           // 經度（度）
	HorizontalAccuracy float64   `json:"horizontal_accuracy"` // 水平誤差（公尺）
	CapturedAt         time.Time `json:"captured_at"`         // 擷取時間
}

// MonitoredSite 受監控的工地，由 Site Directory 提供，對核心為唯讀
type MonitoredSite struct {
	ID                  SiteID  `json:"id" yaml:"id"`
	Name                string  `json:"name" yaml:"name"`
	Latitude            float64 `json:"latitude" yaml:"latitude"`
	Longitude           float64 `json:"longitude" yaml:"longitude"`
	AutoTriggerRadius   float64 `json:"auto_trigger_radius" yaml:"auto_trigger_radius"`     // 自動偵測使用的半徑（公尺）
	ManualTriggerRadius float64 `json:"manual_trigger_radius" yaml:"manual_trigger_radius"` // 手動簽到使用的半徑（較寬，核心不使用）
}

// PresenceStatus 在場狀態
type PresenceStatus string

// 定義在場狀態常數
const (
	StatusNotAtSite PresenceStatus = "not_at_site" // 不在任何工地
	StatusAtSite    PresenceStatus = "at_site"     // 已在某工地簽到
)

// PresenceState 全域唯一的在場狀態
//
// 不變式：CurrentSiteID 與 CheckInTime 同時存在，若且唯若 Status == StatusAtSite
type PresenceState struct {
	Status                PresenceStatus `json:"status"`
	CurrentSiteID         *SiteID        `json:"current_site_id,omitempty"`
	CheckInTime           *time.Time     `json:"check_in_time,omitempty"`
	AwayFromSiteStart     *time.Time     `json:"away_from_site_start,omitempty"`      // 仍簽到但實際離開的起始時間
	ConsecutiveOutOfRange int            `json:"consecutive_out_of_range"`            // 連續超出範圍次數
	NotAtSiteDisplayStart *time.Time     `json:"not_at_site_display_start,omitempty"` // UI 冷卻計時起點
}

// Valid 檢查不變式
func (s PresenceState) Valid() bool {
	atSite := s.Status == StatusAtSite
	return atSite == (s.CurrentSiteID != nil) && atSite == (s.CheckInTime != nil)
}

// TransitionKind 轉換方向
type TransitionKind string

const (
	KindEnter TransitionKind = "enter" // 進入工地
	KindExit  TransitionKind = "exit"  // 離開工地
)

// Opposite 回傳相反方向
func (k TransitionKind) Opposite() TransitionKind {
	if k == KindEnter {
		return KindExit
	}
	return KindEnter
}

// TransitionEvent 已確認的進出事件，交給遞送路徑
type TransitionEvent struct {
	UserID    string         `json:"user_id"`
	SiteID    SiteID         `json:"site_id"`
	Kind      TransitionKind `json:"event_type"`
	Latitude  *float64       `json:"latitude,omitempty"`
	Longitude *float64       `json:"longitude,omitempty"`
	Timestamp time.Time      `json:"timestamp"`        // 事件時間（非入列時間）
	Source    string         `json:"source,omitempty"` // poll 或 push，僅供診斷
}

// DeliveryOutcome 佇列事件的遞送結果
type DeliveryOutcome string

const (
	OutcomePending   DeliveryOutcome = "pending"   // 尚未送達
	OutcomeDelivered DeliveryOutcome = "delivered" // 已成功送達
	OutcomeRejected  DeliveryOutcome = "rejected"  // 後端永久拒絕（驗證失敗），保留供稽核
)

// QueuedEvent 本地持久化的待送事件
type QueuedEvent struct {
	LocalID     int64           `json:"local_id"` // 自動遞增主鍵
	UserID      string          `json:"user_id"`
	SiteID      SiteID          `json:"site_id"`
	EventType   TransitionKind  `json:"event_type"`
	Latitude    *float64        `json:"latitude,omitempty"`
	Longitude   *float64        `json:"longitude,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	RetryCount  int             `json:"retry_count"`
	LastRetryAt *time.Time      `json:"last_retry_at,omitempty"`
	IsSynced    bool            `json:"is_synced"`
	Outcome     DeliveryOutcome `json:"outcome"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	SyncedAt    *time.Time      `json:"synced_at,omitempty"`
}

// Transition 將佇列事件還原為遞送用的事件
func (q QueuedEvent) Transition() TransitionEvent {
	return TransitionEvent{
		UserID:    q.UserID,
		SiteID:    q.SiteID,
		Kind:      q.EventType,
		Latitude:  q.Latitude,
		Longitude: q.Longitude,
		Timestamp: q.Timestamp,
	}
}

// NewQueuedEvent 由已確認事件建立尚未同步的佇列事件
func NewQueuedEvent(ev TransitionEvent, now time.Time) QueuedEvent {
	return QueuedEvent{
		UserID:    ev.UserID,
		SiteID:    ev.SiteID,
		EventType: ev.Kind,
		Latitude:  ev.Latitude,
		Longitude: ev.Longitude,
		Timestamp: ev.Timestamp,
		Outcome:   OutcomePending,
		CreatedAt: now,
	}
}

// SyncResult 一次 Sync 的結果統計
type SyncResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// SiteRecord 每個工地的持久化追蹤狀態（待確認候選不持久化）
type SiteRecord struct {
	WasInside bool `json:"was_inside"`
}

// SnapshotData 快照資料，用於在場狀態與追蹤狀態的持久化和恢復
type SnapshotData struct {
	Presence  PresenceState         `json:"presence"`
	Sites     map[SiteID]SiteRecord `json:"sites"`
	SchemaVer int                   `json:"schema_ver"` // 資料結構版本號，用於向後相容性
	SavedAt   time.Time             `json:"saved_at"`
}
