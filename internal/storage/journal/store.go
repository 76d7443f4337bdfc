package journal

// ============================================================================
// Journal-backed Queue Store
// 職責：以 append-only 日誌 + 記憶體索引實作 queue.Store
//
// 寫入流程：先寫日誌（fsync）→ 再更新記憶體索引
// 啟動流程：Replay 日誌 → 重建索引
// 清理流程：從索引移除 → Rewrite 壓縮日誌
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/sitepresence/internal/queue"
	"github.com/ChuLiYu/sitepresence/pkg/types"
)

type checkpoint struct {
	NextID int64 `json:"next_id"`
}

type mark struct {
	ID     int64     `json:"id"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

type purge struct {
	IDs []int64 `json:"ids"`
}

// Store queue.Store 的日誌實作
type Store struct {
	mu     sync.Mutex
	j      *Journal
	events map[int64]*types.QueuedEvent
	nextID int64 // 最後配發的 local id
}

var _ queue.Store = (*Store)(nil)

// OpenStore 開啟日誌並重放，重建記憶體索引
func OpenStore(path string) (*Store, error) {
	j, err := Open(path, true)
	if err != nil {
		return nil, err
	}

	s := &Store{j: j, events: make(map[int64]*types.QueuedEvent)}
	if err := j.Replay(s.apply); err != nil {
		j.Close()
		return nil, err
	}

	log.Info("Journal store opened",
		"path", path,
		"events", len(s.events),
		"last_seq", j.LastSeq())
	return s, nil
}

// apply 將一筆日誌記錄套用到索引（重放與寫入共用）
func (s *Store) apply(e Entry) error {
	switch e.Op {
	case OpCheckpoint:
		var c checkpoint
		if err := json.Unmarshal(e.Data, &c); err != nil {
			return err
		}
		if c.NextID > s.nextID {
			s.nextID = c.NextID
		}

	case OpInsert:
		var ev types.QueuedEvent
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			return err
		}
		s.events[ev.LocalID] = &ev
		if ev.LocalID > s.nextID {
			s.nextID = ev.LocalID
		}

	case OpDelivered, OpRejected, OpRetry:
		var m mark
		if err := json.Unmarshal(e.Data, &m); err != nil {
			return err
		}
		ev, ok := s.events[m.ID]
		if !ok {
			// 已被清除的事件，忽略
			return nil
		}
		at := m.At
		switch e.Op {
		case OpDelivered:
			ev.IsSynced = true
			ev.Outcome = types.OutcomeDelivered
			ev.SyncedAt = &at
		case OpRejected:
			ev.IsSynced = true
			ev.Outcome = types.OutcomeRejected
			ev.LastError = m.Reason
			ev.SyncedAt = &at
		case OpRetry:
			ev.RetryCount++
			ev.LastRetryAt = &at
			ev.LastError = m.Reason
		}

	case OpPurge:
		var p purge
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return err
		}
		for _, id := range p.IDs {
			delete(s.events, id)
		}

	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
	return nil
}

// write 先寫日誌再套用
func (s *Store) write(op Op, v any) error {
	entry, err := s.j.Append(op, v)
	if err != nil {
		return err
	}
	return s.apply(entry)
}

func (s *Store) Insert(ctx context.Context, ev types.QueuedEvent) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.LocalID = s.nextID + 1
	if ev.Outcome == "" {
		ev.Outcome = types.OutcomePending
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if err := s.write(OpInsert, ev); err != nil {
		return 0, err
	}
	return ev.LocalID, nil
}

func (s *Store) Pending(ctx context.Context) ([]types.QueuedEvent, error) {
	return s.list(ctx, func(ev *types.QueuedEvent) bool { return !ev.IsSynced })
}

func (s *Store) Rejected(ctx context.Context) ([]types.QueuedEvent, error) {
	return s.list(ctx, func(ev *types.QueuedEvent) bool { return ev.Outcome == types.OutcomeRejected })
}

func (s *Store) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	return s.mark(ctx, OpDelivered, mark{ID: id, At: at})
}

func (s *Store) MarkRejected(ctx context.Context, id int64, reason string, at time.Time) error {
	return s.mark(ctx, OpRejected, mark{ID: id, At: at, Reason: reason})
}

func (s *Store) RecordRetry(ctx context.Context, id int64, reason string, at time.Time) error {
	return s.mark(ctx, OpRetry, mark{ID: id, At: at, Reason: reason})
}

func (s *Store) CountPending(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ev := range s.events {
		if !ev.IsSynced {
			n++
		}
	}
	return n, nil
}

// DeleteSyncedBefore 清除舊事件並壓縮日誌
func (s *Store) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for id, ev := range s.events {
		if ev.IsSynced && ev.Timestamp.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if err := s.write(OpPurge, purge{IDs: ids}); err != nil {
		return 0, err
	}

	// 壓縮失敗不影響正確性，PURGE 記錄已落盤
	if err := s.j.Rewrite(s.compactedLocked()); err != nil {
		log.Warn("Journal compaction failed", "error", err)
	}
	return len(ids), nil
}

// compactedLocked 目前索引的完整狀態，每個事件一筆 INSERT
func (s *Store) compactedLocked() []Record {
	records := []Record{{Op: OpCheckpoint, Value: checkpoint{NextID: s.nextID}}}
	for _, ev := range s.sortedLocked(func(*types.QueuedEvent) bool { return true }) {
		records = append(records, Record{Op: OpInsert, Value: ev})
	}
	return records
}

func (s *Store) Close() error {
	return s.j.Close()
}

func (s *Store) mark(ctx context.Context, op Op, m mark) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[m.ID]; !ok {
		return queue.ErrEventNotFound
	}
	return s.write(op, m)
}

func (s *Store) list(ctx context.Context, keep func(*types.QueuedEvent) bool) ([]types.QueuedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(keep), nil
}

func (s *Store) sortedLocked(keep func(*types.QueuedEvent) bool) []types.QueuedEvent {
	var out []types.QueuedEvent
	for _, ev := range s.events {
		if keep(ev) {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out
}
