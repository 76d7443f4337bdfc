package journal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 追加記錄到日誌檔案（append-only，每行一筆 JSON）
// 2. 啟動時重放以重建佇列狀態
// 3. 清理後壓縮（原子重寫）
// 4. 每筆寫入 fsync，確保確認過的記錄在崩潰後仍存在
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var log = slog.Default().With("component", "journal")

// renameFile 可在測試中替換
var renameFile = os.Rename

// syncDir fsync 目錄，讓 rename 在斷電後仍然生效
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Op 記錄類型
type Op string

const (
	OpCheckpoint Op = "CHECKPOINT" // 壓縮後的檔頭，保存下一個 local id
	OpInsert     Op = "INSERT"     // 新事件入列
	OpDelivered  Op = "DELIVERED"  // 送達
	OpRejected   Op = "REJECTED"   // 永久拒絕
	OpRetry      Op = "RETRY"      // 暫時失敗，重試次數 +1
	OpPurge      Op = "PURGE"      // 清除舊事件
)

// Entry 單筆日誌記錄
type Entry struct {
	Seq       uint64          `json:"seq"`
	Op        Op              `json:"op"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // Unix 毫秒
	Checksum  uint32          `json:"checksum"`
}

// Record 壓縮時寫入的一筆記錄
type Record struct {
	Op    Op
	Value any
}

// Handler 重放時處理每筆記錄
type Handler func(e Entry) error

// checksum 涵蓋 seq、op 與完整的資料內容
func checksum(seq uint64, op Op, data []byte) uint32 {
	h := crc32.NewIEEE()
	fmt.Fprintf(h, "%d|%s|", seq, op)
	h.Write(data)
	return h.Sum32()
}

// Journal append-only 日誌
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	seq          uint64
	size         int64 // 最後一筆完整記錄的結尾位置
	syncOnAppend bool
	closed       bool
}

// Open 開啟或建立日誌檔。呼叫端應先 Replay 再 Append。
func Open(path string, syncOnAppend bool) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}
	return &Journal{
		file:         file,
		path:         path,
		size:         stat.Size(),
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append 追加一筆記錄
//
// 寫入失敗時截斷回上一筆完整記錄的結尾，避免半行殘留在檔案中間
func (j *Journal) Append(op Op, v any) (Entry, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s record: %w", op, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Entry{}, ErrClosed
	}

	entry := Entry{
		Seq:       j.seq + 1,
		Op:        op,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	entry.Checksum = checksum(entry.Seq, op, data)

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		j.truncateLocked()
		return Entry{}, fmt.Errorf("append seq=%d: %w", entry.Seq, err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			j.truncateLocked()
			return Entry{}, fmt.Errorf("sync seq=%d: %w", entry.Seq, err)
		}
	}

	j.seq = entry.Seq
	j.size += int64(len(line))
	return entry, nil
}

func (j *Journal) truncateLocked() {
	if err := j.file.Truncate(j.size); err != nil {
		log.Error("Failed to truncate journal after write error", "path", j.path, "error", err)
	}
}

// Replay 從頭重放所有記錄
//
// 行為：
// - 驗證每筆 checksum
// - 最後一行若不完整或損毀，視為崩潰時未完成的寫入，截斷後繼續
// - 中間的損毀回傳 *CorruptionError
func (j *Journal) Replay(handler Handler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	file, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("open journal for replay: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var (
		offset  int64
		lastSeq uint64
		count   int
	)

	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) == 0 && errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("read journal: %w", readErr)
		}

		torn := errors.Is(readErr, io.EOF) // 沒有換行結尾
		entry, decodeErr := decodeLine(line)
		if torn || decodeErr != nil {
			atEnd := torn
			if !atEnd {
				_, peekErr := reader.Peek(1)
				atEnd = errors.Is(peekErr, io.EOF)
			}
			if atEnd {
				log.Warn("Discarding torn journal tail",
					"path", j.path,
					"offset", offset,
					"bytes", len(line))
				if err := j.file.Truncate(offset); err != nil {
					return fmt.Errorf("truncate torn tail: %w", err)
				}
				break
			}
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: decodeErr}
		}

		if err := handler(entry); err != nil {
			return fmt.Errorf("apply seq=%d: %w", entry.Seq, err)
		}
		lastSeq = entry.Seq
		offset += int64(len(line))
		count++
	}

	j.seq = lastSeq
	j.size = offset
	log.Debug("Journal replayed", "path", j.path, "records", count, "last_seq", lastSeq)
	return nil
}

func decodeLine(line []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(bytes.TrimSpace(line), &entry); err != nil {
		return entry, err
	}
	if expected := checksum(entry.Seq, entry.Op, entry.Data); expected != entry.Checksum {
		return entry, &ChecksumError{Seq: entry.Seq, Expected: expected, Actual: entry.Checksum}
	}
	return entry, nil
}

// Rewrite 以 records 原子替換整個日誌（先寫暫存檔、fsync，再 rename）
func (j *Journal) Rewrite(records []Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create compacted journal: %w", err)
	}

	writer := bufio.NewWriter(tmp)
	var (
		seq  uint64
		size int64
	)
	now := time.Now().UnixMilli()
	for _, r := range records {
		data, err := json.Marshal(r.Value)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("encode %s record: %w", r.Op, err)
		}
		seq++
		entry := Entry{Seq: seq, Op: r.Op, Data: data, Timestamp: now, Checksum: checksum(seq, r.Op, data)}
		line, err := json.Marshal(entry)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("encode entry: %w", err)
		}
		line = append(line, '\n')
		if _, err := writer.Write(line); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write compacted journal: %w", err)
		}
		size += int64(len(line))
	}

	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flush compacted journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync compacted journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close compacted journal: %w", err)
	}

	// rename 失敗時舊檔仍開啟且完整，可以繼續追加
	if err := renameFile(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace journal: %w", err)
	}
	if err := syncDir(filepath.Dir(j.path)); err != nil {
		log.Warn("Failed to sync journal directory", "error", err)
	}

	if err := j.file.Close(); err != nil {
		log.Warn("Failed to close old journal file", "error", err)
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		j.closed = true
		return fmt.Errorf("reopen journal: %w", err)
	}
	j.file = file
	j.seq = seq
	j.size = size
	return nil
}

// LastSeq 目前的記錄序號
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close 關閉日誌，之後不可再使用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}
