package persistence

// ============================================================================
// PebbleStore：以 cockroachdb/pebble 為後端的持久化
//
// Key 配置：
//   r/<enqueued_at 8 bytes big-endian nanos><id>  → 請求 JSON（依入隊時間排序）
//   i/<id>                                        → 對應的 r/ key
//
// 每次寫入都是同步提交的 batch，兩個 key 一起成功或一起失敗
// ============================================================================

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/ChuLiYu/llmqueue/pkg/types"
)

var (
	requestPrefix = []byte("r/")
	indexPrefix   = []byte("i/")
)

// PebbleStore 使用嵌入式 LSM 儲存 pending 請求
type PebbleStore struct {
	mu     sync.Mutex
	db     *pebble.DB
	dir    string
	closed bool
	logger *slog.Logger
}

var _ Store = (*PebbleStore)(nil)
var _ Compactor = (*PebbleStore)(nil)
var _ Recoverer = (*PebbleStore)(nil)

// OpenPebbleStore 在 dir 開啟（或建立）pebble 資料庫
func OpenPebbleStore(dir string, logger *slog.Logger) (*PebbleStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("persistence: open pebble at %s: %w", dir, err)
	}

	logger.Info("Pebble store opened", "dir", dir)
	return &PebbleStore{db: db, dir: dir, logger: logger}, nil
}

func requestKey(req types.Request) []byte {
	key := make([]byte, 0, len(requestPrefix)+8+len(req.ID))
	key = append(key, requestPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(req.EnqueuedAt.UnixNano()))
	return append(key, req.ID...)
}

func indexKey(id types.RequestID) []byte {
	key := make([]byte, 0, len(indexPrefix)+len(id))
	key = append(key, indexPrefix...)
	return append(key, id...)
}

// prefixEnd 回傳大於所有以 prefix 開頭的 key 的最小上界
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

// Append 記錄新的 pending 請求
func (s *PebbleStore) Append(req types.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("persistence: encode %s: %w", req.ID, err)
	}
	rk := requestKey(req)

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(rk, value, nil); err != nil {
		return err
	}
	if err := b.Set(indexKey(req.ID), rk, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("persistence: append %s: %w", req.ID, err)
	}
	return nil
}

// lookup 透過索引取得請求的主 key 與內容
func (s *PebbleStore) lookup(id types.RequestID) ([]byte, *types.Request, error) {
	rk, closer, err := s.db.Get(indexKey(id))
	if err != nil {
		return nil, nil, err
	}
	rk = append([]byte(nil), rk...)
	closer.Close()

	value, closer, err := s.db.Get(rk)
	if err != nil {
		return nil, nil, err
	}
	defer closer.Close()

	var req types.Request
	if err := json.Unmarshal(value, &req); err != nil {
		return nil, nil, fmt.Errorf("persistence: decode %s: %w", id, err)
	}
	return rk, &req, nil
}

// MarkRunning 記錄請求被 worker 認領
func (s *PebbleStore) MarkRunning(id types.RequestID, worker int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	rk, req, err := s.lookup(id)
	if errors.Is(err, pebble.ErrNotFound) {
		// 已被清除的請求不需要再追蹤
		return nil
	}
	if err != nil {
		return fmt.Errorf("persistence: mark running %s: %w", id, err)
	}

	now := time.Now()
	req.Status = types.StatusRunning
	req.WorkerOrdinal = worker
	req.StartedAt = &now
	value, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := s.db.Set(rk, value, pebble.Sync); err != nil {
		return fmt.Errorf("persistence: mark running %s: %w", id, err)
	}
	return nil
}

// Remove 請求已終止，刪除主 key 與索引
func (s *PebbleStore) Remove(id types.RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	rk, _, err := s.lookup(id)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("persistence: remove %s: %w", id, err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(rk, nil); err != nil {
		return err
	}
	if err := b.Delete(indexKey(id), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("persistence: remove %s: %w", id, err)
	}
	return nil
}

// LoadPending 依 key 順序（即入隊順序）掃描所有請求
//
// 唯讀：崩潰時仍在執行的請求只在回傳的副本中改回 pending、Attempt 加一，
// 寫回由 RequeueInterrupted 在恢復時進行
func (s *PebbleStore) LoadPending() ([]types.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []types.Request
	err := s.scan(func(_ []byte, req types.Request) error {
		requeueInterrupted(&req)
		out = append(out, req)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// key 已依時間排序；同一奈秒內再以 id 排序
	sortByEnqueue(out)
	return out, nil
}

// RequeueInterrupted 把崩潰時仍在執行的請求寫回為 pending（Attempt 加一）
//
// 只在恢復時、Worker 啟動前呼叫一次
func (s *PebbleStore) RequeueInterrupted() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	b := s.db.NewBatch()
	defer b.Close()

	requeued := 0
	err := s.scan(func(key []byte, req types.Request) error {
		if !requeueInterrupted(&req) {
			return nil
		}
		value, err := json.Marshal(req)
		if err != nil {
			return err
		}
		requeued++
		return b.Set(append([]byte(nil), key...), value, nil)
	})
	if err != nil {
		return 0, err
	}

	if requeued > 0 {
		if err := b.Commit(pebble.Sync); err != nil {
			return 0, fmt.Errorf("persistence: requeue interrupted: %w", err)
		}
		s.logger.Info("Requeued interrupted requests", "count", requeued)
	}
	return requeued, nil
}

// scan 依 key 順序走訪所有請求
func (s *PebbleStore) scan(fn func(key []byte, req types.Request) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: requestPrefix,
		UpperBound: prefixEnd(requestPrefix),
	})
	if err != nil {
		return fmt.Errorf("persistence: iterate: %w", err)
	}

	for iter.First(); iter.Valid(); iter.Next() {
		var req types.Request
		if err := json.Unmarshal(iter.Value(), &req); err != nil {
			iter.Close()
			return fmt.Errorf("persistence: decode %q: %w", iter.Key(), err)
		}
		if err := fn(iter.Key(), req); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("persistence: iterate: %w", err)
	}
	return nil
}

// Clear 刪除所有請求與索引
func (s *PebbleStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	b := s.db.NewBatch()
	defer b.Close()
	for _, prefix := range [][]byte{requestPrefix, indexPrefix} {
		if err := b.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("persistence: clear: %w", err)
	}
	return nil
}

// Compact 手動壓縮整個 key 空間，回收已刪除請求的空間
func (s *PebbleStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	// i/ 排在 r/ 之前，一個範圍涵蓋兩種 key
	if err := s.db.Compact(indexPrefix, prefixEnd(requestPrefix), true); err != nil {
		return fmt.Errorf("persistence: compact: %w", err)
	}
	return nil
}

// Close 關閉資料庫
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
