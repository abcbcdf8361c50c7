package persistence

// ============================================================================
// FileStore：WAL + 快照
// 職責：
// 1. 每次狀態變更追加一筆 WAL 事件
// 2. 維護 pending 集合的記憶體鏡像
// 3. 壓縮時把鏡像寫成快照並旋轉 WAL，避免日誌無限增長
// 4. 開啟時載入快照，再重放快照之後的 WAL 事件
// ============================================================================

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/llmqueue/internal/snapshot"
	"github.com/ChuLiYu/llmqueue/internal/storage/wal"
	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// FileStore 以 append-only 日誌為主、快照為輔的儲存後端
type FileStore struct {
	mu      sync.Mutex
	wal     *wal.WAL
	snap    *snapshot.Manager
	pending map[types.RequestID]*types.Request // 尚未終止的請求
	closed  bool
	logger  *slog.Logger
}

var _ Store = (*FileStore)(nil)
var _ Compactor = (*FileStore)(nil)

// OpenFileStore 開啟（或建立）檔案儲存
//
// flushInterval 為 0 時每次寫入都 fsync；大於 0 時批次刷新，
// 崩潰最多遺失一個間隔內的事件
func OpenFileStore(walPath, snapshotPath string, flushInterval time.Duration, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if snapshotPath == "" {
		snapshotPath = walPath + ".snapshot.json"
	}
	for _, p := range []string{walPath, snapshotPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, fmt.Errorf("persistence: create data dir: %w", err)
		}
	}

	snap := snapshot.NewManager(snapshotPath)
	data, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("persistence: load snapshot: %w", err)
	}

	s := &FileStore{
		snap:    snap,
		pending: make(map[types.RequestID]*types.Request, len(data.Requests)),
		logger:  logger,
	}
	for i := range data.Requests {
		req := data.Requests[i]
		s.pending[req.ID] = &req
	}

	w, err := wal.Open(walPath, wal.Options{FlushInterval: flushInterval, BaseSeq: data.LastSeq})
	if err != nil {
		return nil, fmt.Errorf("persistence: open wal: %w", err)
	}
	s.wal = w

	replayed := 0
	err = w.Replay(func(e wal.Event) error {
		// 快照已涵蓋的事件（壓縮途中崩潰時會留下）
		if e.Seq <= data.LastSeq {
			return nil
		}
		s.apply(e)
		replayed++
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("persistence: replay wal: %w", err)
	}

	requeued := 0
	for _, req := range s.pending {
		if requeueInterrupted(req) {
			requeued++
		}
	}

	logger.Info("File store opened",
		"wal", walPath,
		"snapshot", snapshotPath,
		"snapshot_requests", len(data.Requests),
		"replayed_events", replayed,
		"pending", len(s.pending),
		"requeued_running", requeued)
	return s, nil
}

// apply 把一筆 WAL 事件套用到記憶體鏡像
func (s *FileStore) apply(e wal.Event) {
	switch e.Type {
	case wal.EventAppend:
		if e.Request != nil {
			req := e.Request.Clone()
			s.pending[req.ID] = &req
		}
	case wal.EventRunning:
		if req, ok := s.pending[e.ID]; ok {
			started := e.Time()
			req.Status = types.StatusRunning
			req.WorkerOrdinal = e.Worker
			req.StartedAt = &started
		}
	case wal.EventRemove:
		delete(s.pending, e.ID)
	case wal.EventClear:
		s.pending = make(map[types.RequestID]*types.Request)
	}
}

// Append 記錄新的 pending 請求
func (s *FileStore) Append(req types.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if err := s.wal.Append(req); err != nil {
		return fmt.Errorf("persistence: append %s: %w", req.ID, err)
	}
	c := req.Clone()
	s.pending[req.ID] = &c
	return nil
}

// MarkRunning 記錄請求被 worker 認領
func (s *FileStore) MarkRunning(id types.RequestID, worker int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if err := s.wal.MarkRunning(id, worker); err != nil {
		return fmt.Errorf("persistence: mark running %s: %w", id, err)
	}
	if req, ok := s.pending[id]; ok {
		now := time.Now()
		req.Status = types.StatusRunning
		req.WorkerOrdinal = worker
		req.StartedAt = &now
	}
	return nil
}

// Remove 請求已終止，從積壓中移除
func (s *FileStore) Remove(id types.RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if err := s.wal.Remove(id); err != nil {
		return fmt.Errorf("persistence: remove %s: %w", id, err)
	}
	delete(s.pending, id)
	return nil
}

// LoadPending 依入隊順序回傳待恢復的請求
func (s *FileStore) LoadPending() ([]types.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]types.Request, 0, len(s.pending))
	for _, req := range s.pending {
		out = append(out, req.Clone())
	}
	sortByEnqueue(out)
	return out, nil
}

// Clear 丟棄整個積壓，並立即壓縮成空快照
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if err := s.wal.Clear(); err != nil {
		return fmt.Errorf("persistence: clear: %w", err)
	}
	s.pending = make(map[types.RequestID]*types.Request)
	return s.compactLocked()
}

// Compact 將目前的 pending 集合寫成快照並旋轉 WAL
//
// 快照先寫（原子 rename），WAL 後旋轉：兩步之間崩潰時，
// 重放會依快照的 LastSeq 略過已涵蓋的事件
func (s *FileStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.compactLocked()
}

func (s *FileStore) compactLocked() error {
	if err := s.wal.Flush(); err != nil {
		return fmt.Errorf("persistence: flush before compaction: %w", err)
	}

	reqs := make([]types.Request, 0, len(s.pending))
	for _, req := range s.pending {
		reqs = append(reqs, req.Clone())
	}
	sortByEnqueue(reqs)

	lastSeq := s.wal.LastSeq()
	if err := s.snap.Write(types.SnapshotData{Requests: reqs, LastSeq: lastSeq}); err != nil {
		return fmt.Errorf("persistence: write snapshot: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("persistence: rotate wal: %w", err)
	}

	s.logger.Debug("Store compacted", "pending", len(reqs), "last_seq", lastSeq)
	return nil
}

// Len 回傳目前積壓的請求數
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close 刷新並關閉 WAL
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.wal.Close()
}
