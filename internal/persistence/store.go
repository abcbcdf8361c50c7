// Package persistence 負責 pending 請求的持久化，讓佇列在崩潰後可以恢復積壓
package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ChuLiYu/llmqueue/internal/config"
	"github.com/ChuLiYu/llmqueue/pkg/types"
)

var (
	ErrStoreClosed    = errors.New("persistence: store is closed")
	ErrUnknownBackend = errors.New("persistence: unknown backend")
)

// Store 持久化所有尚未到達終止狀態的請求
//
// 實作必須可被多個 goroutine 同時呼叫
type Store interface {
	// Append 記錄一個新的 pending 請求
	Append(req types.Request) error
	// MarkRunning 記錄請求已被某個 worker 認領
	MarkRunning(id types.RequestID, worker int) error
	// Remove 請求到達終止狀態，不再需要恢復
	Remove(id types.RequestID) error
	// LoadPending 依原始入隊順序回傳所有待恢復的請求
	//
	// 崩潰時仍在執行中的請求以 pending 回傳，Attempt 加一
	LoadPending() ([]types.Request, error)
	// Clear 丟棄整個積壓（操作員啟動前使用）
	Clear() error
	Close() error
}

// Compactor 由可以壓縮儲存空間的後端實作
type Compactor interface {
	Compact() error
}

// Recoverer 由需要在恢復時把中斷的請求寫回儲存的後端實作
//
// LoadPending 本身是唯讀的，離線檢查積壓不會改變儲存內容
type Recoverer interface {
	RequeueInterrupted() (int, error)
}

// Open 依設定建立對應的儲存後端
func Open(cfg config.QueueConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case config.BackendFile, "":
		return OpenFileStore(cfg.PersistencePath, cfg.SnapshotPath, cfg.FlushInterval, logger)
	case config.BackendPebble:
		return OpenPebbleStore(cfg.PersistencePath, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// sortByEnqueue 依 (EnqueuedAt, ID) 排序，與排程器的順序一致
func sortByEnqueue(reqs []types.Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if !reqs[i].EnqueuedAt.Equal(reqs[j].EnqueuedAt) {
			return reqs[i].EnqueuedAt.Before(reqs[j].EnqueuedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// requeueInterrupted 把崩潰時仍在執行的請求改回 pending（至少一次語意）
func requeueInterrupted(req *types.Request) bool {
	if req.Status != types.StatusRunning {
		return false
	}
	req.Status = types.StatusPending
	req.Attempt++
	req.StartedAt = nil
	req.WorkerOrdinal = -1
	return true
}
