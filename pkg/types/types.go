// Package types 定義了 llmqueue 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"time"
)

// RequestID 請求唯一識別碼（UUIDv7，依時間排序，重啟後不重用）
type RequestID string

// Status 請求狀態
type Status string

// 定義請求狀態常數
const (
	StatusPending   Status = "pending"   // 待處理：已入隊，等待 worker 認領
	StatusRunning   Status = "running"   // 執行中：某個 worker 正在呼叫 processor
	StatusCompleted Status = "completed" // 完成：processor 成功回傳
	StatusFailed    Status = "failed"    // 失敗：processor 回傳錯誤或 panic
	StatusTimedOut  Status = "timed_out" // 超時：processor 超過設定的 timeout
	StatusCancelled Status = "cancelled" // 取消：在 pending 狀態被呼叫端取消
)

// IsTerminal 回報狀態是否為終止狀態（不可再轉換）
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// ErrorKind 區分執行失敗的來源，讓呼叫端決定重試或直接回報
type ErrorKind string

const (
	ErrorKindProcessor ErrorKind = "processor"
	ErrorKindTimeout   ErrorKind = "timeout"
)

// NoPosition 表示請求不在 pending 狀態，沒有排隊位置
const NoPosition = -1

// Request 代表系統中的一個工作單元（一次 LLM 呼叫）
type Request struct {
	// 識別與資料
	ID      RequestID       `json:"id"`
	UserKey string          `json:"user_key"`
	Payload json.RawMessage `json:"payload,omitempty"` // 對核心不透明，原樣交給 processor

	// 狀態追蹤
	Status   Status `json:"status"`
	Position int    `json:"position"`
	Attempt  int    `json:"attempt"` // 執行中遇到崩潰而被重新排隊的次數

	// 時間管理
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// 執行資訊
	WorkerOrdinal int             `json:"worker_ordinal"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
}

// Clone 深拷貝請求，避免呼叫端修改內部狀態
func (r *Request) Clone() Request {
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// Notification 狀態或排隊位置變更的通知
type Notification struct {
	ID       RequestID `json:"id"`
	UserKey  string    `json:"user_key"`
	Status   Status    `json:"status"`
	Position *int      `json:"position,omitempty"` // 只有 pending 請求才有位置
	At       time.Time `json:"at"`
}

// SnapshotData 快照資料，持久化所有尚未完成的請求
type SnapshotData struct {
	Requests  []Request `json:"requests"`   // 依入隊順序排列
	SchemaVer int       `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64    `json:"last_seq"`   // 快照涵蓋的最後 WAL 序號
}
