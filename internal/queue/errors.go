package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 佇列已滿（總量或單一使用者上限），呼叫端稍後重試即可
	ErrQueueFull = errors.New("queue full")
	// 處理器呼叫超過設定的 timeout
	ErrQueueTimeout = errors.New("request timed out")
	// 請求不存在（或已超過保留期間被清除）
	ErrNotFound = errors.New("request not found")
	// 只有 pending 狀態的請求可以取消
	ErrNotCancellable = errors.New("request is not cancellable")
	// 狀態轉換不合法（例如完成一個從未開始的請求）
	ErrInvalidTransition = errors.New("invalid status transition")
	// 佇列已關閉，不再接受新請求
	ErrClosed = errors.New("queue closed")
	// strict 模式下持久化失敗
	ErrPersistence = errors.New("persistence failure")
	// payload 不是合法的 JSON
	ErrInvalidPayload = errors.New("payload is not valid JSON")
	// 缺少使用者識別
	ErrInvalidUserKey = errors.New("user key is required")
)

// RejectReason 入隊被拒絕的原因
type RejectReason string

const (
	ReasonCapacity RejectReason = "capacity"
	ReasonPerUser  RejectReason = "per_user"
)

// QueueFullError 入隊被拒絕，不會修改任何狀態
type QueueFullError struct {
	Reason  RejectReason
	UserKey string
	Limit   int
}

func (e *QueueFullError) Error() string {
	if e.Reason == ReasonPerUser {
		return fmt.Sprintf("queue full: user %q already has %d request(s) in flight", e.UserKey, e.Limit)
	}
	return fmt.Sprintf("queue full: capacity %d reached", e.Limit)
}

// Is 讓 errors.Is(err, ErrQueueFull) 成立
func (e *QueueFullError) Is(target error) bool {
	return target == ErrQueueFull
}

// QueueTimeoutError 處理器呼叫超時
type QueueTimeoutError struct {
	ID      types.RequestID
	Timeout time.Duration
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.ID, e.Timeout)
}

// Is 讓 errors.Is(err, ErrQueueTimeout) 成立
func (e *QueueTimeoutError) Is(target error) bool {
	return target == ErrQueueTimeout
}
