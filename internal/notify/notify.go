// Package notify 提供佇列狀態與排隊位置變更的通知出口
//
// 佇列在持有鎖的情況下同步呼叫 Sink，因此所有實作都不能阻塞，
// 也不能回頭呼叫佇列。需要做慢速 I/O 的消費者應該包在 Async 裡。
package notify

import (
	"log/slog"

	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// Sink 接收每一次狀態或排隊位置的變更
type Sink interface {
	Notify(n types.Notification)
}

// SinkFunc 讓普通函式可以當作 Sink 使用
type SinkFunc func(n types.Notification)

// Notify 呼叫 f(n)
func (f SinkFunc) Notify(n types.Notification) { f(n) }

// Nop 丟棄所有通知
type Nop struct{}

func (Nop) Notify(types.Notification) {}

// Multi 依序把通知轉發給多個 Sink
type Multi []Sink

func (m Multi) Notify(n types.Notification) {
	for _, s := range m {
		s.Notify(n)
	}
}

// Logger 把通知寫成 debug 等級的結構化日誌
type Logger struct {
	log *slog.Logger
}

// NewLogger 建立日誌 Sink；logger 為 nil 時使用 slog.Default()
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{log: logger}
}

func (l *Logger) Notify(n types.Notification) {
	args := []any{"id", n.ID, "user", n.UserKey, "status", n.Status}
	if n.Position != nil {
		args = append(args, "position", *n.Position)
	}
	l.log.Debug("Request update", args...)
}
