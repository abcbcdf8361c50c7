package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// Async 以有界緩衝區在背景 goroutine 中轉發通知
//
// 緩衝區滿時直接丟棄通知並計數，呼叫端永遠不會被阻塞
type Async struct {
	next    Sink
	ch      chan types.Notification
	dropped atomic.Uint64
	logger  *slog.Logger

	mu     sync.RWMutex // 保護 closed 與 ch 的關閉
	closed bool
	done   chan struct{}
}

// NewAsync 建立非同步 Sink 並啟動轉發 goroutine
func NewAsync(next Sink, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		ch:     make(chan types.Notification, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Notify 放入緩衝區；滿了就丟棄
func (a *Async) Notify(n types.Notification) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}

	select {
	case a.ch <- n:
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.logger.Warn("Notification buffer full, dropping updates",
				"id", n.ID,
				"dropped_total", a.dropped.Load())
		}
	}
}

// Dropped 回傳因緩衝區已滿而丟棄的通知數
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close 停止接收新通知，等待緩衝區內的通知送完
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for n := range a.ch {
		a.deliver(n)
	}
}

// deliver 隔離下游 Sink 的 panic，一個壞掉的消費者不影響後續通知
func (a *Async) deliver(n types.Notification) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Notification sink panicked", "id", n.ID, "panic", r)
		}
	}()
	a.next.Notify(n)
}
