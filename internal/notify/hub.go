package notify

import (
	"sync"

	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// Hub 依請求 ID 把通知分發給訂閱者（gRPC Watch 串流使用）
//
// 每個訂閱者有自己的小緩衝區；滿了就丟棄舊的位置更新，
// 狀態進入終止狀態後自動關閉該請求的所有訂閱
type Hub struct {
	mu     sync.Mutex
	subs   map[types.RequestID]map[*subscription]struct{}
	buffer int
}

type subscription struct {
	ch     chan types.Notification
	closed bool
}

// NewHub 建立 Hub；buffer 為每個訂閱者的緩衝大小
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		subs:   make(map[types.RequestID]map[*subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe 訂閱某個請求的更新
//
// 回傳的 channel 在請求終止或呼叫 cancel 後關閉
func (h *Hub) Subscribe(id types.RequestID) (<-chan types.Notification, func()) {
	sub := &subscription{ch: make(chan types.Notification, h.buffer)}

	h.mu.Lock()
	set, ok := h.subs[id]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[id] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.drop(id, sub)
	}
	return sub.ch, cancel
}

// Subscribers 回傳某個請求目前的訂閱者數量
func (h *Hub) Subscribers(id types.RequestID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}

// Notify 非阻塞地送給所有訂閱者
func (h *Hub) Notify(n types.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[n.ID]
	for sub := range set {
		send(sub.ch, n)
	}
	if n.Status.IsTerminal() {
		for sub := range set {
			h.drop(n.ID, sub)
		}
	}
}

// send 緩衝區滿時丟棄最舊的一筆再放入，最新狀態一定送得到
func send(ch chan types.Notification, n types.Notification) {
	for {
		select {
		case ch <- n:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// drop 呼叫端必須持有 h.mu
func (h *Hub) drop(id types.RequestID, sub *subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	set := h.subs[id]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, id)
	}
}
