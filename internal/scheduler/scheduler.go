// ============================================================================
// llmqueue 公平排程器 - 以使用者為單位的 Round-Robin
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 決定 pending 請求的出隊順序
//
// 排程策略:
//   1. 依 user_key 分組，每個使用者一條 FIFO 子佇列（依 enqueued_at，同時間以 id 排序）
//   2. ring 紀錄目前有 pending 請求的使用者，cursor 指向下一個要服務的使用者
//   3. Next() 取出 cursor 使用者的隊首，cursor 前進一格；子佇列空了就移出 ring
//   4. 新啟用的使用者插在 cursor 之前，也就是本輪的最後一位
//
//   任一使用者前面最多只有 O(活躍使用者數) 個請求，和其他使用者積壓多少無關。
//
// 位置計算:
//   Position(id) = 依目前狀態模擬 round-robin，排在它前面的請求數量。
//   出隊只是模擬的第一步，取消只會縮短子佇列，所以位置不會因此增加。
//
// 並發安全:
//   Scheduler 本身不加鎖，由 RequestQueue 的互斥鎖保護
//
// ============================================================================

package scheduler

import (
	"sort"

	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// Item 排程所需的最小資訊
type Item struct {
	ID         types.RequestID
	UserKey    string
	EnqueuedAt int64 // Unix 奈秒
}

func (a Item) before(b Item) bool {
	if a.EnqueuedAt != b.EnqueuedAt {
		return a.EnqueuedAt < b.EnqueuedAt
	}
	return a.ID < b.ID
}

// Scheduler 公平排程器
type Scheduler struct {
	queues map[string][]Item          // 每個使用者的 FIFO 子佇列
	owner  map[types.RequestID]string // request → user_key
	ring   []string                   // 有 pending 請求的使用者輪替順序
	cursor int                        // 下一個要服務的使用者在 ring 中的索引
}

// New 建立空的排程器
func New() *Scheduler {
	return &Scheduler{
		queues: make(map[string][]Item),
		owner:  make(map[types.RequestID]string),
	}
}

// Len 回傳 pending 請求總數
func (s *Scheduler) Len() int {
	return len(s.owner)
}

// Users 回傳目前有 pending 請求的使用者數
func (s *Scheduler) Users() int {
	return len(s.ring)
}

// Contains 檢查請求是否在排程中
func (s *Scheduler) Contains(id types.RequestID) bool {
	_, ok := s.owner[id]
	return ok
}

// Push 加入一個 pending 請求
//
// 一般情況下新請求時間最晚，直接接在隊尾；恢復時的舊請求依時間插入正確位置。
func (s *Scheduler) Push(item Item) {
	if _, exists := s.owner[item.ID]; exists {
		return
	}
	s.owner[item.ID] = item.UserKey

	q, active := s.queues[item.UserKey]
	idx := sort.Search(len(q), func(i int) bool { return item.before(q[i]) })
	q = append(q, Item{})
	copy(q[idx+1:], q[idx:])
	q[idx] = item
	s.queues[item.UserKey] = q

	if !active {
		s.activate(item.UserKey)
	}
}

// Next 依公平順序取出下一個請求
func (s *Scheduler) Next() (Item, bool) {
	if len(s.ring) == 0 {
		return Item{}, false
	}
	if s.cursor >= len(s.ring) {
		s.cursor = 0
	}

	user := s.ring[s.cursor]
	q := s.queues[user]
	item := q[0]
	delete(s.owner, item.ID)

	if len(q) == 1 {
		delete(s.queues, user)
		s.deactivate(s.cursor)
	} else {
		s.queues[user] = q[1:]
		s.cursor = (s.cursor + 1) % len(s.ring)
	}
	return item, true
}

// Peek 回傳下一個會被取出的請求但不移除
func (s *Scheduler) Peek() (Item, bool) {
	if len(s.ring) == 0 {
		return Item{}, false
	}
	c := s.cursor
	if c >= len(s.ring) {
		c = 0
	}
	return s.queues[s.ring[c]][0], true
}

// Remove 移除指定請求（取消時使用）
func (s *Scheduler) Remove(id types.RequestID) bool {
	user, ok := s.owner[id]
	if !ok {
		return false
	}
	delete(s.owner, id)

	q := s.queues[user]
	for i := range q {
		if q[i].ID == id {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) > 0 {
		s.queues[user] = q
		return true
	}

	delete(s.queues, user)
	for i, u := range s.ring {
		if u == user {
			s.deactivate(i)
			break
		}
	}
	return true
}

// Position 回傳在此請求之前會被取出的請求數，不存在時回傳 NoPosition
func (s *Scheduler) Position(id types.RequestID) int {
	user, ok := s.owner[id]
	if !ok {
		return types.NoPosition
	}

	q := s.queues[user]
	k := 0
	for k < len(q) && q[k].ID != id {
		k++
	}

	// 前 k 輪每個使用者最多各出 min(len, k) 個；
	// 第 k 輪中，輪替順序排在前面且還有第 k 個請求的使用者再各出一個。
	self := s.ringOffset(user)
	pos := 0
	for offset := 0; offset < len(s.ring); offset++ {
		u := s.ring[(s.cursor+offset)%len(s.ring)]
		n := len(s.queues[u])
		if u == user {
			pos += k
			continue
		}
		pos += min(n, k)
		if n > k && offset < self {
			pos++
		}
	}
	return pos
}

// Positions 一次模擬計算所有 pending 請求的位置
func (s *Scheduler) Positions() map[types.RequestID]int {
	out := make(map[types.RequestID]int, len(s.owner))
	if len(s.ring) == 0 {
		return out
	}

	pos := 0
	for round := 0; pos < len(s.owner); round++ {
		for offset := 0; offset < len(s.ring); offset++ {
			q := s.queues[s.ring[(s.cursor+offset)%len(s.ring)]]
			if round < len(q) {
				out[q[round].ID] = pos
				pos++
			}
		}
	}
	return out
}

// Order 回傳完整的出隊順序（除錯與測試用）
func (s *Scheduler) Order() []types.RequestID {
	positions := s.Positions()
	order := make([]types.RequestID, len(positions))
	for id, p := range positions {
		order[p] = id
	}
	return order
}

// activate 將使用者插入本輪最後一位（cursor 之前）
func (s *Scheduler) activate(user string) {
	if len(s.ring) == 0 {
		s.ring = append(s.ring, user)
		s.cursor = 0
		return
	}
	if s.cursor >= len(s.ring) {
		s.cursor = 0
	}
	s.ring = append(s.ring, "")
	copy(s.ring[s.cursor+1:], s.ring[s.cursor:])
	s.ring[s.cursor] = user
	s.cursor++
}

// deactivate 將 ring 中索引 i 的使用者移除並維持 cursor 指向同一個下一位
func (s *Scheduler) deactivate(i int) {
	s.ring = append(s.ring[:i], s.ring[i+1:]...)
	if i < s.cursor {
		s.cursor--
	}
	if len(s.ring) == 0 || s.cursor >= len(s.ring) {
		s.cursor = 0
	}
}

// ringOffset 回傳使用者相對 cursor 的輪替偏移量
func (s *Scheduler) ringOffset(user string) int {
	for offset := 0; offset < len(s.ring); offset++ {
		if s.ring[(s.cursor+offset)%len(s.ring)] == user {
			return offset
		}
	}
	return len(s.ring)
}
