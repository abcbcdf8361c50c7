// ============================================================================
// llmqueue 請求佇列 - 入隊控制與狀態機
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 管理請求的完整生命週期、容量控制與排隊位置通知
//
// 請求狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ Claim() / MarkRunning()          ↘ Cancel()
//   Running (執行中)                         Cancelled (已取消)
//      ↓ MarkCompleted() / MarkFailed() / MarkTimedOut()
//   Completed / Failed / TimedOut
//
// 終止狀態不可再轉換；重複呼叫相同的終止轉換是 no-op。
//
// 數據結構:
//   requests map[RequestID]*Request - 單一真實來源，包含保留期間內的終止請求
//   sched *scheduler.Scheduler      - pending 請求的公平排序
//   running map                     - 執行中索引
//   perUser map[string]int          - 每個使用者 pending + running 數量
//
// 並發安全:
//   - 單一 sync.Mutex 保護以上所有結構，認領 = 出隊 + 標記執行中，在同一把鎖內完成
//   - Store 與 Sink 都在鎖內同步呼叫，保證事件順序與狀態順序一致
//
// ============================================================================

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/llmqueue/internal/config"
	"github.com/ChuLiYu/llmqueue/internal/notify"
	"github.com/ChuLiYu/llmqueue/internal/persistence"
	"github.com/ChuLiYu/llmqueue/internal/scheduler"
	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// Queue 有界、公平、可恢復的請求佇列
type Queue struct {
	mu       sync.Mutex
	cfg      config.QueueConfig
	requests map[types.RequestID]*types.Request
	running  map[types.RequestID]struct{}
	perUser  map[string]int
	sched    *scheduler.Scheduler
	lastPos  map[types.RequestID]int // 最後一次通知出去的排隊位置
	wake     chan struct{}           // 有新的 pending 請求或佇列關閉時關閉
	closed   bool

	store    persistence.Store
	sink     notify.Sink
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
	newID    func() types.RequestID
}

// Option 設定 Queue 的可選相依
type Option func(*Queue)

// WithStore 設定持久化後端；未設定時只存在記憶體
func WithStore(s persistence.Store) Option {
	return func(q *Queue) { q.store = s }
}

// WithSink 設定通知出口
func WithSink(s notify.Sink) Option {
	return func(q *Queue) { q.sink = s }
}

// WithRecorder 設定指標收集器
func WithRecorder(r Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator 替換 ID 產生器（測試用）
func WithIDGenerator(gen func() types.RequestID) Option {
	return func(q *Queue) { q.newID = gen }
}

// New 建立佇列
func New(cfg config.QueueConfig, opts ...Option) *Queue {
	q := &Queue{
		cfg:      cfg,
		requests: make(map[types.RequestID]*types.Request),
		running:  make(map[types.RequestID]struct{}),
		perUser:  make(map[string]int),
		sched:    scheduler.New(),
		lastPos:  make(map[types.RequestID]int),
		wake:     make(chan struct{}),
		store:    nopStore{},
		sink:     notify.Nop{},
		recorder: nopRecorder{},
		now:      time.Now,
		newID:    newRequestID,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.logger = q.logger.With("component", "queue")
	return q
}

// newRequestID 產生依時間排序的 UUIDv7
func newRequestID() types.RequestID {
	id, err := uuid.NewV7()
	if err != nil {
		return types.RequestID(uuid.NewString())
	}
	return types.RequestID(id.String())
}

// ============================================================================
// 入隊與取消
// ============================================================================

// Enqueue 將新請求加入佇列
//
// 錯誤處理：
//   - *QueueFullError: 總量或使用者上限已滿（errors.Is(err, ErrQueueFull)）
//   - ErrClosed: 佇列已關閉
//   - ErrPersistence: strict 模式下寫入持久化失敗
//
// 任何錯誤都不會修改佇列狀態
func (q *Queue) Enqueue(ctx context.Context, userKey string, payload json.RawMessage) (types.RequestID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if userKey == "" {
		return "", ErrInvalidUserKey
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", ErrInvalidPayload
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}

	// 容量檢查：pending + running
	if q.activeLocked() >= q.cfg.Capacity {
		q.recorder.Rejected(ReasonCapacity)
		return "", &QueueFullError{Reason: ReasonCapacity, UserKey: userKey, Limit: q.cfg.Capacity}
	}
	if q.perUser[userKey] >= q.cfg.MaxPerUser {
		q.recorder.Rejected(ReasonPerUser)
		return "", &QueueFullError{Reason: ReasonPerUser, UserKey: userKey, Limit: q.cfg.MaxPerUser}
	}

	req := &types.Request{
		ID:            q.newID(),
		UserKey:       userKey,
		Payload:       append(json.RawMessage(nil), payload...),
		Status:        types.StatusPending,
		EnqueuedAt:    q.now(),
		WorkerOrdinal: -1,
	}

	if err := q.store.Append(*req); err != nil {
		q.persistFailedLocked("append", req.ID, err)
		if q.cfg.StrictPersist {
			return "", fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	q.admitLocked(req)
	q.recorder.Admitted(userKey)
	q.notifyLocked(req)
	q.notifyPositionsLocked()
	q.signalLocked()
	q.depthLocked()

	q.logger.Debug("Request enqueued",
		"id", req.ID,
		"user", userKey,
		"position", q.lastPos[req.ID])
	return req.ID, nil
}

// Cancel 取消 pending 請求
//
// 錯誤處理：
//   - ErrNotFound: 請求不存在
//   - ErrNotCancellable: 請求已經開始執行或已終止
func (q *Queue) Cancel(id types.RequestID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != types.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, req.Status)
	}

	q.sched.Remove(id)
	q.finishLocked(req, types.StatusCancelled)
	q.notifyPositionsLocked()
	q.depthLocked()
	return nil
}

// ============================================================================
// 認領與執行狀態
// ============================================================================

// Claim 依公平順序取出下一個 pending 請求並標記為執行中
//
// 沒有 pending 請求時回傳 nil 與一個 channel，
// 該 channel 會在下一次有請求入隊（或佇列關閉）時被關閉。
// 佇列關閉後回傳 ErrClosed。
func (q *Queue) Claim(worker int) (*types.Request, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, nil, ErrClosed
	}

	item, ok := q.sched.Next()
	if !ok {
		return nil, q.wake, nil
	}

	req := q.requests[item.ID]
	q.startLocked(req, worker)
	q.notifyPositionsLocked()
	q.depthLocked()

	c := req.Clone()
	return &c, nil, nil
}

// MarkRunning 將指定的 pending 請求標記為執行中（繞過公平順序）
func (q *Queue) MarkRunning(id types.RequestID, worker int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != types.StatusPending {
		q.anomalyLocked("mark running", req, types.StatusRunning)
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, req.Status)
	}

	q.sched.Remove(id)
	q.startLocked(req, worker)
	q.notifyPositionsLocked()
	q.depthLocked()
	return nil
}

// MarkCompleted 記錄處理器成功的結果
func (q *Queue) MarkCompleted(id types.RequestID, result json.RawMessage) error {
	return q.complete(id, types.StatusCompleted, func(req *types.Request) {
		req.Result = append(json.RawMessage(nil), result...)
	})
}

// MarkFailed 記錄處理器回傳的錯誤（包含 panic）
func (q *Queue) MarkFailed(id types.RequestID, cause error) error {
	return q.complete(id, types.StatusFailed, func(req *types.Request) {
		req.ErrorKind = types.ErrorKindProcessor
		if cause != nil {
			req.Error = cause.Error()
		}
	})
}

// MarkTimedOut 記錄處理器呼叫超時
func (q *Queue) MarkTimedOut(id types.RequestID, timeout time.Duration) error {
	return q.complete(id, types.StatusTimedOut, func(req *types.Request) {
		req.ErrorKind = types.ErrorKindTimeout
		req.Error = (&QueueTimeoutError{ID: id, Timeout: timeout}).Error()
	})
}

// complete 執行中 → 終止狀態
//
// 相同終止狀態的重複呼叫是 no-op；其他不合法轉換記錄為異常並回傳 ErrInvalidTransition
func (q *Queue) complete(id types.RequestID, status types.Status, apply func(*types.Request)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status == status {
		return nil
	}
	if req.Status != types.StatusRunning {
		q.anomalyLocked("complete", req, status)
		return fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, id, req.Status, status)
	}

	apply(req)
	q.finishLocked(req, status)
	q.depthLocked()
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// GetStatus 回傳請求的副本，排隊位置即時計算
func (q *Queue) GetStatus(id types.RequestID) (types.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[id]
	if !ok {
		return types.Request{}, ErrNotFound
	}
	c := req.Clone()
	if req.Status == types.StatusPending {
		c.Position = q.sched.Position(id)
	} else {
		c.Position = types.NoPosition
	}
	return c, nil
}

// Stats 佇列統計
type Stats struct {
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Retained int `json:"retained"` // 保留期間內的終止請求
	Users    int `json:"users"`    // 有 pending 或 running 請求的使用者數
	Capacity int `json:"capacity"`
}

// Stats 取得目前各狀態的數量
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Pending:  q.sched.Len(),
		Running:  len(q.running),
		Retained: len(q.requests) - q.activeLocked(),
		Users:    len(q.perUser),
		Capacity: q.cfg.Capacity,
	}
}

// Pending 依出隊順序回傳所有 pending 請求（含排隊位置）
func (q *Queue) Pending() []types.Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	order := q.sched.Order()
	out := make([]types.Request, 0, len(order))
	for i, id := range order {
		c := q.requests[id].Clone()
		c.Position = i
		out = append(out, c)
	}
	return out
}

// ============================================================================
// 恢復、清理與關閉
// ============================================================================

// Restore 重新接納從持久化載入的請求
//
// 保留原始 id、使用者、payload 與入隊時間，狀態重設為 pending；
// 不受容量限制（重啟不會丟棄積壓），也不會再寫入持久化。
// 必須在 worker 開始認領之前呼叫。
func (q *Queue) Restore(reqs []types.Request) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	restored := 0
	for i := range reqs {
		r := reqs[i].Clone()
		if r.ID == "" || r.UserKey == "" {
			q.logger.Warn("Skipping invalid recovered request", "id", r.ID, "user", r.UserKey)
			continue
		}
		if _, exists := q.requests[r.ID]; exists {
			q.logger.Warn("Skipping duplicate recovered request", "id", r.ID)
			continue
		}

		r.Status = types.StatusPending
		r.StartedAt = nil
		r.FinishedAt = nil
		r.WorkerOrdinal = -1
		r.Result = nil
		r.Error = ""
		r.ErrorKind = ""
		q.admitLocked(&r)
		restored++
	}

	if restored > 0 {
		for _, id := range q.sched.Order() {
			q.notifyLocked(q.requests[id])
		}
		q.signalLocked()
	}
	q.depthLocked()

	q.logger.Info("Backlog restored",
		"restored", restored,
		"skipped", len(reqs)-restored,
		"pending", q.sched.Len())
	return restored
}

// Prune 移除超過保留期間的終止請求，回傳移除數量
func (q *Queue) Prune(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-q.cfg.RetentionWindow)
	pruned := 0
	for id, req := range q.requests {
		if !req.Status.IsTerminal() || req.FinishedAt == nil {
			continue
		}
		if req.FinishedAt.After(cutoff) {
			continue
		}
		delete(q.requests, id)
		pruned++
	}
	if pruned > 0 {
		q.logger.Debug("Pruned finished requests", "count", pruned)
	}
	return pruned
}

// Close 停止接受新請求並喚醒所有等待中的 worker
//
// 已在執行中的請求仍可回報結果
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
}

// ============================================================================
// 內部方法（呼叫端必須持有 q.mu）
// ============================================================================

func (q *Queue) activeLocked() int {
	return q.sched.Len() + len(q.running)
}

// admitLocked 登記 pending 請求並放入排程器
func (q *Queue) admitLocked(req *types.Request) {
	q.requests[req.ID] = req
	q.perUser[req.UserKey]++
	q.sched.Push(scheduler.Item{
		ID:         req.ID,
		UserKey:    req.UserKey,
		EnqueuedAt: req.EnqueuedAt.UnixNano(),
	})
}

// startLocked pending → running（請求已從排程器移出）
func (q *Queue) startLocked(req *types.Request, worker int) {
	now := q.now()
	req.Status = types.StatusRunning
	req.StartedAt = &now
	req.WorkerOrdinal = worker
	req.Position = types.NoPosition
	q.running[req.ID] = struct{}{}
	delete(q.lastPos, req.ID)

	if err := q.store.MarkRunning(req.ID, worker); err != nil {
		q.persistFailedLocked("mark_running", req.ID, err)
	}

	q.recorder.Started(now.Sub(req.EnqueuedAt))
	q.notifyLocked(req)
}

// finishLocked 進入終止狀態：離開活躍集合與持久化，保留在記憶體供查詢
func (q *Queue) finishLocked(req *types.Request, status types.Status) {
	now := q.now()
	req.Status = status
	req.FinishedAt = &now
	req.Position = types.NoPosition
	delete(q.running, req.ID)
	delete(q.lastPos, req.ID)

	if q.perUser[req.UserKey]--; q.perUser[req.UserKey] <= 0 {
		delete(q.perUser, req.UserKey)
	}

	if err := q.store.Remove(req.ID); err != nil {
		q.persistFailedLocked("remove", req.ID, err)
	}

	var runtime time.Duration
	if req.StartedAt != nil {
		runtime = now.Sub(*req.StartedAt)
	}
	q.recorder.Finished(status, runtime)
	q.notifyLocked(req)

	q.logger.Debug("Request finished",
		"id", req.ID,
		"user", req.UserKey,
		"status", status,
		"runtime", runtime)
}

// notifyLocked 發出一筆狀態通知；pending 請求附上目前位置
func (q *Queue) notifyLocked(req *types.Request) {
	n := types.Notification{
		ID:      req.ID,
		UserKey: req.UserKey,
		Status:  req.Status,
		At:      q.now(),
	}
	if req.Status == types.StatusPending {
		pos := q.sched.Position(req.ID)
		req.Position = pos
		q.lastPos[req.ID] = pos
		n.Position = &pos
	}
	q.sink.Notify(n)
}

// notifyPositionsLocked 重新計算所有 pending 位置，只通知有變動的請求
func (q *Queue) notifyPositionsLocked() {
	for id, pos := range q.sched.Positions() {
		if last, ok := q.lastPos[id]; ok && last == pos {
			continue
		}
		req := q.requests[id]
		req.Position = pos
		q.lastPos[id] = pos
		p := pos
		q.sink.Notify(types.Notification{
			ID:       id,
			UserKey:  req.UserKey,
			Status:   types.StatusPending,
			Position: &p,
			At:       q.now(),
		})
	}
}

// signalLocked 喚醒所有等待中的 worker
func (q *Queue) signalLocked() {
	if q.closed {
		return
	}
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) depthLocked() {
	q.recorder.Depth(q.sched.Len(), len(q.running))
}

func (q *Queue) persistFailedLocked(op string, id types.RequestID, err error) {
	q.recorder.PersistFailed(op)
	q.logger.Error("Persistence operation failed",
		"op", op,
		"id", id,
		"strict", q.cfg.StrictPersist,
		"error", err)
}

func (q *Queue) anomalyLocked(op string, req *types.Request, to types.Status) {
	q.logger.Warn("Rejected invalid status transition",
		"op", op,
		"id", req.ID,
		"from", req.Status,
		"to", to)
}
