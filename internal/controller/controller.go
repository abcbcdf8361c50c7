// ============================================================================
// llmqueue 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝佇列、持久化、通知與 Worker Pool，負責崩潰恢復與背景維護
//
// 架構設計:
//   Controller 負責協調以下組件：
//   - Store: 持久化 pending 集合（file WAL + snapshot，或 pebble）
//   - Queue: 請求狀態與公平排程（唯一的鎖）
//   - Hub / Async: 狀態通知（gRPC Watch 訂閱者 / 外部 sink）
//   - Pool: 執行槽，從 Queue 認領請求並呼叫 Processor
//
// 背景循環 (2 個 Goroutine):
//   1. Retention Loop - 定期移除超過保留期間的終止請求
//   2. Compaction Loop - 定期把 WAL 壓縮成快照（Store 支援時）
//
// 崩潰恢復流程:
//   Start() 時在 Worker 啟動前執行：
//   1. Store.LoadPending() - 依原始入隊順序載入積壓（執行中的請求 Attempt+1）
//   2. Queue.Restore() - 以原始 id / 使用者 / 入隊時間重新接納，不受容量限制
//   3. Compact() - 把 Attempt 變更寫回持久化
//
// 關閉順序:
//   1. pool.Stop()  → 不再認領，等待執行中的請求完成或超時
//   2. queue.Close() → 拒絕新的入隊
//   3. 停止背景循環，最後一次壓縮
//   4. 關閉 Async sink 與 Store
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/llmqueue/internal/config"
	"github.com/ChuLiYu/llmqueue/internal/metrics"
	"github.com/ChuLiYu/llmqueue/internal/notify"
	"github.com/ChuLiYu/llmqueue/internal/persistence"
	"github.com/ChuLiYu/llmqueue/internal/queue"
	"github.com/ChuLiYu/llmqueue/internal/worker"
)

var (
	// ErrAlreadyStarted 表示 Controller 已經啟動過
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrNotStarted 表示 Controller 尚未啟動
	ErrNotStarted = errors.New("controller not started")
)

// minPruneInterval 保留期間很短時的掃描間隔下限
const minPruneInterval = time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Controller 核心控制器
type Controller struct {
	cfg     config.QueueConfig
	store   persistence.Store  // nil 表示純記憶體模式
	queue   *queue.Queue       // 請求狀態與排程
	pool    *worker.Pool       // 執行槽
	hub     *notify.Hub        // Watch 訂閱者
	async   *notify.Async      // 外部 sink（可能為 nil）
	metrics *metrics.Collector // 可能為 nil
	logger  *slog.Logger

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	restored  int
	stopCh    chan struct{}  // 停止訊號
	loopWg    sync.WaitGroup // 等待所有循環退出
}

type options struct {
	logger     *slog.Logger
	metrics    *metrics.Collector
	sink       notify.Sink
	store      persistence.Store
	memoryOnly bool
	hubBuffer  int
	sinkBuffer int
}

// Option configures a Controller
type Option func(*options)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics 把佇列與 Worker 指標送到 collector
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithSink 加入外部通知 sink；它在獨立 goroutine 中被呼叫，緩衝滿時丟棄
func WithSink(s notify.Sink, buffer int) Option {
	return func(o *options) {
		o.sink = s
		o.sinkBuffer = buffer
	}
}

// WithStore 使用已開啟的 Store 取代依設定開啟的後端；Controller 負責關閉它
func WithStore(s persistence.Store) Option {
	return func(o *options) { o.store = s }
}

// WithMemoryOnly 不使用持久化，重啟後積壓會遺失
func WithMemoryOnly() Option {
	return func(o *options) { o.memoryOnly = true }
}

// WithWatchBuffer 設定每個 Watch 訂閱者的緩衝大小
func WithWatchBuffer(n int) Option {
	return func(o *options) { o.hubBuffer = n }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 會開啟持久化後端（尚未載入積壓），建立佇列與 Worker Pool
func NewController(cfg config.QueueConfig, processor worker.Processor, opts ...Option) (*Controller, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("component", "controller")

	// 1. 開啟持久化
	store := o.store
	if store == nil && !o.memoryOnly {
		s, err := persistence.Open(cfg, o.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		store = s
	}

	// 2. 通知 sink：Hub 一定存在，外部 sink 經由 Async 隔離
	hub := notify.NewHub(o.hubBuffer)
	sinks := notify.Multi{hub, notify.NewLogger(o.logger)}
	var async *notify.Async
	if o.sink != nil {
		async = notify.NewAsync(o.sink, o.sinkBuffer, o.logger)
		sinks = append(sinks, async)
	}

	// 3. 建立佇列
	qopts := []queue.Option{queue.WithSink(sinks), queue.WithLogger(o.logger)}
	if store != nil {
		qopts = append(qopts, queue.WithStore(store))
	}
	if o.metrics != nil {
		qopts = append(qopts, queue.WithRecorder(o.metrics))
	}
	q := queue.New(cfg, qopts...)

	// 4. 建立 Worker Pool
	wopts := []worker.Option{worker.WithConfig(cfg), worker.WithLogger(o.logger)}
	if o.metrics != nil {
		wopts = append(wopts, worker.WithRecorder(o.metrics))
	}
	pool, err := worker.NewPool(q, processor, wopts...)
	if err != nil {
		if async != nil {
			async.Close()
		}
		if store != nil {
			_ = store.Close()
		}
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	if o.metrics != nil && async != nil {
		if err := o.metrics.RegisterDropped(async.Dropped); err != nil {
			logger.Warn("Failed to register dropped notifications metric", "error", err)
		}
	}

	return &Controller{
		cfg:     cfg,
		store:   store,
		queue:   q,
		pool:    pool,
		hub:     hub,
		async:   async,
		metrics: o.metrics,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：LoadPending -> Restore -> Compact
//  2. 啟動階段：啟動 Worker Pool 和背景循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = time.Now()

	// 1. 恢復階段
	if err := c.recoverBacklog(); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	// 2. 啟動 Worker Pool
	if err := c.pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	// 3. 啟動背景循環
	c.loopWg.Add(1)
	go c.retentionLoop()

	if compactor, ok := c.store.(persistence.Compactor); ok && c.cfg.CompactInterval > 0 {
		c.loopWg.Add(1)
		go c.compactionLoop(compactor)
	}

	c.started = true
	c.logger.Info("Controller started",
		"workers", c.pool.WorkerCount(),
		"capacity", c.cfg.Capacity,
		"max_per_user", c.cfg.MaxPerUser,
		"restored", c.restored)
	return nil
}

// recoverBacklog 載入持久化的積壓並在 Worker 啟動前交給佇列
func (c *Controller) recoverBacklog() error {
	if c.store == nil {
		c.logger.Info("Running without persistence, nothing to recover")
		return nil
	}

	start := time.Now()
	c.logger.Info("Starting recovery...")

	if r, ok := c.store.(persistence.Recoverer); ok {
		if _, err := r.RequeueInterrupted(); err != nil {
			return fmt.Errorf("failed to requeue interrupted requests: %w", err)
		}
	}

	pending, err := c.store.LoadPending()
	if err != nil {
		return fmt.Errorf("failed to load pending requests: %w", err)
	}

	interrupted := 0
	for _, r := range pending {
		if r.Attempt > 0 {
			interrupted++
		}
	}

	c.restored = c.queue.Restore(pending)

	// 把恢復時改變的 Attempt 寫回，下一次崩潰不會重複計算
	if compactor, ok := c.store.(persistence.Compactor); ok && len(pending) > 0 {
		if err := compactor.Compact(); err != nil {
			c.logger.Warn("Post-recovery compaction failed", "error", err)
		}
	}

	duration := time.Since(start)
	if c.metrics != nil {
		c.metrics.SetRecovery(duration, c.restored)
	}
	if duration > 3*time.Second {
		c.logger.Warn("Recovery time exceeds 3s", "duration", duration)
	}

	c.logger.Info("Recovery completed",
		"duration", duration,
		"restored", c.restored,
		"interrupted", interrupted)
	return nil
}

// ============================================================================
// 背景循環
// ============================================================================

// retentionLoop 定期移除超過保留期間的終止請求
func (c *Controller) retentionLoop() {
	defer c.loopWg.Done()

	interval := c.cfg.RetentionWindow / 2
	if interval < minPruneInterval {
		interval = minPruneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Debug("Retention loop stopped")
			return
		case now := <-ticker.C:
			c.queue.Prune(now)
		}
	}
}

// compactionLoop 定期把 WAL 壓縮成快照
func (c *Controller) compactionLoop(compactor persistence.Compactor) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.CompactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Debug("Compaction loop stopped")
			return
		case <-ticker.C:
			c.compact(compactor)
		}
	}
}

func (c *Controller) compact(compactor persistence.Compactor) {
	start := time.Now()
	if err := compactor.Compact(); err != nil {
		c.logger.Error("Failed to compact store", "error", err)
		return
	}
	c.logger.Debug("Store compacted", "duration", time.Since(start))
}

// ============================================================================
// 公開方法
// ============================================================================

// Queue 返回請求佇列（入隊、取消、查詢）
func (c *Controller) Queue() *queue.Queue {
	return c.queue
}

// Hub 返回 Watch 訂閱中心
func (c *Controller) Hub() *notify.Hub {
	return c.hub
}

// Status 系統狀態
type Status struct {
	queue.Stats
	Uptime               time.Duration
	Workers              int
	BusyWorkers          int
	AbandonedCalls       int
	Restored             int
	DroppedNotifications uint64
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	restored := c.restored
	c.mu.Unlock()

	s := Status{
		Stats:          c.queue.Stats(),
		Uptime:         uptime,
		Workers:        c.pool.WorkerCount(),
		BusyWorkers:    c.pool.Busy(),
		AbandonedCalls: c.pool.Abandoned(),
		Restored:       restored,
	}
	if c.async != nil {
		s.DroppedNotifications = c.async.Dropped()
	}
	return s
}

// Stop 優雅關閉 Controller
//
// ctx 限制等待執行中請求與被放棄的 processor 呼叫的時間；到期後仍會關閉佇列與 Store
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if c.stopped {
		c.mu.Unlock()
		c.logger.Info("Controller already stopped")
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.logger.Info("Stopping controller...")

	// 1. 停止 Worker Pool：不再認領，等待執行中的請求
	stopErr := c.pool.Stop(ctx)
	if stopErr != nil {
		c.logger.Warn("Worker pool did not drain before deadline", "error", stopErr)
	} else if n := c.pool.Abandoned(); n > 0 {
		// 超時被放棄的 processor 呼叫仍在執行，在 ctx 內等它們返回
		c.logger.Info("Waiting for abandoned processor calls", "abandoned", n)
		if err := c.pool.WaitCalls(ctx); err != nil {
			c.logger.Warn("Abandoned processor calls still running at shutdown", "abandoned", c.pool.Abandoned(), "error", err)
			stopErr = err
		}
	}

	// 2. 拒絕新的入隊
	c.queue.Close()

	// 3. 停止背景循環
	close(c.stopCh)
	c.loopWg.Wait()

	// 4. 最後一次壓縮，下次啟動只需載入快照
	if compactor, ok := c.store.(persistence.Compactor); ok {
		c.compact(compactor)
	}

	// 5. 送出剩餘通知並關閉 Store
	if c.async != nil {
		c.async.Close()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Error("Failed to close store", "error", err)
			if stopErr == nil {
				stopErr = err
			}
		}
	}

	c.logger.Info("Controller stopped", "uptime", time.Since(c.startTime))
	return stopErr
}
