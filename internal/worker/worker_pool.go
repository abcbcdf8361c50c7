// ============================================================================
// llmqueue Worker Pool - 並發請求執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量的執行槽，從 Source 認領請求並呼叫 Processor
//
// 架構組件:
//   ┌─────────────┐
//   │   Source    │ ←── Claim() / Mark*()
//   └─────────────┘
//         ↑
//   ┌──────────────────────────────┐
//   │   Pool                       │
//   │  ┌────────┐                  │
//   │  │Worker 0│──┐               │
//   │  │Worker 1│──┼─→ tokens ─→ processor goroutine (timeout race)
//   │  │Worker 2│──┘   (semaphore)  │
//   │  └────────┘                  │
//   └──────────────────────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start(ctx) - 啟動 WorkerCount 個 Worker goroutine
//   3. Stop(ctx) - 停止認領新請求，等待執行中的請求完成或超時
//
// 並發控制:
//   - tokens: semaphore.Weighted，容量 = WorkerCount + MaxAbandoned
//     每次認領前取得一個 token，processor 真正返回時才釋放；
//     超時被放棄的呼叫仍佔用 token，因此存活的 processor 呼叫數有上限
//   - limiter: 可選的 rate.Limiter，限制 processor 呼叫速率
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//   - Mutex: 保護 started/stopped 狀態
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolStarted 表示 Pool 已經啟動過
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrInvalidOptions 表示設定不合法
	ErrInvalidOptions = errors.New("invalid worker pool options")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的執行槽
type Pool struct {
	source    Source
	processor Processor
	opts      options
	logger    *slog.Logger

	tokens  *semaphore.Weighted // 限制存活中的 processor 呼叫數
	limiter *rate.Limiter       // nil 表示不限速

	workers []*Worker
	wg      sync.WaitGroup // 等待所有 Worker 退出
	calls   sync.WaitGroup // 等待所有 processor goroutine（含被放棄的）

	busy      atomic.Int64 // 正在執行請求的槽數
	abandoned atomic.Int64 // 超時後仍在執行的 processor 呼叫數

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
func NewPool(source Source, processor Processor, opts ...Option) (*Pool, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if source == nil || processor == nil {
		return nil, fmt.Errorf("%w: source and processor are required", ErrInvalidOptions)
	}
	if o.workerCount <= 0 {
		return nil, fmt.Errorf("%w: worker count must be positive, got %d", ErrInvalidOptions, o.workerCount)
	}
	if o.requestTimeout <= 0 {
		return nil, fmt.Errorf("%w: request timeout must be positive, got %s", ErrInvalidOptions, o.requestTimeout)
	}
	if o.maxAbandoned < 0 {
		return nil, fmt.Errorf("%w: max abandoned must not be negative, got %d", ErrInvalidOptions, o.maxAbandoned)
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	p := &Pool{
		source:    source,
		processor: processor,
		opts:      o,
		logger:    o.logger.With("component", "worker_pool"),
		tokens:    semaphore.NewWeighted(int64(o.workerCount + o.maxAbandoned)),
	}
	if o.ratePerSecond > 0 {
		burst := o.rateBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(o.ratePerSecond), burst)
	}
	return p, nil
}

// Start 啟動所有 Worker
//
// ctx 被取消的效果等同於 Stop：不再認領新請求
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.opts.workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(runCtx)
		}(w)
	}

	p.started = true
	p.logger.Info("Worker pool started",
		"workers", p.opts.workerCount,
		"timeout", p.opts.requestTimeout,
		"max_abandoned", p.opts.maxAbandoned,
		"rate_per_second", p.opts.ratePerSecond)
	return nil
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 取消 run context，閒置的 Worker 立即退出
//  2. 執行中的 Worker 等待目前的請求完成或超時後退出
//  3. ctx 到期時不再等待，回傳 ctx.Err()
//
// 超時後被放棄的 processor 呼叫不會被等待
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped", "abandoned_calls", p.abandoned.Load())
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool stop deadline exceeded", "busy", p.busy.Load())
		return ctx.Err()
	}
}

// WaitCalls 等待所有 processor goroutine 返回（含被放棄的呼叫）
func (p *Pool) WaitCalls(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WorkerCount 返回執行槽數量
func (p *Pool) WorkerCount() int {
	return p.opts.workerCount
}

// Busy 返回正在執行請求的槽數
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Abandoned 返回超時後仍在執行的 processor 呼叫數
func (p *Pool) Abandoned() int {
	return int(p.abandoned.Load())
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
