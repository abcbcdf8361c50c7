// ============================================================================
// llmqueue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露佇列與 Worker 池的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 請求計數器 (Counter):
//      - llmqueue_requests_admitted_total: 被接受的請求總數
//      - llmqueue_requests_rejected_total{reason}: 被拒絕的請求數 (capacity | per_user)
//      - llmqueue_requests_finished_total{status}: 進入終止狀態的請求數
//      - llmqueue_persist_failures_total{op}: 持久化失敗次數
//      - llmqueue_processor_panics_total: processor panic 次數
//
//   2. 性能指標 (Histogram):
//      - llmqueue_queue_wait_seconds: 從入隊到被認領的等待時間
//      - llmqueue_request_runtime_seconds{status}: 從認領到終止的執行時間
//      - llmqueue_processor_latency_seconds{status}: processor 呼叫延遲
//
//   3. 狀態指標 (Gauge):
//      - llmqueue_requests_pending / llmqueue_requests_running
//      - llmqueue_workers_busy: 正在執行請求的執行槽數
//      - llmqueue_abandoned_calls: 超時後仍在執行的 processor 呼叫數
//      - llmqueue_recovery_seconds / llmqueue_recovered_requests: 最近一次恢復
//      - llmqueue_notifications_dropped: 非同步通知丟棄數 (GaugeFunc)
//
// Prometheus 查詢示例:
//
//   # 拒絕率
//   rate(llmqueue_requests_rejected_total[5m]) / rate(llmqueue_requests_admitted_total[5m])
//
//   # 95 分位等待時間
//   histogram_quantile(0.95, rate(llmqueue_queue_wait_seconds_bucket[5m]))
//
// HTTP 端點:
//   通過 /metrics 端點暴露，默認端口 9090
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/llmqueue/internal/queue"
	"github.com/ChuLiYu/llmqueue/pkg/types"
)

const namespace = "llmqueue"

// latencyBuckets LLM 呼叫通常是秒級到分鐘級
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Collector Prometheus 指標收集器
//
// 同時實作 queue.Recorder 與 worker.Recorder
type Collector struct {
	// 請求相關指標
	admitted       prometheus.Counter
	rejected       *prometheus.CounterVec
	finished       *prometheus.CounterVec
	persistFailed  *prometheus.CounterVec
	processorPanic prometheus.Counter

	// 效能指標
	queueWait        prometheus.Histogram
	runtime          *prometheus.HistogramVec
	processorLatency *prometheus.HistogramVec

	// 狀態指標
	pending      prometheus.Gauge
	running      prometheus.Gauge
	busyWorkers  prometheus.Gauge
	abandoned    prometheus.Gauge
	recoveryTime prometheus.Gauge
	recovered    prometheus.Gauge

	reg prometheus.Registerer
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_admitted_total",
			Help:      "Total number of requests admitted to the queue",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Total number of requests rejected at admission",
		}, []string{"reason"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_finished_total",
			Help:      "Total number of requests that reached a terminal status",
		}, []string{"status"}),
		persistFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Total number of failed durable log operations",
		}, []string{"op"}),
		processorPanic: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_panics_total",
			Help:      "Total number of recovered processor panics",
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time between enqueue and claim in seconds",
			Buckets:   latencyBuckets,
		}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_runtime_seconds",
			Help:      "Time between claim and terminal status in seconds",
			Buckets:   latencyBuckets,
		}, []string{"status"}),
		processorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processor_latency_seconds",
			Help:      "Processor call latency in seconds",
			Buckets:   latencyBuckets,
		}, []string{"status"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_pending",
			Help:      "Current number of pending requests",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_running",
			Help:      "Current number of running requests",
		}),
		busyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Current number of worker slots executing a request",
		}),
		abandoned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "abandoned_calls",
			Help:      "Processor calls still running after their timeout",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_seconds",
			Help:      "Time taken by the last startup recovery in seconds",
		}),
		recovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovered_requests",
			Help:      "Number of requests restored by the last startup recovery",
		}),
		reg: reg,
	}

	// 註冊所有指標
	for _, m := range []prometheus.Collector{
		c.admitted, c.rejected, c.finished, c.persistFailed, c.processorPanic,
		c.queueWait, c.runtime, c.processorLatency,
		c.pending, c.running, c.busyWorkers, c.abandoned, c.recoveryTime, c.recovered,
	} {
		if err := reg.Register(m); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return c, nil
}

// ============================================================================
// queue.Recorder
// ============================================================================

// Admitted 記錄請求被接受；不以 user 為 label，避免高基數
func (c *Collector) Admitted(string) {
	c.admitted.Inc()
}

// Rejected 記錄請求被拒絕
func (c *Collector) Rejected(reason queue.RejectReason) {
	c.rejected.WithLabelValues(string(reason)).Inc()
}

// Started 記錄請求被認領前的等待時間
func (c *Collector) Started(wait time.Duration) {
	c.queueWait.Observe(wait.Seconds())
}

// Finished 記錄請求進入終止狀態；cancelled 請求沒有執行時間
func (c *Collector) Finished(status types.Status, runtime time.Duration) {
	c.finished.WithLabelValues(string(status)).Inc()
	if status != types.StatusCancelled {
		c.runtime.WithLabelValues(string(status)).Observe(runtime.Seconds())
	}
}

// PersistFailed 記錄持久化失敗
func (c *Collector) PersistFailed(op string) {
	c.persistFailed.WithLabelValues(op).Inc()
}

// Depth 更新佇列狀態統計
func (c *Collector) Depth(pending, running int) {
	c.pending.Set(float64(pending))
	c.running.Set(float64(running))
}

// ============================================================================
// worker.Recorder
// ============================================================================

// BusyWorkers 更新忙碌中的執行槽數
func (c *Collector) BusyWorkers(n int) {
	c.busyWorkers.Set(float64(n))
}

// AbandonedCalls 更新被放棄的 processor 呼叫數
func (c *Collector) AbandonedCalls(n int) {
	c.abandoned.Set(float64(n))
}

// ProcessorPanicked 記錄 processor panic
func (c *Collector) ProcessorPanicked() {
	c.processorPanic.Inc()
}

// ProcessorLatency 記錄 processor 呼叫延遲
func (c *Collector) ProcessorLatency(status types.Status, d time.Duration) {
	c.processorLatency.WithLabelValues(string(status)).Observe(d.Seconds())
}

// ============================================================================
// 其他
// ============================================================================

// SetRecovery 記錄啟動恢復的耗時與恢復的請求數
func (c *Collector) SetRecovery(d time.Duration, restored int) {
	c.recoveryTime.Set(d.Seconds())
	c.recovered.Set(float64(restored))
}

// RegisterDropped 以 GaugeFunc 暴露非同步通知的丟棄數
func (c *Collector) RegisterDropped(fn func() uint64) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notifications_dropped",
		Help:      "Notifications dropped because the delivery buffer was full",
	}, func() float64 { return float64(fn()) })
	return c.reg.Register(g)
}

// Handler 返回 /metrics 的 HTTP handler
//
// gatherer 為 nil 時使用 prometheus.DefaultGatherer
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Serve 啟動 Prometheus metrics HTTP 伺服器，直到 ctx 被取消
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
