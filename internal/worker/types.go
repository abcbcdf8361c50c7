package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ChuLiYu/llmqueue/internal/config"
	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// Processor performs the slow call (the LLM request) for one payload.
// It should honor ctx cancellation but is not required to.
type Processor func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Recorder receives pool level metrics (implemented by internal/metrics)
type Recorder interface {
	BusyWorkers(n int)
	AbandonedCalls(n int)
	ProcessorPanicked()
	ProcessorLatency(status types.Status, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) BusyWorkers(int)                              {}
func (nopRecorder) AbandonedCalls(int)                           {}
func (nopRecorder) ProcessorPanicked()                           {}
func (nopRecorder) ProcessorLatency(types.Status, time.Duration) {}

// options 工作池設定
type options struct {
	workerCount    int
	requestTimeout time.Duration
	maxAbandoned   int
	pollInterval   time.Duration
	ratePerSecond  float64
	rateBurst      int
	recorder       Recorder
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		workerCount:    4,
		requestTimeout: 60 * time.Second,
		maxAbandoned:   8,
		pollInterval:   time.Second,
		rateBurst:      1,
		recorder:       nopRecorder{},
		logger:         slog.Default(),
	}
}

// Option configures a Pool
type Option func(*options)

// WithConfig applies the worker related fields of a QueueConfig
func WithConfig(cfg config.QueueConfig) Option {
	return func(o *options) {
		if cfg.WorkerCount > 0 {
			o.workerCount = cfg.WorkerCount
		}
		if cfg.RequestTimeout > 0 {
			o.requestTimeout = cfg.RequestTimeout
		}
		if cfg.MaxAbandoned >= 0 {
			o.maxAbandoned = cfg.MaxAbandoned
		}
		o.pollInterval = cfg.PollInterval
		o.ratePerSecond = cfg.RatePerSecond
		if cfg.RateBurst > 0 {
			o.rateBurst = cfg.RateBurst
		}
	}
}

// WithWorkerCount sets the number of execution slots
func WithWorkerCount(n int) Option {
	return func(o *options) { o.workerCount = n }
}

// WithTimeout sets the per request processor timeout
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithMaxAbandoned bounds processor calls still running after their timeout
func WithMaxAbandoned(n int) Option {
	return func(o *options) { o.maxAbandoned = n }
}

// WithPollInterval sets the fallback wake up interval of idle slots
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithRateLimit caps processor calls per second across all slots
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		o.ratePerSecond = perSecond
		o.rateBurst = burst
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}
