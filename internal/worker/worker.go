// ============================================================================
// llmqueue Worker - Request Execution Slot
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One execution slot, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker continuously executes the following loop:
//   1. Acquire an execution token (blocks while too many calls are abandoned)
//   2. Wait for the rate limiter, if any
//   3. Claim the next request (blocks on the source's wake channel, no busy polling)
//   4. Run the processor in a detached goroutine raced against the timeout
//   5. Report completed / failed / timed out back to the source
//
// Timeout Control:
//   The processor gets a context.WithTimeout. If it does not return before the
//   deadline the request is marked timed out and the slot moves on; the call
//   keeps its token until it actually returns.
//
// Error Handling:
//   - Processor error: request marked failed (ErrorKind processor)
//   - Processor panic: recovered, request marked failed, worker keeps running
//   - Timeout: request marked timed out (ErrorKind timeout)
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/llmqueue/internal/queue"
	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// Worker represents one execution slot
type Worker struct {
	ordinal int   // Worker ordinal, reported with every claimed request
	pool    *Pool // Owning pool
	logger  *slog.Logger
}

// outcome is what a processor goroutine hands back
type outcome struct {
	result json.RawMessage
	err    error
}

// newWorker creates a new Worker instance
func newWorker(ordinal int, p *Pool) *Worker {
	return &Worker{
		ordinal: ordinal,
		pool:    p,
		logger:  p.logger.With("worker", ordinal),
	}
}

// Run is the main loop of Worker. It returns when ctx is cancelled or the
// source is closed. A request that was already claimed always runs to
// completion or timeout.
func (w *Worker) Run(ctx context.Context) {
	p := w.pool

	var poll <-chan time.Time
	if p.opts.pollInterval > 0 {
		ticker := time.NewTicker(p.opts.pollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for ctx.Err() == nil {
		if err := p.tokens.Acquire(ctx, 1); err != nil {
			return
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				p.tokens.Release(1)
				return
			}
		}

		req, err := w.claim(ctx, poll)
		if err != nil {
			p.tokens.Release(1)
			if ctx.Err() == nil {
				w.logger.Info("Worker exiting", "reason", err)
			}
			return
		}

		w.execute(req)
	}
}

// claim blocks until a request is available, ctx is done or the source closes
func (w *Worker) claim(ctx context.Context, poll <-chan time.Time) (*types.Request, error) {
	for {
		req, wake, err := w.pool.source.Claim(w.ordinal)
		if err != nil {
			return nil, err
		}
		if req != nil {
			return req, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-poll:
		}
	}
}

// execute runs the processor for one request and reports the outcome.
// The execution token acquired in Run is released by the processor goroutine.
func (w *Worker) execute(req *types.Request) {
	p := w.pool
	p.opts.recorder.BusyWorkers(int(p.busy.Add(1)))
	defer func() { p.opts.recorder.BusyWorkers(int(p.busy.Add(-1))) }()

	timeout := p.opts.requestTimeout
	callCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1) // buffered: an abandoned call must never block on send

	p.calls.Add(1)
	go func() {
		defer p.calls.Done()
		defer p.tokens.Release(1)
		res, err := w.call(callCtx, req)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil && callCtx.Err() == context.DeadlineExceeded {
			// processor honored the deadline and returned right at it
			w.timedOut(req, timeout, nil)
			return
		}
		if out.err != nil {
			p.opts.recorder.ProcessorLatency(types.StatusFailed, elapsed)
			w.logger.Warn("Processor failed",
				"id", req.ID,
				"user", req.UserKey,
				"attempt", req.Attempt,
				"duration", elapsed,
				"error", out.err)
			w.report(req.ID, p.source.MarkFailed(req.ID, out.err))
			return
		}
		p.opts.recorder.ProcessorLatency(types.StatusCompleted, elapsed)
		w.report(req.ID, p.source.MarkCompleted(req.ID, out.result))

	case <-callCtx.Done():
		w.timedOut(req, timeout, done)
	}
}

// timedOut records the timeout; a non-nil done means the call is still running
func (w *Worker) timedOut(req *types.Request, timeout time.Duration, done <-chan outcome) {
	p := w.pool
	p.opts.recorder.ProcessorLatency(types.StatusTimedOut, timeout)
	if done != nil {
		w.abandon(req, done)
	}
	w.logger.Warn("Processor timed out",
		"id", req.ID,
		"user", req.UserKey,
		"error", &queue.QueueTimeoutError{ID: req.ID, Timeout: timeout})
	w.report(req.ID, p.source.MarkTimedOut(req.ID, timeout))
}

// call invokes the processor, turning a panic into an error
func (w *Worker) call(ctx context.Context, req *types.Request) (res json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.opts.recorder.ProcessorPanicked()
			w.logger.Error("Processor panicked", "id", req.ID, "panic", r)
			res, err = nil, fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.pool.processor(ctx, req.Payload)
}

// abandon tracks a timed out call until its goroutine finally returns
func (w *Worker) abandon(req *types.Request, done <-chan outcome) {
	p := w.pool
	n := p.abandoned.Add(1)
	p.opts.recorder.AbandonedCalls(int(n))
	if int(n) >= p.opts.maxAbandoned && p.opts.maxAbandoned > 0 {
		w.logger.Warn("Abandoned processor calls at limit, new claims will wait",
			"abandoned", n,
			"max_abandoned", p.opts.maxAbandoned)
	}

	go func() {
		<-done
		left := p.abandoned.Add(-1)
		p.opts.recorder.AbandonedCalls(int(left))
		w.logger.Debug("Abandoned processor call returned", "id", req.ID, "abandoned", left)
	}()
}

func (w *Worker) report(id types.RequestID, err error) {
	if err != nil {
		w.logger.Error("Failed to record request outcome", "id", id, "error", err)
	}
}
