package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify fair execution, timeout race, error isolation, graceful shutdown
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/llmqueue/internal/config"
	"github.com/ChuLiYu/llmqueue/internal/queue"
	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestQueue() *queue.Queue {
	return queue.New(config.QueueConfig{Capacity: 100, MaxPerUser: 100, RetentionWindow: time.Minute})
}

func enqueue(t *testing.T, q *queue.Queue, user, payload string) types.RequestID {
	t.Helper()
	id, err := q.Enqueue(context.Background(), user, json.RawMessage(payload))
	require.NoError(t, err)
	return id
}

func echo(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

func startPool(t *testing.T, q *queue.Queue, proc Processor, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithPollInterval(20 * time.Millisecond), WithTimeout(time.Second)}, opts...)
	pool, err := NewPool(q, proc, opts...)
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return pool
}

func waitStatus(t *testing.T, q *queue.Queue, id types.RequestID, want types.Status) types.Request {
	t.Helper()
	var last types.Request
	require.Eventually(t, func() bool {
		req, err := q.GetStatus(id)
		if err != nil {
			return false
		}
		last = req
		return req.Status == want
	}, 3*time.Second, 5*time.Millisecond, "request %s never reached %s", id, want)
	return last
}

// countingRecorder counts pool metric events
type countingRecorder struct {
	panics    atomic.Int64
	maxBusy   atomic.Int64
	abandoned atomic.Int64
}

func (r *countingRecorder) BusyWorkers(n int) {
	for {
		cur := r.maxBusy.Load()
		if int64(n) <= cur || r.maxBusy.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}
func (r *countingRecorder) AbandonedCalls(n int)                         { r.abandoned.Store(int64(n)) }
func (r *countingRecorder) ProcessorPanicked()                           { r.panics.Add(1) }
func (r *countingRecorder) ProcessorLatency(types.Status, time.Duration) {}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPoolValidation tests option validation
func TestNewPoolValidation(t *testing.T) {
	q := newTestQueue()

	_, err := NewPool(nil, echo)
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = NewPool(q, nil)
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = NewPool(q, echo, WithWorkerCount(0))
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = NewPool(q, echo, WithTimeout(0))
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = NewPool(q, echo, WithMaxAbandoned(-1))
	assert.ErrorIs(t, err, ErrInvalidOptions)

	pool, err := NewPool(q, echo, WithConfig(config.QueueConfig{WorkerCount: 3, RequestTimeout: time.Second, MaxAbandoned: 2}))
	require.NoError(t, err)
	assert.Equal(t, 3, pool.WorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStartStop tests lifecycle errors
func TestPoolStartStop(t *testing.T) {
	pool, err := NewPool(newTestQueue(), echo, WithWorkerCount(2))
	require.NoError(t, err)

	assert.ErrorIs(t, pool.Stop(context.Background()), ErrPoolNotStarted)
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolStarted)
	assert.True(t, pool.IsStarted())

	require.NoError(t, pool.Stop(context.Background()))
	// Stopping twice is a no-op
	require.NoError(t, pool.Stop(context.Background()))
}

// TestProcessesAllRequests tests that every request reaches completed
func TestProcessesAllRequests(t *testing.T) {
	q := newTestQueue()
	rec := &countingRecorder{}
	startPool(t, q, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		time.Sleep(5 * time.Millisecond)
		return payload, nil
	}, WithWorkerCount(4), WithRecorder(rec))

	var ids []types.RequestID
	for i := 0; i < 20; i++ {
		ids = append(ids, enqueue(t, q, fmt.Sprintf("user-%d", i%5), fmt.Sprintf(`{"n":%d}`, i)))
	}

	for i, id := range ids {
		req := waitStatus(t, q, id, types.StatusCompleted)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(req.Result))
		assert.GreaterOrEqual(t, req.WorkerOrdinal, 0)
		assert.Less(t, req.WorkerOrdinal, 4)
	}
	assert.LessOrEqual(t, rec.maxBusy.Load(), int64(4))
}

// TestFairnessSingleWorker tests that a light user is not starved by a heavy one
func TestFairnessSingleWorker(t *testing.T) {
	q := newTestQueue()
	for i := 0; i < 10; i++ {
		enqueue(t, q, "A", fmt.Sprintf(`{"user":"A","n":%d}`, i))
	}
	b := enqueue(t, q, "B", `{"user":"B"}`)

	var mu sync.Mutex
	var order []string
	startPool(t, q, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var p struct {
			User string `json:"user"`
		}
		_ = json.Unmarshal(payload, &p)
		mu.Lock()
		order = append(order, p.User)
		mu.Unlock()
		return nil, nil
	}, WithWorkerCount(1))

	waitStatus(t, q, b, types.StatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(order), 2)
	assert.Contains(t, order[:2], "B", "B must be served within the first two dispatches")
}

// ============================================================================
// Timeout Tests
// ============================================================================

// TestTimeoutNeverReturningProcessor tests that a hung call times out and the slot moves on
func TestTimeoutNeverReturningProcessor(t *testing.T) {
	q := newTestQueue()
	release := make(chan struct{})
	defer close(release)

	rec := &countingRecorder{}
	pool := startPool(t, q, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		if string(payload) == `"hang"` {
			<-release // ignores ctx on purpose
		}
		return payload, nil
	}, WithWorkerCount(1), WithTimeout(50*time.Millisecond), WithMaxAbandoned(1), WithRecorder(rec))

	hung := enqueue(t, q, "alice", `"hang"`)
	next := enqueue(t, q, "bob", `"fast"`)

	req := waitStatus(t, q, hung, types.StatusTimedOut)
	assert.Equal(t, types.ErrorKindTimeout, req.ErrorKind)
	assert.Contains(t, req.Error, "timed out")

	waitStatus(t, q, next, types.StatusCompleted)
	assert.Equal(t, 1, pool.Abandoned())
	assert.Equal(t, int64(1), rec.abandoned.Load())
}

// TestAbandonedCallsBoundClaims tests that new claims wait while abandoned calls are at the limit
func TestAbandonedCallsBoundClaims(t *testing.T) {
	q := newTestQueue()
	release := make(chan struct{})

	pool := startPool(t, q, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		if string(payload) == `"hang"` {
			<-release
		}
		return payload, nil
	}, WithWorkerCount(1), WithTimeout(30*time.Millisecond), WithMaxAbandoned(0))

	hung := enqueue(t, q, "alice", `"hang"`)
	waitStatus(t, q, hung, types.StatusTimedOut)

	next := enqueue(t, q, "bob", `"fast"`)
	time.Sleep(150 * time.Millisecond)
	req, err := q.GetStatus(next)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, req.Status, "no token may be free while the hung call is alive")

	close(release)
	waitStatus(t, q, next, types.StatusCompleted)
	assert.Eventually(t, func() bool { return pool.Abandoned() == 0 }, time.Second, 5*time.Millisecond)
}

// ============================================================================
// Error Isolation Tests
// ============================================================================

// TestErrorIsolation tests that processor errors and panics only affect their own request
func TestErrorIsolation(t *testing.T) {
	q := newTestQueue()
	rec := &countingRecorder{}
	startPool(t, q, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		switch string(payload) {
		case `"fail"`:
			return nil, errors.New("model overloaded")
		case `"panic"`:
			panic("nil map write")
		}
		return payload, nil
	}, WithWorkerCount(1), WithRecorder(rec))

	failed := enqueue(t, q, "a", `"fail"`)
	panicked := enqueue(t, q, "b", `"panic"`)
	ok := enqueue(t, q, "c", `"ok"`)

	req := waitStatus(t, q, failed, types.StatusFailed)
	assert.Equal(t, "model overloaded", req.Error)
	assert.Equal(t, types.ErrorKindProcessor, req.ErrorKind)

	req = waitStatus(t, q, panicked, types.StatusFailed)
	assert.Contains(t, req.Error, "processor panic: nil map write")

	waitStatus(t, q, ok, types.StatusCompleted)
	assert.Equal(t, int64(1), rec.panics.Load())
}

// ============================================================================
// Shutdown Tests
// ============================================================================

// TestStopWaitsForInFlight tests that Stop lets a running call finish
func TestStopWaitsForInFlight(t *testing.T) {
	q := newTestQueue()
	started := make(chan struct{})
	pool, err := NewPool(q, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return payload, nil
	}, WithWorkerCount(1), WithTimeout(time.Second))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	id := enqueue(t, q, "alice", `"slow"`)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))

	req, err := q.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, req.Status)
	assert.NoError(t, pool.WaitCalls(ctx))
}

// TestStopDoesNotClaimNewWork tests that nothing is claimed after Stop
func TestStopDoesNotClaimNewWork(t *testing.T) {
	q := newTestQueue()
	pool := startPool(t, q, echo, WithWorkerCount(2))
	require.NoError(t, pool.Stop(context.Background()))

	id := enqueue(t, q, "alice", `"late"`)
	time.Sleep(50 * time.Millisecond)
	req, err := q.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, req.Status)
}

// TestQueueCloseEndsWorkers tests that closing the source releases idle workers
func TestQueueCloseEndsWorkers(t *testing.T) {
	q := newTestQueue()
	pool := startPool(t, q, echo, WithWorkerCount(3), WithPollInterval(0))

	q.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, pool.Stop(ctx))
}

// ============================================================================
// Rate Limit Tests
// ============================================================================

// TestRateLimit tests that the limiter spaces processor calls
func TestRateLimit(t *testing.T) {
	q := newTestQueue()
	var ids []types.RequestID
	for i := 0; i < 5; i++ {
		ids = append(ids, enqueue(t, q, fmt.Sprintf("u%d", i), `{}`))
	}

	start := time.Now()
	startPool(t, q, echo, WithWorkerCount(5), WithRateLimit(20, 1))
	for _, id := range ids {
		waitStatus(t, q, id, types.StatusCompleted)
	}
	// burst 1 at 20/s: the fifth call waits about 200ms
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

// ============================================================================
// Benchmark
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	q := queue.New(config.QueueConfig{Capacity: b.N + 1, MaxPerUser: b.N + 1})
	pool, err := NewPool(q, echo, WithWorkerCount(8), WithPollInterval(10*time.Millisecond))
	if err != nil {
		b.Fatal(err)
	}

	var last types.RequestID
	for i := 0; i < b.N; i++ {
		last, _ = q.Enqueue(context.Background(), fmt.Sprintf("u%d", i%16), json.RawMessage(`{}`))
	}

	b.ResetTimer()
	_ = pool.Start(context.Background())
	for {
		req, _ := q.GetStatus(last)
		if req.Status.IsTerminal() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	b.StopTimer()
	_ = pool.Stop(context.Background())
}
