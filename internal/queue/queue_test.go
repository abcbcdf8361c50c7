package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/llmqueue/internal/config"
	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeStore 記錄所有持久化操作，可注入錯誤
type fakeStore struct {
	mu      sync.Mutex
	ops     []string
	pending map[types.RequestID]types.Request
	failAll error
}

func newFakeStore() *fakeStore {
	return &fakeStore{pending: make(map[types.RequestID]types.Request)}
}

func (s *fakeStore) record(op string, id types.RequestID) error {
	s.ops = append(s.ops, fmt.Sprintf("%s:%s", op, id))
	return s.failAll
}

func (s *fakeStore) Append(req types.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("append", req.ID); err != nil {
		return err
	}
	s.pending[req.ID] = req
	return nil
}

func (s *fakeStore) MarkRunning(id types.RequestID, worker int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("running", id)
}

func (s *fakeStore) Remove(id types.RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("remove", id); err != nil {
		return err
	}
	delete(s.pending, id)
	return nil
}

func (s *fakeStore) LoadPending() ([]types.Request, error) { return nil, nil }
func (s *fakeStore) Clear() error                          { return nil }
func (s *fakeStore) Close() error                          { return nil }

func (s *fakeStore) has(id types.RequestID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// sinkRecorder 收集通知
type sinkRecorder struct {
	mu  sync.Mutex
	got []types.Notification
}

func (r *sinkRecorder) Notify(n types.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *sinkRecorder) forID(id types.RequestID) []types.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Notification
	for _, n := range r.got {
		if n.ID == id {
			out = append(out, n)
		}
	}
	return out
}

func testConfig(capacity, perUser int) config.QueueConfig {
	return config.QueueConfig{
		Capacity:        capacity,
		MaxPerUser:      perUser,
		WorkerCount:     1,
		RetentionWindow: time.Minute,
	}
}

// sequentialIDs 產生 r1, r2, ... 方便斷言
func sequentialIDs() func() types.RequestID {
	var mu sync.Mutex
	n := 0
	return func() types.RequestID {
		mu.Lock()
		defer mu.Unlock()
		n++
		return types.RequestID(fmt.Sprintf("r%d", n))
	}
}

// steppingClock 每次呼叫前進 1ms，讓入隊時間嚴格遞增
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

type fixture struct {
	q     *Queue
	store *fakeStore
	sink  *sinkRecorder
}

func newFixture(cfg config.QueueConfig) *fixture {
	f := &fixture{store: newFakeStore(), sink: &sinkRecorder{}}
	f.q = New(cfg,
		WithStore(f.store),
		WithSink(f.sink),
		WithIDGenerator(sequentialIDs()),
		WithClock(steppingClock()),
	)
	return f
}

func (f *fixture) enqueue(t *testing.T, user string) types.RequestID {
	t.Helper()
	id, err := f.q.Enqueue(context.Background(), user, json.RawMessage(`{"prompt":"hi"}`))
	require.NoError(t, err)
	return id
}

func (f *fixture) claim(t *testing.T) types.Request {
	t.Helper()
	req, _, err := f.q.Claim(0)
	require.NoError(t, err)
	require.NotNil(t, req)
	return *req
}

// ============================================================================
// 入隊與容量控制
// ============================================================================

func TestEnqueueAssignsUniqueIDs(t *testing.T) {
	q := New(testConfig(100, 100))

	seen := make(map[types.RequestID]bool)
	for i := 0; i < 50; i++ {
		id, err := q.Enqueue(context.Background(), fmt.Sprintf("user-%d", i%5), json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 50, q.Stats().Pending)
}

func TestEnqueueSetsPendingAndPersists(t *testing.T) {
	f := newFixture(testConfig(10, 3))
	id := f.enqueue(t, "alice")

	req, err := f.q.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, req.Status)
	assert.Equal(t, 0, req.Position)
	assert.Equal(t, "alice", req.UserKey)
	assert.False(t, req.EnqueuedAt.IsZero())
	assert.True(t, f.store.has(id))

	notes := f.sink.forID(id)
	require.Len(t, notes, 1)
	assert.Equal(t, types.StatusPending, notes[0].Status)
	require.NotNil(t, notes[0].Position)
	assert.Equal(t, 0, *notes[0].Position)
}

func TestEnqueueRejectsWhenCapacityReached(t *testing.T) {
	f := newFixture(testConfig(3, 10))
	for i := 0; i < 3; i++ {
		f.enqueue(t, fmt.Sprintf("user-%d", i))
	}

	before := f.q.Stats()
	_, err := f.q.Enqueue(context.Background(), "user-9", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)

	var full *QueueFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, ReasonCapacity, full.Reason)
	assert.Equal(t, before, f.q.Stats(), "rejected enqueue must not mutate state")
}

func TestEnqueueRejectsPerUserLimit(t *testing.T) {
	f := newFixture(testConfig(10, 2))
	f.enqueue(t, "alice")
	f.enqueue(t, "alice")

	_, err := f.q.Enqueue(context.Background(), "alice", nil)
	var full *QueueFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, ReasonPerUser, full.Reason)

	// 其他使用者不受影響
	f.enqueue(t, "bob")
}

func TestRunningCountsTowardLimits(t *testing.T) {
	f := newFixture(testConfig(10, 1))
	f.enqueue(t, "alice")
	f.claim(t)

	_, err := f.q.Enqueue(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestEnqueueValidation(t *testing.T) {
	q := New(testConfig(10, 10))

	_, err := q.Enqueue(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidUserKey)

	_, err = q.Enqueue(context.Background(), "alice", json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Enqueue(ctx, "alice", nil)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 0, q.Stats().Pending)
}

func TestEnqueueAfterClose(t *testing.T) {
	q := New(testConfig(10, 10))
	q.Close()
	q.Close()

	_, err := q.Enqueue(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, ErrClosed)

	_, _, err = q.Claim(0)
	assert.ErrorIs(t, err, ErrClosed)
}

// ============================================================================
// 持久化失敗
// ============================================================================

func TestPersistenceFailureBestEffort(t *testing.T) {
	f := newFixture(testConfig(10, 10))
	f.store.failAll = errors.New("disk full")

	id := f.enqueue(t, "alice")
	req, err := f.q.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, req.Status)
}

func TestPersistenceFailureStrict(t *testing.T) {
	cfg := testConfig(10, 10)
	cfg.StrictPersist = true
	f := newFixture(cfg)
	f.store.failAll = errors.New("disk full")

	_, err := f.q.Enqueue(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, Stats{Capacity: 10}, f.q.Stats())
}

// ============================================================================
// 狀態機
// ============================================================================

func TestLifecycleCompleted(t *testing.T) {
	f := newFixture(testConfig(10, 10))
	id := f.enqueue(t, "alice")

	req := f.claim(t)
	assert.Equal(t, id, req.ID)
	assert.Equal(t, types.StatusRunning, req.Status)
	assert.NotNil(t, req.StartedAt)

	require.NoError(t, f.q.MarkCompleted(id, json.RawMessage(`{"answer":42}`)))

	got, err := f.q.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, types.NoPosition, got.Position)
	assert.JSONEq(t, `{"answer":42}`, string(got.Result))
	assert.NotNil(t, got.FinishedAt)
	assert.False(t, f.store.has(id))

	var statuses []types.Status
	for _, n := range f.sink.forID(id) {
		statuses = append(statuses, n.Status)
	}
	assert.Equal(t, []types.Status{types.StatusPending, types.StatusRunning, types.StatusCompleted}, statuses)
}

func TestMarkCompletedIdempotent(t *testing.T) {
	f := newFixture(testConfig(10, 10))
	id := f.enqueue(t, "alice")
	f.claim(t)

	require.NoError(t, f.q.MarkCompleted(id, json.RawMessage(`"first"`)))
	notes := len(f.sink.forID(id))

	require.NoError(t, f.q.MarkCompleted(id, json.RawMessage(`"second"`)))
	got, _ := f.q.GetStatus(id)
	assert.JSONEq(t, `"first"`, string(got.Result))
	assert.Len(t, f.sink.forID(id), notes, "second completion must not notify")
}

func TestFailedAndTimedOut(t *testing.T) {
	f := newFixture(testConfig(10, 10))
	a := f.enqueue(t, "alice")
	b := f.enqueue(t, "bob")
	f.claim(t)
	f.claim(t)

	require.NoError(t, f.q.MarkFailed(a, errors.New("upstream 500")))
	require.NoError(t, f.q.MarkTimedOut(b, 2*time.Second))

	ra, _ := f.q.GetStatus(a)
	assert.Equal(t, types.StatusFailed, ra.Status)
	assert.Equal(t, types.ErrorKindProcessor, ra.ErrorKind)
	assert.Equal(t, "upstream 500", ra.Error)

	rb, _ := f.q.GetStatus(b)
	assert.Equal(t, types.StatusTimedOut, rb.Status)
	assert.Equal(t, types.ErrorKindTimeout, rb.ErrorKind)
	assert.Contains(t, rb.Error, "timed out after 2s")

	// 終止狀態不可再轉換
	err := f.q.MarkCompleted(a, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCompleteRequiresRunning(t *testing.T) {
	f := newFixture(testConfig(10, 10))
	id := f.enqueue(t, "alice")

	assert.ErrorIs(t, f.q.MarkCompleted(id, nil), ErrInvalidTransition)
	assert.ErrorIs(t, f.q.MarkCompleted("nope", nil), ErrNotFound)

	req, _ := f.q.GetStatus(id)
	assert.Equal(t, types.StatusPending, req.Status)
}

func TestMarkRunningExplicit(t *testing.T) {
	f := newFixture(testConfig(10, 10))
	f.enqueue(t, "alice")
	second := f.enqueue(t, "alice")

	require.NoError(t, f.q.MarkRunning(second, 3))
	req, _ := f.q.GetStatus(second)
	assert.Equal(t, types.StatusRunning, req.Status)
	assert.Equal(t, 3, req.WorkerOrdinal)

	assert.ErrorIs(t, f.q.MarkRunning(second, 3), ErrInvalidTransition)
	assert.Equal(t, 1, f.q.Stats().Pending)
}

// ============================================================================
// 取消
// ============================================================================

func TestCancelPending(t *testing.T) {
	f := newFixture(testConfig(10, 10))
	a := f.enqueue(t, "alice")
	b := f.enqueue(t, "alice")

	require.NoError(t, f.q.Cancel(a))
	ra, _ := f.q.GetStatus(a)
	assert.Equal(t, types.StatusCancelled, ra.Status)
	assert.False(t, f.store.has(a))

	// b 前面的請求被取消，位置前移並收到通知
	rb, _ := f.q.GetStatus(b)
	assert.Equal(t, 0, rb.Position)
	notes := f.sink.forID(b)
	require.NotEmpty(t, notes)
	last := notes[len(notes)-1]
	require.NotNil(t, last.Position)
	assert.Equal(t, 0, *last.Position)
}

func TestCancelRunningRejected(t *testing.T) {
	f := newFixture(testConfig(10, 10))
	id := f.enqueue(t, "alice")
	f.claim(t)

	assert.ErrorIs(t, f.q.Cancel(id), ErrNotCancellable)
	assert.ErrorIs(t, f.q.Cancel("missing"), ErrNotFound)
}

// ============================================================================
// 公平性與位置
// ============================================================================

func TestClaimFollowsRoundRobin(t *testing.T) {
	f := newFixture(testConfig(100, 100))
	a1 := f.enqueue(t, "a")
	a2 := f.enqueue(t, "a")
	a3 := f.enqueue(t, "a")
	b1 := f.enqueue(t, "b")
	c1 := f.enqueue(t, "c")

	var order []types.RequestID
	for i := 0; i < 5; i++ {
		order = append(order, f.claim(t).ID)
	}
	assert.Equal(t, []types.RequestID{a1, b1, c1, a2, a3}, order)
}

func TestPositionsNonIncreasing(t *testing.T) {
	f := newFixture(testConfig(100, 100))
	for i := 0; i < 6; i++ {
		f.enqueue(t, "a")
	}
	watched := f.enqueue(t, "b")
	for i := 0; i < 3; i++ {
		f.enqueue(t, "c")
	}

	prev := -1
	for {
		req, err := f.q.GetStatus(watched)
		require.NoError(t, err)
		if req.Status != types.StatusPending {
			break
		}
		assert.GreaterOrEqual(t, req.Position, 0)
		if prev >= 0 {
			assert.LessOrEqual(t, req.Position, prev)
		}
		prev = req.Position

		claimed := f.claim(t)
		require.NoError(t, f.q.MarkCompleted(claimed.ID, nil))
	}

	// 每次通知的位置也不會增加
	prev = -1
	for _, n := range f.sink.forID(watched) {
		if n.Position == nil {
			continue
		}
		if prev >= 0 {
			assert.LessOrEqual(t, *n.Position, prev)
		}
		prev = *n.Position
	}
}

func TestPendingListsInDequeueOrder(t *testing.T) {
	f := newFixture(testConfig(100, 100))
	a1 := f.enqueue(t, "a")
	a2 := f.enqueue(t, "a")
	b1 := f.enqueue(t, "b")

	pending := f.q.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, []types.RequestID{a1, b1, a2}, []types.RequestID{pending[0].ID, pending[1].ID, pending[2].ID})
	assert.Equal(t, 2, pending[2].Position)
}

// ============================================================================
// 認領的喚醒機制
// ============================================================================

func TestClaimWakeOnEnqueue(t *testing.T) {
	f := newFixture(testConfig(10, 10))

	req, wake, err := f.q.Claim(0)
	require.NoError(t, err)
	assert.Nil(t, req)
	require.NotNil(t, wake)

	select {
	case <-wake:
		t.Fatal("wake closed without enqueue")
	default:
	}

	f.enqueue(t, "alice")
	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("enqueue did not wake waiting worker")
	}
}

func TestClaimWakeOnClose(t *testing.T) {
	q := New(testConfig(10, 10))
	_, wake, err := q.Claim(0)
	require.NoError(t, err)

	q.Close()
	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("close did not wake waiting worker")
	}
}

// ============================================================================
// 恢復與保留
// ============================================================================

func TestRestorePreservesIdentity(t *testing.T) {
	f := newFixture(testConfig(2, 1))
	enqueued := time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC)
	backlog := []types.Request{
		{ID: "old-1", UserKey: "alice", Payload: json.RawMessage(`{"n":1}`), EnqueuedAt: enqueued, Status: types.StatusPending, Attempt: 1},
		{ID: "old-2", UserKey: "alice", Payload: json.RawMessage(`{"n":2}`), EnqueuedAt: enqueued.Add(time.Second), Status: types.StatusPending},
		{ID: "old-3", UserKey: "bob", Payload: json.RawMessage(`{"n":3}`), EnqueuedAt: enqueued.Add(2 * time.Second), Status: types.StatusPending},
		{ID: "old-1", UserKey: "alice", EnqueuedAt: enqueued},
		{ID: "", UserKey: "alice"},
	}

	// 恢復不受容量限制
	assert.Equal(t, 3, f.q.Restore(backlog))
	assert.Empty(t, f.store.ops, "restore must not re-append")

	got, err := f.q.GetStatus("old-1")
	require.NoError(t, err)
	assert.True(t, enqueued.Equal(got.EnqueuedAt))
	assert.Equal(t, 1, got.Attempt)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))

	// 原本的入隊時間早於任何新請求，因此最先被服務
	assert.Equal(t, types.RequestID("old-1"), f.claim(t).ID)
	assert.Equal(t, types.RequestID("old-3"), f.claim(t).ID)
	assert.Equal(t, types.RequestID("old-2"), f.claim(t).ID)

	// 積壓超過上限時新請求被拒絕
	_, err = f.q.Enqueue(context.Background(), "carol", nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPruneAfterRetention(t *testing.T) {
	f := newFixture(testConfig(10, 10))
	a := f.enqueue(t, "alice")
	b := f.enqueue(t, "bob")
	f.claim(t)
	require.NoError(t, f.q.MarkCompleted(a, nil))

	done, _ := f.q.GetStatus(a)
	assert.Equal(t, 0, f.q.Prune(done.FinishedAt.Add(30*time.Second)))
	assert.Equal(t, 1, f.q.Prune(done.FinishedAt.Add(2*time.Minute)))

	_, err := f.q.GetStatus(a)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.q.GetStatus(b)
	assert.NoError(t, err, "pending requests are never pruned")
}

// ============================================================================
// 端到端情境
// ============================================================================

// TestCapacityScenario capacity=2, max_per_user=1：完成後同一使用者可以再次入隊
func TestCapacityScenario(t *testing.T) {
	f := newFixture(testConfig(2, 1))

	r1 := f.enqueue(t, "u1")
	req, _ := f.q.GetStatus(r1)
	assert.Equal(t, types.StatusPending, req.Status)

	_, err := f.q.Enqueue(context.Background(), "u1", nil)
	assert.ErrorIs(t, err, ErrQueueFull)

	claimed := f.claim(t)
	require.Equal(t, r1, claimed.ID)
	require.NoError(t, f.q.MarkCompleted(r1, json.RawMessage(`"ok"`)))

	f.enqueue(t, "u1")
}

func TestConcurrentEnqueueRespectsLimits(t *testing.T) {
	q := New(testConfig(20, 3))

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := make(map[string]int)
	for u := 0; u < 10; u++ {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				if _, err := q.Enqueue(context.Background(), user, nil); err == nil {
					mu.Lock()
					accepted[user]++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, ErrQueueFull)
				}
			}(fmt.Sprintf("user-%d", u))
		}
	}
	wg.Wait()

	total := 0
	for _, n := range accepted {
		assert.LessOrEqual(t, n, 3)
		total += n
	}
	assert.Equal(t, 20, total)
	assert.Equal(t, 20, q.Stats().Pending)
}
