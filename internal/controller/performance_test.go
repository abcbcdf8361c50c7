// ============================================================================
// llmqueue Performance Tests
// ============================================================================
//
// TestSystemThroughput:
//   many users submit concurrently against a fixed worker pool
//   - measure completion time, every request must finish
//
// TestRecoveryPerformance:
//   500 pending requests in the store, measure Start (recovery) time
//   - target: < 3 seconds
//
// Notes:
//   - results are affected by system load, CI may be slower than local
//   - skipped with -short
//
// ============================================================================

package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/llmqueue/internal/config"
	"github.com/ChuLiYu/llmqueue/internal/persistence"
	"github.com/ChuLiYu/llmqueue/internal/processor"
	"github.com/ChuLiYu/llmqueue/pkg/types"
)

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance test in short mode")
	}

	const (
		users   = 10
		perUser = 40
		total   = users * perUser
	)

	cfg := testConfig(t, config.BackendFile)
	cfg.Capacity = total
	cfg.MaxPerUser = perUser
	cfg.WorkerCount = 8
	cfg.MaxAbandoned = 8
	c := createTestController(t, cfg, processor.Echo(time.Millisecond))

	startTime := time.Now()

	var wg sync.WaitGroup
	errs := make(chan error, total)
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				body := json.RawMessage(fmt.Sprintf(`{"index":%d}`, i))
				if _, err := c.Queue().Enqueue(context.Background(), fmt.Sprintf("user-%d", u), body); err != nil {
					errs <- err
				}
			}
		}(u)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		// 佇列同時在消化，容量足夠時不應被拒絕
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		s := c.GetStatus()
		return s.Pending == 0 && s.Running == 0 && s.Retained == total
	}, 60*time.Second, 20*time.Millisecond)

	elapsed := time.Since(startTime)
	throughput := float64(total) / elapsed.Seconds()
	t.Logf("Processed %d requests in %s (%.1f req/s)", total, elapsed, throughput)
}

func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance test in short mode")
	}

	const total = 500

	for _, backend := range []string{config.BackendFile, config.BackendPebble} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, backend)

			store, err := persistence.Open(cfg, quietLogger)
			require.NoError(t, err)
			base := time.Now().Add(-time.Minute)
			for i := 0; i < total; i++ {
				require.NoError(t, store.Append(types.Request{
					ID:            types.RequestID(fmt.Sprintf("perf-%04d", i)),
					UserKey:       fmt.Sprintf("user-%d", i%25),
					Payload:       json.RawMessage(fmt.Sprintf(`{"index":%d}`, i)),
					Status:        types.StatusPending,
					EnqueuedAt:    base.Add(time.Duration(i) * time.Microsecond),
					WorkerOrdinal: -1,
				}))
			}
			require.NoError(t, store.Close())

			release := make(chan struct{})
			startTime := time.Now()
			c := createTestController(t, cfg, blockingProcessor(release))
			recoveryTime := time.Since(startTime)
			t.Cleanup(func() { close(release) })

			t.Logf("Recovered %d requests in %s", total, recoveryTime)
			assert.Less(t, recoveryTime, 3*time.Second)

			s := c.GetStatus()
			assert.Equal(t, total, s.Restored)
			assert.Equal(t, total, s.Pending+s.Running)
			assert.Equal(t, 25, s.Users)
		})
	}
}

func BenchmarkEnqueueCancel(b *testing.B) {
	cfg := config.QueueConfig{
		Capacity:        1024,
		MaxPerUser:      64,
		WorkerCount:     1,
		RequestTimeout:  time.Second,
		RetentionWindow: time.Minute,
		PollInterval:    time.Second,
	}
	release := make(chan struct{})
	c, err := NewController(cfg, blockingProcessor(release), WithLogger(quietLogger), WithMemoryOnly())
	require.NoError(b, err)
	require.NoError(b, c.Start(context.Background()))
	defer func() {
		close(release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	}()

	body := json.RawMessage(`{"prompt":"bench"}`)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id, err := c.Queue().Enqueue(ctx, fmt.Sprintf("user-%d", i%16), body)
		if err != nil {
			b.Fatal(err)
		}
		// 第一個請求會卡在唯一的 worker 上，取消失敗無妨
		_ = c.Queue().Cancel(id)
	}
	b.StopTimer()
}
