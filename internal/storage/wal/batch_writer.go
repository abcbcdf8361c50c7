package wal

// ============================================================================
// Batch Writer
// Purpose: Periodically flush buffered events to reduce fsync count
// ============================================================================

import (
	"log/slog"
	"sync"
	"time"
)

// BatchWriter flushes a WAL's buffer in the background.
//
// Design Philosophy:
// - Appends only encode into memory, one fsync covers a whole interval
// - Trade-off: Latency vs Throughput. Worst case a crash loses the last
//   flushInterval worth of events (bounded-lag write-ahead)
type BatchWriter struct {
	wal           *WAL
	flushInterval time.Duration

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewBatchWriter creates a batch writer and starts its flush loop
func NewBatchWriter(wal *WAL, flushInterval time.Duration) *BatchWriter {
	bw := &BatchWriter{
		wal:           wal,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	go bw.flushLoop()
	return bw
}

// Flush immediately writes all buffered events
func (bw *BatchWriter) Flush() error {
	return bw.wal.Flush()
}

// Close stops the background goroutine. The underlying WAL flushes the
// remainder when it is closed.
func (bw *BatchWriter) Close() {
	bw.stopOnce.Do(func() {
		close(bw.stopCh)
	})
	<-bw.done
}

// ============================================================================
// Private Methods
// ============================================================================

// flushLoop background periodic flush loop
func (bw *BatchWriter) flushLoop() {
	defer close(bw.done)

	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bw.stopCh:
			return
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				slog.Default().Error("WAL background flush failed",
					"path", bw.wal.Path(),
					"error", err)
			}
		}
	}
}
