package wal

import (
	"time"

	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventAppend  EventType = "APPEND"  // Request admitted (full record)
	EventRunning EventType = "RUNNING" // Request claimed by a worker
	EventRemove  EventType = "REMOVE"  // Request reached a terminal state or was cancelled
	EventClear   EventType = "CLEAR"   // Operator discarded the whole backlog
)

// Event represents a WAL event record, one JSON object per line
type Event struct {
	Seq       uint64          `json:"seq"`               // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`              // Event type
	ID        types.RequestID `json:"id,omitempty"`      // Request ID
	Request   *types.Request  `json:"request,omitempty"` // Full record, APPEND only
	Worker    int             `json:"worker,omitempty"`  // Worker ordinal, RUNNING only
	Timestamp int64           `json:"timestamp"`         // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`          // CRC32 over the event with Checksum zeroed
}

// Time returns the event timestamp
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error

// Options configures a WAL instance
type Options struct {
	// FlushInterval > 0 buffers appends and flushes them in the background at
	// most this long after they were written. Zero syncs on every append.
	FlushInterval time.Duration
	// BufferSize flushes early once this many events are buffered.
	BufferSize int
	// BaseSeq is the sequence already covered by a snapshot. New events are
	// numbered after max(BaseSeq, last sequence in the file).
	BaseSeq uint64
}
