// ============================================================================
// llmqueue Request Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction the pool claims work from and reports to.
//
// The pool never touches queue internals. *queue.Queue satisfies Source;
// tests use small fakes.
//
// ============================================================================

package worker

import (
	"encoding/json"
	"time"

	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// Source hands out pending requests and records their outcome.
type Source interface {
	// Claim pops the next request in fair order and marks it running for the
	// given worker ordinal.
	//
	// Returns:
	//   - (req, nil, nil): a request to execute
	//   - (nil, wake, nil): nothing pending; wake is closed when that changes
	//   - (nil, nil, err): the source is closed
	Claim(worker int) (*types.Request, <-chan struct{}, error)

	MarkCompleted(id types.RequestID, result json.RawMessage) error
	MarkFailed(id types.RequestID, cause error) error
	MarkTimedOut(id types.RequestID, timeout time.Duration) error
}
