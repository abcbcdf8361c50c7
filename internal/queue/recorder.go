package queue

import (
	"time"

	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// Recorder 接收佇列的指標事件（由 internal/metrics 實作）
type Recorder interface {
	Admitted(userKey string)
	Rejected(reason RejectReason)
	Started(wait time.Duration)
	Finished(status types.Status, runtime time.Duration)
	PersistFailed(op string)
	Depth(pending, running int)
}

type nopRecorder struct{}

func (nopRecorder) Admitted(string)                      {}
func (nopRecorder) Rejected(RejectReason)                {}
func (nopRecorder) Started(time.Duration)                {}
func (nopRecorder) Finished(types.Status, time.Duration) {}
func (nopRecorder) PersistFailed(string)                 {}
func (nopRecorder) Depth(int, int)                       {}

// nopStore 未設定持久化時使用，請求只存在記憶體
type nopStore struct{}

func (nopStore) Append(types.Request) error             { return nil }
func (nopStore) MarkRunning(types.RequestID, int) error { return nil }
func (nopStore) Remove(types.RequestID) error           { return nil }
func (nopStore) LoadPending() ([]types.Request, error)  { return nil, nil }
func (nopStore) Clear() error                           { return nil }
func (nopStore) Close() error                           { return nil }
