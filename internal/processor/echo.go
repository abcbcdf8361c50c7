package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ChuLiYu/llmqueue/internal/worker"
)

var emptyObject = json.RawMessage(`{}`)

// Echo 回傳一個原樣返回 payload 的 Processor
//
// delay > 0 時先等待 delay，期間 ctx 被取消則回傳 ctx.Err()
func Echo(delay time.Duration) worker.Processor {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if len(payload) == 0 {
			return emptyObject, nil
		}
		out := make(json.RawMessage, len(payload))
		copy(out, payload)
		return out, nil
	}
}
