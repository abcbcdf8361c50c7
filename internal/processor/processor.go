// ============================================================================
// llmqueue Processor - 慢速呼叫適配器
// ============================================================================
//
// Package: internal/processor
// 文件: processor.go
// 功能: 提供 worker.Processor 的具體實作
//
// 實作:
//   - HTTP: 將 payload 以 JSON POST 到模型服務端點，回傳回應 body
//   - Echo: 原樣回傳 payload，可設定延遲，用於本地測試與壓測
//
// ============================================================================

package processor

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/llmqueue/internal/config"
	"github.com/ChuLiYu/llmqueue/internal/worker"
)

// ErrUnknownKind 表示不支援的 processor 種類
var ErrUnknownKind = errors.New("unknown processor kind")

// New 依設定建立 Processor
func New(cfg *config.Config, logger *slog.Logger) (worker.Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Processor.Kind {
	case config.ProcessorHTTP:
		p, err := NewHTTP(cfg.Processor.Endpoint,
			WithClientTimeout(cfg.Processor.Timeout),
			WithHTTPLogger(logger))
		if err != nil {
			return nil, err
		}
		return p.Process, nil
	case config.ProcessorEcho, "":
		return Echo(0), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Processor.Kind)
	}
}
