package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// maxResponseBytes 回應 body 上限，超過的部分會被截斷並視為錯誤
const maxResponseBytes = 4 << 20

var (
	// ErrInvalidEndpoint 表示端點 URL 不合法
	ErrInvalidEndpoint = errors.New("invalid processor endpoint")
	// ErrResponseTooLarge 表示回應超過 maxResponseBytes
	ErrResponseTooLarge = errors.New("processor response too large")
)

// StatusError 端點回傳非 2xx 狀態碼
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("processor endpoint returned %d", e.Code)
	}
	return fmt.Sprintf("processor endpoint returned %d: %s", e.Code, e.Body)
}

// HTTP 將請求轉發到模型服務的 Processor
type HTTP struct {
	endpoint string
	client   *http.Client
	header   http.Header
	logger   *slog.Logger
}

// HTTPOption configures an HTTP processor
type HTTPOption func(*HTTP)

// WithClientTimeout 設定 http.Client 的總超時；0 表示只依賴 worker 的 ctx
func WithClientTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) { h.client.Timeout = d }
}

// WithHTTPClient 替換底層 http.Client
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithHeader 為每個請求加上固定 header（例如 Authorization）
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTP) { h.header.Set(key, value) }
}

// WithHTTPLogger sets the logger
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTP) { h.logger = l }
}

// NewHTTP 建立 HTTP Processor
func NewHTTP(endpoint string, opts ...HTTPOption) (*HTTP, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, endpoint)
	}

	h := &HTTP{
		endpoint: endpoint,
		client:   &http.Client{},
		header:   make(http.Header),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "http_processor")
	return h, nil
}

// Process POST payload 到端點並回傳回應 body
//
// 非 JSON 的回應會被包成 JSON 字串
func (h *HTTP) Process(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = emptyObject
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range h.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call processor endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, ErrResponseTooLarge
	}

	h.logger.Debug("Processor endpoint responded",
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	if len(body) == 0 {
		return emptyObject, nil
	}
	if json.Valid(body) {
		return json.RawMessage(body), nil
	}
	wrapped, err := json.Marshal(string(body))
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return wrapped, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
