// ============================================================================
// llmqueue Admission Server - gRPC 入口
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 透過 gRPC 暴露入隊、取消、查詢與狀態串流
//
// 錯誤映射:
//   - ErrQueueFull       → ResourceExhausted（附 ErrorInfo，reason = capacity | per_user）
//   - ErrNotFound        → NotFound
//   - ErrNotCancellable  → FailedPrecondition
//   - ErrInvalidPayload / ErrInvalidUserKey → InvalidArgument
//   - ErrClosed          → Unavailable
//   - ErrPersistence     → Unavailable
//
// 另外註冊標準 grpc.health.v1.Health 服務
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/llmqueue/internal/queue"
	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// Queue is the part of the request queue the server needs.
type Queue interface {
	Enqueue(ctx context.Context, userKey string, payload json.RawMessage) (types.RequestID, error)
	Cancel(id types.RequestID) error
	GetStatus(id types.RequestID) (types.Request, error)
}

// Watcher delivers per-request notifications.
type Watcher interface {
	Subscribe(id types.RequestID) (<-chan types.Notification, func())
}

// Server implements the admission service.
type Server struct {
	queue   Queue
	watcher Watcher
	logger  *slog.Logger

	grpc   *grpc.Server
	health *health.Server
}

// New constructs a gRPC server and registers the admission and health services.
func New(q Queue, w Watcher, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		queue:   q,
		watcher: w,
		logger:  logger.With("component", "grpc_server"),
		health:  health.NewServer(),
	}

	opts = append(opts, grpc.ChainUnaryInterceptor(s.logUnary))
	s.grpc = grpc.NewServer(opts...)
	RegisterAdmissionServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// GRPC exposes the underlying server, mainly for tests.
func (s *Server) GRPC() *grpc.Server {
	return s.grpc
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done, then drains in-flight calls.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	s.logger.Info("Admission server listening", "addr", l.Addr().String())

	select {
	case <-ctx.Done():
		s.Shutdown()
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown marks the service not serving and stops the server.
// Open Watch streams are closed after a short grace period.
func (s *Server) Shutdown() {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.grpc.Stop()
	}
}

// ============================================================================
// AdmissionServer
// ============================================================================

// Enqueue admits a request.
func (s *Server) Enqueue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userKey, payload, err := parseEnqueue(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	id, err := s.queue.Enqueue(ctx, userKey, payload)
	if err != nil {
		return nil, toStatus(err)
	}

	res := EnqueueResult{ID: id, Status: types.StatusPending, Position: types.NoPosition}
	if req, err := s.queue.GetStatus(id); err == nil {
		res.Status = req.Status
		res.Position = req.Position
	}
	out, err := toStruct(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Cancel cancels a pending request.
func (s *Server) Cancel(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	if err := s.queue.Cancel(types.RequestID(in.GetValue())); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// GetStatus returns a snapshot of a request.
func (s *Server) GetStatus(_ context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	req, err := s.queue.GetStatus(types.RequestID(in.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := RequestToStruct(req)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Watch streams status and position changes until the request is terminal.
//
// The first message is the current state.
func (s *Server) Watch(in *wrapperspb.StringValue, stream WatchStream) error {
	id := types.RequestID(in.GetValue())
	if id == "" {
		return status.Error(codes.InvalidArgument, "id is required")
	}

	// 先訂閱再查詢，終止通知不會漏掉
	updates, cancel := s.watcher.Subscribe(id)
	defer cancel()

	req, err := s.queue.GetStatus(id)
	if err != nil {
		return toStatus(err)
	}
	current := types.Notification{ID: req.ID, UserKey: req.UserKey, Status: req.Status, At: time.Now()}
	if req.Status == types.StatusPending {
		pos := req.Position
		current.Position = &pos
	}
	if err := s.send(stream, current); err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return nil
	}

	last := current
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case n, ok := <-updates:
			if !ok {
				return nil
			}
			// 訂閱到查詢之間緩衝的通知可能比目前狀態舊
			if stale(last, n) {
				continue
			}
			if err := s.send(stream, n); err != nil {
				return err
			}
			if n.Status.IsTerminal() {
				return nil
			}
			last = n
		}
	}
}

// stale 回報 n 是否早於已送出的 last
//
// 狀態只會前進（pending → running → 終止），pending 的位置只會變小
func stale(last, n types.Notification) bool {
	lr, nr := statusRank(last.Status), statusRank(n.Status)
	switch {
	case nr < lr:
		return true
	case nr > lr:
		return false
	case n.Status != types.StatusPending:
		return true
	case last.Position == nil || n.Position == nil:
		return false
	default:
		return *n.Position >= *last.Position
	}
}

func statusRank(s types.Status) int {
	switch {
	case s == types.StatusPending:
		return 0
	case s == types.StatusRunning:
		return 1
	default:
		return 2
	}
}

func (s *Server) send(stream WatchStream, n types.Notification) error {
	m, err := NotificationToStruct(n)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(m)
}

// logUnary 記錄每個 unary 呼叫的結果
func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("RPC handled",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration", time.Since(start))
	return resp, err
}

// toStatus maps queue errors to gRPC status errors
func toStatus(err error) error {
	var full *queue.QueueFullError
	switch {
	case errors.As(err, &full):
		st := status.New(codes.ResourceExhausted, err.Error())
		if withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{
			Reason: string(full.Reason),
			Domain: "llmqueue",
			Metadata: map[string]string{
				"user_key": full.UserKey,
				"limit":    strconv.Itoa(full.Limit),
			},
		}); derr == nil {
			st = withInfo
		}
		return st.Err()
	case errors.Is(err, queue.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, queue.ErrNotCancellable):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, queue.ErrInvalidPayload), errors.Is(err, queue.ErrInvalidUserKey):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, queue.ErrClosed), errors.Is(err, queue.ErrPersistence):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// RejectReason extracts the admission rejection reason from a
// ResourceExhausted error, or "" when err is not a rejection.
func RejectReason(err error) queue.RejectReason {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return queue.RejectReason(info.GetReason())
		}
	}
	return ""
}
