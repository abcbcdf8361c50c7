package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// Client is a typed wrapper around the admission service.
type Client struct {
	conn      *grpc.ClientConn
	admission *AdmissionClient
	health    healthpb.HealthClient
}

// Dial connects to an admission server. The connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	return &Client{
		conn:      conn,
		admission: NewAdmissionClient(conn),
		health:    healthpb.NewHealthClient(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Enqueue submits a request.
func (c *Client) Enqueue(ctx context.Context, userKey string, payload json.RawMessage) (EnqueueResult, error) {
	in, err := EnqueueRequest(userKey, payload)
	if err != nil {
		return EnqueueResult{}, err
	}
	out, err := c.admission.Enqueue(ctx, in)
	if err != nil {
		return EnqueueResult{}, err
	}
	return StructToEnqueueResult(out)
}

// Cancel cancels a pending request.
func (c *Client) Cancel(ctx context.Context, id types.RequestID) error {
	_, err := c.admission.Cancel(ctx, wrapperspb.String(string(id)))
	return err
}

// GetStatus fetches a request snapshot.
func (c *Client) GetStatus(ctx context.Context, id types.RequestID) (types.Request, error) {
	out, err := c.admission.GetStatus(ctx, wrapperspb.String(string(id)))
	if err != nil {
		return types.Request{}, err
	}
	return StructToRequest(out)
}

// Watch calls fn for every update until the request is terminal, ctx is
// done or fn returns an error.
func (c *Client) Watch(ctx context.Context, id types.RequestID, fn func(types.Notification) error) error {
	stream, err := c.admission.Watch(ctx, wrapperspb.String(string(id)))
	if err != nil {
		return err
	}
	for {
		m, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		n, err := StructToNotification(m)
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
	}
}

// Health reports the serving status of the admission service.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	res, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return res.GetStatus(), nil
}
