package rpc

import (
	"context"
	"fmt"
	"time"

	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultCallTimeout bounds calls whose context carries no deadline
const DefaultCallTimeout = 10 * time.Second

// Client calls the node API of one remote node
type Client struct {
	addr    string
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial creates a client for addr. The connection is established lazily.
func Dial(addr string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	return &Client{addr: addr, conn: conn, timeout: timeout}, nil
}

// Addr returns the address the client calls
func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return cerrors.FromGRPCError(c.conn.Invoke(ctx, fullMethod(method), in, out))
}

func (c *Client) Execute(ctx context.Context, op *model.Operation) (*model.OperationResult, error) {
	out := new(model.OperationResult)
	if err := c.invoke(ctx, "Execute", op, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, cache, key string) ([]byte, bool, error) {
	out := new(GetResponse)
	if err := c.invoke(ctx, "Get", &GetRequest{Cache: cache, Key: key}, out); err != nil {
		return nil, false, err
	}
	return out.Value, out.Found, nil
}

func (c *Client) Replicate(ctx context.Context, records []*model.ReplicationRecord) (uint64, error) {
	out := new(ReplicateResponse)
	if err := c.invoke(ctx, "Replicate", &ReplicateRequest{Records: records}, out); err != nil {
		return 0, err
	}
	return out.Applied, nil
}

func (c *Client) Status(ctx context.Context) (*model.NodeStatus, error) {
	out := new(model.NodeStatus)
	if err := c.invoke(ctx, "Status", &StatusRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Snapshot(ctx context.Context, chunk *model.SnapshotChunk) error {
	return c.invoke(ctx, "Snapshot", chunk, new(SnapshotResponse))
}

// Close closes the underlying connection
func (c *Client) Close() error {
	return c.conn.Close()
}
