package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/threadsync/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to a session daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary SyncService method.
func (c *Client) Call(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch opens a server stream and calls fn for every message until the
// stream ends, ctx is cancelled or fn returns an error.
func (c *Client) Watch(ctx context.Context, stream string, in map[string]any, fn func(*structpb.Struct) error) error {
	desc := api.StreamDesc(stream)
	if desc == nil {
		return fmt.Errorf("unknown stream %q", stream)
	}
	req, err := structpb.NewStruct(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	cs, err := c.conn.NewStream(ctx, desc, api.FullMethod(stream))
	if err != nil {
		return err
	}
	if err := cs.SendMsg(req); err != nil {
		return err
	}
	if err := cs.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := cs.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

func (c *Client) SendMessage(ctx context.Context, threadID, text string) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodSendMessage, map[string]any{"threadId": threadID, "text": text})
}

func (c *Client) ListPending(ctx context.Context, threadID string) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodListPending, map[string]any{"threadId": threadID})
}

func (c *Client) RetryMessage(ctx context.Context, tempID string) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodRetryMessage, map[string]any{"tempId": tempID})
}

func (c *Client) DiscardMessage(ctx context.Context, tempID string) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodDiscardMessage, map[string]any{"tempId": tempID})
}

func (c *Client) MarkRead(ctx context.Context, threadID string) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodMarkRead, map[string]any{"threadId": threadID})
}

func (c *Client) ConnectionStatus(ctx context.Context) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodGetConnectionStatus, nil)
}

func (c *Client) ForceReconnect(ctx context.Context) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodForceReconnect, nil)
}

// SetNetwork drives a manual network monitor. A nil reachable means unknown.
func (c *Client) SetNetwork(ctx context.Context, connected bool, reachable *bool) (*structpb.Struct, error) {
	in := map[string]any{"isConnected": connected, "isInternetReachable": nil}
	if reachable != nil {
		in["isInternetReachable"] = *reachable
	}
	return c.Call(ctx, api.MethodSetNetwork, in)
}

func (c *Client) CreateThread(ctx context.Context, threadID string, members []string) (*structpb.Struct, error) {
	list := make([]any, len(members))
	for i, m := range members {
		list[i] = m
	}
	return c.Call(ctx, api.MethodCreateThread, map[string]any{"threadId": threadID, "members": list})
}

func (c *Client) SaveDraft(ctx context.Context, threadID, text string) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodSaveDraft, map[string]any{"threadId": threadID, "text": text})
}

func (c *Client) LoadDraft(ctx context.Context, threadID string) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodLoadDraft, map[string]any{"threadId": threadID})
}
