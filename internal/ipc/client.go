package ipc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/updater/internal/bundle"
)

const defaultCallTimeout = 30 * time.Second

// RemoteError is an error reported by the service for a request.
type RemoteError struct {
	Op  string
	Msg string
}

func (e *RemoteError) Error() string { return e.Op + ": " + e.Msg }

// Client is a control connection to the updater service. Calls are
// serialized.
type Client struct {
	mu            sync.Mutex
	conn          *Conn
	ServerVersion string
}

// Dial connects to addr and completes the hello exchange using key.
func Dial(ctx context.Context, addr string, key []byte) (*Client, error) {
	raw, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	conn := NewConn(raw, key)
	setDeadline(ctx, conn)

	env, err := conn.Recv()
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("ipc: read hello: %w", err)
	}
	var hello Hello
	if env.Type != TypeHello {
		raw.Close()
		return nil, fmt.Errorf("ipc: expected hello, got %q", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ipc: decode hello: %w", err)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		raw.Close()
		return nil, fmt.Errorf("ipc: protocol version %d, want %d", hello.ProtocolVersion, ProtocolVersion)
	}
	nonce, err := hex.DecodeString(hello.Nonce)
	if err != nil || len(nonce) == 0 {
		raw.Close()
		return nil, fmt.Errorf("ipc: bad hello nonce")
	}
	conn.Rekey(DeriveSessionKey(key, nonce))
	return &Client{conn: conn, ServerVersion: hello.ServerVersion}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Call sends req and waits for its response.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	setDeadline(ctx, c.conn)
	if err := c.conn.SendTyped(id, TypeRequest, req); err != nil {
		return nil, err
	}
	env, err := c.conn.Recv()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if env.ID != id {
		return nil, fmt.Errorf("ipc: response id %q does not match request %q", env.ID, id)
	}
	if env.Error != "" {
		return nil, &RemoteError{Op: req.Op, Msg: env.Error}
	}
	var resp Response
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return nil, fmt.Errorf("ipc: decode response: %w", err)
	}
	return &resp, nil
}

// CreateBundle creates a bundle for appIDs and optionally starts it.
func (c *Client) CreateBundle(ctx context.Context, appIDs []string, policy bundle.Policy, start bool) (*Response, error) {
	return c.Call(ctx, &Request{Op: OpCreateBundle, AppIDs: appIDs, Policy: policy, Start: start})
}

// Snapshot performs a single-bundle operation (start, pause, resume, cancel,
// query_state) and returns the resulting snapshot.
func (c *Client) Snapshot(ctx context.Context, op, bundleID string) (bundle.Snapshot, error) {
	resp, err := c.Call(ctx, &Request{Op: op, BundleID: bundleID})
	if err != nil {
		return bundle.Snapshot{}, err
	}
	if resp.Snapshot == nil {
		return bundle.Snapshot{}, fmt.Errorf("ipc: %s returned no snapshot", op)
	}
	return *resp.Snapshot, nil
}

// List returns every bundle the service knows about.
func (c *Client) List(ctx context.Context) ([]BundleInfo, error) {
	resp, err := c.Call(ctx, &Request{Op: OpListBundles})
	if err != nil {
		return nil, err
	}
	return resp.Bundles, nil
}

func setDeadline(ctx context.Context, conn *Conn) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultCallTimeout)
	}
	conn.SetDeadline(deadline)
}
