// Package testnode implements a minimal fake Node daemon for exercising
// the RPC layer and scheduler (C11). It is not part of
// the production binary: it exists so tests can exercise the
// controller's /node websocket transport end-to-end without a real
// industrial-gateway node attached.
package testnode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/wgcairui/uartserver-ng-sub000/internal/rpcnode"
)

const heartbeatInterval = 2 * time.Second

// QueryResponder builds the queryResult a simulated node returns for an
// InstructQuery. Tests supply one to script the node's behaviour.
type QueryResponder func(mac string, pid int, protocolName, content string) (success bool, data, errMsg string)

// Client is a fake node: it speaks the same Frame protocol
// internal/rpcnode's transport expects, registers under a name,
// answers InstructQuery frames and sends periodic heartbeats.
type Client struct {
	URL  string // e.g. "ws://127.0.0.1:9400/node"
	Name string
	Secret string

	Responder QueryResponder

	mu           sync.Mutex
	conn         *websocket.Conn
	lastSendTime time.Time
	stopOnce     sync.Once
	closed       atomic.Bool
}

// New creates a fake node client. Responder may be nil, in which case
// every InstructQuery is answered with a success and empty data.
func New(wsURL, name, secret string, responder QueryResponder) *Client {
	if responder == nil {
		responder = func(string, int, string, string) (bool, string, string) { return true, "", "" }
	}
	return &Client{URL: wsURL, Name: name, Secret: secret, Responder: responder}
}

// Stop closes the current connection, if any. Safe to call multiple times.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.closed.Store(true)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "stopping")
		}
	})
}

func (c *Client) send(ctx context.Context, f rpcnode.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSendTime = time.Now()
	c.mu.Unlock()
	return nil
}

func frame(kind, eventName string, payload interface{}) (rpcnode.Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return rpcnode.Frame{}, err
	}
	return rpcnode.Frame{Kind: kind, EventName: eventName, Payload: raw}, nil
}

func decode[T any](f rpcnode.Frame) (T, error) {
	var v T
	if len(f.Payload) == 0 {
		return v, nil
	}
	err := json.Unmarshal(f.Payload, &v)
	return v, err
}

// Connect dials the controller, registers under c.Name, and serves
// frames until the connection drops or ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	dialURL := c.URL
	if c.Secret != "" {
		u, err := url.Parse(c.URL)
		if err != nil {
			return fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		q.Set("token", c.Secret)
		u.RawQuery = q.Encode()
		dialURL = u.String()
	}

	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	registerFrame, err := frame("RegisterNode", "", map[string]interface{}{
		"name": c.Name, "ip": "127.0.0.1", "port": 0, "maxConnections": 0,
	})
	if err != nil {
		return err
	}
	if err := c.send(ctx, registerFrame); err != nil {
		return fmt.Errorf("send RegisterNode: %w", err)
	}

	go c.heartbeatLoop(ctx)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var f rpcnode.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("testnode: dropping malformed frame", "error", err)
			continue
		}
		c.handleFrame(ctx, f)
	}
}

func (c *Client) handleFrame(ctx context.Context, f rpcnode.Frame) {
	switch f.Kind {
	case "InstructQuery":
		go c.handleInstructQuery(ctx, f)
	case "heartbeat":
		// acks are informational only; nothing to do.
	case "nodeInfo":
		info, _ := frame("UpdateNodeInfo", "", map[string]interface{}{"name": c.Name, "connections": 0})
		_ = c.send(ctx, info)
	case "OprateDTU":
		go c.handleOprateDTU(ctx, f)
	default:
		slog.Debug("testnode: ignoring frame", "kind", f.Kind)
	}
}

type instructQueryPayload struct {
	Mac      string `json:"mac"`
	Pid      int    `json:"pid"`
	Protocol string `json:"protocol"`
	DevMac   string `json:"devMac"`
	Content  string `json:"content"`
}

func (c *Client) handleInstructQuery(ctx context.Context, f rpcnode.Frame) {
	p, err := decode[instructQueryPayload](f)
	if err != nil {
		slog.Warn("testnode: malformed InstructQuery", "error", err)
		return
	}
	success, data, errMsg := c.Responder(p.Mac, p.Pid, p.Protocol, p.Content)
	reply, err := frame("queryResult", f.EventName, map[string]interface{}{
		"mac": p.Mac, "pid": p.Pid, "success": success, "data": data, "error": errMsg,
	})
	if err != nil {
		slog.Warn("testnode: encode queryResult failed", "error", err)
		return
	}
	if err := c.send(ctx, reply); err != nil {
		slog.Warn("testnode: send queryResult failed", "error", err)
	}
}

type oprateDTUPayload struct {
	Mac     string `json:"mac"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (c *Client) handleOprateDTU(ctx context.Context, f rpcnode.Frame) {
	p, err := decode[oprateDTUPayload](f)
	if err != nil {
		slog.Warn("testnode: malformed OprateDTU", "error", err)
		return
	}
	reply, err := frame("OprateDTUResult", f.EventName, map[string]interface{}{"ok": true, "msg": "", "result": p.Content})
	if err != nil {
		slog.Warn("testnode: encode OprateDTUResult failed", "error", err)
		return
	}
	if err := c.send(ctx, reply); err != nil {
		slog.Warn("testnode: send OprateDTUResult failed", "error", err)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb, _ := frame("heartbeat", "", map[string]interface{}{"ts": time.Now().UnixMilli()})
			if err := c.send(ctx, hb); err != nil {
				slog.Warn("testnode: heartbeat send failed", "error", err)
				return
			}
		}
	}
}

// connectFn is a function that establishes a connection to the
// controller. Used for dependency injection in tests.
type connectFn func(ctx context.Context) error

// ConnectWithReconnect wraps Connect with automatic reconnection using
// exponential backoff. Starts at 1s, doubles up to 60s, resets on a
// connection that lasted longer than resetThreshold.
func (c *Client) ConnectWithReconnect(ctx context.Context) {
	c.connectWithReconnect(ctx, c.Connect, newDefaultBackoff(), resetThreshold)
}

func (c *Client) connectWithReconnect(ctx context.Context, connect connectFn, bo backoff.BackOff, threshold time.Duration) {
	for {
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if c.closed.Load() {
			return
		}

		if time.Since(start) >= threshold {
			bo.Reset()
		}

		interval := bo.NextBackOff()
		slog.Warn("testnode: disconnected, reconnecting...", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
