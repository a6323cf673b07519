// Package pubsub owns the persistent push-notification socket for a single
// channel. A Conn authenticates with a bearer token, subscribes to its topics
// with per-topic tokens, answers server keepalive pings, and dispatches push
// frames to the owner's handler. Tokens are minted upstream; when the socket
// dies for good the Conn reports down and the synchronizer rebuilds it with
// fresh tokens on its next tick.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TopicSub pairs a topic name with its subscription token.
type TopicSub struct {
	Topic string `json:"topic"`
	Token string `json:"token"`
}

// Handler receives push frame payloads keyed by topic name.
type Handler func(topic string, payload json.RawMessage)

// Frame types of the push-socket protocol.
const (
	frameAuth      = "AUTH"
	frameSubscribe = "SUBSCRIBE"
	framePush      = "PUSH"
	framePing      = "PING"
	framePong      = "PONG"
	frameError     = "ERROR"
)

type frame struct {
	Type   string          `json:"type"`
	Token  string          `json:"token,omitempty"`
	Topics []TopicSub      `json:"topics,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Config configures a Conn. URL, AuthToken, Topics and Handler are required.
type Config struct {
	URL       string
	AuthToken string
	Topics    []TopicSub
	Handler   Handler

	// OnDown is called once when the connection is authoritatively dead
	// (handshake rejected, reconnect budget spent, or keepalive missed twice).
	// It must not block; callers typically just flag the channel for rebuild.
	OnDown func(err error)

	// PingDeadline is how long to wait for server traffic before declaring
	// the connection dead. Defaults to 30s.
	PingDeadline time.Duration
	// ReconnectBackoff is the delay before the single reconnect attempt.
	// Defaults to 5s.
	ReconnectBackoff time.Duration

	Dialer *websocket.Dialer
}

// Conn is one live socket. Not safe to restart after Stop; the synchronizer
// always builds a new Conn instead (tokens rotate anyway).
type Conn struct {
	cfg Config

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New validates cfg and returns an unstarted Conn.
func New(cfg Config) (*Conn, error) {
	if cfg.URL == "" || cfg.AuthToken == "" || cfg.Handler == nil || len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("pubsub: URL, AuthToken, Topics and Handler are required")
	}
	if cfg.PingDeadline <= 0 {
		cfg.PingDeadline = 30 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Conn{cfg: cfg, done: make(chan struct{})}, nil
}

// Start dials, authenticates and subscribes, then runs the read loop in the
// background. The initial handshake is synchronous so callers can skip a
// channel this tick when it fails.
func (c *Conn) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	ws, err := c.connect(ctx)
	if err != nil {
		cancel()
		close(c.done)
		return err
	}
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	go c.run(ctx)
	return nil
}

// Stop closes the socket and cancels any pending reconnect. Idempotent.
func (c *Conn) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	if ws != nil {
		_ = ws.Close()
	}
	<-c.done
}

// connect dials and performs the AUTH + SUBSCRIBE handshake.
func (c *Conn) connect(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial push socket: %w", err)
	}
	if err := writeFrame(ws, frame{Type: frameAuth, Token: c.cfg.AuthToken}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send auth frame: %w", err)
	}
	if err := writeFrame(ws, frame{Type: frameSubscribe, Topics: c.cfg.Topics}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send subscribe frame: %w", err)
	}
	return ws, nil
}

// run reads frames until the socket dies, then spends the single reconnect
// attempt before reporting down. Closing via Stop exits quietly.
func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	reconnected := false
	for {
		err := c.readLoop(ctx)
		if c.isClosed() || ctx.Err() != nil {
			return
		}
		if reconnected {
			c.down(fmt.Errorf("push socket dead after reconnect: %w", err))
			return
		}
		reconnected = true
		slog.Warn("push socket lost; scheduling reconnect",
			slog.Any("err", err), slog.Duration("backoff", c.cfg.ReconnectBackoff), slog.String("component", "pubsub"))
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectBackoff):
		}
		ws, err := c.connect(ctx)
		if err != nil {
			c.down(fmt.Errorf("push socket reconnect failed: %w", err))
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = ws.Close()
			return
		}
		c.ws = ws
		c.mu.Unlock()
	}
}

func (c *Conn) readLoop(ctx context.Context) error {
	ws := c.socket()
	if ws == nil {
		return fmt.Errorf("no socket")
	}
	for {
		if err := ws.SetReadDeadline(time.Now().Add(c.cfg.PingDeadline)); err != nil {
			return err
		}
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Type {
		case framePing:
			// Server keepalive; failing to answer within the deadline kills us
			// on the server side too, so answer immediately.
			if err := c.write(frame{Type: framePong}); err != nil {
				return fmt.Errorf("answer ping: %w", err)
			}
		case framePush:
			if f.Topic == "" {
				continue
			}
			c.cfg.Handler(f.Topic, f.Data)
		case frameError:
			// Auth rejection or protocol error from the server is terminal
			// for this socket; tokens must be re-minted upstream.
			return fmt.Errorf("server error frame: %s", f.Error)
		default:
			// RESPONSE acks and unknown frames are ignored.
		}
	}
}

func (c *Conn) write(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || c.closed {
		return fmt.Errorf("socket closed")
	}
	return c.ws.WriteJSON(f)
}

func writeFrame(ws *websocket.Conn, f frame) error {
	return ws.WriteJSON(f)
}

func (c *Conn) socket() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) down(err error) {
	slog.Warn("push socket down", slog.Any("err", err), slog.String("component", "pubsub"))
	if c.cfg.OnDown != nil {
		c.cfg.OnDown(err)
	}
}
