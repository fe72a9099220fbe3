package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agenthands/verity/internal/core/model"
)

// State of the websocket link.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Sink receives decoded events from the link's read loop.
type Sink interface {
	Deliver(ev model.PushEvent)
}

type ClientConfig struct {
	URL    string
	Header http.Header
	// OnState is called on every connect and disconnect. Events published
	// while disconnected are never replayed, so consumers refetch on connect.
	OnState func(State)
	// NewBackOff builds the reconnect schedule. Defaults to exponential
	// backoff without an elapsed-time limit.
	NewBackOff func() backoff.BackOff
	Dialer     *websocket.Dialer
}

// Client is a Link over a single websocket connection that reconnects on
// failure and rejoins every channel it was asked to join.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]struct{}
}

func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Client{cfg: cfg, logger: logger, channels: make(map[string]struct{})}
}

func (c *Client) Join(channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = struct{}{}
	c.sendLocked(Frame{Type: FrameSubscribe, Channel: channel})
	return nil
}

func (c *Client) Leave(channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channel)
	c.sendLocked(Frame{Type: FrameUnsubscribe, Channel: channel})
	return nil
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and delivers events to sink until ctx is cancelled.
func (c *Client) Run(ctx context.Context, sink Sink) error {
	b := backoff.WithContext(c.cfg.NewBackOff(), ctx)
	for {
		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err := c.pause(ctx, b, "push dial failed", err); err != nil {
				return err
			}
			continue
		}

		c.attach(conn)
		// The schedule resets on the first frame, so a server that accepts
		// and drops at once is still retried with backoff.
		err = c.read(ctx, conn, sink, b.Reset)
		c.detach(conn)
		if ctx.Err() != nil {
			return nil
		}
		if err := c.pause(ctx, b, "push connection lost", err); err != nil {
			return err
		}
	}
}

// pause waits out the next backoff interval. It returns an error once the
// schedule gives up, and nil early when ctx is done.
func (c *Client) pause(ctx context.Context, b backoff.BackOff, msg string, cause error) error {
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("push link gave up: %w", cause)
	}
	c.logger.Warn(msg, zap.Error(cause), zap.Duration("retry_in", wait))
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
	return nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	for _, ch := range channels {
		c.sendLocked(Frame{Type: FrameSubscribe, Channel: ch})
	}
	c.mu.Unlock()

	c.logger.Debug("push connected", zap.Int("channels", len(channels)))
	c.report(StateConnected)
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	c.report(StateDisconnected)
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn, sink Sink, onFirstFrame func()) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	first := true
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if first {
			first = false
			onFirstFrame()
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed push frame", zap.Error(err))
			continue
		}
		if f.Type != FrameEvent {
			continue
		}
		sink.Deliver(f.PushEvent())
	}
}

// sendLocked writes f on the live connection, if any. Frames are not queued
// while disconnected; attach re-sends the subscriptions.
func (c *Client) sendLocked(f Frame) {
	if c.conn == nil {
		return
	}
	if err := c.conn.WriteJSON(f); err != nil {
		// The read loop sees the broken connection and reconnects.
		c.logger.Warn("push write failed", zap.String("type", f.Type), zap.Error(err))
	}
}

func (c *Client) report(s State) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}
