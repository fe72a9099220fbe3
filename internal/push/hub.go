package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agenthands/verity/internal/core/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// DefaultSendBuffer is the number of frames queued per connection before it
// is considered too slow and dropped.
const DefaultSendBuffer = 64

type hubConn struct {
	ws       *websocket.Conn
	send     chan []byte
	channels map[string]struct{}
	once     sync.Once
}

// Hub keeps websocket connections per channel and writes published events to
// them in publish order.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*hubConn]struct{}
	conns    map[*hubConn]struct{}

	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *zap.Logger
}

func NewHub(sendBuffer int, logger *zap.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		channels:   make(map[string]map[*hubConn]struct{}),
		conns:      make(map[*hubConn]struct{}),
		sendBuffer: sendBuffer,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and serves the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &hubConn{
		ws:       ws,
		send:     make(chan []byte, h.sendBuffer),
		channels: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

// Publish queues ev for every connection joined to its channel. Connections
// whose queue is full are dropped.
func (h *Hub) Publish(ev model.PushEvent) {
	data, err := json.Marshal(EventFrame(ev))
	if err != nil {
		h.logger.Error("failed to encode push frame", zap.Error(err))
		return
	}

	var slow []*hubConn
	h.mu.RLock()
	for c := range h.channels[ev.Channel] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow push consumer", zap.String("channel", ev.Channel))
		h.remove(c)
	}
}

// Run forwards broker events to Publish until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, broker Broker) error {
	events, err := broker.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.Publish(ev)
		}
	}
}

// Subscribers returns how many connections joined channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// DropAll disconnects every connection.
func (h *Hub) DropAll() {
	h.mu.RLock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.remove(c)
	}
}

func (h *Hub) join(c *hubConn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	set, ok := h.channels[channel]
	if !ok {
		set = make(map[*hubConn]struct{})
		h.channels[channel] = set
	}
	set[c] = struct{}{}
	c.channels[channel] = struct{}{}
}

func (h *Hub) leave(c *hubConn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, channel)
}

func (h *Hub) leaveLocked(c *hubConn, channel string) {
	delete(c.channels, channel)
	if set, ok := h.channels[channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *Hub) remove(c *hubConn) {
	c.once.Do(func() {
		h.mu.Lock()
		for ch := range c.channels {
			h.leaveLocked(c, ch)
		}
		delete(h.conns, c)
		close(c.send)
		h.mu.Unlock()
	})
}

func (h *Hub) readPump(c *hubConn) {
	defer func() {
		h.remove(c)
		_ = c.ws.Close()
	}()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("push connection closed", zap.Error(err))
			}
			return
		}
		if f.Channel == "" {
			continue
		}
		switch f.Type {
		case FrameSubscribe:
			h.join(c, f.Channel)
		case FrameUnsubscribe:
			h.leave(c, f.Channel)
		}
	}
}

func (h *Hub) writePump(c *hubConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("push write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
