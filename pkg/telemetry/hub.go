package telemetry

import (
	"context"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	sendBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage is sent by websocket clients to pick which kinds they receive.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Kind   string `json:"kind"`   // event kind, or "*" for everything
}

// ServerMessage is what the hub writes to clients.
type ServerMessage struct {
	Type    string `json:"type"` // event kind, "subscribed", "unsubscribed", "error"
	Payload any    `json:"payload"`
}

type subscriptions struct {
	mu    sync.RWMutex
	kinds map[string]bool
}

func newSubscriptions() *subscriptions {
	return &subscriptions{kinds: make(map[string]bool)}
}

func (s *subscriptions) subscribe(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds[kind] = true
}

func (s *subscriptions) unsubscribe(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kinds, kind)
}

func (s *subscriptions) matches(kind string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kinds["*"] || s.kinds[kind]
}

type hubClient struct {
	subs    *subscriptions
	send    chan ServerMessage
	dropped atomic.Int64
}

// Hub broadcasts events to websocket clients. Slow clients lose events
// rather than blocking Emit.
type Hub struct {
	logger  *zap.Logger
	clients *xsync.Map[uint64, *hubClient]
	nextID  atomic.Uint64
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger.Named("hub"),
		clients: xsync.NewMap[uint64, *hubClient](),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return h.clients.Size()
}

func (h *Hub) Emit(_ context.Context, e Event) {
	msg := ServerMessage{Type: string(e.Kind), Payload: e}
	h.clients.Range(func(id uint64, c *hubClient) bool {
		if !c.subs.matches(string(e.Kind)) {
			return true
		}
		select {
		case c.send <- msg:
		default:
			if c.dropped.Add(1)%100 == 1 {
				h.logger.Warn("Websocket client is slow, dropping events", zap.Uint64("client", id))
			}
		}
		return true
	})
}

// ServeHTTP upgrades the connection and streams events until the client
// goes away.
//
// Client sends: {"action": "subscribe", "kind": "scaling_action"}
// Client sends: {"action": "subscribe", "kind": "*"}
// Server sends: {"type": "scaling_action", "payload": {...event...}}
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			h.logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &hubClient{subs: newSubscriptions(), send: make(chan ServerMessage, sendBuffer)}
	id := h.nextID.Add(1)
	h.clients.Store(id, client)
	h.logger.Info("WebSocket client connected", zap.Uint64("client", id), zap.String("remote_addr", r.RemoteAddr))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("Panic in websocket writer",
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())))
			}
			cancel()
		}()
		h.write(ctx, conn, client.send)
	}()

	h.read(ctx, conn, cancel, client)

	h.clients.Delete(id)
	cancel()
	wg.Wait()
	h.logger.Info("WebSocket client disconnected", zap.Uint64("client", id))
}

// write owns every write on conn: queued messages and keep-alive pings.
func (h *Hub) write(ctx context.Context, conn *websocket.Conn, send <-chan ServerMessage) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-send:
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("Failed to write WebSocket message", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				h.logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (h *Hub) read(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, client *hubClient) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var reply ServerMessage
		switch msg.Action {
		case "subscribe":
			client.subs.subscribe(msg.Kind)
			reply = ServerMessage{Type: "subscribed", Payload: map[string]string{"kind": msg.Kind}}
		case "unsubscribe":
			client.subs.unsubscribe(msg.Kind)
			reply = ServerMessage{Type: "unsubscribed", Payload: map[string]string{"kind": msg.Kind}}
		default:
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
		}
		select {
		case client.send <- reply:
		case <-ctx.Done():
			return
		}
	}
}
