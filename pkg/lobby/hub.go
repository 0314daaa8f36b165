package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peercounsel/pkg/presence"
)

const (
	defaultReadLimit   = 16 * 1024
	pingInterval       = 40 * time.Second
	pongWait           = 60 * time.Second
	writeTimeout       = 10 * time.Second
	requestTimeout     = 5 * time.Second
	upgradeReadBuffer  = 1024
	upgradeWriteBuffer = 1024
)

// Feed is one counselor's stream of request events.
type Feed interface {
	Events() <-chan Event
	Close()
}

// Source is the instant-session side the lobby drives.
type Source interface {
	Watch(ctx context.Context, counselorID string) (Feed, error)
	Claim(ctx context.Context, sessionID, counselorID string) (bool, error)
	Reject(ctx context.Context, sessionID, counselorID string) error
}

// HubOptions configures a Hub instance.
type HubOptions struct {
	Presence presence.Store
	Logger   *zap.Logger
	Upgrader *websocket.Upgrader
}

// ConnOptions controls how a connection is registered.
type ConnOptions struct {
	CounselorID string
	// Context lets the caller cancel the connection (defaults to Background).
	Context context.Context
}

// Hub keeps one websocket per connected counselor and relays instant
// requests to them.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	source   Source
	presence presence.Store
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

type client struct {
	id          string
	counselorID string
	conn        *websocket.Conn
	send        chan []byte
	feed        Feed
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger
}

// NewHub builds a lobby Hub over the given source.
func NewHub(source Source, opts HubOptions) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:  make(map[string]*client),
		source:   source,
		presence: opts.Presence,
		upgrader: upgrader,
		logger:   logger.Named("lobby"),
	}
}

// HTTPHandler upgrades /ws/lobby?counselor=ID connections.
func (h *Hub) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counselorID := strings.TrimSpace(r.URL.Query().Get("counselor"))
		if counselorID == "" {
			http.Error(w, "missing counselor id", http.StatusBadRequest)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("upgrade error", zap.Error(err))
			return
		}
		// Background context so the connection outlives the handler.
		if err := h.Accept(conn, ConnOptions{CounselorID: counselorID}); err != nil {
			h.logger.Warn("accept error", zap.String("counselor_id", counselorID), zap.Error(err))
			conn.Close()
		}
	})
}

// Accept registers an already-upgraded connection.
func (h *Hub) Accept(conn *websocket.Conn, opts ConnOptions) error {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &client{
		id:          uuid.NewString(),
		counselorID: opts.CounselorID,
		conn:        conn,
		send:        make(chan []byte, 32),
		ctx:         ctx,
		cancel:      cancel,
		logger:      h.logger.With(zap.String("counselor_id", opts.CounselorID)),
	}

	feed, err := h.source.Watch(ctx, c.counselorID)
	if err != nil {
		cancel()
		return err
	}
	c.feed = feed
	h.register(ctx, c)

	go c.writePump()
	go c.readPump(h)
	go c.relay()
	return nil
}

func (h *Hub) register(ctx context.Context, c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.setAvailability(ctx, c, presence.StatusAvailable, true)
	c.logger.Info("lobby: registered", zap.Int("clients", total))
	c.sendJSON(OutboundMessage{Type: TypeWelcome, CounselorID: c.counselorID})
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.feed.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	// A counselor who is in a call keeps that status after closing the lobby.
	if h.presence != nil {
		a, err := h.presence.Availability(ctx, c.counselorID)
		if err != nil || a.Status != presence.StatusInSession {
			h.setAvailability(ctx, c, presence.StatusOffline, false)
		}
	}
	c.logger.Info("lobby: unregistered")
}

func (h *Hub) setAvailability(ctx context.Context, c *client, status presence.Status, available bool) {
	if h.presence == nil {
		return
	}
	if err := h.presence.SetAvailability(ctx, c.counselorID, status, available); err != nil {
		c.logger.Warn("presence update failed", zap.Error(err))
	}
}

// Clients reports how many lobby connections are open.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleInbound(c *client, msg InboundMessage) {
	c.logger.Debug("lobby: inbound", zap.String("type", msg.Type), zap.String("session_id", msg.SessionID))
	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()

	switch msg.Type {
	case TypeClaim:
		if msg.SessionID == "" {
			return
		}
		won, err := h.source.Claim(ctx, msg.SessionID, c.counselorID)
		out := OutboundMessage{Type: TypeClaimResult, SessionID: msg.SessionID, Won: &won}
		if err != nil {
			out.Error = err.Error()
		}
		c.sendJSON(out)
	case TypeReject:
		if msg.SessionID == "" {
			return
		}
		out := OutboundMessage{Type: TypeRejectResult, SessionID: msg.SessionID}
		if err := h.source.Reject(ctx, msg.SessionID, c.counselorID); err != nil {
			out.Error = err.Error()
		}
		c.sendJSON(out)
	case TypeSetAvailability:
		if msg.Available == nil {
			return
		}
		status := presence.StatusOffline
		if *msg.Available {
			status = presence.StatusAvailable
		}
		h.setAvailability(ctx, c, status, *msg.Available)
	default:
		c.logger.Warn("unknown message type", zap.String("type", msg.Type))
		c.sendJSON(OutboundMessage{Type: TypeError, Error: "unknown message type"})
	}
}

// relay forwards feed events until the connection or the feed ends.
func (c *client) relay() {
	events := c.feed.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			req := ev.Request
			typ := TypeInstantRequest
			if ev.Withdrawn {
				typ = TypeInstantWithdrawn
			}
			c.sendJSON(OutboundMessage{Type: typ, Request: &req, SessionID: req.SessionID})
		}
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		c.cancel()
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(defaultReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return
			}
			if !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("bad payload", zap.Error(err))
			continue
		}
		h.handleInbound(c, msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeTimeout))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping message")
	}
}
