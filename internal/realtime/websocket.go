package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tangled.org/arabica.social/murmur/internal/models"
)

// TransportConfig tunes the websocket transport
type TransportConfig struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string
}

// DefaultTransportConfig returns the transport defaults
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingInterval:   25 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 4096,
	}
}

// Identify extracts the user id of a websocket request. An empty id
// connects an anonymous viewer.
type Identify func(r *http.Request) string

// Handler upgrades HTTP requests into gateway sessions
type Handler struct {
	gateway  *Gateway
	cfg      TransportConfig
	identify Identify
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket endpoint for gw
func NewHandler(gw *Gateway, cfg TransportConfig, identify Identify) *Handler {
	def := DefaultTransportConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	h := &Handler{gateway: gw, cfg: cfg, identify: identify}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the session's read loop until the
// connection ends. A "session" query parameter resumes an earlier session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("realtime: websocket upgrade failed")
		return
	}

	userID := ""
	if h.identify != nil {
		userID = h.identify(r)
	}

	c := newConn(ws, h.cfg)
	go c.writeLoop()

	sessionID, err := h.gateway.Connect(r.URL.Query().Get("session"), userID, c)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("realtime: connect failed")
		c.Close()
		return
	}

	h.readLoop(r.Context(), sessionID, c)
}

func (h *Handler) readLoop(ctx context.Context, sessionID string, c *wsConn) {
	ws := c.ws
	ws.SetReadLimit(h.cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if !clean {
				log.Debug().Err(err).Str("session", sessionID).Msg("realtime: connection dropped")
			}
			h.gateway.Disconnect(sessionID, c, clean)
			c.Close()
			return
		}
		ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(errorMessage("", "malformed message"))
			continue
		}
		if err := h.handle(ctx, sessionID, c, msg); err != nil {
			c.Send(errorMessage(msg.Action, err.Error()))
		}
	}
}

func (h *Handler) handle(ctx context.Context, sessionID string, c *wsConn, msg ClientMessage) error {
	switch msg.Action {
	case ActionJoin:
		return h.gateway.JoinGroup(sessionID, msg.PostID)
	case ActionLeave:
		return h.gateway.LeaveGroup(sessionID, msg.PostID)
	case ActionTypingStart:
		return h.gateway.StartTypingFor(ctx, sessionID, msg.PostID, msg.ParentID)
	case ActionTypingStop:
		return h.gateway.StopTypingFor(ctx, sessionID, msg.PostID)
	case ActionPing:
		return c.Send(Message{Type: MessagePong, Timestamp: time.Now()})
	}
	return &models.ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", msg.Action)}
}

func errorMessage(action, text string) Message {
	return Message{
		Type:      MessageError,
		Payload:   &ErrorPayload{Action: action, Message: text},
		Timestamp: time.Now(),
	}
}

var errConnClosed = errors.New("connection closed")

// wsConn is the Sender for one websocket. Messages are queued to a single
// writer goroutine; a full queue fails the send instead of blocking fan-out.
type wsConn struct {
	ws           *websocket.Conn
	out          chan Message
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	pingInterval time.Duration
}

func newConn(ws *websocket.Conn, cfg TransportConfig) *wsConn {
	return &wsConn{
		ws:           ws,
		out:          make(chan Message, cfg.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
	}
}

func (c *wsConn) Send(msg Message) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %w", errConnClosed, models.ErrTransientTransport)
	default:
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return fmt.Errorf("send buffer full: %w", models.ErrTransientTransport)
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("realtime: write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeTimeout),
			)
			return
		}
	}
}
