// Package client is a reconnecting websocket client for the realtime
// gateway. It resumes its session after a drop, rejoins its groups and
// gives up after the backoff policy's retry budget.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tangled.org/arabica.social/murmur/internal/metrics"
	"tangled.org/arabica.social/murmur/internal/models"
	"tangled.org/arabica.social/murmur/internal/realtime"
)

// Config holds configuration for the client
type Config struct {
	// Endpoints are gateway websocket URLs, tried in rotation
	Endpoints []string

	// UserID is sent in the X-User-ID header
	UserID string

	Backoff          realtime.Backoff
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration

	// Buffer is the capacity of the Events channel
	Buffer int
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Backoff:          realtime.DefaultBackoff(),
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		Buffer:           128,
	}
}

// Message is a gateway frame with its payload left encoded
type Message struct {
	Type      string          `json:"type"`
	PostID    string          `json:"post_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload into v
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// dialParams are encoded into the dial URL's query string
type dialParams struct {
	Session string `url:"session,omitempty"`
}

// Client maintains one gateway session across reconnects
type Client struct {
	cfg    Config
	dialer websocket.Dialer
	events chan Message

	onStatus func(realtime.State)

	// Connection state
	conn               *websocket.Conn
	connMu             sync.Mutex
	currentEndpointIdx int

	mu        sync.Mutex
	state     realtime.State
	sessionID string
	groups    map[string]struct{}
	err       error

	// Stats
	received atomic.Int64
	lastSeq  atomic.Uint64

	// Control
	connected atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a client. Call Start to connect.
func New(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, &models.ConfigError{Field: "client.endpoints", Message: "at least one endpoint is required"}
	}
	def := DefaultConfig()
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}

	return &Client{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		events: make(chan Message, cfg.Buffer),
		state:  realtime.StateDisconnected,
		groups: make(map[string]struct{}),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// OnStatus registers a callback for state changes. Call before Start.
func (c *Client) OnStatus(fn func(realtime.State)) {
	c.onStatus = fn
}

// Start begins connecting in a background goroutine
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.done)
		c.run(ctx)
	}()
}

// Stop closes the connection and waits for the client to finish
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
}

// Done is closed when the client stops or fails
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that exhausted the retry budget, if any
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Events delivers gateway messages in arrival order
func (c *Client) Events() <-chan Message {
	return c.events
}

// State returns the current connection state
func (c *Client) State() realtime.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the gateway session id, empty before the first welcome
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// IsConnected returns true if currently connected to the gateway
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns the number of messages received and the last event sequence
func (c *Client) Stats() (received int64, lastSeq uint64) {
	return c.received.Load(), c.lastSeq.Load()
}

// Join subscribes to a post. The membership is remembered and restored
// after reconnects.
func (c *Client) Join(postID string) error {
	if postID == "" {
		return &models.ValidationError{Field: "post_id", Message: "is required"}
	}
	c.mu.Lock()
	c.groups[postID] = struct{}{}
	c.mu.Unlock()
	return c.sendIfConnected(realtime.ClientMessage{Action: realtime.ActionJoin, PostID: postID})
}

// Leave unsubscribes from a post
func (c *Client) Leave(postID string) error {
	c.mu.Lock()
	delete(c.groups, postID)
	c.mu.Unlock()
	return c.sendIfConnected(realtime.ClientMessage{Action: realtime.ActionLeave, PostID: postID})
}

// StartTyping announces that the user is composing on postID
func (c *Client) StartTyping(postID string, parentID *string) error {
	return c.write(realtime.ClientMessage{Action: realtime.ActionTypingStart, PostID: postID, ParentID: parentID})
}

// StopTyping clears the user's typing indicator on postID
func (c *Client) StopTyping(postID string) error {
	return c.write(realtime.ClientMessage{Action: realtime.ActionTypingStop, PostID: postID})
}

func (c *Client) sendIfConnected(msg realtime.ClientMessage) error {
	if !c.connected.Load() {
		return nil
	}
	return c.write(msg)
}

func (c *Client) write(msg realtime.ClientMessage) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("client: %w", models.ErrNotConnected)
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("client write: %v: %w", err, models.ErrTransientTransport)
	}
	return nil
}

func (c *Client) setState(s realtime.State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.onStatus != nil {
		c.onStatus(s)
	}
}

func (c *Client) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Client) run(ctx context.Context) {
	attempt := 0
	c.setState(realtime.StateConnecting)

	for {
		if c.stopped(ctx) {
			log.Info().Msg("client: stop requested")
			c.setState(realtime.StateDisconnected)
			return
		}

		endpoint := c.cfg.Endpoints[c.currentEndpointIdx]
		connected, err := c.connectAndConsume(ctx, endpoint)
		if c.stopped(ctx) {
			c.setState(realtime.StateDisconnected)
			return
		}
		if connected {
			// Reset backoff on successful connection
			attempt = 0
		}

		log.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", attempt).Msg("client: connection lost")

		// Rotate to next endpoint
		c.currentEndpointIdx = (c.currentEndpointIdx + 1) % len(c.cfg.Endpoints)

		if c.cfg.Backoff.Exhausted(attempt) {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			log.Error().Err(err).Int("attempts", attempt).Msg("client: giving up")
			c.setState(realtime.StateFailed)
			return
		}
		c.setState(realtime.StateReconnecting)

		select {
		case <-ctx.Done():
			c.setState(realtime.StateDisconnected)
			return
		case <-c.stopCh:
			c.setState(realtime.StateDisconnected)
			return
		case <-time.After(c.cfg.Backoff.Delay(attempt)):
		}
		attempt++
	}
}

// buildURL adds the resume parameters to endpoint
func (c *Client) buildURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	params, err := query.Values(dialParams{Session: c.SessionID()})
	if err != nil {
		return "", err
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			q.Set(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connectAndConsume dials endpoint and reads until the connection ends. The
// boolean reports whether the gateway accepted the session.
func (c *Client) connectAndConsume(ctx context.Context, endpoint string) (bool, error) {
	wsURL, err := c.buildURL(endpoint)
	if err != nil {
		return false, fmt.Errorf("failed to build websocket URL: %w", err)
	}

	header := http.Header{}
	if c.cfg.UserID != "" {
		header.Set("X-User-ID", c.cfg.UserID)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.connected.Store(false)
		metrics.ClientConnectionState.Set(0)
	}()

	welcome, err := c.readWelcome(conn)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.sessionID = welcome.SessionID
	c.mu.Unlock()

	c.connected.Store(true)
	metrics.ClientConnectionState.Set(1)
	c.setState(realtime.StateConnected)
	log.Info().
		Str("endpoint", endpoint).
		Str("session", welcome.SessionID).
		Bool("resumed", welcome.Resumed).
		Msg("client: connected to gateway")

	if err := c.syncGroups(welcome); err != nil {
		return true, err
	}

	for {
		if c.stopped(ctx) {
			return true, nil
		}

		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read error: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("client: failed to decode message")
			continue
		}
		c.received.Add(1)
		if msg.Seq > c.lastSeq.Load() {
			c.lastSeq.Store(msg.Seq)
		}

		select {
		case c.events <- msg:
		case <-ctx.Done():
			return true, ctx.Err()
		case <-c.stopCh:
			return true, nil
		}
	}
}

func (c *Client) readWelcome(conn *websocket.Conn) (*realtime.WelcomePayload, error) {
	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode welcome: %w", err)
	}
	if msg.Type != realtime.MessageWelcome {
		return nil, fmt.Errorf("expected %s, got %s", realtime.MessageWelcome, msg.Type)
	}
	var welcome realtime.WelcomePayload
	if err := msg.Decode(&welcome); err != nil {
		return nil, fmt.Errorf("failed to decode welcome: %w", err)
	}
	return &welcome, nil
}

// syncGroups brings the gateway's view of the session's groups in line with
// the client's: a resumed session keeps its groups, anything joined or left
// while offline is replayed.
func (c *Client) syncGroups(welcome *realtime.WelcomePayload) error {
	server := make(map[string]bool, len(welcome.Groups))
	for _, g := range welcome.Groups {
		server[g] = true
	}

	c.mu.Lock()
	var join, leave []string
	for g := range c.groups {
		if !server[g] {
			join = append(join, g)
		}
	}
	for g := range server {
		if _, ok := c.groups[g]; !ok {
			leave = append(leave, g)
		}
	}
	c.mu.Unlock()

	for _, postID := range join {
		if err := c.write(realtime.ClientMessage{Action: realtime.ActionJoin, PostID: postID}); err != nil {
			return err
		}
	}
	for _, postID := range leave {
		if err := c.write(realtime.ClientMessage{Action: realtime.ActionLeave, PostID: postID}); err != nil {
			return err
		}
	}
	return nil
}
