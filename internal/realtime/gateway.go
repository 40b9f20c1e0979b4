// Package realtime keeps every viewer of a post's comment section in step.
// Sessions join per-post groups; bus events are fanned out to group members
// in bus order, filtered by visibility. Dropped sessions are held open for a
// bounded number of backoff windows and replay their backlog on resume.
package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"tangled.org/arabica.social/murmur/internal/events"
	"tangled.org/arabica.social/murmur/internal/metrics"
	"tangled.org/arabica.social/murmur/internal/models"
)

// State is the lifecycle state of a gateway session
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// AllStates returns every session state
func AllStates() []State {
	return []State{StateConnecting, StateConnected, StateReconnecting, StateDisconnected, StateFailed}
}

// Sender writes messages to one transport connection. Send must not block
// on the network and Close must be safe to call more than once.
type Sender interface {
	Send(msg Message) error
	Close() error
}

// RoleChecker decides which sessions receive moderator-only events
type RoleChecker interface {
	IsModerator(userID string) bool
}

// Subscriber is the part of the event bus the gateway attaches to
type Subscriber interface {
	SubscribeAll(name string, handler events.Handler) func()
}

// StatusFunc observes session state changes. It runs outside the gateway's
// locks but must not block.
type StatusFunc func(sessionID, userID string, state State)

// Config tunes the gateway
type Config struct {
	TypingTTL   time.Duration
	Backoff     Backoff
	BacklogSize int
}

// DefaultConfig returns the gateway defaults
func DefaultConfig() Config {
	return Config{
		TypingTTL:   10 * time.Second,
		Backoff:     DefaultBackoff(),
		BacklogSize: 256,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.TypingTTL <= 0 {
		return &models.ConfigError{Field: "realtime.typing_ttl", Message: "must be positive"}
	}
	if c.BacklogSize < 1 {
		return &models.ConfigError{Field: "realtime.backlog_size", Message: "must be at least 1"}
	}
	return c.Backoff.Validate()
}

type session struct {
	id        string
	userID    string
	moderator bool

	mu       sync.Mutex
	state    State
	sender   Sender
	groups   map[string]time.Time // post id -> joined at
	backlog  []Message
	overflow bool
	lastSeq  uint64
	attempt  int
	gen      uint64
	timer    Timer
}

func (s *session) groupIDs() []string {
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type group struct {
	mu      sync.Mutex
	members map[string]*session
}

type statusChange struct {
	s     *session
	state State
}

// SessionInfo is a point-in-time view of a session
type SessionInfo struct {
	ID      string   `json:"id"`
	UserID  string   `json:"user_id"`
	State   State    `json:"state"`
	Groups  []string `json:"groups"`
	Backlog int      `json:"backlog"`
}

// Gateway owns sessions, groups and typing indicators.
//
// Lock order: g.mu, then group.mu, then session.mu. typingMu is never held
// together with any of them.
type Gateway struct {
	cfg      Config
	clock    Clock
	roles    RoleChecker
	bus      events.Publisher
	onStatus StatusFunc

	mu       sync.RWMutex
	sessions map[string]*session
	groups   map[string]*group
	closed   bool

	// ended remembers the final state of recently removed sessions
	ended *lru.Cache[string, State]

	typingMu sync.Mutex
	typing   map[typingKey]*typingEntry
}

// NewGateway creates a gateway. bus receives the typing events the gateway
// produces; when nil they are dispatched directly. roles may be nil, in
// which case no session is treated as a moderator.
func NewGateway(cfg Config, bus events.Publisher, roles RoleChecker) *Gateway {
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = DefaultConfig().TypingTTL
	}
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = DefaultConfig().BacklogSize
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	ended, _ := lru.New[string, State](1024)
	return &Gateway{
		cfg:      cfg,
		clock:    SystemClock(),
		roles:    roles,
		bus:      bus,
		sessions: make(map[string]*session),
		groups:   make(map[string]*group),
		ended:    ended,
		typing:   make(map[typingKey]*typingEntry),
	}
}

// SetClock overrides the time source. Call before the gateway is used.
func (g *Gateway) SetClock(c Clock) {
	g.clock = c
}

// OnStatus registers the status callback. Call before the gateway is used.
func (g *Gateway) OnStatus(fn StatusFunc) {
	g.onStatus = fn
}

// Attach subscribes the gateway to every bus event and returns the
// unsubscribe function
func (g *Gateway) Attach(bus Subscriber) func() {
	return bus.SubscribeAll("realtime", g.Dispatch)
}

// Connect registers a transport connection. When resumeID names a session
// of the same user that is waiting in Reconnecting, that session is resumed
// and its backlog replayed; otherwise a new session is created. The
// session id is returned either way.
func (g *Gateway) Connect(resumeID, userID string, sender Sender) (string, error) {
	if sender == nil {
		return "", &models.ValidationError{Field: "sender", Message: "is required"}
	}

	if resumeID != "" {
		g.mu.RLock()
		s := g.sessions[resumeID]
		g.mu.RUnlock()
		if s != nil && s.userID == userID {
			resumed, err := g.resume(s, sender)
			if resumed {
				return s.id, err
			}
		}
	}

	s := &session{
		id:     uuid.Must(uuid.NewV7()).String(),
		userID: userID,
		state:  StateConnecting,
		sender: sender,
		groups: make(map[string]time.Time),
	}
	if userID != "" && g.roles != nil {
		s.moderator = g.roles.IsModerator(userID)
	}
	g.notify(statusChange{s, StateConnecting})

	welcome := Message{
		Type:      MessageWelcome,
		Payload:   &WelcomePayload{SessionID: s.id},
		Timestamp: g.clock.Now(),
	}
	if err := sender.Send(welcome); err != nil {
		s.state = StateDisconnected
		g.notify(statusChange{s, StateDisconnected})
		return "", fmt.Errorf("failed to greet session: %w", models.ErrTransientTransport)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return "", fmt.Errorf("gateway closed: %w", models.ErrNotConnected)
	}
	s.state = StateConnected
	g.sessions[s.id] = s
	g.mu.Unlock()

	log.Debug().Str("session", s.id).Str("user", userID).Msg("realtime: session connected")
	g.notify(statusChange{s, StateConnected})
	return s.id, nil
}

// resume reattaches a session to a new sender. A session that still looks
// connected is taken over, since its user evidently lost the old transport
// before the gateway noticed. It returns false when the session has ended.
func (g *Gateway) resume(s *session, sender Sender) (bool, error) {
	s.mu.Lock()
	switch s.state {
	case StateReconnecting:
	case StateConnected:
		if s.sender != nil {
			s.sender.Close()
		}
		s.sender = nil
		s.state = StateReconnecting
	default:
		s.mu.Unlock()
		return false, nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.attempt = 0

	now := g.clock.Now()
	groups := s.groupIDs()
	err := sender.Send(Message{
		Type:      MessageWelcome,
		Payload:   &WelcomePayload{SessionID: s.id, Resumed: true, Groups: groups},
		Timestamp: now,
	})
	if err == nil {
		if s.overflow {
			err = sender.Send(Message{
				Type:      MessageResync,
				Payload:   &ResyncPayload{Groups: groups, LastSeq: s.lastSeq},
				Timestamp: now,
			})
		} else {
			for _, m := range s.backlog {
				if err = sender.Send(m); err != nil {
					break
				}
				s.markSent(m)
				metrics.RealtimeMessagesTotal.WithLabelValues(m.Type).Inc()
			}
		}
	}

	if err != nil {
		// the replay was cut short, so the next resume must resync
		s.backlog = nil
		s.overflow = true
		s.scheduleWindow(g)
		s.mu.Unlock()
		sender.Close()
		return true, fmt.Errorf("failed to replay backlog: %w", models.ErrTransientTransport)
	}

	replayed := len(s.backlog)
	s.backlog = nil
	s.overflow = false
	s.sender = sender
	s.state = StateConnected
	s.mu.Unlock()

	log.Debug().Str("session", s.id).Int("replayed", replayed).Msg("realtime: session resumed")
	g.notify(statusChange{s, StateConnected})
	return true, nil
}

// markSent must be called with s.mu held
func (s *session) markSent(m Message) {
	if m.Seq > s.lastSeq {
		s.lastSeq = m.Seq
	}
}

// Disconnect reports that sender's transport went away. A clean close ends
// the session; anything else holds it in Reconnecting until it is resumed
// or its backoff windows run out. Calls for a sender the session no longer
// uses are ignored.
func (g *Gateway) Disconnect(sessionID string, sender Sender, clean bool) {
	g.mu.RLock()
	s := g.sessions[sessionID]
	g.mu.RUnlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.sender != sender || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.sender = nil
	if clean {
		s.state = StateDisconnected
		s.gen++
		s.mu.Unlock()
		g.drop(s, StateDisconnected)
		return
	}
	s.beginReconnect(g)
	s.mu.Unlock()
	g.notify(statusChange{s, StateReconnecting})
}

// beginReconnect must be called with s.mu held
func (s *session) beginReconnect(g *Gateway) {
	s.state = StateReconnecting
	s.attempt = 0
	s.scheduleWindow(g)
	log.Debug().Str("session", s.id).Msg("realtime: session waiting for resume")
}

// scheduleWindow must be called with s.mu held
func (s *session) scheduleWindow(g *Gateway) {
	s.state = StateReconnecting
	s.sender = nil
	s.gen++
	gen := s.gen
	s.timer = g.clock.AfterFunc(g.cfg.Backoff.Delay(s.attempt), func() {
		g.windowElapsed(s, gen)
	})
}

func (g *Gateway) windowElapsed(s *session, gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.attempt++
	if !g.cfg.Backoff.Exhausted(s.attempt) {
		s.scheduleWindow(g)
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.timer = nil
	dropped := len(s.backlog)
	s.backlog = nil
	s.mu.Unlock()

	log.Info().
		Str("session", s.id).
		Int("attempts", s.attempt).
		Int("dropped", dropped).
		Msg("realtime: session failed to resume")
	g.drop(s, StateFailed)
}

// drop removes an ended session from its groups and the registry
func (g *Gateway) drop(s *session, final State) {
	s.mu.Lock()
	postIDs := s.groupIDs()
	s.groups = make(map[string]time.Time)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	g.mu.Lock()
	if g.sessions[s.id] == s {
		delete(g.sessions, s.id)
	}
	for _, postID := range postIDs {
		gr := g.groups[postID]
		if gr == nil {
			continue
		}
		gr.mu.Lock()
		delete(gr.members, s.id)
		empty := len(gr.members) == 0
		gr.mu.Unlock()
		if empty {
			delete(g.groups, postID)
		}
	}
	g.mu.Unlock()

	g.ended.Add(s.id, final)
	g.clearTypingForSession(s.id)
	g.notify(statusChange{s, final})
}

// Status returns a session's state. Sessions that ended recently still
// report their final state.
func (g *Gateway) Status(sessionID string) (State, error) {
	g.mu.RLock()
	s := g.sessions[sessionID]
	g.mu.RUnlock()
	if s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.state, nil
	}
	if st, ok := g.ended.Get(sessionID); ok {
		return st, nil
	}
	return "", fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
}

// Session returns a snapshot of a live session
func (g *Gateway) Session(sessionID string) (SessionInfo, error) {
	g.mu.RLock()
	s := g.sessions[sessionID]
	g.mu.RUnlock()
	if s == nil {
		return SessionInfo{}, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:      s.id,
		UserID:  s.userID,
		State:   s.state,
		Groups:  s.groupIDs(),
		Backlog: len(s.backlog),
	}, nil
}

// JoinGroup subscribes a connected session to a post's events. The Joined
// message is sent under the group lock before the session becomes a member,
// so no group event can overtake it.
func (g *Gateway) JoinGroup(sessionID, postID string) error {
	if postID == "" {
		return &models.ValidationError{Field: "post_id", Message: "is required"}
	}
	joined := Message{
		Type:      MessageJoined,
		PostID:    postID,
		Payload:   &JoinedPayload{Typers: g.ActiveTypers(postID)},
		Timestamp: g.clock.Now(),
	}

	g.mu.Lock()
	s := g.sessions[sessionID]
	if s == nil {
		g.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	gr := g.groups[postID]
	if gr == nil {
		gr = &group{members: make(map[string]*session)}
		g.groups[postID] = gr
	}
	gr.mu.Lock()
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		if len(gr.members) == 0 {
			delete(g.groups, postID)
		}
		gr.mu.Unlock()
		g.mu.Unlock()
		return fmt.Errorf("session %s is %s: %w", sessionID, state, models.ErrNotConnected)
	}
	if _, ok := s.groups[postID]; !ok {
		s.groups[postID] = g.clock.Now()
	}
	s.mu.Unlock()
	// gr stays registered: removing it needs gr.mu, which is held until the
	// member is in place
	g.mu.Unlock()

	reconnecting := g.deliverOne(s, joined)
	gr.members[s.id] = s
	gr.mu.Unlock()

	if reconnecting {
		g.notify(statusChange{s, StateReconnecting})
	}
	return nil
}

// LeaveGroup unsubscribes a session from a post. Leaving a group the
// session is not in is a no-op.
func (g *Gateway) LeaveGroup(sessionID, postID string) error {
	g.mu.Lock()
	s := g.sessions[sessionID]
	if s == nil {
		g.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	member := false
	if gr := g.groups[postID]; gr != nil {
		gr.mu.Lock()
		_, member = gr.members[s.id]
		delete(gr.members, s.id)
		if len(gr.members) == 0 {
			delete(g.groups, postID)
		}
		gr.mu.Unlock()
	}
	s.mu.Lock()
	delete(s.groups, postID)
	s.mu.Unlock()
	g.mu.Unlock()

	if member {
		g.deliver(s, Message{Type: MessageLeft, PostID: postID, Timestamp: g.clock.Now()})
	}
	return nil
}

// Dispatch fans one bus event out to the sessions allowed to see it. It is
// the gateway's bus handler and never returns an error.
func (g *Gateway) Dispatch(ctx context.Context, e events.Event) error {
	msg := messageFromEvent(e)

	if e.Visibility == events.VisibilityUser {
		if e.TargetUserID == "" {
			return nil
		}
		g.mu.RLock()
		var targets []*session
		for _, s := range g.sessions {
			if s.userID == e.TargetUserID {
				targets = append(targets, s)
			}
		}
		g.mu.RUnlock()
		for _, s := range targets {
			g.deliver(s, msg)
		}
		return nil
	}

	if e.PostID == "" {
		return nil
	}
	g.mu.RLock()
	gr := g.groups[e.PostID]
	g.mu.RUnlock()
	if gr == nil {
		return nil
	}

	var changes []statusChange
	gr.mu.Lock()
	for _, s := range gr.members {
		if !visibleTo(s, e) {
			continue
		}
		if g.deliverOne(s, msg) {
			changes = append(changes, statusChange{s, StateReconnecting})
		}
	}
	gr.mu.Unlock()

	g.notify(changes...)
	return nil
}

func visibleTo(s *session, e events.Event) bool {
	if isTypingEvent(e.Type) && e.ActorID != "" && e.ActorID == s.userID {
		return false
	}
	switch e.Visibility {
	case events.VisibilityPublic:
		return true
	case events.VisibilityModerators:
		return s.moderator || (s.userID != "" && s.userID == e.TargetUserID)
	case events.VisibilityUser:
		return s.userID != "" && s.userID == e.TargetUserID
	}
	return false
}

func isTypingEvent(t events.Type) bool {
	return t == events.UserStartedTyping || t == events.UserStoppedTyping
}

func (g *Gateway) deliver(s *session, msg Message) {
	if g.deliverOne(s, msg) {
		g.notify(statusChange{s, StateReconnecting})
	}
}

// deliverOne sends or buffers msg and reports whether the send failure
// moved the session into Reconnecting
func (g *Gateway) deliverOne(s *session, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnected:
		if err := s.sender.Send(msg); err != nil {
			log.Debug().Err(err).Str("session", s.id).Msg("realtime: send failed, holding session")
			old := s.sender
			s.beginReconnect(g)
			s.enqueue(msg, g.cfg.BacklogSize)
			old.Close()
			return true
		}
		s.markSent(msg)
		metrics.RealtimeMessagesTotal.WithLabelValues(msg.Type).Inc()
	case StateReconnecting:
		s.enqueue(msg, g.cfg.BacklogSize)
	}
	return false
}

// enqueue must be called with s.mu held
func (s *session) enqueue(msg Message, limit int) {
	if s.overflow {
		metrics.RealtimeDroppedTotal.Inc()
		return
	}
	if len(s.backlog) >= limit {
		metrics.RealtimeDroppedTotal.Add(float64(len(s.backlog) + 1))
		s.backlog = nil
		s.overflow = true
		return
	}
	s.backlog = append(s.backlog, msg)
}

func (g *Gateway) notify(changes ...statusChange) {
	if g.onStatus == nil {
		return
	}
	for _, c := range changes {
		g.onStatus(c.s.id, c.s.userID, c.state)
	}
}

// SessionsByState counts live sessions per state. Every state is present.
func (g *Gateway) SessionsByState() map[string]int {
	counts := make(map[string]int, len(AllStates()))
	for _, st := range AllStates() {
		counts[string(st)] = 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.sessions {
		s.mu.Lock()
		counts[string(s.state)]++
		s.mu.Unlock()
	}
	return counts
}

// GroupSize returns the number of sessions in a post's group
func (g *Gateway) GroupSize(postID string) int {
	g.mu.RLock()
	gr := g.groups[postID]
	g.mu.RUnlock()
	if gr == nil {
		return 0
	}
	gr.mu.Lock()
	defer gr.mu.Unlock()
	return len(gr.members)
}

// Close ends every session and cancels all timers
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	sessions := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.sessions = make(map[string]*session)
	g.groups = make(map[string]*group)
	g.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if s.sender != nil {
			s.sender.Close()
			s.sender = nil
		}
		s.state = StateDisconnected
		s.gen++
		s.mu.Unlock()
		g.ended.Add(s.id, StateDisconnected)
		g.notify(statusChange{s, StateDisconnected})
	}

	g.typingMu.Lock()
	for key, e := range g.typing {
		e.timer.Stop()
		delete(g.typing, key)
	}
	g.typingMu.Unlock()

	log.Info().Int("sessions", len(sessions)).Msg("realtime: gateway closed")
}
