package realtime

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"tangled.org/arabica.social/murmur/internal/events"
	"tangled.org/arabica.social/murmur/internal/models"
)

// TypingIndicator shows that a user is composing a comment on a post
type TypingIndicator struct {
	UserID    string    `json:"user_id"`
	PostID    string    `json:"post_id"`
	ParentID  *string   `json:"parent_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type typingKey struct {
	postID string
	userID string
}

type typingEntry struct {
	TypingIndicator
	sessionID string
	timer     Timer
}

// StartTyping marks userID as typing on postID until now + TypingTTL.
// Repeated calls extend the expiry.
func (g *Gateway) StartTyping(ctx context.Context, postID, userID string, parentID *string) error {
	return g.startTyping(ctx, "", postID, userID, parentID)
}

// StartTypingFor starts typing on behalf of a connected session. The
// indicator is cleared if the session ends.
func (g *Gateway) StartTypingFor(ctx context.Context, sessionID, postID string, parentID *string) error {
	s, err := g.connectedSession(sessionID)
	if err != nil {
		return err
	}
	if s.userID == "" {
		return fmt.Errorf("anonymous sessions cannot type: %w", models.ErrForbidden)
	}
	return g.startTyping(ctx, sessionID, postID, s.userID, parentID)
}

// StopTypingFor clears the indicator of a session's user
func (g *Gateway) StopTypingFor(ctx context.Context, sessionID, postID string) error {
	s, err := g.connectedSession(sessionID)
	if err != nil {
		return err
	}
	return g.StopTyping(ctx, postID, s.userID)
}

func (g *Gateway) connectedSession(sessionID string) (*session, error) {
	g.mu.RLock()
	s := g.sessions[sessionID]
	g.mu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateConnected {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, state, models.ErrNotConnected)
	}
	return s, nil
}

func (g *Gateway) startTyping(ctx context.Context, sessionID, postID, userID string, parentID *string) error {
	if postID == "" {
		return &models.ValidationError{Field: "post_id", Message: "is required"}
	}
	if userID == "" {
		return &models.ValidationError{Field: "user_id", Message: "is required"}
	}

	expires := g.clock.Now().Add(g.cfg.TypingTTL)
	key := typingKey{postID: postID, userID: userID}

	g.typingMu.Lock()
	e, exists := g.typing[key]
	announce := !exists
	if exists {
		e.timer.Stop()
		announce = !sameParent(e.ParentID, parentID)
	} else {
		e = &typingEntry{}
		g.typing[key] = e
	}
	e.TypingIndicator = TypingIndicator{
		UserID:    userID,
		PostID:    postID,
		ParentID:  parentID,
		ExpiresAt: expires,
	}
	if sessionID != "" {
		e.sessionID = sessionID
	}
	entry := e
	e.timer = g.clock.AfterFunc(g.cfg.TypingTTL, func() {
		g.expireTyping(key, entry)
	})
	indicator := e.TypingIndicator
	g.typingMu.Unlock()

	if announce {
		g.emit(ctx, typingEvent(events.UserStartedTyping, indicator))
	}
	return nil
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// StopTyping clears an indicator and announces it. Stopping an indicator
// that does not exist is a no-op.
func (g *Gateway) StopTyping(ctx context.Context, postID, userID string) error {
	key := typingKey{postID: postID, userID: userID}

	g.typingMu.Lock()
	e, ok := g.typing[key]
	if ok {
		e.timer.Stop()
		delete(g.typing, key)
	}
	g.typingMu.Unlock()

	if ok {
		g.emit(ctx, typingEvent(events.UserStoppedTyping, e.TypingIndicator))
	}
	return nil
}

func (g *Gateway) expireTyping(key typingKey, entry *typingEntry) {
	g.typingMu.Lock()
	cur, ok := g.typing[key]
	if !ok || cur != entry || g.clock.Now().Before(cur.ExpiresAt) {
		g.typingMu.Unlock()
		return
	}
	delete(g.typing, key)
	g.typingMu.Unlock()

	log.Debug().Str("post", key.postID).Str("user", key.userID).Msg("realtime: typing indicator expired")
	g.emit(context.Background(), typingEvent(events.UserStoppedTyping, entry.TypingIndicator))
}

func (g *Gateway) clearTypingForSession(sessionID string) {
	var cleared []TypingIndicator
	g.typingMu.Lock()
	for key, e := range g.typing {
		if e.sessionID != sessionID {
			continue
		}
		e.timer.Stop()
		delete(g.typing, key)
		cleared = append(cleared, e.TypingIndicator)
	}
	g.typingMu.Unlock()

	for _, ind := range cleared {
		g.emit(context.Background(), typingEvent(events.UserStoppedTyping, ind))
	}
}

// ActiveTypers returns the unexpired indicators for a post ordered by user
func (g *Gateway) ActiveTypers(postID string) []TypingIndicator {
	now := g.clock.Now()
	typers := []TypingIndicator{}

	g.typingMu.Lock()
	for key, e := range g.typing {
		if key.postID == postID && now.Before(e.ExpiresAt) {
			typers = append(typers, e.TypingIndicator)
		}
	}
	g.typingMu.Unlock()

	sort.Slice(typers, func(i, j int) bool { return typers[i].UserID < typers[j].UserID })
	return typers
}

// TypingCount returns the number of live indicators
func (g *Gateway) TypingCount() int {
	g.typingMu.Lock()
	defer g.typingMu.Unlock()
	return len(g.typing)
}

func typingEvent(t events.Type, ind TypingIndicator) events.Event {
	payload := &events.TypingPayload{UserID: ind.UserID, ParentID: ind.ParentID}
	if t == events.UserStartedTyping {
		payload.ExpiresAt = ind.ExpiresAt
	}
	return events.Event{
		Type:       t,
		PostID:     ind.PostID,
		ActorID:    ind.UserID,
		Visibility: events.VisibilityPublic,
		Payload:    payload,
	}
}

func (g *Gateway) emit(ctx context.Context, e events.Event) {
	if g.bus != nil {
		g.bus.Publish(ctx, e)
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = g.clock.Now()
	}
	g.Dispatch(ctx, e)
}
