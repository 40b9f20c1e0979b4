package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tangled.org/arabica.social/murmur/internal/events"
	"tangled.org/arabica.social/murmur/internal/metrics"
	"tangled.org/arabica.social/murmur/internal/models"
	"tangled.org/arabica.social/murmur/internal/tracing"
)

// TrustRecorder receives the outcome of every committed transition
type TrustRecorder interface {
	RecordOutcome(ctx context.Context, userID string, outcome models.Outcome) (float64, error)
}

// Authorizer checks moderator permissions
type Authorizer interface {
	HasPermission(userID string, permission Permission) bool
}

type edge struct {
	from, to models.CommentState
}

// automatedTransitions are the only moves the rule engine and automod may make
var automatedTransitions = map[edge]bool{
	{models.StatePending, models.StateApproved}: true,
	{models.StatePending, models.StateRejected}: true,
	{models.StatePending, models.StateSpam}:     true,
	{models.StateApproved, models.StateHidden}:  true,
}

// manualTransitions are the moves a moderator may make. Besides the
// approved/hidden toggle, a moderator may reject or spam a comment that is
// already public or hidden.
var manualTransitions = map[edge]bool{
	{models.StatePending, models.StateApproved}:  true,
	{models.StatePending, models.StateRejected}:  true,
	{models.StatePending, models.StateHidden}:    true,
	{models.StatePending, models.StateSpam}:      true,
	{models.StateApproved, models.StateHidden}:   true,
	{models.StateApproved, models.StateRejected}: true,
	{models.StateApproved, models.StateSpam}:     true,
	{models.StateHidden, models.StateApproved}:   true,
	{models.StateHidden, models.StateRejected}:   true,
	{models.StateHidden, models.StateSpam}:       true,
	{models.StateRejected, models.StateApproved}: true,
	{models.StateSpam, models.StateApproved}:     true,
}

// Allowed reports whether from -> to is a legal transition
func Allowed(from, to models.CommentState, manual bool) bool {
	if manual {
		return manualTransitions[edge{from, to}]
	}
	return automatedTransitions[edge{from, to}]
}

// EventTypeFor returns the bus event announcing from -> to
func EventTypeFor(from, to models.CommentState) events.Type {
	switch to {
	case models.StateApproved:
		if from == models.StatePending {
			return events.CommentApproved
		}
		return events.CommentRestored
	case models.StateRejected:
		return events.CommentRejected
	case models.StateHidden:
		return events.CommentHidden
	case models.StateSpam:
		return events.CommentMarkedAsSpam
	}
	return events.CommentPending
}

// Transition is a requested state change. A nil ModeratorID marks an
// automated request.
type Transition struct {
	CommentID   string
	Target      models.CommentState
	ModeratorID *string
	Reason      string
	Score       float64

	// ExpectedVersion pins the version the caller observed; zero uses the
	// currently stored version
	ExpectedVersion int64

	// Initial marks the first verdict of a newly created comment. The caller
	// announces the comment itself, so no transition event is published.
	Initial bool
}

// Manual returns true if a moderator requested the transition
func (t Transition) Manual() bool {
	return t.ModeratorID != nil
}

// Result describes a committed (or no-op) transition
type Result struct {
	Comment  *models.Comment
	Event    *models.ModerationEvent
	Previous models.CommentState
}

// Changed returns true if the transition was committed
func (r *Result) Changed() bool {
	return r.Event != nil
}

// StateMachine applies verdicts and moderator actions to comment lifecycles
type StateMachine struct {
	store Store
	trust TrustRecorder
	bus   events.Publisher
	roles Authorizer
	now   func() time.Time
}

// NewStateMachine wires the state machine. roles may be nil, in which case
// every manual request is permitted.
func NewStateMachine(store Store, trust TrustRecorder, bus events.Publisher, roles Authorizer) *StateMachine {
	return &StateMachine{store: store, trust: trust, bus: bus, roles: roles, now: time.Now}
}

// SetClock overrides the time source
func (m *StateMachine) SetClock(now func() time.Time) {
	m.now = now
}

// Apply commits a transition using compare-and-swap on the comment version.
// On a conflict the latest state is reloaded and the request retried once:
// an automated request loses to a manual action recorded in between
// (models.ErrSuperseded), a manual request is applied on top of whatever
// automated verdict won. A second conflict returns a *models.ConflictError.
func (m *StateMachine) Apply(ctx context.Context, t Transition) (res *Result, err error) {
	if !t.Target.Valid() || t.Target == models.StatePending {
		return nil, &models.ValidationError{Field: "target", Message: "invalid target state " + string(t.Target)}
	}

	ctx, span := tracing.TransitionSpan(ctx, t.CommentID, string(t.Target), t.Manual())
	defer func() {
		tracing.EndWithError(span, err)
		span.End()
	}()

	cur, err := m.store.LoadComment(ctx, t.CommentID)
	if err != nil {
		return nil, err
	}
	if t.Manual() {
		if err := m.authorize(*t.ModeratorID, cur.State, t.Target); err != nil {
			return nil, err
		}
	}
	if cur.State == t.Target {
		return &Result{Comment: cur, Previous: cur.State}, nil
	}
	if !Allowed(cur.State, t.Target, t.Manual()) {
		return nil, fmt.Errorf("%s -> %s: %w", cur.State, t.Target, models.ErrInvalidTransition)
	}

	expected := cur.Version
	if t.ExpectedVersion != 0 {
		expected = t.ExpectedVersion
	}

	res, err = m.commit(ctx, t, cur.State, expected)
	if err == nil {
		return m.finish(ctx, t, res), nil
	}
	if !errors.Is(err, models.ErrConflict) {
		return nil, err
	}

	res, err = m.resolveConflict(ctx, t)
	if err != nil {
		return nil, err
	}
	if !res.Changed() {
		return res, nil
	}
	return m.finish(ctx, t, res), nil
}

func (m *StateMachine) authorize(moderatorID string, from, to models.CommentState) error {
	if m.roles == nil {
		return nil
	}
	perm := PermissionFor(from, to)
	if !m.roles.HasPermission(moderatorID, perm) {
		return fmt.Errorf("%s lacks %s: %w", moderatorID, perm, models.ErrForbidden)
	}
	return nil
}

func (m *StateMachine) commit(ctx context.Context, t Transition, from models.CommentState, expected int64) (*Result, error) {
	ev := &models.ModerationEvent{
		ID:            uuid.Must(uuid.NewV7()).String(),
		CommentID:     t.CommentID,
		ModeratorID:   t.ModeratorID,
		PreviousState: from,
		NewState:      t.Target,
		Reason:        t.Reason,
		Score:         t.Score,
		Version:       expected + 1,
		Timestamp:     m.now().UTC(),
	}

	c, err := m.store.TransitionState(ctx, t.CommentID, expected, t.Target, t.Score, ev)
	if err != nil {
		return nil, err
	}
	return &Result{Comment: c, Event: ev, Previous: from}, nil
}

func (m *StateMachine) resolveConflict(ctx context.Context, t Transition) (*Result, error) {
	latest, err := m.store.LoadComment(ctx, t.CommentID)
	if err != nil {
		return nil, err
	}

	if !t.Manual() {
		history, err := m.store.ListModerationEvents(ctx, t.CommentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
		if n := len(history); n > 0 && !history[n-1].Automated() {
			metrics.TransitionConflictsTotal.WithLabelValues("superseded").Inc()
			log.Info().
				Str("comment", t.CommentID).
				Str("target", string(t.Target)).
				Msg("moderation: automated verdict discarded, manual action wins")
			return nil, fmt.Errorf("comment %s: %w", t.CommentID, models.ErrSuperseded)
		}
	}

	if latest.State == t.Target {
		metrics.TransitionConflictsTotal.WithLabelValues("converged").Inc()
		return &Result{Comment: latest, Previous: latest.State}, nil
	}
	if t.Manual() {
		if err := m.authorize(*t.ModeratorID, latest.State, t.Target); err != nil {
			return nil, err
		}
	}
	if !Allowed(latest.State, t.Target, t.Manual()) {
		metrics.TransitionConflictsTotal.WithLabelValues("stale").Inc()
		return nil, fmt.Errorf("%s -> %s: %w", latest.State, t.Target, models.ErrInvalidTransition)
	}

	// a manual action overrides whatever automated verdict won the race
	res, err := m.commit(ctx, t, latest.State, latest.Version)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			metrics.TransitionConflictsTotal.WithLabelValues("failed").Inc()
		}
		return nil, err
	}
	metrics.TransitionConflictsTotal.WithLabelValues("retried").Inc()
	return res, nil
}

// finish runs the post-commit side effects: trust feedback and the bus event
func (m *StateMachine) finish(ctx context.Context, t Transition, res *Result) *Result {
	kind := "automated"
	if t.Manual() {
		kind = "manual"
	}
	metrics.TransitionsTotal.WithLabelValues(string(res.Previous), string(t.Target), kind).Inc()

	log.Info().
		Str("comment", res.Comment.ID).
		Str("from", string(res.Previous)).
		Str("to", string(t.Target)).
		Str("kind", kind).
		Msg("moderation: transition committed")

	if outcome, ok := models.OutcomeForState(t.Target); ok && m.trust != nil {
		if _, err := m.trust.RecordOutcome(ctx, res.Comment.AuthorID, outcome); err != nil {
			log.Warn().Err(err).Str("user", res.Comment.AuthorID).Msg("moderation: failed to record trust outcome")
		}
	}

	if !t.Initial && m.bus != nil {
		m.bus.Publish(ctx, TransitionEvent(res, t.ModeratorID))
	}
	return res
}

// TransitionEvent builds the bus event for a committed transition. Comments
// leaving public view are announced publicly with their content redacted;
// state changes the public never saw go to moderators and the author.
func TransitionEvent(res *Result, actor *string) events.Event {
	c := res.Comment
	typ := EventTypeFor(res.Previous, c.State)

	visibility := events.VisibilityModerators
	payloadComment := c
	switch {
	case c.State.Visible():
		visibility = events.VisibilityPublic
	case res.Previous.Visible():
		visibility = events.VisibilityPublic
		payloadComment = redact(c)
	}

	e := events.Event{
		Type:         typ,
		PostID:       c.PostID,
		CommentID:    c.ID,
		TargetUserID: c.AuthorID,
		Visibility:   visibility,
		Payload: &events.TransitionPayload{
			Comment:       payloadComment,
			PreviousState: res.Previous,
			Event:         res.Event,
		},
	}
	if actor != nil {
		e.ActorID = *actor
	}
	return e
}

func redact(c *models.Comment) *models.Comment {
	cp := c.Clone()
	cp.Content = models.Content{}
	return cp
}

// RecordFlag appends a history entry for a verdict that leaves the comment
// pending
func (m *StateMachine) RecordFlag(ctx context.Context, c *models.Comment, reason string, score float64) error {
	ev := &models.ModerationEvent{
		ID:            uuid.Must(uuid.NewV7()).String(),
		CommentID:     c.ID,
		PreviousState: c.State,
		NewState:      c.State,
		Reason:        reason,
		Score:         score,
		Version:       c.Version,
		Timestamp:     m.now().UTC(),
	}
	if err := m.store.AppendModerationEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to record flag: %w", err)
	}
	return nil
}

// History returns a comment's moderation history, oldest first
func (m *StateMachine) History(ctx context.Context, commentID string) ([]*models.ModerationEvent, error) {
	if _, err := m.store.LoadComment(ctx, commentID); err != nil {
		return nil, err
	}
	return m.store.ListModerationEvents(ctx, commentID)
}

// Queue returns pending comments awaiting review, oldest first
func (m *StateMachine) Queue(ctx context.Context, limit int) ([]*models.Comment, error) {
	return m.store.ListByState(ctx, models.StatePending, limit)
}
