// Package discussion orchestrates the comment pipeline: tree placement,
// automated moderation, manual moderation and the events every mutation
// produces. It is the only caller of the component services that the
// transport layer talks to.
package discussion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"tangled.org/arabica.social/murmur/internal/events"
	"tangled.org/arabica.social/murmur/internal/metrics"
	"tangled.org/arabica.social/murmur/internal/models"
	"tangled.org/arabica.social/murmur/internal/moderation"
	"tangled.org/arabica.social/murmur/internal/rules"
	"tangled.org/arabica.social/murmur/internal/thread"
	"tangled.org/arabica.social/murmur/internal/trust"
)

// HiddenPlaceholder replaces the content of comments a viewer may not read
// but whose replies are still shown
const HiddenPlaceholder = "[hidden]"

// Evaluator scores a new comment
type Evaluator interface {
	Evaluate(ctx context.Context, subject rules.Subject, author rules.AuthorContext) models.Verdict
}

// Roles answers moderator permission questions
type Roles interface {
	IsModerator(userID string) bool
	Authorize(userID string, permission moderation.Permission) error
}

// Config tunes the discussion service
type Config struct {
	// ReportThreshold is the number of reports on an approved comment
	// before it is hidden automatically. Zero disables automod.
	ReportThreshold int `mapstructure:"report_threshold"`
	// BroadcastStats publishes CommentStats after every mutation
	BroadcastStats bool `mapstructure:"broadcast_stats"`
}

// DefaultConfig returns the default settings
func DefaultConfig() Config {
	return Config{ReportThreshold: 3, BroadcastStats: true}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.ReportThreshold < 0 {
		return &models.ConfigError{Field: "discussion.report_threshold", Message: "must not be negative"}
	}
	return nil
}

// Service is the client-facing comment API
type Service struct {
	cfg     Config
	threads *thread.Service
	trust   *trust.Scorer
	rules   Evaluator
	machine *moderation.StateMachine
	roles   Roles
	bus     events.Publisher
	now     func() time.Time
}

// NewService wires the pipeline. roles may be nil, in which case nobody is a
// moderator.
func NewService(cfg Config, threads *thread.Service, scorer *trust.Scorer, evaluator Evaluator, machine *moderation.StateMachine, roles Roles, bus events.Publisher) *Service {
	return &Service{
		cfg:     cfg,
		threads: threads,
		trust:   scorer,
		rules:   evaluator,
		machine: machine,
		roles:   roles,
		bus:     bus,
		now:     time.Now,
	}
}

// SetClock overrides the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// CreateResult is a created comment and the verdict it received. Verdict is
// nil when the pipeline failed and the comment was left pending.
type CreateResult struct {
	Comment *models.Comment `json:"comment"`
	Verdict *models.Verdict `json:"verdict,omitempty"`
}

// Create stores a new comment, moderates it and announces it. Errors from
// the thread store are returned; any later failure leaves the comment
// pending for manual review.
func (s *Service) Create(ctx context.Context, in models.NewComment) (*CreateResult, error) {
	c, err := s.threads.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	metrics.CommentsTotal.WithLabelValues("create").Inc()

	res := &CreateResult{Comment: c}
	if moderated, verdict, err := s.moderateNew(ctx, c); err != nil {
		log.Warn().Err(err).Str("comment", c.ID).Msg("discussion: moderation pipeline failed, comment left pending")
	} else {
		res.Comment = moderated
		res.Verdict = verdict
	}

	s.announceNew(ctx, res.Comment)
	s.broadcastStats(ctx, c.PostID)

	log.Info().
		Str("comment", c.ID).
		Str("post", c.PostID).
		Str("author", c.AuthorID).
		Int("depth", c.Depth).
		Str("state", string(res.Comment.State)).
		Msg("discussion: comment created")
	return res, nil
}

// moderateNew runs the automated verdict for a freshly stored comment
func (s *Service) moderateNew(ctx context.Context, c *models.Comment) (*models.Comment, *models.Verdict, error) {
	if err := s.trust.Touch(ctx, c.AuthorID); err != nil {
		metrics.PipelineFailuresTotal.WithLabelValues("trust").Inc()
		return nil, nil, fmt.Errorf("touch trust: %w", err)
	}
	snap, err := s.trust.Snapshot(ctx, c.AuthorID)
	if err != nil {
		metrics.PipelineFailuresTotal.WithLabelValues("trust").Inc()
		return nil, nil, fmt.Errorf("load trust: %w", err)
	}

	author := rules.AuthorContext{TrustScore: snap.Score, Counts: snap.Counts}
	if !snap.FirstSeen.IsZero() {
		author.AccountAge = s.now().Sub(snap.FirstSeen)
	}
	verdict := s.rules.Evaluate(ctx, rules.Subject{
		CommentID: c.ID,
		PostID:    c.PostID,
		AuthorID:  c.AuthorID,
		Content:   c.Content.Raw,
		IP:        c.IP,
		UserAgent: c.UserAgent,
	}, author)

	reason := verdictReason(verdict)
	target := verdict.Action.TargetState()
	if target == models.StatePending {
		if err := s.machine.RecordFlag(ctx, c, reason, verdict.Score); err != nil {
			metrics.PipelineFailuresTotal.WithLabelValues("history").Inc()
			log.Warn().Err(err).Str("comment", c.ID).Msg("discussion: failed to record flag")
		}
		return c, &verdict, nil
	}

	// pin the version the rules saw so a concurrent change forces the
	// conflict path, where a moderator's action wins
	res, err := s.machine.Apply(ctx, moderation.Transition{
		CommentID:       c.ID,
		Target:          target,
		Reason:          reason,
		Score:           verdict.Score,
		ExpectedVersion: c.Version,
		Initial:         true,
	})
	if errors.Is(err, models.ErrSuperseded) || errors.Is(err, models.ErrInvalidTransition) {
		log.Info().Err(err).Str("comment", c.ID).Msg("discussion: automated verdict dropped, comment changed during evaluation")
		latest, lerr := s.threads.Get(ctx, c.ID)
		if lerr != nil {
			return nil, nil, fmt.Errorf("reload comment: %w", lerr)
		}
		return latest, &verdict, nil
	}
	if err != nil {
		metrics.PipelineFailuresTotal.WithLabelValues("transition").Inc()
		return nil, nil, fmt.Errorf("apply verdict: %w", err)
	}
	return res.Comment, &verdict, nil
}

func verdictReason(v models.Verdict) string {
	if len(v.MatchedRules) > 0 {
		return fmt.Sprintf("auto %s by rule %s", v.Action, strings.Join(v.MatchedRules, ","))
	}
	return fmt.Sprintf("auto %s by %s", v.Action, v.Source)
}

// announceNew publishes the event for a comment's first state
func (s *Service) announceNew(ctx context.Context, c *models.Comment) {
	e := events.Event{
		PostID:       c.PostID,
		CommentID:    c.ID,
		ActorID:      c.AuthorID,
		TargetUserID: c.AuthorID,
		Payload:      c,
	}
	switch c.State {
	case models.StateApproved:
		e.Type = events.CommentCreated
		e.Visibility = events.VisibilityPublic
	case models.StatePending:
		e.Type = events.CommentPending
		e.Visibility = events.VisibilityModerators
	default:
		// rejected or spam on arrival: tell moderators and the author
		e = moderation.TransitionEvent(&moderation.Result{Comment: c, Previous: models.StatePending}, nil)
	}
	s.publish(ctx, e)
}

// Get returns a single comment as seen by viewer
func (s *Service) Get(ctx context.Context, id, viewer string) (*models.Comment, error) {
	c, err := s.threads.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canRead(c, viewer) {
		return nil, fmt.Errorf("comment %s: %w", id, models.ErrNotFound)
	}
	return c, nil
}

// GetThread returns the post's comments in thread order, filtered for viewer
func (s *Service) GetThread(ctx context.Context, postID string, maxDepth int, viewer string) ([]*models.Comment, error) {
	all, err := s.threads.GetThread(ctx, postID, maxDepth)
	if err != nil {
		return nil, err
	}
	return s.filter(all, viewer), nil
}

// GetSubtree returns a comment's replies, filtered for viewer
func (s *Service) GetSubtree(ctx context.Context, id string, maxDepth int, viewer string) ([]*models.Comment, error) {
	if _, err := s.Get(ctx, id, viewer); err != nil {
		return nil, err
	}
	all, err := s.threads.GetSubtree(ctx, id, maxDepth)
	if err != nil {
		return nil, err
	}
	return s.filter(all, viewer), nil
}

func (s *Service) isModerator(userID string) bool {
	return userID != "" && s.roles != nil && s.roles.IsModerator(userID)
}

func (s *Service) canRead(c *models.Comment, viewer string) bool {
	return c.State.Visible() || (viewer != "" && viewer == c.AuthorID) || s.isModerator(viewer)
}

// filter drops comments viewer may not read. Unreadable comments with
// replies stay in place with their content redacted so the tree keeps its
// shape.
func (s *Service) filter(all []*models.Comment, viewer string) []*models.Comment {
	if s.isModerator(viewer) {
		return all
	}
	out := make([]*models.Comment, 0, len(all))
	for _, c := range all {
		if s.canRead(c, viewer) {
			out = append(out, c)
			continue
		}
		if c.ReplyCount > 0 {
			cp := c.Clone()
			cp.Content = models.Content{Raw: HiddenPlaceholder, Rendered: HiddenPlaceholder}
			out = append(out, cp)
		}
	}
	return out
}

// Update replaces a comment's content. Only the author may edit.
func (s *Service) Update(ctx context.Context, id, editorID, raw string) (*models.Comment, error) {
	c, err := s.threads.Edit(ctx, id, editorID, raw)
	if err != nil {
		return nil, err
	}
	metrics.CommentsTotal.WithLabelValues("update").Inc()

	s.publish(ctx, events.Event{
		Type:         events.CommentUpdated,
		PostID:       c.PostID,
		CommentID:    c.ID,
		ActorID:      editorID,
		TargetUserID: c.AuthorID,
		Visibility:   stateVisibility(c),
		Payload:      c,
	})
	s.broadcastStats(ctx, c.PostID)
	return c, nil
}

// Delete tombstones a comment. The author or a moderator holding
// delete_comment may delete. Deleting twice is a no-op.
func (s *Service) Delete(ctx context.Context, id, userID string) (*models.Comment, error) {
	cur, err := s.threads.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.AuthorID != userID {
		if s.roles == nil {
			return nil, fmt.Errorf("only the author may delete: %w", models.ErrForbidden)
		}
		if err := s.roles.Authorize(userID, moderation.PermissionDeleteComment); err != nil {
			return nil, err
		}
	}

	c, changed, err := s.threads.SoftDelete(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed {
		return c, nil
	}
	metrics.CommentsTotal.WithLabelValues("delete").Inc()

	s.publish(ctx, events.Event{
		Type:         events.CommentDeleted,
		PostID:       c.PostID,
		CommentID:    c.ID,
		ActorID:      userID,
		TargetUserID: c.AuthorID,
		Visibility:   stateVisibility(c),
		Payload:      c,
	})
	s.broadcastStats(ctx, c.PostID)
	return c, nil
}

// Like records userID's like. Only public comments can be liked.
func (s *Service) Like(ctx context.Context, id, userID string) (int64, error) {
	return s.like(ctx, id, userID, true)
}

// Unlike removes userID's like
func (s *Service) Unlike(ctx context.Context, id, userID string) (int64, error) {
	return s.like(ctx, id, userID, false)
}

func (s *Service) like(ctx context.Context, id, userID string, add bool) (int64, error) {
	if userID == "" {
		return 0, &models.ValidationError{Field: "user_id", Message: "is required"}
	}
	c, err := s.threads.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if !c.State.Visible() {
		return 0, &models.ValidationError{Field: "comment", Message: "is not public"}
	}

	var (
		changed bool
		count   int64
		typ     = events.CommentLiked
		op      = "like"
	)
	if add {
		changed, count, err = s.threads.Like(ctx, id, userID)
	} else {
		typ, op = events.CommentUnliked, "unlike"
		changed, count, err = s.threads.Unlike(ctx, id, userID)
	}
	if err != nil {
		return 0, err
	}
	if !changed {
		return count, nil
	}
	metrics.LikesTotal.WithLabelValues(op).Inc()

	s.publish(ctx, events.Event{
		Type:       typ,
		PostID:     c.PostID,
		CommentID:  c.ID,
		ActorID:    userID,
		Visibility: events.VisibilityPublic,
		Payload:    &events.LikePayload{UserID: userID, LikeCount: count},
	})
	s.broadcastStats(ctx, c.PostID)
	return count, nil
}

// ReportResult reports the outcome of a user report
type ReportResult struct {
	Recorded    bool  `json:"recorded"`
	ReportCount int64 `json:"report_count"`
	AutoHidden  bool  `json:"auto_hidden"`
}

// Report records a report against a comment. Each user reports a comment
// at most once. Reaching the report threshold hides an approved comment.
func (s *Service) Report(ctx context.Context, id, reporterID, reason string) (*ReportResult, error) {
	if reporterID == "" {
		return nil, &models.ValidationError{Field: "reporter_id", Message: "is required"}
	}
	c, err := s.Get(ctx, id, reporterID)
	if err != nil {
		return nil, err
	}
	if c.AuthorID == reporterID {
		return nil, &models.ValidationError{Field: "comment", Message: "cannot report your own comment"}
	}

	report := &models.Report{CommentID: id, ReporterID: reporterID, Reason: strings.TrimSpace(reason), CreatedAt: s.now().UTC()}
	added, count, err := s.threads.Report(ctx, report)
	if err != nil {
		return nil, err
	}
	res := &ReportResult{Recorded: added, ReportCount: count}
	if !added {
		return res, nil
	}
	metrics.ReportsTotal.Inc()
	c.ReportCount = count

	log.Info().
		Str("comment", id).
		Str("reporter", reporterID).
		Str("reason", report.Reason).
		Int64("reports", count).
		Msg("discussion: report created")

	s.publish(ctx, events.Event{
		Type:       events.CommentReported,
		PostID:     c.PostID,
		CommentID:  c.ID,
		ActorID:    reporterID,
		Visibility: events.VisibilityModerators,
		Payload:    &events.ReportPayload{Comment: c, Report: report},
	})

	res.AutoHidden = s.checkAutomod(ctx, c, count)
	s.broadcastStats(ctx, c.PostID)
	return res, nil
}

// checkAutomod hides an approved comment once it collects enough reports.
// Comments whose latest transition was manual are left alone.
func (s *Service) checkAutomod(ctx context.Context, c *models.Comment, count int64) bool {
	if s.cfg.ReportThreshold <= 0 || count < int64(s.cfg.ReportThreshold) || c.State != models.StateApproved {
		return false
	}
	history, err := s.machine.History(ctx, c.ID)
	if err != nil {
		log.Error().Err(err).Str("comment", c.ID).Msg("discussion: automod could not load history")
		return false
	}
	if n := len(history); n > 0 && !history[n-1].Automated() {
		log.Info().
			Str("comment", c.ID).
			Str("moderator", *history[n-1].ModeratorID).
			Int64("reports", count).
			Msg("discussion: automod skipped, moderator decision stands")
		return false
	}
	reason := fmt.Sprintf("Auto-hidden: %d reports on this comment", count)
	res, err := s.machine.Apply(ctx, moderation.Transition{
		CommentID: c.ID,
		Target:    models.StateHidden,
		Reason:    reason,
		Score:     1,
	})
	if err != nil {
		if errors.Is(err, models.ErrSuperseded) || errors.Is(err, models.ErrInvalidTransition) {
			log.Info().Err(err).Str("comment", c.ID).Msg("discussion: automod skipped")
		} else {
			log.Error().Err(err).Str("comment", c.ID).Msg("discussion: automod failed to hide comment")
		}
		return false
	}
	if res.Changed() {
		log.Warn().
			Str("comment", c.ID).
			Str("author", c.AuthorID).
			Int64("reports", count).
			Msg("discussion: automod triggered, comment hidden")
	}
	return res.Changed()
}

// Action is a moderator request
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionHide    Action = "hide"
	ActionRestore Action = "restore"
	ActionSpam    Action = "spam"
)

// TargetState maps a moderator action to the state it requests
func (a Action) TargetState() (models.CommentState, bool) {
	switch a {
	case ActionApprove, ActionRestore:
		return models.StateApproved, true
	case ActionReject:
		return models.StateRejected, true
	case ActionHide:
		return models.StateHidden, true
	case ActionSpam:
		return models.StateSpam, true
	}
	return "", false
}

// ModerateRequest is a manual moderation action
type ModerateRequest struct {
	CommentID       string
	ModeratorID     string
	Action          Action
	Reason          string
	ExpectedVersion int64
}

// Moderate applies a moderator's action. Manual actions win over automated
// verdicts that race with them.
func (s *Service) Moderate(ctx context.Context, req ModerateRequest) (*moderation.Result, error) {
	if req.ModeratorID == "" {
		return nil, fmt.Errorf("moderation requires a moderator: %w", models.ErrForbidden)
	}
	target, ok := req.Action.TargetState()
	if !ok {
		return nil, &models.ValidationError{Field: "action", Message: "unknown action " + string(req.Action)}
	}
	if len([]rune(req.Reason)) > models.MaxReasonLength {
		return nil, &models.ValidationError{Field: "reason", Message: fmt.Sprintf("exceeds %d characters", models.MaxReasonLength)}
	}

	moderator := req.ModeratorID
	res, err := s.machine.Apply(ctx, moderation.Transition{
		CommentID:       req.CommentID,
		Target:          target,
		ModeratorID:     &moderator,
		Reason:          req.Reason,
		Score:           1,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return nil, err
	}
	if res.Changed() {
		metrics.CommentsTotal.WithLabelValues("moderate").Inc()
		s.broadcastStats(ctx, res.Comment.PostID)
	}
	return res, nil
}

// History returns a comment's moderation history
func (s *Service) History(ctx context.Context, id, userID string) ([]*models.ModerationEvent, error) {
	if err := s.authorize(userID, moderation.PermissionViewHistory); err != nil {
		return nil, err
	}
	return s.machine.History(ctx, id)
}

// Queue returns pending comments awaiting review
func (s *Service) Queue(ctx context.Context, userID string, limit int) ([]*models.Comment, error) {
	if err := s.authorize(userID, moderation.PermissionViewQueue); err != nil {
		return nil, err
	}
	return s.machine.Queue(ctx, limit)
}

func (s *Service) authorize(userID string, perm moderation.Permission) error {
	if s.roles == nil {
		return fmt.Errorf("%s lacks %s: %w", userID, perm, models.ErrForbidden)
	}
	return s.roles.Authorize(userID, perm)
}

// Stats returns the post's comment counts
func (s *Service) Stats(ctx context.Context, postID string) (*models.CommentStats, error) {
	if strings.TrimSpace(postID) == "" {
		return nil, &models.ValidationError{Field: "post_id", Message: "is required"}
	}
	return s.threads.Stats(ctx, postID)
}

func (s *Service) broadcastStats(ctx context.Context, postID string) {
	if !s.cfg.BroadcastStats {
		return
	}
	stats, err := s.threads.Stats(ctx, postID)
	if err != nil {
		log.Warn().Err(err).Str("post", postID).Msg("discussion: failed to compute stats")
		return
	}
	s.publish(ctx, events.Event{
		Type:       events.CommentStats,
		PostID:     postID,
		Visibility: events.VisibilityPublic,
		Payload:    stats,
	})
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, e)
}

// stateVisibility is the audience for events about c in its current state
func stateVisibility(c *models.Comment) events.Visibility {
	if c.State.Visible() {
		return events.VisibilityPublic
	}
	return events.VisibilityModerators
}
