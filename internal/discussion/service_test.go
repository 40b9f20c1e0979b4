package discussion_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.org/arabica.social/murmur/internal/database/boltstore"
	"tangled.org/arabica.social/murmur/internal/discussion"
	"tangled.org/arabica.social/murmur/internal/events"
	"tangled.org/arabica.social/murmur/internal/metrics"
	"tangled.org/arabica.social/murmur/internal/models"
	"tangled.org/arabica.social/murmur/internal/moderation"
	"tangled.org/arabica.social/murmur/internal/notify"
	"tangled.org/arabica.social/murmur/internal/rules"
	"tangled.org/arabica.social/murmur/internal/thread"
	"tangled.org/arabica.social/murmur/internal/trust"
)

const rolesConfig = `{
	"roles": {
		"admin": {"permissions": ["approve_comment", "reject_comment", "hide_comment", "restore_comment", "mark_spam", "delete_comment", "view_queue", "view_history", "manage_rules"]},
		"moderator": {"permissions": ["approve_comment", "reject_comment", "hide_comment", "view_queue"]}
	},
	"users": [
		{"id": "admin", "role": "admin"},
		{"id": "mod", "role": "moderator"}
	]
}`

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// flakyStore fails trust updates on demand
type flakyStore struct {
	*boltstore.Store
	failTrust bool
}

func (s *flakyStore) UpdateTrustScore(ctx context.Context, userID string, fn func(cur *models.TrustRecord) (*models.TrustRecord, error)) (*models.TrustRecord, error) {
	if s.failTrust {
		return nil, models.ErrTransientTransport
	}
	return s.Store.UpdateTrustScore(ctx, userID, fn)
}

// hookEvaluator runs before ahead of the wrapped rule engine, standing in
// for work that lands while a verdict is being computed
type hookEvaluator struct {
	next   discussion.Evaluator
	before func(ctx context.Context, subject rules.Subject)
}

func (h *hookEvaluator) Evaluate(ctx context.Context, subject rules.Subject, author rules.AuthorContext) models.Verdict {
	if h.before != nil {
		h.before(ctx, subject)
	}
	return h.next.Evaluate(ctx, subject, author)
}

type fixture struct {
	svc    *discussion.Service
	store  *flakyStore
	bus    *events.Bus
	rules  *rules.Engine
	hook   *hookEvaluator
	mu     sync.Mutex
	events []events.Event
}

func (f *fixture) published(types ...events.Type) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, e := range f.events {
		for _, t := range types {
			if e.Type == t {
				out = append(out, e)
			}
		}
	}
	return out
}

func (f *fixture) reset() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}

func stepClock() func() time.Time {
	t := now
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newFixture(t *testing.T, ruleSet ...*models.ModerationRule) *fixture {
	t.Helper()
	bolt, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "murmur.db")})
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	rolesPath := filepath.Join(t.TempDir(), "moderators.json")
	require.NoError(t, os.WriteFile(rolesPath, []byte(rolesConfig), 0644))
	roles, err := moderation.NewService(rolesPath)
	require.NoError(t, err)

	f := &fixture{store: &flakyStore{Store: bolt}, bus: events.NewBus()}
	f.bus.SubscribeAll("recorder", func(_ context.Context, e events.Event) error {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
		return nil
	})

	clock := func() time.Time { return now }
	threads := thread.NewService(f.store, thread.DefaultConfig(), thread.WithClock(stepClock()))
	scorer := trust.NewScorer(f.store, trust.DefaultConfig())
	scorer.SetClock(clock)
	f.rules = rules.NewEngine(rules.DefaultConfig(), nil)
	_, errs := f.rules.Load(ruleSet)
	require.Empty(t, errs)
	machine := moderation.NewStateMachine(f.store, scorer, f.bus, roles)
	machine.SetClock(clock)

	f.hook = &hookEvaluator{next: f.rules}
	f.svc = discussion.NewService(discussion.DefaultConfig(), threads, scorer, f.hook, machine, roles, f.bus)
	f.svc.SetClock(clock)
	return f
}

func (f *fixture) setTrust(t *testing.T, userID string, score float64) {
	t.Helper()
	_, err := f.store.Store.UpdateTrustScore(context.Background(), userID, func(*models.TrustRecord) (*models.TrustRecord, error) {
		return &models.TrustRecord{UserID: userID, Score: score, UpdatedAt: now, FirstSeen: now.Add(-90 * 24 * time.Hour)}, nil
	})
	require.NoError(t, err)
}

func (f *fixture) create(t *testing.T, author, body string, parent *models.Comment) *models.Comment {
	t.Helper()
	in := models.NewComment{PostID: "post1", AuthorID: author, Content: body}
	if parent != nil {
		id := parent.ID
		in.ParentID = &id
	}
	res, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	return res.Comment
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func rule(id string, priority int, action models.Action, cond models.Condition) *models.ModerationRule {
	return &models.ModerationRule{ID: id, Name: id, Priority: priority, Enabled: true, Action: action, Conditions: []models.Condition{cond}}
}

func TestCreate_HighTrustIsApproved(t *testing.T) {
	f := newFixture(t)
	f.setTrust(t, "alice", 0.9)

	res, err := f.svc.Create(context.Background(), models.NewComment{PostID: "post1", AuthorID: "alice", Content: "Great post"})
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, res.Comment.State)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, models.ActionApprove, res.Verdict.Action)
	assert.Equal(t, models.SourceTrust, res.Verdict.Source)

	created := f.published(events.CommentCreated)
	require.Len(t, created, 1)
	assert.Equal(t, events.VisibilityPublic, created[0].Visibility)
	assert.Equal(t, res.Comment.ID, created[0].Comment().ID)
	assert.Empty(t, f.published(events.CommentApproved, events.CommentPending))

	stats := f.published(events.CommentStats)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Payload.(*models.CommentStats).ByState[models.StateApproved])
}

func TestCreate_NeutralAuthorIsPending(t *testing.T) {
	f := newFixture(t)

	c := f.create(t, "bob", "hello", nil)
	assert.Equal(t, models.StatePending, c.State)

	pending := f.published(events.CommentPending)
	require.Len(t, pending, 1)
	assert.Equal(t, events.VisibilityModerators, pending[0].Visibility)
	assert.Equal(t, "bob", pending[0].TargetUserID)

	history, err := f.svc.History(context.Background(), c.ID, "admin")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatePending, history[0].NewState)
	assert.Contains(t, history[0].Reason, "flag")

	queue, err := f.svc.Queue(context.Background(), "mod", 10)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, c.ID, queue[0].ID)
}

func TestCreate_LinkRuleOutranksTrustRule(t *testing.T) {
	f := newFixture(t,
		rule("links", 100, models.ActionReject, models.Condition{Attribute: models.AttrLinkCount, Operator: models.OpGT, Value: "3"}),
		rule("low-trust", 50, models.ActionFlag, models.Condition{Attribute: models.AttrTrustScore, Operator: models.OpLT, Value: "0.3"}),
	)
	f.setTrust(t, "spammer", 0.1)

	body := strings.Repeat("https://spam.example/x ", 4)
	res, err := f.svc.Create(context.Background(), models.NewComment{PostID: "post1", AuthorID: "spammer", Content: body})
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, res.Comment.State)
	assert.Equal(t, []string{"links"}, res.Verdict.MatchedRules)

	rejected := f.published(events.CommentRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, events.VisibilityModerators, rejected[0].Visibility)
	assert.Empty(t, f.published(events.CommentCreated))
}

func TestCreate_AccountAgeCountsFromFirstSeen(t *testing.T) {
	f := newFixture(t,
		rule("newcomer", 10, models.ActionReject, models.Condition{Attribute: models.AttrAccountAge, Operator: models.OpLT, Value: "24"}),
	)
	// alice was first seen 90 days ago
	f.setTrust(t, "alice", 0.9)

	fresh := f.create(t, "bob", "first comment", nil)
	assert.Equal(t, models.StateRejected, fresh.State)

	veteran := f.create(t, "alice", "old hand", nil)
	assert.Equal(t, models.StateApproved, veteran.State)
}

func TestCreate_FailsClosed(t *testing.T) {
	f := newFixture(t)
	f.setTrust(t, "alice", 0.95)
	f.store.failTrust = true
	before := counterValue(t, metrics.PipelineFailuresTotal.WithLabelValues("trust"))

	res, err := f.svc.Create(context.Background(), models.NewComment{PostID: "post1", AuthorID: "alice", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, res.Comment.State)
	assert.Nil(t, res.Verdict)
	assert.Len(t, f.published(events.CommentPending), 1)
	assert.Equal(t, before+1, counterValue(t, metrics.PipelineFailuresTotal.WithLabelValues("trust")))
}

func TestCreate_ModeratorActionDuringEvaluationWins(t *testing.T) {
	f := newFixture(t)
	f.setTrust(t, "alice", 0.95)
	ctx := context.Background()

	f.hook.before = func(ctx context.Context, subject rules.Subject) {
		_, err := f.svc.Moderate(ctx, discussion.ModerateRequest{CommentID: subject.CommentID, ModeratorID: "mod", Action: discussion.ActionReject, Reason: "off topic"})
		require.NoError(t, err)
	}
	superseded := counterValue(t, metrics.TransitionConflictsTotal.WithLabelValues("superseded"))

	res, err := f.svc.Create(ctx, models.NewComment{PostID: "post1", AuthorID: "alice", Content: "hello"})
	require.NoError(t, err)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, models.ActionApprove, res.Verdict.Action)
	assert.Equal(t, models.StateRejected, res.Comment.State)
	assert.Equal(t, superseded+1, counterValue(t, metrics.TransitionConflictsTotal.WithLabelValues("superseded")))

	history, err := f.svc.History(ctx, res.Comment.ID, "admin")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.False(t, last.Automated())
	assert.Equal(t, models.StateRejected, last.NewState)
}

func TestCreate_VerdictRetriedAfterEdit(t *testing.T) {
	f := newFixture(t)
	f.setTrust(t, "alice", 0.95)
	ctx := context.Background()

	f.hook.before = func(ctx context.Context, subject rules.Subject) {
		_, err := f.svc.Update(ctx, subject.CommentID, "alice", "hello, edited")
		require.NoError(t, err)
	}
	retried := counterValue(t, metrics.TransitionConflictsTotal.WithLabelValues("retried"))

	res, err := f.svc.Create(ctx, models.NewComment{PostID: "post1", AuthorID: "alice", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, res.Comment.State)
	assert.Equal(t, retried+1, counterValue(t, metrics.TransitionConflictsTotal.WithLabelValues("retried")))
}

func TestCreate_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, models.NewComment{PostID: "post1", AuthorID: "bob", Content: "   "})
	assert.ErrorIs(t, err, models.ErrValidation)

	missing := "nope"
	_, err = f.svc.Create(ctx, models.NewComment{PostID: "post1", AuthorID: "bob", Content: "hi", ParentID: &missing})
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Empty(t, f.published(events.CommentCreated, events.CommentPending))
}

func TestGetThread_FiltersForViewer(t *testing.T) {
	f := newFixture(t)
	f.setTrust(t, "alice", 0.9)
	ctx := context.Background()

	root := f.create(t, "alice", "root", nil)
	pending := f.create(t, "bob", "awaiting review", root)
	reply := f.create(t, "alice", "reply to pending", pending)
	require.Equal(t, models.StateApproved, reply.State)
	lonely := f.create(t, "bob", "no replies", root)
	require.Equal(t, models.StatePending, lonely.State)

	all, err := f.svc.GetThread(ctx, "post1", 0, "admin")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	own, err := f.svc.GetThread(ctx, "post1", 0, "bob")
	require.NoError(t, err)
	assert.Len(t, own, 4)

	public, err := f.svc.GetThread(ctx, "post1", 0, "carol")
	require.NoError(t, err)
	require.Len(t, public, 3)
	assert.Equal(t, root.ID, public[0].ID)
	assert.Equal(t, pending.ID, public[1].ID)
	assert.Equal(t, discussion.HiddenPlaceholder, public[1].Content.Rendered)
	assert.Equal(t, reply.ID, public[2].ID)

	_, err = f.svc.Get(ctx, lonely.ID, "carol")
	assert.ErrorIs(t, err, models.ErrNotFound)

	sub, err := f.svc.GetSubtree(ctx, root.ID, 1, "carol")
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, pending.ID, sub[0].ID)
}

func TestDelete_KeepsDescendants(t *testing.T) {
	f := newFixture(t)
	f.setTrust(t, "alice", 0.9)
	ctx := context.Background()

	a := f.create(t, "alice", "A", nil)
	b := f.create(t, "alice", "B", a)
	c := f.create(t, "alice", "C", b)

	_, err := f.svc.Delete(ctx, a.ID, "bob")
	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = f.svc.Delete(ctx, a.ID, "mod")
	assert.ErrorIs(t, err, models.ErrForbidden)

	deleted, err := f.svc.Delete(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Equal(t, models.DeletedPlaceholder, deleted.Content.Raw)

	_, err = f.svc.Delete(ctx, a.ID, "admin")
	require.NoError(t, err)
	assert.Len(t, f.published(events.CommentDeleted), 1)

	afterB, err := f.svc.Get(ctx, b.ID, "")
	require.NoError(t, err)
	afterC, err := f.svc.Get(ctx, c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, b.ThreadPath, afterB.ThreadPath)
	assert.Equal(t, 1, afterB.Depth)
	assert.Equal(t, []string{a.ID, b.ID}, afterC.ThreadPath)
	assert.Equal(t, 2, afterC.Depth)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	f.setTrust(t, "alice", 0.9)
	c := f.create(t, "alice", "first", nil)

	_, err := f.svc.Update(context.Background(), c.ID, "bob", "hijack")
	assert.ErrorIs(t, err, models.ErrForbidden)

	updated, err := f.svc.Update(context.Background(), c.ID, "alice", "*second*")
	require.NoError(t, err)
	assert.Equal(t, c.Version+1, updated.Version)
	assert.Contains(t, updated.Content.Rendered, "<em>second</em>")

	ev := f.published(events.CommentUpdated)
	require.Len(t, ev, 1)
	assert.Equal(t, events.VisibilityPublic, ev[0].Visibility)
}

func TestLike_Concurrent(t *testing.T) {
	f := newFixture(t)
	f.setTrust(t, "alice", 0.9)
	c := f.create(t, "alice", "like me", nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Like(context.Background(), c.ID, fmt.Sprintf("user%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := f.svc.Get(context.Background(), c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.LikeCount)
	assert.Len(t, f.published(events.CommentLiked), 50)

	count, err := f.svc.Like(context.Background(), c.ID, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), count)
	assert.Len(t, f.published(events.CommentLiked), 50)

	count, err = f.svc.Unlike(context.Background(), c.ID, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(49), count)
	assert.Len(t, f.published(events.CommentUnliked), 1)
}

func TestLike_RequiresPublicComment(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "bob", "pending", nil)

	_, err := f.svc.Like(context.Background(), c.ID, "carol")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = f.svc.Like(context.Background(), c.ID, "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestReport_AutoHidesAtThreshold(t *testing.T) {
	f := newFixture(t)
	f.setTrust(t, "alice", 0.9)
	ctx := context.Background()
	c := f.create(t, "alice", "controversial", nil)

	_, err := f.svc.Report(ctx, c.ID, "alice", "self")
	assert.ErrorIs(t, err, models.ErrValidation)

	res, err := f.svc.Report(ctx, c.ID, "r1", "rude")
	require.NoError(t, err)
	assert.True(t, res.Recorded)
	assert.False(t, res.AutoHidden)

	res, err = f.svc.Report(ctx, c.ID, "r1", "rude again")
	require.NoError(t, err)
	assert.False(t, res.Recorded)
	assert.Equal(t, int64(1), res.ReportCount)

	_, err = f.svc.Report(ctx, c.ID, "r2", "")
	require.NoError(t, err)
	res, err = f.svc.Report(ctx, c.ID, "r3", "")
	require.NoError(t, err)
	assert.True(t, res.AutoHidden)
	assert.Equal(t, int64(3), res.ReportCount)

	got, err := f.svc.Get(ctx, c.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.StateHidden, got.State)

	reported := f.published(events.CommentReported)
	require.Len(t, reported, 3)
	assert.Equal(t, events.VisibilityModerators, reported[0].Visibility)
	assert.Empty(t, reported[0].TargetUserID)

	hidden := f.published(events.CommentHidden)
	require.Len(t, hidden, 1)
	// leaving public view is announced publicly without content
	assert.Equal(t, events.VisibilityPublic, hidden[0].Visibility)
	assert.Empty(t, hidden[0].Comment().Content.Raw)

	history, err := f.svc.History(ctx, c.ID, "admin")
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.True(t, last.Automated())
	assert.Contains(t, last.Reason, "3 reports")
}

func TestReport_RestoredCommentStaysApproved(t *testing.T) {
	f := newFixture(t)
	f.setTrust(t, "alice", 0.9)
	ctx := context.Background()
	c := f.create(t, "alice", "controversial", nil)

	for _, reporter := range []string{"r1", "r2", "r3"} {
		_, err := f.svc.Report(ctx, c.ID, reporter, "")
		require.NoError(t, err)
	}
	got, err := f.svc.Get(ctx, c.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, models.StateHidden, got.State)

	res, err := f.svc.Moderate(ctx, discussion.ModerateRequest{CommentID: c.ID, ModeratorID: "admin", Action: discussion.ActionRestore, Reason: "reports were a pile-on"})
	require.NoError(t, err)
	require.Equal(t, models.StateApproved, res.Comment.State)

	rep, err := f.svc.Report(ctx, c.ID, "r4", "still rude")
	require.NoError(t, err)
	assert.True(t, rep.Recorded)
	assert.Equal(t, int64(4), rep.ReportCount)
	assert.False(t, rep.AutoHidden)

	got, err = f.svc.Get(ctx, c.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, got.State)

	history, err := f.svc.History(ctx, c.ID, "admin")
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.False(t, last.Automated())
	assert.Equal(t, models.StateApproved, last.NewState)

	// a moderator can still hide it by hand
	res, err = f.svc.Moderate(ctx, discussion.ModerateRequest{CommentID: c.ID, ModeratorID: "mod", Action: discussion.ActionHide})
	require.NoError(t, err)
	assert.Equal(t, models.StateHidden, res.Comment.State)
}

func TestModerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, "bob", "let me in", nil)
	f.reset()

	_, err := f.svc.Moderate(ctx, discussion.ModerateRequest{CommentID: c.ID, ModeratorID: "carol", Action: discussion.ActionApprove})
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = f.svc.Moderate(ctx, discussion.ModerateRequest{CommentID: c.ID, ModeratorID: "mod", Action: "dance"})
	assert.ErrorIs(t, err, models.ErrValidation)

	res, err := f.svc.Moderate(ctx, discussion.ModerateRequest{CommentID: c.ID, ModeratorID: "mod", Action: discussion.ActionApprove, Reason: "fine"})
	require.NoError(t, err)
	assert.True(t, res.Changed())
	assert.Equal(t, models.StateApproved, res.Comment.State)
	assert.Len(t, f.published(events.CommentApproved), 1)
	assert.Len(t, f.published(events.CommentStats), 1)

	// the moderator role cannot restore
	_, err = f.svc.Moderate(ctx, discussion.ModerateRequest{CommentID: c.ID, ModeratorID: "mod", Action: discussion.ActionHide})
	require.NoError(t, err)
	_, err = f.svc.Moderate(ctx, discussion.ModerateRequest{CommentID: c.ID, ModeratorID: "mod", Action: discussion.ActionRestore})
	assert.ErrorIs(t, err, models.ErrForbidden)

	res, err = f.svc.Moderate(ctx, discussion.ModerateRequest{CommentID: c.ID, ModeratorID: "admin", Action: discussion.ActionRestore})
	require.NoError(t, err)
	assert.Len(t, f.published(events.CommentRestored), 1)

	// a stale expected version is retried against the latest state
	res, err = f.svc.Moderate(ctx, discussion.ModerateRequest{
		CommentID: c.ID, ModeratorID: "admin", Action: discussion.ActionSpam, ExpectedVersion: res.Comment.Version - 1,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateSpam, res.Comment.State)
}

func TestHistoryAndQueue_RequirePermissions(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "bob", "pending", nil)

	_, err := f.svc.History(context.Background(), c.ID, "mod")
	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = f.svc.Queue(context.Background(), "bob", 10)
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = f.svc.History(context.Background(), "missing", "admin")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Stats(context.Background(), " ")
	assert.ErrorIs(t, err, models.ErrValidation)

	f.create(t, "bob", "one", nil)
	stats, err := f.svc.Stats(context.Background(), "post1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByState[models.StatePending])
}

func TestPipeline_NotifiesParentAuthorOnApproval(t *testing.T) {
	f := newFixture(t)
	f.setTrust(t, "alice", 0.9)
	ctx := context.Background()

	var mu sync.Mutex
	var got []models.Notification
	router := notify.NewRouter(notify.DefaultConfig(), notify.Deps{
		Comments: thread.NewService(f.store, thread.DefaultConfig()),
		Bus:      f.bus,
		Deliverer: notify.DeliverFunc(func(_ context.Context, n models.Notification) error {
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
			return nil
		}),
	})
	detach := router.Attach(f.bus)
	router.Start()
	defer func() {
		detach()
		router.Stop()
	}()

	root := f.create(t, "alice", "root", nil)
	reply := f.create(t, "bob", "pending reply", root)
	assert.Empty(t, f.published(events.NewNotification))

	_, err := f.svc.Moderate(ctx, discussion.ModerateRequest{CommentID: reply.ID, ModeratorID: "admin", Action: discussion.ActionApprove})
	require.NoError(t, err)

	notes := f.published(events.NewNotification)
	require.Len(t, notes, 2)
	targets := []string{notes[0].TargetUserID, notes[1].TargetUserID}
	assert.ElementsMatch(t, []string{"alice", "bob"}, targets)

	router.Stop()
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 2)
}
