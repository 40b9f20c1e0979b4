package models

import (
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewComment_Validate(t *testing.T) {
	t.Run("valid comment", func(t *testing.T) {
		n := &NewComment{PostID: "p1", AuthorID: "u1", Content: "hello"}
		assert.NoError(t, n.Validate())
	})

	t.Run("blank content", func(t *testing.T) {
		n := &NewComment{PostID: "p1", AuthorID: "u1", Content: "   \n\t"}
		err := n.Validate()
		assert.ErrorIs(t, err, ErrValidation)

		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "content", verr.Field)
	})

	t.Run("content at max length", func(t *testing.T) {
		n := &NewComment{PostID: "p1", AuthorID: "u1", Content: strings.Repeat("é", MaxContentLength)}
		assert.NoError(t, n.Validate())
	})

	t.Run("content too long", func(t *testing.T) {
		n := &NewComment{PostID: "p1", AuthorID: "u1", Content: strings.Repeat("a", MaxContentLength+1)}
		assert.ErrorIs(t, n.Validate(), ErrValidation)
	})

	t.Run("missing post", func(t *testing.T) {
		n := &NewComment{AuthorID: "u1", Content: "hi"}
		assert.ErrorIs(t, n.Validate(), ErrValidation)
	})

	t.Run("empty parent id", func(t *testing.T) {
		empty := ""
		n := &NewComment{PostID: "p1", AuthorID: "u1", Content: "hi", ParentID: &empty}
		assert.ErrorIs(t, n.Validate(), ErrValidation)
	})
}

func TestSortKeyOrdering(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	root1 := SortSegment(base, "a")
	root2 := SortSegment(base.Add(time.Second), "b")
	child1 := ChildSortKey(root1, base.Add(2*time.Second), "c")
	child2 := ChildSortKey(root1, base.Add(3*time.Second), "d")
	grandchild := ChildSortKey(child1, base.Add(4*time.Second), "e")

	keys := []string{root2, child2, grandchild, root1, child1}
	sort.Strings(keys)

	assert.Equal(t, []string{root1, child1, grandchild, child2, root2}, keys)
	assert.Equal(t, 0, SortKeyDepth(root1))
	assert.Equal(t, 2, SortKeyDepth(grandchild))
	assert.True(t, strings.HasPrefix(grandchild, (&Comment{SortKey: root1}).SubtreePrefix()))
	assert.False(t, strings.HasPrefix(root2, (&Comment{SortKey: root1}).SubtreePrefix()))
}

func TestCounterApply(t *testing.T) {
	c := &Comment{}
	CounterLikes.Apply(c, 2)
	CounterReplies.Apply(c, 1)
	CounterReports.Apply(c, -5)

	assert.Equal(t, int64(2), c.LikeCount)
	assert.Equal(t, int64(1), c.ReplyCount)
	assert.Equal(t, int64(0), c.ReportCount)
	assert.False(t, Counter("views").Valid())
}

func TestComment_Clone(t *testing.T) {
	parent := "root"
	c := &Comment{ID: "x", ParentID: &parent, ThreadPath: []string{"root"}}
	cp := c.Clone()
	*cp.ParentID = "other"
	cp.ThreadPath[0] = "other"

	assert.Equal(t, "root", *c.ParentID)
	assert.Equal(t, []string{"root"}, c.ThreadPath)
}

func TestOutcomeForState(t *testing.T) {
	tests := []struct {
		state CommentState
		want  Outcome
		ok    bool
	}{
		{StateApproved, OutcomeApproved, true},
		{StateRejected, OutcomeRejected, true},
		{StateHidden, OutcomeReported, true},
		{StateSpam, OutcomeSpam, true},
		{StatePending, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			got, ok := OutcomeForState(tt.state)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestTrustRecord_Counts(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	window := 30 * 24 * time.Hour

	rec := &TrustRecord{UserID: "u1"}
	rec.Record(OutcomeApproved, now.Add(-40*24*time.Hour), 0)
	rec.Record(OutcomeApproved, now.Add(-time.Hour), 0)
	rec.Record(OutcomeSpam, now.Add(-2*time.Hour), 0)
	rec.Record(OutcomeReported, now, 0)

	counts := rec.Counts(window, now)
	assert.Equal(t, OutcomeCounts{Approved: 1, Spam: 1, Reported: 1}, counts)

	rec.Prune(now, window)
	assert.Len(t, rec.Recent, 3)
}

func TestSortRules(t *testing.T) {
	rules := []*ModerationRule{
		{ID: "c", Priority: 1},
		{ID: "b", Priority: 5},
		{ID: "a", Priority: 5},
		{ID: "d", Priority: 10},
	}
	SortRules(rules)

	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"d", "a", "b", "c"}, ids)
}

func TestErrorMatching(t *testing.T) {
	depthErr := &MaxDepthError{MaxDepth: 10, SuggestedParentID: "p9"}
	assert.ErrorIs(t, depthErr, ErrMaxDepthExceeded)
	assert.ErrorIs(t, depthErr, ErrValidation)

	conflict := &ConflictError{CommentID: "c", Expected: 1, Actual: 2}
	assert.ErrorIs(t, conflict, ErrConflict)

	cfg := &ConfigError{Field: "rules", Message: "bad"}
	assert.ErrorIs(t, cfg, ErrConfiguration)
	assert.Equal(t, "config error in rules: bad", cfg.Error())
}
