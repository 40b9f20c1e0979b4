package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.org/arabica.social/murmur/internal/database/boltstore"
	"tangled.org/arabica.social/murmur/internal/database/sqlitestore"
	"tangled.org/arabica.social/murmur/internal/discussion"
	"tangled.org/arabica.social/murmur/internal/events"
	"tangled.org/arabica.social/murmur/internal/middleware"
	"tangled.org/arabica.social/murmur/internal/models"
	"tangled.org/arabica.social/murmur/internal/moderation"
	"tangled.org/arabica.social/murmur/internal/realtime"
	"tangled.org/arabica.social/murmur/internal/rules"
	"tangled.org/arabica.social/murmur/internal/thread"
	"tangled.org/arabica.social/murmur/internal/trust"
)

const rolesConfig = `{
	"roles": {
		"admin": {"permissions": ["approve_comment", "reject_comment", "hide_comment", "restore_comment", "mark_spam", "delete_comment", "view_queue", "view_history", "manage_rules"]}
	},
	"users": [{"id": "admin", "role": "admin"}]
}`

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type stubTyping []realtime.TypingIndicator

func (s stubTyping) ActiveTypers(string) []realtime.TypingIndicator { return s }

type testServer struct {
	t     *testing.T
	mux   http.Handler
	store *boltstore.Store
	inbox *sqlitestore.NotificationStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	store, err := boltstore.Open(boltstore.Options{Path: filepath.Join(dir, "murmur.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	inbox, err := sqlitestore.OpenNotificationStore(filepath.Join(dir, "inbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { inbox.Close() })

	rolesPath := filepath.Join(dir, "moderators.json")
	require.NoError(t, os.WriteFile(rolesPath, []byte(rolesConfig), 0644))
	roles, err := moderation.NewService(rolesPath)
	require.NoError(t, err)

	bus := events.NewBus()
	clock := func() time.Time { return now }
	threads := thread.NewService(store, thread.DefaultConfig())
	scorer := trust.NewScorer(store, trust.DefaultConfig())
	scorer.SetClock(clock)
	machine := moderation.NewStateMachine(store, scorer, bus, roles)
	svc := discussion.NewService(discussion.DefaultConfig(), threads, scorer, rules.NewEngine(rules.DefaultConfig(), nil), machine, roles, bus)
	svc.SetClock(clock)

	h := NewHandler(svc, inbox, stubTyping{{PostID: "post1", UserID: "carol"}}, Config{})
	h.now = clock

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/posts/{post}/comments", h.HandleCreateComment)
	mux.HandleFunc("GET /api/posts/{post}/comments", h.HandleGetThread)
	mux.HandleFunc("GET /api/posts/{post}/stats", h.HandleStats)
	mux.HandleFunc("GET /api/posts/{post}/typing", h.HandleTyping)
	mux.HandleFunc("GET /api/comments/{id}", h.HandleGetComment)
	mux.HandleFunc("GET /api/comments/{id}/replies", h.HandleGetReplies)
	mux.HandleFunc("PUT /api/comments/{id}", h.HandleUpdateComment)
	mux.HandleFunc("DELETE /api/comments/{id}", h.HandleDeleteComment)
	mux.HandleFunc("POST /api/comments/{id}/like", h.HandleLike)
	mux.HandleFunc("DELETE /api/comments/{id}/like", h.HandleUnlike)
	mux.HandleFunc("POST /api/comments/{id}/report", h.HandleReport)
	mux.HandleFunc("POST /api/comments/{id}/moderate", h.HandleModerate)
	mux.HandleFunc("GET /api/comments/{id}/history", h.HandleHistory)
	mux.HandleFunc("GET /api/moderation/queue", h.HandleQueue)
	mux.HandleFunc("GET /api/notifications", h.HandleNotifications)
	mux.HandleFunc("POST /api/notifications/read", h.HandleNotificationsMarkRead)

	return &testServer{t: t, mux: middleware.UserMiddleware(mux), store: store, inbox: inbox}
}

func (s *testServer) trust(userID string, score float64) {
	s.t.Helper()
	_, err := s.store.UpdateTrustScore(context.Background(), userID, func(*models.TrustRecord) (*models.TrustRecord, error) {
		return &models.TrustRecord{UserID: userID, Score: score, UpdatedAt: now, FirstSeen: now.Add(-90 * 24 * time.Hour)}, nil
	})
	require.NoError(s.t, err)
}

func (s *testServer) do(method, path, user string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(middleware.UserIDHeader, user)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) post(user, content string, parent *string) *models.Comment {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/posts/post1/comments", user, CreateCommentRequest{Content: content, ParentID: parent})
	require.Contains(s.t, []int{http.StatusCreated, http.StatusAccepted}, rec.Code, rec.Body.String())
	return decodeBody[discussion.CreateResult](s.t, rec).Comment
}

func TestCreateComment(t *testing.T) {
	s := newTestServer(t)
	s.trust("alice", 0.9)

	t.Run("trusted author is published", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/posts/post1/comments", "alice", CreateCommentRequest{Content: "First!"})
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		res := decodeBody[discussion.CreateResult](t, rec)
		assert.Equal(t, models.StateApproved, res.Comment.State)
		assert.Equal(t, "post1", res.Comment.PostID)
		require.NotNil(t, res.Verdict)
	})

	t.Run("new author waits for review", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/posts/post1/comments", "newbie", CreateCommentRequest{Content: "Hello"})
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, models.StatePending, decodeBody[discussion.CreateResult](t, rec).Comment.State)
	})

	t.Run("anonymous is rejected", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/posts/post1/comments", "", CreateCommentRequest{Content: "Hello"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("blank content", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/posts/post1/comments", "alice", CreateCommentRequest{Content: "   "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "content", decodeBody[errorResponse](t, rec).Field)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/posts/post1/comments", bytes.NewBufferString(`{"content":`))
		req.Header.Set(middleware.UserIDHeader, "alice")
		rec := httptest.NewRecorder()
		s.mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown parent", func(t *testing.T) {
		missing := "nope"
		rec := s.do(http.MethodPost, "/api/posts/post1/comments", "alice", CreateCommentRequest{Content: "reply", ParentID: &missing})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCreateComment_MaxDepthSuggestsParent(t *testing.T) {
	s := newTestServer(t)
	s.trust("alice", 0.9)

	parent := s.post("alice", "root", nil)
	for i := 0; i < models.DefaultMaxDepth; i++ {
		id := parent.ID
		parent = s.post("alice", fmt.Sprintf("depth %d", i+1), &id)
	}

	id := parent.ID
	rec := s.do(http.MethodPost, "/api/posts/post1/comments", "alice", CreateCommentRequest{Content: "too deep", ParentID: &id})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "parent_id", resp.Field)
	assert.Equal(t, parent.Parent(), resp.SuggestedParentID)
}

func TestGetThread(t *testing.T) {
	s := newTestServer(t)
	s.trust("alice", 0.9)

	root := s.post("alice", "root", nil)
	rootID := root.ID
	s.post("alice", "reply", &rootID)
	pending := s.post("bob", "unreviewed", nil)

	rec := s.do(http.MethodGet, "/api/posts/post1/comments", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	thread := decodeBody[ThreadResponse](t, rec)
	assert.Equal(t, "post1", thread.PostID)
	require.Len(t, thread.Comments, 2)
	assert.Equal(t, root.ID, thread.Comments[0].ID)

	rec = s.do(http.MethodGet, "/api/posts/post1/comments?max_depth=0", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ids := []string{}
	for _, c := range decodeBody[ThreadResponse](t, rec).Comments {
		ids = append(ids, c.ID)
	}
	assert.Contains(t, ids, pending.ID, "authors see their own pending comments")

	rec = s.do(http.MethodGet, "/api/posts/post1/comments?max_depth=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/comments/"+root.ID+"/replies", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[ThreadResponse](t, rec).Comments, 1)

	rec = s.do(http.MethodGet, "/api/comments/"+pending.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(http.MethodGet, "/api/comments/"+pending.ID, "admin", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdateAndDelete(t *testing.T) {
	s := newTestServer(t)
	s.trust("alice", 0.9)
	c := s.post("alice", "original", nil)

	rec := s.do(http.MethodPut, "/api/comments/"+c.ID, "bob", UpdateCommentRequest{Content: "hijack"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPut, "/api/comments/"+c.ID, "alice", UpdateCommentRequest{Content: "edited"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "edited", decodeBody[models.Comment](t, rec).Content.Raw)

	rec = s.do(http.MethodDelete, "/api/comments/"+c.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodDelete, "/api/comments/"+c.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[models.Comment](t, rec).Deleted)

	rec = s.do(http.MethodPut, "/api/comments/"+c.ID, "alice", UpdateCommentRequest{Content: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLikeAndReport(t *testing.T) {
	s := newTestServer(t)
	s.trust("alice", 0.9)
	c := s.post("alice", "likeable", nil)

	rec := s.do(http.MethodPost, "/api/comments/"+c.ID+"/like", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, LikeResponse{CommentID: c.ID, LikeCount: 1}, decodeBody[LikeResponse](t, rec))

	rec = s.do(http.MethodPost, "/api/comments/"+c.ID+"/like", "bob", nil)
	assert.EqualValues(t, 1, decodeBody[LikeResponse](t, rec).LikeCount)

	rec = s.do(http.MethodDelete, "/api/comments/"+c.ID+"/like", "bob", nil)
	assert.EqualValues(t, 0, decodeBody[LikeResponse](t, rec).LikeCount)

	rec = s.do(http.MethodPost, "/api/comments/"+c.ID+"/report", "alice", ReportRequest{Reason: "mine"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/comments/"+c.ID+"/report", "bob", ReportRequest{Reason: "rude"})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[discussion.ReportResult](t, rec)
	assert.True(t, res.Recorded)
	assert.EqualValues(t, 1, res.ReportCount)
	assert.False(t, res.AutoHidden)

	rec = s.do(http.MethodGet, "/api/posts/post1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[models.CommentStats](t, rec)
	assert.Equal(t, "post1", stats.PostID)
}

func TestModerationEndpoints(t *testing.T) {
	s := newTestServer(t)
	c := s.post("bob", "needs review", nil)

	rec := s.do(http.MethodGet, "/api/moderation/queue", "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/api/moderation/queue", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decodeBody[ThreadResponse](t, rec)
	require.Len(t, queue.Comments, 1)
	assert.Equal(t, c.ID, queue.Comments[0].ID)

	rec = s.do(http.MethodPost, "/api/comments/"+c.ID+"/moderate", "bob", ModerateRequest{Action: discussion.ActionApprove})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/api/comments/"+c.ID+"/moderate", "admin", ModerateRequest{Action: "promote"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/comments/"+c.ID+"/moderate", "admin", ModerateRequest{Action: discussion.ActionApprove, Reason: "fine"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[ModerateResponse](t, rec)
	assert.True(t, res.Changed)
	assert.Equal(t, models.StatePending, res.Previous)
	assert.Equal(t, models.StateApproved, res.Comment.State)

	rec = s.do(http.MethodGet, "/api/comments/"+c.ID+"/history", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Events []models.ModerationEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.NotEmpty(t, history.Events)
	assert.Equal(t, models.StateApproved, history.Events[len(history.Events)-1].NewState)
}

func TestNotifications(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	for i, id := range []string{"n1", "n2"} {
		_, err := s.inbox.Create(ctx, &models.Notification{
			ID:           id,
			Type:         models.NotificationReply,
			TargetUserID: "alice",
			ActorID:      "bob",
			PostID:       "post1",
			CommentID:    fmt.Sprintf("c%d", i),
			CreatedAt:    now.Add(time.Duration(i-10) * time.Minute),
		})
		require.NoError(t, err)
	}

	rec := s.do(http.MethodGet, "/api/notifications", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/api/notifications?limit=1", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[NotificationsResponse](t, rec)
	require.Len(t, page.Notifications, 1)
	assert.Equal(t, "n2", page.Notifications[0].ID)
	assert.NotEmpty(t, page.NextCursor)
	assert.Equal(t, 2, page.Unread)

	rec = s.do(http.MethodPost, "/api/notifications/read", "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/api/notifications", "alice", nil)
	assert.Equal(t, 0, decodeBody[NotificationsResponse](t, rec).Unread)

	rec = s.do(http.MethodGet, "/api/notifications", "carol", nil)
	assert.Equal(t, "[]", string(bytes.TrimSpace(mustField(t, rec, "notifications"))))
}

func TestTyping(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/posts/post1/typing", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Typing []realtime.TypingIndicator `json:"typing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Typing, 1)
	assert.Equal(t, "carol", body.Typing[0].UserID)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("load: %w", models.ErrForbidden), http.StatusForbidden},
		{&models.ValidationError{Field: "content", Message: "bad"}, http.StatusBadRequest},
		{&models.MaxDepthError{MaxDepth: 3}, http.StatusBadRequest},
		{&models.ConflictError{CommentID: "c1"}, http.StatusConflict},
		{models.ErrSuperseded, http.StatusConflict},
		{models.ErrInvalidTransition, http.StatusConflict},
		{models.ErrNotConnected, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestWriteError_HidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("password=hunter2"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func mustField(t *testing.T, rec *httptest.ResponseRecorder, name string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m[name]
}
