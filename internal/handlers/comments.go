package handlers

import (
	"net/http"

	"tangled.org/arabica.social/murmur/internal/middleware"
	"tangled.org/arabica.social/murmur/internal/models"
	"tangled.org/arabica.social/murmur/internal/realtime"
)

// CreateCommentRequest is the body of POST /api/posts/{post}/comments
type CreateCommentRequest struct {
	ParentID *string `json:"parent_id,omitempty"`
	Content  string  `json:"content"`
}

// UpdateCommentRequest is the body of PUT /api/comments/{id}
type UpdateCommentRequest struct {
	Content string `json:"content"`
}

// ReportRequest is the body of POST /api/comments/{id}/report
type ReportRequest struct {
	Reason string `json:"reason"`
}

// LikeResponse carries the like count after a like or unlike
type LikeResponse struct {
	CommentID string `json:"comment_id"`
	LikeCount int64  `json:"like_count"`
}

// ThreadResponse is a list of comments in thread order
type ThreadResponse struct {
	PostID   string            `json:"post_id,omitempty"`
	Comments []*models.Comment `json:"comments"`
}

// HandleCreateComment creates a comment or reply on a post
func (h *Handler) HandleCreateComment(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req CreateCommentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.discussion.Create(r.Context(), models.NewComment{
		PostID:    r.PathValue("post"),
		ParentID:  req.ParentID,
		AuthorID:  userID,
		Content:   req.Content,
		IP:        middleware.GetClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Comment.State == models.StatePending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// HandleGetThread returns a post's comment tree
func (h *Handler) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	maxDepth, err := intQuery(r, "max_depth", h.config.DefaultMaxDepth)
	if err != nil {
		writeError(w, r, err)
		return
	}
	postID := r.PathValue("post")
	comments, err := h.discussion.GetThread(r.Context(), postID, maxDepth, middleware.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ThreadResponse{PostID: postID, Comments: comments})
}

// HandleGetComment returns a single comment
func (h *Handler) HandleGetComment(w http.ResponseWriter, r *http.Request) {
	c, err := h.discussion.Get(r.Context(), r.PathValue("id"), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleGetReplies returns a comment's subtree
func (h *Handler) HandleGetReplies(w http.ResponseWriter, r *http.Request) {
	maxDepth, err := intQuery(r, "max_depth", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	comments, err := h.discussion.GetSubtree(r.Context(), r.PathValue("id"), maxDepth, middleware.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ThreadResponse{Comments: comments})
}

// HandleUpdateComment edits a comment's content
func (h *Handler) HandleUpdateComment(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req UpdateCommentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.discussion.Update(r.Context(), r.PathValue("id"), userID, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleDeleteComment tombstones a comment
func (h *Handler) HandleDeleteComment(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	c, err := h.discussion.Delete(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleLike likes a comment
func (h *Handler) HandleLike(w http.ResponseWriter, r *http.Request) {
	h.handleLike(w, r, true)
}

// HandleUnlike removes the caller's like
func (h *Handler) HandleUnlike(w http.ResponseWriter, r *http.Request) {
	h.handleLike(w, r, false)
}

func (h *Handler) handleLike(w http.ResponseWriter, r *http.Request, like bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	var (
		count int64
		err   error
	)
	if like {
		count, err = h.discussion.Like(r.Context(), id, userID)
	} else {
		count, err = h.discussion.Unlike(r.Context(), id, userID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LikeResponse{CommentID: id, LikeCount: count})
}

// HandleReport records a report against a comment
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req ReportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.discussion.Report(r.Context(), r.PathValue("id"), userID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleStats returns a post's comment counts
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.discussion.Stats(r.Context(), r.PathValue("post"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleTyping lists who is typing on a post
func (h *Handler) HandleTyping(w http.ResponseWriter, r *http.Request) {
	typers := []realtime.TypingIndicator{}
	if h.typing != nil {
		if active := h.typing.ActiveTypers(r.PathValue("post")); active != nil {
			typers = active
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"post_id": r.PathValue("post"), "typing": typers})
}
