package handlers

import (
	"net/http"

	"tangled.org/arabica.social/murmur/internal/discussion"
	"tangled.org/arabica.social/murmur/internal/models"
)

// ModerateRequest is the body of POST /api/comments/{id}/moderate
type ModerateRequest struct {
	Action          discussion.Action `json:"action"`
	Reason          string            `json:"reason"`
	ExpectedVersion int64             `json:"expected_version,omitempty"`
}

// ModerateResponse describes the comment after a moderator action
type ModerateResponse struct {
	Comment  *models.Comment         `json:"comment"`
	Previous models.CommentState     `json:"previous_state"`
	Changed  bool                    `json:"changed"`
	Event    *models.ModerationEvent `json:"event,omitempty"`
}

// HandleModerate applies a moderator action to a comment
func (h *Handler) HandleModerate(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req ModerateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.discussion.Moderate(r.Context(), discussion.ModerateRequest{
		CommentID:       r.PathValue("id"),
		ModeratorID:     userID,
		Action:          req.Action,
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ModerateResponse{
		Comment:  res.Comment,
		Previous: res.Previous,
		Changed:  res.Changed(),
		Event:    res.Event,
	})
}

// HandleHistory returns a comment's moderation history
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	history, err := h.discussion.History(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []*models.ModerationEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"comment_id": r.PathValue("id"), "events": history})
}

// HandleQueue returns comments awaiting review
func (h *Handler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, err := intQuery(r, "limit", h.config.QueueLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if limit == 0 || limit > h.config.QueueLimit {
		limit = h.config.QueueLimit
	}
	queue, err := h.discussion.Queue(r.Context(), userID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if queue == nil {
		queue = []*models.Comment{}
	}
	writeJSON(w, http.StatusOK, ThreadResponse{Comments: queue})
}
