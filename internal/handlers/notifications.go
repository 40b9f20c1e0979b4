package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"tangled.org/arabica.social/murmur/internal/models"
)

// NotificationsResponse is a page of the caller's notifications
type NotificationsResponse struct {
	Notifications []models.Notification `json:"notifications"`
	NextCursor    string                `json:"next_cursor,omitempty"`
	Unread        int                   `json:"unread"`
}

// MarkReadRequest is the body of POST /api/notifications/read. An empty id
// marks everything read.
type MarkReadRequest struct {
	ID string `json:"id,omitempty"`
}

// HandleNotifications lists the caller's notifications, newest first
func (h *Handler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	resp := NotificationsResponse{Notifications: []models.Notification{}}
	if h.inbox == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	limit, err := intQuery(r, "limit", 30)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if limit == 0 || limit > 100 {
		limit = 30
	}

	notifications, next, err := h.inbox.List(r.Context(), userID, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		log.Error().Err(err).Str("user", userID).Msg("Failed to get notifications")
		writeError(w, r, err)
		return
	}
	if notifications != nil {
		resp.Notifications = notifications
	}
	resp.NextCursor = next

	unread, err := h.inbox.UnreadCount(r.Context(), userID)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("Failed to count unread notifications")
	}
	resp.Unread = unread

	writeJSON(w, http.StatusOK, resp)
}

// HandleNotificationsMarkRead marks one or all notifications as read
func (h *Handler) HandleNotificationsMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req MarkReadRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	if h.inbox != nil {
		var err error
		if req.ID != "" {
			err = h.inbox.MarkRead(r.Context(), userID, req.ID)
		} else {
			err = h.inbox.MarkAllRead(r.Context(), userID, h.now())
		}
		if err != nil {
			log.Error().Err(err).Str("user", userID).Msg("Failed to mark notifications as read")
			writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
