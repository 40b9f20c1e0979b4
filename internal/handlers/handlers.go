package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"tangled.org/arabica.social/murmur/internal/discussion"
	"tangled.org/arabica.social/murmur/internal/middleware"
	"tangled.org/arabica.social/murmur/internal/models"
	"tangled.org/arabica.social/murmur/internal/realtime"
)

// Inbox is the notification storage the handlers read
type Inbox interface {
	List(ctx context.Context, userID string, limit int, cursor string) ([]models.Notification, string, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkAllRead(ctx context.Context, userID string, at time.Time) error
	MarkRead(ctx context.Context, userID, id string) error
}

// Typing exposes the gateway's typing indicators
type Typing interface {
	ActiveTypers(postID string) []realtime.TypingIndicator
}

// Config holds handler configuration options
type Config struct {
	// DefaultMaxDepth applies to thread reads without a max_depth parameter.
	// Zero returns the whole tree.
	DefaultMaxDepth int
	// QueueLimit caps the moderation queue page
	QueueLimit int
}

// Handler contains all HTTP handler methods and their dependencies.
// Dependencies are injected via the constructor for better testability.
type Handler struct {
	config     Config
	discussion *discussion.Service
	inbox      Inbox
	typing     Typing
	now        func() time.Time
}

// NewHandler creates a new Handler. inbox and typing may be nil, in which
// case their endpoints return empty results.
func NewHandler(svc *discussion.Service, inbox Inbox, typing Typing, config Config) *Handler {
	if config.QueueLimit <= 0 {
		config.QueueLimit = 100
	}
	return &Handler{
		config:     config,
		discussion: svc,
		inbox:      inbox,
		typing:     typing,
		now:        time.Now,
	}
}

// errorResponse is the JSON body for every failed request
type errorResponse struct {
	Error             string `json:"error"`
	Field             string `json:"field,omitempty"`
	SuggestedParentID string `json:"suggested_parent_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("handlers: failed to encode response")
	}
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrSuperseded),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrAlreadyDeleted),
		errors.Is(err, models.ErrNotConnected):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError writes err as JSON. Internal errors are logged and hidden.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var verr *models.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	var depthErr *models.MaxDepthError
	if errors.As(err, &depthErr) {
		resp.Field = "parent_id"
		resp.SuggestedParentID = depthErr.SuggestedParentID
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("handlers: request failed")
		resp = errorResponse{Error: "internal error"}
	}
	writeJSON(w, status, resp)
}

// requireUser returns the authenticated user id or writes a 401
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return "", false
	}
	return userID, true
}

// decodeJSON reads a JSON request body into v
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &models.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

// intQuery parses an optional non-negative integer query parameter
func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &models.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}

// HandleHealth reports liveness
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
