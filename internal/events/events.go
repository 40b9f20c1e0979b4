// Package events is the in-process publish/subscribe bus that decouples the
// comment pipeline from its consumers.
package events

import (
	"time"

	"tangled.org/arabica.social/murmur/internal/models"
)

// Type identifies a domain event
type Type string

const (
	CommentCreated      Type = "CommentCreated"
	CommentPending      Type = "CommentPending"
	CommentUpdated      Type = "CommentUpdated"
	CommentDeleted      Type = "CommentDeleted"
	CommentLiked        Type = "CommentLiked"
	CommentUnliked      Type = "CommentUnliked"
	CommentReported     Type = "CommentReported"
	CommentApproved     Type = "CommentApproved"
	CommentRejected     Type = "CommentRejected"
	CommentHidden       Type = "CommentHidden"
	CommentRestored     Type = "CommentRestored"
	CommentMarkedAsSpam Type = "CommentMarkedAsSpam"
	UserStartedTyping   Type = "UserStartedTyping"
	UserStoppedTyping   Type = "UserStoppedTyping"
	CommentStats        Type = "CommentStats"
	NewNotification     Type = "NewNotification"
)

// Visibility controls which gateway sessions receive an event
type Visibility int

const (
	// VisibilityPublic events go to every member of the post's group
	VisibilityPublic Visibility = iota
	// VisibilityModerators events go to moderator sessions and the comment author
	VisibilityModerators
	// VisibilityUser events go only to TargetUserID's sessions
	VisibilityUser
)

// Event is a single published fact. Seq is assigned by the bus.
type Event struct {
	Type         Type       `json:"type"`
	Seq          uint64     `json:"seq"`
	PostID       string     `json:"post_id,omitempty"`
	CommentID    string     `json:"comment_id,omitempty"`
	ActorID      string     `json:"actor_id,omitempty"`
	TargetUserID string     `json:"-"`
	Visibility   Visibility `json:"-"`
	Payload      any        `json:"payload,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// TransitionPayload accompanies moderation state change events
type TransitionPayload struct {
	Comment       *models.Comment         `json:"comment"`
	PreviousState models.CommentState     `json:"previous_state"`
	Event         *models.ModerationEvent `json:"event"`
}

// TypingPayload accompanies typing indicator events
type TypingPayload struct {
	UserID    string    `json:"user_id"`
	ParentID  *string   `json:"parent_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ReportPayload accompanies CommentReported
type ReportPayload struct {
	Comment *models.Comment `json:"comment"`
	Report  *models.Report  `json:"report"`
}

// LikePayload accompanies CommentLiked and CommentUnliked
type LikePayload struct {
	UserID    string `json:"user_id"`
	LikeCount int64  `json:"like_count"`
}

// Comment returns the comment carried by the event payload, if any
func (e Event) Comment() *models.Comment {
	switch p := e.Payload.(type) {
	case *models.Comment:
		return p
	case *TransitionPayload:
		return p.Comment
	case *ReportPayload:
		return p.Comment
	}
	return nil
}

// IsModerationTransition reports whether t is emitted by the state machine
func (t Type) IsModerationTransition() bool {
	switch t {
	case CommentApproved, CommentRejected, CommentHidden, CommentRestored, CommentMarkedAsSpam:
		return true
	}
	return false
}
