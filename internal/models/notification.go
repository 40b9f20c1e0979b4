package models

import "time"

// NotificationType represents the kind of notification
type NotificationType string

const (
	NotificationMention         NotificationType = "mention"
	NotificationReply           NotificationType = "reply"
	NotificationCommentApproved NotificationType = "comment_approved"
	NotificationCommentRejected NotificationType = "comment_rejected"
	NotificationCommentReported NotificationType = "comment_reported"
)

// Valid reports whether t is a known notification type
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationMention, NotificationReply, NotificationCommentApproved,
		NotificationCommentRejected, NotificationCommentReported:
		return true
	}
	return false
}

// Notification is a single notification for a user
type Notification struct {
	ID           string           `json:"id"`
	Type         NotificationType `json:"type"`
	TargetUserID string           `json:"target_user_id"`
	ActorID      string           `json:"actor_id"`
	PostID       string           `json:"post_id"`
	CommentID    string           `json:"comment_id"`
	Message      string           `json:"message"`
	CreatedAt    time.Time        `json:"created_at"`
	Read         bool             `json:"read"`
}

// Report is a user report against a comment
type Report struct {
	CommentID  string    `json:"comment_id"`
	ReporterID string    `json:"reporter_id"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}
