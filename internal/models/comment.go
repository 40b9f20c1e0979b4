package models

import (
	"fmt"
	"strings"
	"time"
)

// Limits applied to user-submitted comment fields
const (
	MaxContentLength = 10000
	MaxReasonLength  = 500
	DefaultMaxDepth  = 10

	// DeletedPlaceholder replaces the content of a tombstoned comment
	DeletedPlaceholder = "[deleted]"
)

// CommentState is the moderation lifecycle state of a comment
type CommentState string

const (
	StatePending  CommentState = "pending"
	StateApproved CommentState = "approved"
	StateRejected CommentState = "rejected"
	StateHidden   CommentState = "hidden"
	StateSpam     CommentState = "spam"
)

// AllStates returns every comment state
func AllStates() []CommentState {
	return []CommentState{StatePending, StateApproved, StateRejected, StateHidden, StateSpam}
}

// Valid reports whether s is a known state
func (s CommentState) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateRejected, StateHidden, StateSpam:
		return true
	}
	return false
}

// Visible reports whether comments in this state are shown to the public
func (s CommentState) Visible() bool {
	return s == StateApproved
}

// Content holds the raw markdown submitted by the author and its sanitized HTML
type Content struct {
	Raw      string `json:"raw"`
	Rendered string `json:"rendered"`
}

// Comment is a single node in a post's comment tree.
// ThreadPath lists ancestor ids from root to parent and excludes the comment itself.
type Comment struct {
	ID              string       `json:"id"`
	PostID          string       `json:"post_id"`
	AuthorID        string       `json:"author_id"`
	ParentID        *string      `json:"parent_id,omitempty"`
	RootID          string       `json:"root_id"`
	ThreadPath      []string     `json:"thread_path"`
	SortKey         string       `json:"sort_key"`
	Depth           int          `json:"depth"`
	Content         Content      `json:"content"`
	State           CommentState `json:"state"`
	Version         int64        `json:"version"`
	LikeCount       int64        `json:"like_count"`
	ReplyCount      int64        `json:"reply_count"`
	ReportCount     int64        `json:"report_count"`
	ModerationScore float64      `json:"moderation_score"`
	Deleted         bool         `json:"deleted"`
	DeletedAt       *time.Time   `json:"deleted_at,omitempty"`
	IP              string       `json:"-"`
	UserAgent       string       `json:"-"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// IsRoot returns true if the comment has no parent
func (c *Comment) IsRoot() bool {
	return c.ParentID == nil
}

// Parent returns the parent id or an empty string for roots
func (c *Comment) Parent() string {
	if c.ParentID == nil {
		return ""
	}
	return *c.ParentID
}

// SubtreePrefix is the sort key prefix shared by every descendant
func (c *Comment) SubtreePrefix() string {
	return c.SortKey + "/"
}

// Clone returns a deep copy
func (c *Comment) Clone() *Comment {
	cp := *c
	if c.ParentID != nil {
		p := *c.ParentID
		cp.ParentID = &p
	}
	if c.DeletedAt != nil {
		d := *c.DeletedAt
		cp.DeletedAt = &d
	}
	cp.ThreadPath = append([]string(nil), c.ThreadPath...)
	return &cp
}

// SortSegment builds the materialized path segment for one node.
// Creation time is encoded as fixed-width hex so lexicographic order equals
// chronological order; the id breaks ties between siblings created in the same
// nanosecond.
func SortSegment(createdAt time.Time, id string) string {
	return fmt.Sprintf("%016x.%s", uint64(createdAt.UnixNano()), id)
}

// ChildSortKey appends a child's segment to its parent's sort key
func ChildSortKey(parentKey string, createdAt time.Time, id string) string {
	if parentKey == "" {
		return SortSegment(createdAt, id)
	}
	return parentKey + "/" + SortSegment(createdAt, id)
}

// SortKeyDepth returns the depth encoded in a sort key
func SortKeyDepth(key string) int {
	return strings.Count(key, "/")
}

// Counter names a denormalized comment counter
type Counter string

const (
	CounterLikes   Counter = "likes"
	CounterReplies Counter = "replies"
	CounterReports Counter = "reports"
)

// Valid reports whether c is a known counter
func (c Counter) Valid() bool {
	return c == CounterLikes || c == CounterReplies || c == CounterReports
}

// Apply adds delta to the matching field of comment, never going below zero
func (c Counter) Apply(comment *Comment, delta int64) {
	var field *int64
	switch c {
	case CounterLikes:
		field = &comment.LikeCount
	case CounterReplies:
		field = &comment.ReplyCount
	case CounterReports:
		field = &comment.ReportCount
	default:
		return
	}
	*field += delta
	if *field < 0 {
		*field = 0
	}
}

// NewComment is the input for creating a comment
type NewComment struct {
	PostID    string  `json:"post_id"`
	ParentID  *string `json:"parent_id,omitempty"`
	AuthorID  string  `json:"author_id"`
	Content   string  `json:"content"`
	IP        string  `json:"-"`
	UserAgent string  `json:"-"`
}

// Validate checks the user-supplied fields of a new comment
func (n *NewComment) Validate() error {
	if strings.TrimSpace(n.PostID) == "" {
		return &ValidationError{Field: "post_id", Message: "is required"}
	}
	if strings.TrimSpace(n.AuthorID) == "" {
		return &ValidationError{Field: "author_id", Message: "is required"}
	}
	if n.ParentID != nil && strings.TrimSpace(*n.ParentID) == "" {
		return &ValidationError{Field: "parent_id", Message: "must not be empty"}
	}
	return ValidateContent(n.Content, MaxContentLength)
}

// ValidateContent rejects blank content and content longer than maxLen runes
func ValidateContent(raw string, maxLen int) error {
	if strings.TrimSpace(raw) == "" {
		return &ValidationError{Field: "content", Message: "must not be empty"}
	}
	if maxLen > 0 && len([]rune(raw)) > maxLen {
		return &ValidationError{Field: "content", Message: fmt.Sprintf("exceeds %d characters", maxLen)}
	}
	return nil
}

// CommentStats aggregates counts for one post's comment section
type CommentStats struct {
	PostID  string               `json:"post_id"`
	Total   int                  `json:"total"`
	ByState map[CommentState]int `json:"by_state"`
	Deleted int                  `json:"deleted"`
	Likes   int64                `json:"likes"`
	Replies int64                `json:"replies"`
	Reports int64                `json:"reports"`
}

// NewCommentStats builds stats from a post's comments
func NewCommentStats(postID string, comments []*Comment) *CommentStats {
	stats := &CommentStats{PostID: postID, ByState: make(map[CommentState]int)}
	for _, c := range comments {
		stats.Total++
		stats.ByState[c.State]++
		if c.Deleted {
			stats.Deleted++
		}
		stats.Likes += c.LikeCount
		stats.Replies += c.ReplyCount
		stats.Reports += c.ReportCount
	}
	return stats
}
