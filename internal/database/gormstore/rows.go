package gormstore

import (
	"encoding/json"
	"time"

	"tangled.org/arabica.social/murmur/internal/models"
)

// commentRow is the relational form of models.Comment. ThreadPath is stored
// as a JSON array; subtree reads use the indexed sort key.
type commentRow struct {
	ID              string  `gorm:"primaryKey;size:64"`
	PostID          string  `gorm:"size:128;not null;index:idx_comment_tree,priority:1"`
	AuthorID        string  `gorm:"size:128;not null;index"`
	ParentID        *string `gorm:"size:64"`
	RootID          string  `gorm:"size:64;not null"`
	ThreadPath      string  `gorm:"type:text;not null"`
	SortKey         string  `gorm:"size:1024;not null;index:idx_comment_tree,priority:2"`
	Depth           int     `gorm:"not null"`
	ContentRaw      string  `gorm:"type:text"`
	ContentRendered string  `gorm:"type:text"`
	State           string  `gorm:"size:16;not null;index:idx_comment_state,priority:1"`
	Version         int64   `gorm:"not null;default:0"`
	LikeCount       int64   `gorm:"not null;default:0"`
	ReplyCount      int64   `gorm:"not null;default:0"`
	ReportCount     int64   `gorm:"not null;default:0"`
	ModerationScore float64
	Deleted         bool
	DeletedAt       *time.Time
	IP              string    `gorm:"size:64"`
	UserAgent       string    `gorm:"size:512"`
	CreatedAt       time.Time `gorm:"index:idx_comment_state,priority:2"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
}

func (commentRow) TableName() string { return "comments" }

func commentToRow(c *models.Comment) (*commentRow, error) {
	path, err := json.Marshal(c.ThreadPath)
	if err != nil {
		return nil, err
	}
	return &commentRow{
		ID:              c.ID,
		PostID:          c.PostID,
		AuthorID:        c.AuthorID,
		ParentID:        c.ParentID,
		RootID:          c.RootID,
		ThreadPath:      string(path),
		SortKey:         c.SortKey,
		Depth:           c.Depth,
		ContentRaw:      c.Content.Raw,
		ContentRendered: c.Content.Rendered,
		State:           string(c.State),
		Version:         c.Version,
		LikeCount:       c.LikeCount,
		ReplyCount:      c.ReplyCount,
		ReportCount:     c.ReportCount,
		ModerationScore: c.ModerationScore,
		Deleted:         c.Deleted,
		DeletedAt:       c.DeletedAt,
		IP:              c.IP,
		UserAgent:       c.UserAgent,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}, nil
}

func (r *commentRow) toModel() (*models.Comment, error) {
	var path []string
	if err := json.Unmarshal([]byte(r.ThreadPath), &path); err != nil {
		return nil, err
	}
	return &models.Comment{
		ID:              r.ID,
		PostID:          r.PostID,
		AuthorID:        r.AuthorID,
		ParentID:        r.ParentID,
		RootID:          r.RootID,
		ThreadPath:      path,
		SortKey:         r.SortKey,
		Depth:           r.Depth,
		Content:         models.Content{Raw: r.ContentRaw, Rendered: r.ContentRendered},
		State:           models.CommentState(r.State),
		Version:         r.Version,
		LikeCount:       r.LikeCount,
		ReplyCount:      r.ReplyCount,
		ReportCount:     r.ReportCount,
		ModerationScore: r.ModerationScore,
		Deleted:         r.Deleted,
		DeletedAt:       r.DeletedAt,
		IP:              r.IP,
		UserAgent:       r.UserAgent,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}, nil
}

type likeRow struct {
	CommentID string `gorm:"primaryKey;size:64"`
	UserID    string `gorm:"primaryKey;size:128"`
	CreatedAt time.Time
}

func (likeRow) TableName() string { return "comment_likes" }

type reportRow struct {
	CommentID  string `gorm:"primaryKey;size:64"`
	ReporterID string `gorm:"primaryKey;size:128"`
	Reason     string `gorm:"size:512"`
	CreatedAt  time.Time
}

func (reportRow) TableName() string { return "comment_reports" }

type eventRow struct {
	ID            string  `gorm:"primaryKey;size:64"`
	CommentID     string  `gorm:"size:64;not null;index:idx_event_comment,priority:1"`
	ModeratorID   *string `gorm:"size:128"`
	PreviousState string  `gorm:"size:16"`
	NewState      string  `gorm:"size:16"`
	Reason        string  `gorm:"size:512"`
	Score         float64
	Version       int64
	Timestamp     time.Time `gorm:"column:occurred_at;index:idx_event_comment,priority:2"`
}

func (eventRow) TableName() string { return "moderation_events" }

func eventToRow(ev *models.ModerationEvent) *eventRow {
	return &eventRow{
		ID:            ev.ID,
		CommentID:     ev.CommentID,
		ModeratorID:   ev.ModeratorID,
		PreviousState: string(ev.PreviousState),
		NewState:      string(ev.NewState),
		Reason:        ev.Reason,
		Score:         ev.Score,
		Version:       ev.Version,
		Timestamp:     ev.Timestamp,
	}
}

func (r *eventRow) toModel() *models.ModerationEvent {
	return &models.ModerationEvent{
		ID:            r.ID,
		CommentID:     r.CommentID,
		ModeratorID:   r.ModeratorID,
		PreviousState: models.CommentState(r.PreviousState),
		NewState:      models.CommentState(r.NewState),
		Reason:        r.Reason,
		Score:         r.Score,
		Version:       r.Version,
		Timestamp:     r.Timestamp.UTC(),
	}
}

type ruleRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	Name       string `gorm:"size:256"`
	Priority   int
	Enabled    bool
	Threshold  float64
	Conditions string `gorm:"type:text"`
	Action     string `gorm:"size:16"`
	CreatedAt  time.Time
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false"`
}

func (ruleRow) TableName() string { return "moderation_rules" }

func ruleToRow(r *models.ModerationRule) (*ruleRow, error) {
	conds, err := json.Marshal(r.Conditions)
	if err != nil {
		return nil, err
	}
	return &ruleRow{
		ID:         r.ID,
		Name:       r.Name,
		Priority:   r.Priority,
		Enabled:    r.Enabled,
		Threshold:  r.Threshold,
		Conditions: string(conds),
		Action:     string(r.Action),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

func (r *ruleRow) toModel() (*models.ModerationRule, error) {
	var conds []models.Condition
	if err := json.Unmarshal([]byte(r.Conditions), &conds); err != nil {
		return nil, err
	}
	return &models.ModerationRule{
		ID:         r.ID,
		Name:       r.Name,
		Priority:   r.Priority,
		Enabled:    r.Enabled,
		Threshold:  r.Threshold,
		Conditions: conds,
		Action:     models.Action(r.Action),
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}, nil
}

type trustRow struct {
	UserID    string    `gorm:"primaryKey;size:128"`
	Score     float64   `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
	FirstSeen time.Time
	Recent    string `gorm:"type:text"`
}

func (trustRow) TableName() string { return "trust_scores" }

func trustToRow(t *models.TrustRecord) (*trustRow, error) {
	recent, err := json.Marshal(t.Recent)
	if err != nil {
		return nil, err
	}
	return &trustRow{UserID: t.UserID, Score: t.Score, UpdatedAt: t.UpdatedAt, FirstSeen: t.FirstSeen, Recent: string(recent)}, nil
}

func (r *trustRow) toModel() (*models.TrustRecord, error) {
	rec := &models.TrustRecord{UserID: r.UserID, Score: r.Score, UpdatedAt: r.UpdatedAt.UTC(), FirstSeen: r.FirstSeen.UTC()}
	if r.Recent != "" {
		if err := json.Unmarshal([]byte(r.Recent), &rec.Recent); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func allRows() []any {
	return []any{&commentRow{}, &likeRow{}, &reportRow{}, &eventRow{}, &ruleRow{}, &trustRow{}}
}
