// Package sqlitestore provides SQLite-backed store implementations.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"

	"tangled.org/arabica.social/murmur/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	target_user TEXT NOT NULL,
	type        TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	post_id     TEXT NOT NULL,
	comment_id  TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	read_at     TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_dedupe
	ON notifications (target_user, type, actor_id, comment_id);
CREATE INDEX IF NOT EXISTS idx_notifications_target_page
	ON notifications (target_user, created_at DESC, id DESC);
CREATE TABLE IF NOT EXISTS notifications_meta (
	target_user TEXT PRIMARY KEY,
	last_read   TEXT NOT NULL
);
`

// timeFormat is fixed width so stored timestamps sort lexically
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// NotificationStore is the per-user notification inbox.
type NotificationStore struct {
	db *sql.DB
}

// OpenNotificationStore opens (or creates) the inbox database at path. The
// connection is instrumented with OpenTelemetry spans.
func OpenNotificationStore(path string) (*NotificationStore, error) {
	if path == "" {
		return nil, &models.ConfigError{Field: "notify.inbox_path", Message: "required"}
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create inbox directory: %w", err)
			}
		}
	}

	db, err := otelsql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		otelsql.WithAttributes(attribute.String("db.system", "sqlite")))
	if err != nil {
		return nil, fmt.Errorf("failed to open inbox database: %w", err)
	}
	// one connection keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply inbox schema: %w", err)
	}
	return &NotificationStore{db: db}, nil
}

// NewNotificationStore wraps a database that already has the inbox schema.
func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// Close closes the database.
func (s *NotificationStore) Close() error {
	return s.db.Close()
}

// Create stores a notification for its target user. Duplicates by
// (target, type, actor, comment) and self-notifications are skipped; the
// first return value reports whether a row was written. Notifications
// without an id get a UUIDv7.
func (s *NotificationStore) Create(ctx context.Context, n *models.Notification) (bool, error) {
	if n.TargetUserID == "" || n.TargetUserID == n.ActorID {
		return false, nil
	}
	if n.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return false, fmt.Errorf("generate notification id: %w", err)
		}
		n.ID = id.String()
	}

	// only the dedupe index may swallow a row; an id collision is an error
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, target_user, type, actor_id, post_id, comment_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (target_user, type, actor_id, comment_id) DO NOTHING
	`, n.ID, n.TargetUserID, string(n.Type), n.ActorID, n.PostID, n.CommentID, n.Message,
		n.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return false, fmt.Errorf("create notification: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// cursorSep joins the created_at and id halves of a page cursor
const cursorSep = "|"

func encodeCursor(n models.Notification) string {
	return n.CreatedAt.UTC().Format(timeFormat) + cursorSep + n.ID
}

// decodeCursor splits a page cursor. A cursor without an id half pages on
// created_at alone.
func decodeCursor(cursor string) (createdAt, id string) {
	createdAt, id, _ = strings.Cut(cursor, cursorSep)
	return createdAt, id
}

// List returns notifications for a user, newest first, with keyset
// pagination over (created_at, id) so rows sharing a timestamp are never
// skipped. The returned cursor is empty on the last page.
func (s *NotificationStore) List(ctx context.Context, userID string, limit int, cursor string) ([]models.Notification, string, error) {
	if limit <= 0 {
		limit = 20
	}

	lastRead, err := s.lastRead(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	query := `SELECT id, type, actor_id, post_id, comment_id, message, created_at, read_at
		FROM notifications WHERE target_user = ?`
	args := []any{userID}
	if cursor != "" {
		createdAt, id := decodeCursor(cursor)
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, createdAt, createdAt, id)
	}
	// one extra row tells us whether there is a next page
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var typ, createdAt string
		var readAt sql.NullString
		if err := rows.Scan(&n.ID, &typ, &n.ActorID, &n.PostID, &n.CommentID, &n.Message, &createdAt, &readAt); err != nil {
			return nil, "", err
		}
		n.TargetUserID = userID
		n.Type = models.NotificationType(typ)
		n.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		n.Read = readAt.Valid || (!lastRead.IsZero() && !n.CreatedAt.After(lastRead))
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(out) > limit {
		next = encodeCursor(out[limit-1])
		out = out[:limit]
	}
	return out, next, nil
}

// UnreadCount returns the number of unread notifications for a user.
func (s *NotificationStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}
	lastRead, err := s.lastRead(ctx, userID)
	if err != nil {
		return 0, err
	}

	var count int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE target_user = ? AND read_at IS NULL AND created_at > ?
	`, userID, lastRead.UTC().Format(timeFormat)).Scan(&count)
	return count, err
}

// MarkAllRead moves the user's read watermark to at.
func (s *NotificationStore) MarkAllRead(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO notifications_meta (target_user, last_read) VALUES (?, ?)`,
		userID, at.UTC().Format(timeFormat))
	return err
}

// MarkRead marks a single notification read. Unknown ids, or ids owned by
// another user, return models.ErrNotFound.
func (s *NotificationStore) MarkRead(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, ?)
		WHERE id = ? AND target_user = ?
	`, time.Now().UTC().Format(timeFormat), id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// DeleteForComment removes every notification pointing at a comment. Used
// when the comment is deleted.
func (s *NotificationStore) DeleteForComment(ctx context.Context, commentID string) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE comment_id = ?`, commentID); err != nil {
		log.Warn().Err(err).Str("comment", commentID).Msg("failed to delete comment notifications")
	}
}

// lastRead returns the user's read watermark, zero if never set.
func (s *NotificationStore) lastRead(ctx context.Context, userID string) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT last_read FROM notifications_meta WHERE target_user = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, _ := time.Parse(timeFormat, raw)
	return t, nil
}
