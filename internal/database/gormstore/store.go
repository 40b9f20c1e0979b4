// Package gormstore implements the persistence interfaces on a relational
// database through GORM. PostgreSQL is the production target; SQLite is
// supported for development and tests.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tangled.org/arabica.social/murmur/internal/database"
	"tangled.org/arabica.social/murmur/internal/models"
)

var _ database.Store = (*Store)(nil)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options configures the relational store
type Options struct {
	Driver string
	DSN    string
	Debug  bool
}

// Store implements database.Store on GORM
type Store struct {
	db *gorm.DB
}

// Open connects and migrates the schema
func Open(opts Options) (*Store, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case DriverPostgres, "":
		if opts.DSN == "" {
			return nil, &models.ConfigError{Field: "storage.dsn", Message: "required for postgres"}
		}
		dialector = postgres.Open(opts.DSN)
	case DriverSQLite:
		dsn := opts.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, &models.ConfigError{Field: "storage.driver", Message: "unknown driver " + opts.Driver}
	}

	logLevel := logger.Silent
	if opts.Debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.Driver == DriverSQLite {
		// SQLite allows one writer; an in-memory database exists per connection
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(allRows()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Debug().Str("dialect", db.Dialector.Name()).Msg("gormstore: schema migrated")
	return &Store{db: db}, nil
}

// DB returns the underlying GORM handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, models.ErrNotFound)
}

func findComment(tx *gorm.DB, id string, lock bool) (*commentRow, error) {
	var row commentRow
	q := tx
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("comment", id)
		}
		return nil, err
	}
	return &row, nil
}

func rowsToComments(rows []commentRow) ([]*models.Comment, error) {
	out := make([]*models.Comment, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// LoadComment retrieves a comment by id
func (s *Store) LoadComment(ctx context.Context, id string) (*models.Comment, error) {
	row, err := findComment(s.db.WithContext(ctx), id, false)
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// SaveComment inserts a new comment
func (s *Store) SaveComment(ctx context.Context, c *models.Comment) error {
	row, err := commentToRow(c)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return fmt.Errorf("failed to save comment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("comment %s already exists: %w", c.ID, models.ErrConflict)
	}
	return nil
}

// UpdateComment applies fn to a row-locked comment inside a transaction
func (s *Store) UpdateComment(ctx context.Context, id string, fn func(c *models.Comment) error) (*models.Comment, error) {
	var out *models.Comment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findComment(tx, id, true)
		if err != nil {
			return err
		}
		c, err := row.toModel()
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		next, err := commentToRow(c)
		if err != nil {
			return err
		}
		out = c
		return tx.Save(next).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// escapeLike escapes LIKE wildcards with a backslash
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListByPrefix returns comments of postID whose sort key starts with prefix,
// in sort key order
func (s *Store) ListByPrefix(ctx context.Context, postID, prefix string) ([]*models.Comment, error) {
	var rows []commentRow
	q := s.db.WithContext(ctx).Where("post_id = ?", postID)
	if prefix != "" {
		q = q.Where(`sort_key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	}
	if err := q.Order("sort_key ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return rowsToComments(rows)
}

func counterColumn(counter models.Counter) (string, error) {
	switch counter {
	case models.CounterLikes:
		return "like_count", nil
	case models.CounterReplies:
		return "reply_count", nil
	case models.CounterReports:
		return "report_count", nil
	}
	return "", &models.ValidationError{Field: "counter", Message: "unknown counter " + string(counter)}
}

// bump adds delta to a counter column in SQL, clamping at zero
func bump(tx *gorm.DB, id, column string, delta int64) (int64, error) {
	expr := gorm.Expr(fmt.Sprintf("CASE WHEN %[1]s + ? < 0 THEN 0 ELSE %[1]s + ? END", column), delta, delta)
	res := tx.Model(&commentRow{}).Where("id = ?", id).Update(column, expr)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, notFound("comment", id)
	}
	var value int64
	if err := tx.Model(&commentRow{}).Where("id = ?", id).Pluck(column, &value).Error; err != nil {
		return 0, err
	}
	return value, nil
}

// IncrementCounter adds delta to a counter atomically
func (s *Store) IncrementCounter(ctx context.Context, id string, counter models.Counter, delta int64) (int64, error) {
	column, err := counterColumn(counter)
	if err != nil {
		return 0, err
	}
	var value int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		value, err = bump(tx, id, column, delta)
		return err
	})
	return value, err
}

func currentCount(tx *gorm.DB, id, column string) (int64, error) {
	var value int64
	err := tx.Model(&commentRow{}).Where("id = ?", id).Pluck(column, &value).Error
	return value, err
}

// AddLike records a like once per user
func (s *Store) AddLike(ctx context.Context, commentID, userID string) (bool, int64, error) {
	return s.mark(ctx, commentID, "like_count", &likeRow{CommentID: commentID, UserID: userID, CreatedAt: time.Now().UTC()})
}

// AddReport records a report once per reporter
func (s *Store) AddReport(ctx context.Context, report *models.Report) (bool, int64, error) {
	return s.mark(ctx, report.CommentID, "report_count", &reportRow{
		CommentID:  report.CommentID,
		ReporterID: report.ReporterID,
		Reason:     report.Reason,
		CreatedAt:  report.CreatedAt,
	})
}

// mark inserts a per-user marker row and bumps column when it was new
func (s *Store) mark(ctx context.Context, commentID, column string, marker any) (bool, int64, error) {
	var changed bool
	var count int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := findComment(tx, commentID, true); err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(marker)
		if res.Error != nil {
			return res.Error
		}
		var err error
		if res.RowsAffected == 0 {
			count, err = currentCount(tx, commentID, column)
			return err
		}
		changed = true
		count, err = bump(tx, commentID, column, 1)
		return err
	})
	return changed, count, err
}

// RemoveLike deletes a user's like if present
func (s *Store) RemoveLike(ctx context.Context, commentID, userID string) (bool, int64, error) {
	var changed bool
	var count int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := findComment(tx, commentID, true); err != nil {
			return err
		}
		res := tx.Where("comment_id = ? AND user_id = ?", commentID, userID).Delete(&likeRow{})
		if res.Error != nil {
			return res.Error
		}
		var err error
		if res.RowsAffected == 0 {
			count, err = currentCount(tx, commentID, "like_count")
			return err
		}
		changed = true
		count, err = bump(tx, commentID, "like_count", -1)
		return err
	})
	return changed, count, err
}

// CountComments returns the number of stored comments
func (s *Store) CountComments(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&commentRow{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}
