package activity

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskpulse/internal/models"
	"taskpulse/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// Filter narrows an activity query. Page is 1-based.
type Filter struct {
	UserID    string
	EventType string
	From      *time.Time
	To        *time.Time
	Page      int
	Limit     int
}

// Repository persists and reads the append-only activity log.
type Repository struct {
	db         *sql.DB
	countGroup singleflight.Group
}

// NewRepository wraps the given pool.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert appends one entry.
func (r *Repository) Insert(ctx context.Context, entry models.ActivityLogEntry) error {
	if r.db == nil {
		return sql.ErrConnDone
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO activity_log (id, user_id, event_type, entity_type, entity_id, timestamp, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.UserID, entry.EventType, entry.EntityType, entry.EntityID, entry.Timestamp, []byte(entry.Details))
	if err != nil {
		logger.Error(ctx, "Activity insert failed", "error", err, "entry_id", entry.ID)
		return err
	}
	return nil
}

// Query returns one page of entries in descending timestamp order plus the
// total match count. Concurrent identical counts collapse via singleflight.
func (r *Repository) Query(ctx context.Context, f Filter) ([]models.ActivityLogEntry, int, error) {
	if r.db == nil {
		return nil, 0, sql.ErrConnDone
	}

	where, args := buildWhere(f)

	total, err := r.countMatches(ctx, where, args)
	if err != nil {
		return nil, 0, err
	}

	offset := (f.Page - 1) * f.Limit
	query := fmt.Sprintf(
		`SELECT id, user_id, event_type, entity_type, entity_id, timestamp, details
		 FROM activity_log %s ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, query, append(args, f.Limit, offset)...)
	if err != nil {
		logger.Error(ctx, "Activity query failed", "error", err)
		return nil, 0, err
	}
	defer rows.Close()

	entries := make([]models.ActivityLogEntry, 0, f.Limit)
	for rows.Next() {
		var e models.ActivityLogEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &e.EntityType, &e.EntityID, &e.Timestamp, &details); err != nil {
			logger.Error(ctx, "Activity scan failed", "error", err)
			return nil, 0, err
		}
		e.Details = details
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

func (r *Repository) countMatches(ctx context.Context, where string, args []interface{}) (int, error) {
	key := where + "|" + fmt.Sprint(args...)
	v, err, _ := r.countGroup.Do(key, func() (interface{}, error) {
		var total int
		err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM activity_log "+where, args...).Scan(&total)
		return total, err
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func buildWhere(f Filter) (string, []interface{}) {
	clauses := []string{"user_id = $1"}
	args := []interface{}{f.UserID}
	if f.EventType != "" {
		args = append(args, f.EventType)
		clauses = append(clauses, "event_type = $"+strconv.Itoa(len(args)))
	}
	if f.From != nil {
		args = append(args, *f.From)
		clauses = append(clauses, "timestamp >= $"+strconv.Itoa(len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		clauses = append(clauses, "timestamp <= $"+strconv.Itoa(len(args)))
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
