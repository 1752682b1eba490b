// Package history persists answered questions to Postgres for audit and
// usage analysis. Recording is best-effort from the caller's point of view;
// an unreachable history store must never fail the answer itself.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

func Open(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("history dsn is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}

	return db, nil
}

// Entry is one answered (or refused) question.
type Entry struct {
	ID         int64
	CallerID   string
	SessionID  string
	Question   string
	SQL        string
	Outcome    string
	ErrorCode  string
	Cached     bool
	RowCount   int
	DurationMS int64
	CreatedAt  time.Time
}

// Filter narrows List results. Zero values mean no constraint.
type Filter struct {
	CallerID string
	Outcome  string
	Since    time.Time
	Limit    int
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const insertSQL = `
INSERT INTO query_history (caller_id, session_id, question, sql_text, outcome, error_code, cached, row_count, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`

func (s *Store) Record(ctx context.Context, entry Entry) (int64, error) {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, insertSQL,
		entry.CallerID,
		entry.SessionID,
		entry.Question,
		entry.SQL,
		entry.Outcome,
		entry.ErrorCode,
		entry.Cached,
		entry.RowCount,
		entry.DurationMS,
		createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record history entry: %w", err)
	}
	return id, nil
}

func (s *Store) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.CallerID != "" {
		args = append(args, filter.CallerID)
		conditions = append(conditions, fmt.Sprintf("caller_id = $%d", len(args)))
	}
	if filter.Outcome != "" {
		args = append(args, filter.Outcome)
		conditions = append(conditions, fmt.Sprintf("outcome = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	queryText := `SELECT id, caller_id, session_id, question, sql_text, outcome, error_code, cached, row_count, duration_ms, created_at FROM query_history`
	if len(conditions) > 0 {
		queryText += " WHERE " + strings.Join(conditions, " AND ")
	}
	queryText += " ORDER BY created_at DESC, id DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	queryText += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, queryText, args...)
	if err != nil {
		return nil, fmt.Errorf("list history entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(
			&entry.ID,
			&entry.CallerID,
			&entry.SessionID,
			&entry.Question,
			&entry.SQL,
			&entry.Outcome,
			&entry.ErrorCode,
			&entry.Cached,
			&entry.RowCount,
			&entry.DurationMS,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history entries: %w", err)
	}
	return entries, nil
}
