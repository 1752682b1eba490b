package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/datapulse/datapulse/internal/query"
)

// Engine runs validated statements against SQLite handles. Timeout applies
// per statement; when it fires the caller sees query.ErrTimeout rather than
// the driver's context error.
type Engine struct {
	Timeout time.Duration
}

func NewEngine(timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{Timeout: timeout}
}

// Open opens the database file at path and tags the handle with the
// fingerprint of the catalog describing it.
func Open(path, fingerprint string) (*query.Handle, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	return &query.Handle{DB: db, Fingerprint: fingerprint, Path: path}, nil
}

// OpenMemory opens a private in-memory database. The connection pool is
// capped at one because each in-memory connection sees its own database.
func OpenMemory(fingerprint string) (*query.Handle, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &query.Handle{DB: db, Fingerprint: fingerprint, Path: ":memory:"}, nil
}

func (e *Engine) Execute(ctx context.Context, handle *query.Handle, request query.Request) (query.Result, error) {
	if handle == nil || handle.DB == nil {
		return query.Result{}, fmt.Errorf("database handle is required")
	}
	if request.CatalogFingerprint != handle.Fingerprint {
		return query.Result{}, query.ErrCatalogMismatch
	}
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if request.RowLimit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, request.RowLimit)
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	start := time.Now()
	rows, err := handle.DB.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, mapExecError(ctx, err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, mapExecError(ctx, err)
	}

	return query.Result{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
		Duration: time.Since(start),
	}, nil
}

func mapExecError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return query.ErrTimeout
	}
	return fmt.Errorf("execute query: %w", err)
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
