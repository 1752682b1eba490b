package query

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrCatalogMismatch means a query validated against one catalog was
	// handed a storage handle belonging to another. The executor refuses
	// to run it regardless of what the orchestrator believes.
	ErrCatalogMismatch = errors.New("catalog fingerprint does not match handle")
	// ErrTimeout is the statement timeout; it is reported, never silently
	// truncated into a partial result.
	ErrTimeout = errors.New("statement timed out")
)

// Request is a validated query bound to the catalog it was approved for.
type Request struct {
	SQL                string
	CatalogFingerprint string
	RowLimit           int
}

type Result struct {
	Columns  []string
	Rows     [][]any
	RowCount int
	Duration time.Duration
}

// Handle pairs an open database with the fingerprint of the catalog that
// describes it. The pairing is what lets the executor re-check scope.
type Handle struct {
	DB          *sql.DB
	Fingerprint string
	Path        string
}

func (h *Handle) Close() error {
	if h == nil || h.DB == nil {
		return nil
	}
	return h.DB.Close()
}

type Engine interface {
	Execute(ctx context.Context, handle *Handle, req Request) (Result, error)
}
