// Package ingest turns uploaded CSV and SQLite files into a session-local
// database. The on-disk filename is fixed; client-supplied names only ever
// influence table names, and only after sanitization.
package ingest

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	_ "modernc.org/sqlite"

	"github.com/datapulse/datapulse/internal/catalog"
)

// DatabaseFileName is the fixed name of every session database. Uploads never
// choose their own path.
const DatabaseFileName = "user_database.db"

// File is one uploaded file: the client-supplied name and its content.
type File struct {
	Name    string
	Content io.Reader
}

var identifierDisallowed = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// SanitizeTableName derives a table name from an uploaded filename: extension
// stripped, charset reduced, digit-leading names prefixed, 50-char cap.
func SanitizeTableName(fileName string) string {
	name := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	name = identifierDisallowed.ReplaceAllString(name, "_")
	if name != "" && unicode.IsDigit(rune(name[0])) {
		name = "table_" + name
	}
	name = strings.ToLower(name)
	if len(name) > 50 {
		name = name[:50]
	}
	if name == "" || strings.Trim(name, "_") == "" {
		return "table"
	}
	return name
}

func SanitizeColumnName(column string) string {
	name := identifierDisallowed.ReplaceAllString(strings.TrimSpace(column), "_")
	if name != "" && unicode.IsDigit(rune(name[0])) {
		name = "col_" + name
	}
	name = strings.ToLower(name)
	if len(name) > 50 {
		name = name[:50]
	}
	if name == "" || strings.Trim(name, "_") == "" {
		return "column"
	}
	return name
}

// FromCSV builds dir/user_database.db from one or more CSV files, one table
// per file. Column types are sniffed from the data. Returns the database
// path and the tables created.
func FromCSV(ctx context.Context, dir string, files []File) (string, []string, error) {
	if len(files) == 0 {
		return "", nil, fmt.Errorf("no files provided")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create session directory: %w", err)
	}
	dbPath := filepath.Join(dir, DatabaseFileName)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return "", nil, fmt.Errorf("open session database: %w", err)
	}
	defer func() { _ = db.Close() }()

	tables := make([]string, 0, len(files))
	for _, file := range files {
		tableName := SanitizeTableName(file.Name)
		if err := loadCSVTable(ctx, db, tableName, file.Content); err != nil {
			_ = os.Remove(dbPath)
			return "", nil, fmt.Errorf("load %q: %w", file.Name, err)
		}
		tables = append(tables, tableName)
	}
	return dbPath, tables, nil
}

// FromSQLite writes the uploaded content to dir/user_database.db and verifies
// it is a SQLite database with at least one table. Invalid uploads leave no
// file behind.
func FromSQLite(ctx context.Context, dir string, content io.Reader) (string, []string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create session directory: %w", err)
	}
	dbPath := filepath.Join(dir, DatabaseFileName)

	out, err := os.Create(dbPath)
	if err != nil {
		return "", nil, fmt.Errorf("create database file: %w", err)
	}
	if _, err := io.Copy(out, content); err != nil {
		_ = out.Close()
		_ = os.Remove(dbPath)
		return "", nil, fmt.Errorf("write database file: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dbPath)
		return "", nil, fmt.Errorf("close database file: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		_ = os.Remove(dbPath)
		return "", nil, fmt.Errorf("open uploaded database: %w", err)
	}
	tables, err := listTables(ctx, db)
	_ = db.Close()
	if err != nil {
		_ = os.Remove(dbPath)
		return "", nil, fmt.Errorf("not a valid sqlite database: %w", err)
	}
	if len(tables) == 0 {
		_ = os.Remove(dbPath)
		return "", nil, fmt.Errorf("database contains no tables")
	}
	return dbPath, tables, nil
}

// ExtractCatalog reads the table layout of an open database.
func ExtractCatalog(ctx context.Context, db *sql.DB) (catalog.Catalog, error) {
	names, err := listTables(ctx, db)
	if err != nil {
		return catalog.Catalog{}, err
	}
	tables := make([]catalog.Table, 0, len(names))
	for _, name := range names {
		columns, err := listColumns(ctx, db, name)
		if err != nil {
			return catalog.Catalog{}, err
		}
		tables = append(tables, catalog.Table{Name: name, Columns: columns})
	}
	return catalog.New(tables), nil
}

func listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return names, nil
}

func listColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("describe table %q: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []string
	for rows.Next() {
		var (
			cid        int
			name       string
			columnType sql.NullString
			notNull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &columnType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column of %q: %w", table, err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %q: %w", table, err)
	}
	return columns, nil
}

func loadCSVTable(ctx context.Context, db *sql.DB, tableName string, content io.Reader) error {
	reader := csv.NewReader(content)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 {
		return fmt.Errorf("empty header")
	}

	columns := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, raw := range header {
		name := SanitizeColumnName(raw)
		if n := seen[name]; n > 0 {
			name = fmt.Sprintf("%s_%d", name, n+1)
		}
		seen[SanitizeColumnName(raw)]++
		columns[i] = name
	}

	var records [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read row: %w", err)
		}
		records = append(records, record)
	}

	types := sniffColumnTypes(columns, records)

	columnDefs := make([]string, len(columns))
	for i, column := range columns {
		columnDefs[i] = fmt.Sprintf("%s %s", quoteIdent(column), types[i])
	}
	createSQL := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(tableName), strings.Join(columnDefs, ", "))
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(tableName))); err != nil {
		return fmt.Errorf("replace table: %w", err)
	}
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = quoteIdent(column)
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(tableName), strings.Join(quoted, ", "), placeholders)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, record := range records {
		values := make([]any, len(columns))
		for i := range columns {
			if i >= len(record) || record[i] == "" {
				values[i] = nil
				continue
			}
			values[i] = coerceValue(record[i], types[i])
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// sniffColumnTypes scans every value of a column and settles on the narrowest
// type that fits all of them. Empty cells are ignored.
func sniffColumnTypes(columns []string, records [][]string) []string {
	types := make([]string, len(columns))
	for i := range columns {
		allInteger, allReal, sawValue := true, true, false
		for _, record := range records {
			if i >= len(record) || record[i] == "" {
				continue
			}
			sawValue = true
			value := strings.TrimSpace(record[i])
			if _, err := strconv.ParseInt(value, 10, 64); err != nil {
				allInteger = false
			}
			if _, err := strconv.ParseFloat(value, 64); err != nil {
				allReal = false
			}
			if !allInteger && !allReal {
				break
			}
		}
		switch {
		case !sawValue:
			types[i] = "TEXT"
		case allInteger:
			types[i] = "INTEGER"
		case allReal:
			types[i] = "REAL"
		default:
			types[i] = "TEXT"
		}
	}
	return types
}

func coerceValue(raw, columnType string) any {
	value := strings.TrimSpace(raw)
	switch columnType {
	case "INTEGER":
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	case "REAL":
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return raw
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
