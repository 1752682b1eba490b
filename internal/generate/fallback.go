package generate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/datapulse/datapulse/internal/catalog"
)

// FallbackGenerator is the deterministic strategy: a fixed library of
// question patterns rendered against the catalog's own table and column
// names. Queries are safe by construction, but still pass the validator like
// any other candidate.
type FallbackGenerator struct{}

func NewFallbackGenerator() *FallbackGenerator {
	return &FallbackGenerator{}
}

var (
	topNPattern = regexp.MustCompile(`\btop (\d+)\b`)
	yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	byPattern   = regexp.MustCompile(`\b(?:by|per) ([a-z0-9_]+)\b`)
)

var (
	sumColumnCandidates   = []string{"total", "sales", "amount", "revenue", "price"}
	avgColumnCandidates   = []string{"total", "sales", "amount", "profit", "price", "quantity"}
	orderColumnCandidates = []string{"profit", "total", "sales", "quantity", "amount"}
	dateColumnCandidates  = []string{"order_date", "date", "created_at", "timestamp", "ship_date"}
)

func (f *FallbackGenerator) Generate(_ context.Context, req Request) (Result, error) {
	question := NormalizeQuestion(req.Question)
	if question == "" || req.Catalog.Empty() {
		return Result{}, ErrNoMatch
	}

	table := pickTable(question, req.Catalog)
	columns, _ := req.Catalog.Columns(table)

	var sqlText string
	switch {
	case containsAny(question, "how many", "count", "number of"):
		sqlText = countQuery(question, table, columns)
	case containsAny(question, "average", "avg", "mean"):
		if column := pickColumn(columns, avgColumnCandidates); column != "" {
			sqlText = groupedAggregate(question, table, columns, "AVG", column, "average")
		}
	case containsAny(question, "sum", "total", "revenue"):
		if column := pickColumn(columns, sumColumnCandidates); column != "" {
			sqlText = groupedAggregate(question, table, columns, "SUM", column, "total")
		}
	case topNPattern.MatchString(question):
		sqlText = topNQuery(question, table, columns)
	case containsAny(question, "show", "list", "display", "all rows"):
		sqlText = fmt.Sprintf("SELECT * FROM %s LIMIT 100", table)
	}

	if sqlText == "" {
		return Result{}, ErrNoMatch
	}
	return Result{SQL: sqlText, Provider: "fallback"}, nil
}

// pickTable finds the catalog table the question talks about, tolerating
// singular/plural mismatch. Falls back to the catalog's first table.
func pickTable(question string, cat catalog.Catalog) string {
	tables := cat.Tables()
	for _, table := range tables {
		if strings.Contains(question, strings.ToLower(table)) {
			return table
		}
	}
	for _, table := range tables {
		lower := strings.ToLower(table)
		if strings.HasSuffix(lower, "s") && strings.Contains(question, strings.TrimSuffix(lower, "s")) {
			return table
		}
		if strings.Contains(question, lower+"s") {
			return table
		}
	}
	return tables[0]
}

func countQuery(question, table string, columns []string) string {
	if group := pickGroupColumn(question, columns); group != "" {
		return fmt.Sprintf("SELECT %s, COUNT(*) AS count FROM %s GROUP BY %s ORDER BY count DESC", group, table, group)
	}
	if where := yearFilter(question, columns); where != "" {
		return fmt.Sprintf("SELECT COUNT(*) AS count FROM %s WHERE %s", table, where)
	}
	return fmt.Sprintf("SELECT COUNT(*) AS count FROM %s", table)
}

func groupedAggregate(question, table string, columns []string, fn, column, alias string) string {
	if group := pickGroupColumn(question, columns); group != "" && group != column {
		return fmt.Sprintf("SELECT %s, %s(%s) AS %s FROM %s GROUP BY %s ORDER BY %s DESC",
			group, fn, column, alias, table, group, alias)
	}
	return fmt.Sprintf("SELECT %s(%s) AS %s FROM %s", fn, column, alias, table)
}

func topNQuery(question, table string, columns []string) string {
	match := topNPattern.FindStringSubmatch(question)
	n, err := strconv.Atoi(match[1])
	if err != nil || n <= 0 {
		n = 10
	}
	if order := pickColumn(columns, orderColumnCandidates); order != "" {
		return fmt.Sprintf("SELECT * FROM %s ORDER BY %s DESC LIMIT %d", table, order, n)
	}
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, n)
}

func yearFilter(question string, columns []string) string {
	year := yearPattern.FindString(question)
	if year == "" {
		return ""
	}
	column := pickColumn(columns, dateColumnCandidates)
	if column == "" {
		return ""
	}
	return fmt.Sprintf("strftime('%%Y', %s) = '%s'", column, year)
}

func pickGroupColumn(question string, columns []string) string {
	for _, match := range byPattern.FindAllStringSubmatch(question, -1) {
		for _, column := range columns {
			if strings.EqualFold(column, match[1]) {
				return column
			}
		}
	}
	return ""
}

func pickColumn(columns, candidates []string) string {
	for _, candidate := range candidates {
		for _, column := range columns {
			if strings.EqualFold(column, candidate) {
				return column
			}
		}
	}
	return ""
}

func containsAny(text string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}
