package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Table is one table of a catalog with its columns in declared order.
type Table struct {
	Name    string
	Columns []string
}

// Catalog is an immutable snapshot of the table/column shape a query may
// reference, identified by a stable fingerprint. Session catalogs are built
// once at upload time; the demo catalog is constant for the process lifetime.
type Catalog struct {
	tables      []Table
	index       map[string][]string
	fingerprint string
}

func New(tables []Table) Catalog {
	copied := make([]Table, 0, len(tables))
	index := make(map[string][]string, len(tables))
	for _, table := range tables {
		columns := make([]string, len(table.Columns))
		copy(columns, table.Columns)
		copied = append(copied, Table{Name: table.Name, Columns: columns})
		index[strings.ToLower(table.Name)] = columns
	}
	return Catalog{tables: copied, index: index, fingerprint: fingerprintOf(copied)}
}

// fingerprintOf hashes the catalog shape. Tables are hashed in name order so
// the fingerprint does not depend on declaration order; column order is part
// of the shape and is preserved.
func fingerprintOf(tables []Table) string {
	sorted := make([]Table, len(tables))
	copy(sorted, tables)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].Name) < strings.ToLower(sorted[j].Name)
	})

	hasher := sha256.New()
	for _, table := range sorted {
		hasher.Write([]byte(strings.ToLower(table.Name)))
		hasher.Write([]byte{'('})
		for i, column := range table.Columns {
			if i > 0 {
				hasher.Write([]byte{','})
			}
			hasher.Write([]byte(strings.ToLower(column)))
		}
		hasher.Write([]byte{')', ';'})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// Fingerprint returns the stable hash of the catalog shape. It keys cache
// entries and scopes executor handles; two catalogs with the same tables and
// columns share a fingerprint.
func (c Catalog) Fingerprint() string {
	return c.fingerprint
}

// Tables returns table names in declared order.
func (c Catalog) Tables() []string {
	names := make([]string, 0, len(c.tables))
	for _, table := range c.tables {
		names = append(names, table.Name)
	}
	return names
}

// Columns returns the declared columns of a table, matched case-insensitively.
func (c Catalog) Columns(table string) ([]string, bool) {
	columns, ok := c.index[strings.ToLower(table)]
	if !ok {
		return nil, false
	}
	copied := make([]string, len(columns))
	copy(copied, columns)
	return copied, true
}

// Has reports whether the catalog contains the table, case-insensitively.
func (c Catalog) Has(table string) bool {
	_, ok := c.index[strings.ToLower(table)]
	return ok
}

func (c Catalog) Empty() bool {
	return len(c.tables) == 0
}

// Describe renders the catalog as grounding text for model prompts.
func (c Catalog) Describe() string {
	var builder strings.Builder
	for _, table := range c.tables {
		fmt.Fprintf(&builder, "Table: %s\n", table.Name)
		for _, column := range table.Columns {
			fmt.Fprintf(&builder, "- %s\n", column)
		}
		builder.WriteByte('\n')
	}
	return builder.String()
}

// Demo is the fixed catalog served when a request carries no session. Its
// table set doubles as the static whitelist for demo-scoped validation.
func Demo() Catalog {
	return New([]Table{
		{Name: "customers", Columns: []string{"id", "name", "segment", "country", "city", "state", "postal_code", "region"}},
		{Name: "products", Columns: []string{"id", "name", "category", "sub_category"}},
		{Name: "orders", Columns: []string{"id", "customer_id", "order_date", "ship_date", "ship_mode", "total"}},
		{Name: "order_items", Columns: []string{"id", "order_id", "product_id", "quantity", "sales", "discount", "profit"}},
	})
}

// DemoAliases are the short table aliases the demo prompt encourages; the
// validator accepts them as table references when scanning demo queries.
func DemoAliases() map[string]string {
	return map[string]string{
		"c":  "customers",
		"p":  "products",
		"o":  "orders",
		"oi": "order_items",
	}
}
