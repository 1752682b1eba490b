// Package demo seeds the shared sample dataset served to sessions that have
// not uploaded anything. Generation is seeded, so every process start yields
// the same rows and cached answers stay comparable across restarts.
package demo

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/datapulse/datapulse/internal/catalog"
	"github.com/datapulse/datapulse/internal/query"
	"github.com/datapulse/datapulse/internal/query/sqlite"
)

const (
	customerCount = 120
	productCount  = 60
	orderCount    = 400
	seed          = 42
)

var (
	segments  = []string{"Consumer", "Corporate", "Home Office"}
	regions   = []string{"West", "East", "Central", "South"}
	shipModes = []string{"Standard Class", "Second Class", "First Class", "Same Day"}

	categories = map[string][]string{
		"Furniture":       {"Chairs", "Tables", "Bookcases", "Furnishings"},
		"Office Supplies": {"Binders", "Paper", "Storage", "Appliances"},
		"Technology":      {"Phones", "Accessories", "Machines", "Copiers"},
	}

	cities = []struct {
		city, state, country string
	}{
		{"New York", "New York", "United States"},
		{"Los Angeles", "California", "United States"},
		{"Chicago", "Illinois", "United States"},
		{"Houston", "Texas", "United States"},
		{"Seattle", "Washington", "United States"},
		{"Toronto", "Ontario", "Canada"},
		{"Berlin", "Berlin", "Germany"},
		{"Milan", "Lombardy", "Italy"},
	}
)

// Open builds the in-memory demo database and returns a handle tagged with
// the demo catalog fingerprint.
func Open(ctx context.Context) (*query.Handle, error) {
	handle, err := sqlite.OpenMemory(catalog.Demo().Fingerprint())
	if err != nil {
		return nil, fmt.Errorf("open demo database: %w", err)
	}
	if err := seedDatabase(ctx, handle); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("seed demo database: %w", err)
	}
	return handle, nil
}

func seedDatabase(ctx context.Context, handle *query.Handle) error {
	schema := []string{
		`CREATE TABLE customers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			segment TEXT NOT NULL,
			country TEXT NOT NULL,
			city TEXT NOT NULL,
			state TEXT NOT NULL,
			postal_code TEXT,
			region TEXT NOT NULL
		)`,
		`CREATE TABLE products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT NOT NULL,
			sub_category TEXT NOT NULL
		)`,
		`CREATE TABLE orders (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES customers(id),
			order_date DATE NOT NULL,
			ship_date DATE NOT NULL,
			ship_mode TEXT NOT NULL,
			total REAL NOT NULL
		)`,
		`CREATE TABLE order_items (
			id INTEGER PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id),
			product_id TEXT NOT NULL REFERENCES products(id),
			quantity INTEGER NOT NULL,
			sales REAL NOT NULL,
			discount REAL NOT NULL,
			profit REAL NOT NULL
		)`,
	}
	for _, statement := range schema {
		if _, err := handle.DB.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	rnd := rand.New(rand.NewSource(seed))
	tx, err := handle.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}

	if err := seedCustomers(ctx, tx, rnd); err != nil {
		_ = tx.Rollback()
		return err
	}
	productIDs, err := seedProducts(ctx, tx, rnd)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := seedOrders(ctx, tx, rnd, productIDs); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}

func seedCustomers(ctx context.Context, tx *sql.Tx, rnd *rand.Rand) error {
	firstNames := []string{"Ada", "Grace", "Alan", "Edsger", "Barbara", "Donald", "Margaret", "Dennis", "Ken", "Radia"}
	lastNames := []string{"Lovelace", "Hopper", "Turing", "Dijkstra", "Liskov", "Knuth", "Hamilton", "Ritchie", "Thompson", "Perlman"}

	for i := 1; i <= customerCount; i++ {
		place := cities[rnd.Intn(len(cities))]
		_, err := tx.ExecContext(ctx,
			`INSERT INTO customers (id, name, segment, country, city, state, postal_code, region) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			fmt.Sprintf("CU-%04d", i),
			fmt.Sprintf("%s %s", firstNames[rnd.Intn(len(firstNames))], lastNames[rnd.Intn(len(lastNames))]),
			segments[rnd.Intn(len(segments))],
			place.country,
			place.city,
			place.state,
			fmt.Sprintf("%05d", 10000+rnd.Intn(89999)),
			regions[rnd.Intn(len(regions))],
		)
		if err != nil {
			return fmt.Errorf("seed customers: %w", err)
		}
	}
	return nil
}

func seedProducts(ctx context.Context, tx *sql.Tx, rnd *rand.Rand) ([]string, error) {
	categoryNames := make([]string, 0, len(categories))
	for name := range categories {
		categoryNames = append(categoryNames, name)
	}
	// Map iteration order is random; sort for a stable dataset.
	sort.Strings(categoryNames)

	adjectives := []string{"Ergo", "Compact", "Premium", "Basic", "Deluxe", "Eco"}
	ids := make([]string, 0, productCount)
	for i := 1; i <= productCount; i++ {
		category := categoryNames[rnd.Intn(len(categoryNames))]
		subCategories := categories[category]
		subCategory := subCategories[rnd.Intn(len(subCategories))]
		id := fmt.Sprintf("PR-%04d", i)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO products (id, name, category, sub_category) VALUES (?, ?, ?, ?)`,
			id,
			fmt.Sprintf("%s %s %d", adjectives[rnd.Intn(len(adjectives))], subCategory, i),
			category,
			subCategory,
		)
		if err != nil {
			return nil, fmt.Errorf("seed products: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func seedOrders(ctx context.Context, tx *sql.Tx, rnd *rand.Rand, productIDs []string) error {
	epoch := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
	itemID := 0

	for i := 1; i <= orderCount; i++ {
		orderID := fmt.Sprintf("OR-%05d", i)
		customerID := fmt.Sprintf("CU-%04d", rnd.Intn(customerCount)+1)
		orderDate := epoch.AddDate(0, 0, rnd.Intn(730))
		shipDate := orderDate.AddDate(0, 0, 1+rnd.Intn(6))

		itemCount := 1 + rnd.Intn(4)
		total := 0.0
		type pendingItem struct {
			productID string
			quantity  int
			sales     float64
			discount  float64
			profit    float64
		}
		items := make([]pendingItem, 0, itemCount)
		for j := 0; j < itemCount; j++ {
			quantity := 1 + rnd.Intn(5)
			unitPrice := 5 + rnd.Float64()*295
			discount := float64(rnd.Intn(4)) * 0.05
			sales := round2(unitPrice * float64(quantity) * (1 - discount))
			profit := round2(sales * (0.05 + rnd.Float64()*0.30))
			total += sales
			items = append(items, pendingItem{
				productID: productIDs[rnd.Intn(len(productIDs))],
				quantity:  quantity,
				sales:     sales,
				discount:  discount,
				profit:    profit,
			})
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, customer_id, order_date, ship_date, ship_mode, total) VALUES (?, ?, ?, ?, ?, ?)`,
			orderID,
			customerID,
			orderDate.Format("2006-01-02"),
			shipDate.Format("2006-01-02"),
			shipModes[rnd.Intn(len(shipModes))],
			round2(total),
		)
		if err != nil {
			return fmt.Errorf("seed orders: %w", err)
		}

		for _, item := range items {
			itemID++
			_, err := tx.ExecContext(ctx,
				`INSERT INTO order_items (id, order_id, product_id, quantity, sales, discount, profit) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				itemID, orderID, item.productID, item.quantity, item.sales, item.discount, item.profit,
			)
			if err != nil {
				return fmt.Errorf("seed order items: %w", err)
			}
		}
	}
	return nil
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
