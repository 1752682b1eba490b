package generate

import (
	"context"
	"errors"
	"testing"

	"github.com/datapulse/datapulse/internal/catalog"
)

func demoRequest(question string) Request {
	return Request{Question: question, Catalog: catalog.Demo()}
}

func TestFallbackCountQuery(t *testing.T) {
	gen := NewFallbackGenerator()
	result, err := gen.Generate(context.Background(), demoRequest("How many customers are there?"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	want := "SELECT COUNT(*) AS count FROM customers"
	if result.SQL != want {
		t.Fatalf("SQL = %q, want %q", result.SQL, want)
	}
	if result.Provider != "fallback" {
		t.Fatalf("Provider = %q", result.Provider)
	}
}

func TestFallbackTargetsMentionedTable(t *testing.T) {
	gen := NewFallbackGenerator()
	result, err := gen.Generate(context.Background(), demoRequest("count of orders"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.SQL != "SELECT COUNT(*) AS count FROM orders" {
		t.Fatalf("SQL = %q", result.SQL)
	}
}

func TestFallbackSumPicksKnownColumn(t *testing.T) {
	gen := NewFallbackGenerator()
	result, err := gen.Generate(context.Background(), demoRequest("total of all orders"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.SQL != "SELECT SUM(total) AS total FROM orders" {
		t.Fatalf("SQL = %q", result.SQL)
	}
}

func TestFallbackGroupedAverage(t *testing.T) {
	gen := NewFallbackGenerator()
	result, err := gen.Generate(context.Background(), demoRequest("average order total by ship_mode"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	want := "SELECT ship_mode, AVG(total) AS average FROM orders GROUP BY ship_mode ORDER BY average DESC"
	if result.SQL != want {
		t.Fatalf("SQL = %q, want %q", result.SQL, want)
	}
}

func TestFallbackTopN(t *testing.T) {
	gen := NewFallbackGenerator()
	result, err := gen.Generate(context.Background(), demoRequest("top 5 order_items"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.SQL != "SELECT * FROM order_items ORDER BY profit DESC LIMIT 5" {
		t.Fatalf("SQL = %q", result.SQL)
	}
}

func TestFallbackYearFilter(t *testing.T) {
	gen := NewFallbackGenerator()
	result, err := gen.Generate(context.Background(), demoRequest("how many orders in 2023"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	want := "SELECT COUNT(*) AS count FROM orders WHERE strftime('%Y', order_date) = '2023'"
	if result.SQL != want {
		t.Fatalf("SQL = %q, want %q", result.SQL, want)
	}
}

func TestFallbackListQuery(t *testing.T) {
	gen := NewFallbackGenerator()
	result, err := gen.Generate(context.Background(), demoRequest("show all products"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.SQL != "SELECT * FROM products LIMIT 100" {
		t.Fatalf("SQL = %q", result.SQL)
	}
}

func TestFallbackNoMatch(t *testing.T) {
	gen := NewFallbackGenerator()
	for _, question := range []string{"", "   ", "what is the meaning of life"} {
		if _, err := gen.Generate(context.Background(), demoRequest(question)); !errors.Is(err, ErrNoMatch) {
			t.Fatalf("Generate(%q) error = %v, want ErrNoMatch", question, err)
		}
	}
}

func TestNormalizeQuestion(t *testing.T) {
	got := NormalizeQuestion("  How   MANY\t<b>customers</b>?\x00  ")
	if got != "how many customers?" {
		t.Fatalf("NormalizeQuestion() = %q", got)
	}
}
