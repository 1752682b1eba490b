package generate

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/datapulse/datapulse/internal/catalog"
)

// ErrUnavailable signals the strategy could not run at all (service down,
// misconfigured, upstream limit). ErrNoMatch signals the strategy ran but
// could not map the question to a query shape.
var (
	ErrUnavailable = errors.New("generator unavailable")
	ErrNoMatch     = errors.New("question matched no known pattern")
)

type Request struct {
	Question string
	Catalog  catalog.Catalog
}

// Result carries a candidate query. It is untrusted text: every result is
// routed through the validator before execution, regardless of provider.
type Result struct {
	SQL      string
	Provider string
	Model    string
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

var (
	controlPattern    = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// NormalizeQuestion lowercases, strips control characters and markup, and
// collapses whitespace. Cache keys and fallback matching both use it so a
// question with stray formatting hits the same cache line.
func NormalizeQuestion(question string) string {
	cleaned := controlPattern.ReplaceAllString(question, "")
	cleaned = tagPattern.ReplaceAllString(cleaned, "")
	cleaned = strings.Trim(cleaned, ";'\"")
	cleaned = whitespacePattern.ReplaceAllString(cleaned, " ")
	return strings.ToLower(strings.TrimSpace(cleaned))
}

func stripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}
