// Package validate is the structural safety gate for candidate SQL. It is a
// keyword/token gate, not a parser: the query shape is bounded to a single
// read-only SELECT, which makes whole-word scanning sufficient and keeps the
// rule set small enough to test exhaustively in isolation.
package validate

import (
	"regexp"
	"strings"

	"github.com/datapulse/datapulse/internal/catalog"
)

// ViolationKind names the specific rule a candidate query failed. The set is
// fixed so caller-facing errors can be precise without leaking internals.
type ViolationKind string

const (
	ViolationNone                ViolationKind = ""
	ViolationMalformed           ViolationKind = "malformed"
	ViolationMultiStatement      ViolationKind = "multi-statement"
	ViolationDisallowedKeyword   ViolationKind = "disallowed-keyword"
	ViolationComment             ViolationKind = "comment"
	ViolationUnion               ViolationKind = "union"
	ViolationUnknownTable        ViolationKind = "unknown-table"
	ViolationSuspiciousPrimitive ViolationKind = "suspicious-primitive"
)

// Verdict is the outcome of validation. Fragment carries at most the single
// offending keyword or table name, never surrounding query text.
type Verdict struct {
	Approved bool
	Kind     ViolationKind
	Fragment string
}

// Strictness controls table-reference detection granularity. Lenient scans
// bare identifiers after FROM/JOIN and tolerates anything else; Strict also
// resolves double-quoted identifiers and rejects what it cannot resolve.
type Strictness int

const (
	StrictnessLenient Strictness = iota
	StrictnessStrict
)

// Options scope a validation run to one catalog's view of the world.
type Options struct {
	Strictness Strictness
	// Aliases maps accepted shorthand table references to catalog tables.
	Aliases map[string]string
}

var (
	disallowedKeywordPattern = regexp.MustCompile(`\b(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|TRUNCATE|EXEC|EXECUTE|GRANT|REVOKE|COMMIT|ROLLBACK|SAVEPOINT|ATTACH|DETACH|PRAGMA|VACUUM|REINDEX|ANALYZE|LOAD_FILE)\b`)
	unionPattern             = regexp.MustCompile(`\bUNION\b`)
	bareTablePattern         = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	quotedTablePattern       = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+"((?:[^"]|"")+)"`)
	suspiciousPatterns       = []*regexp.Regexp{
		regexp.MustCompile(`\b0X[0-9A-F]+`),
		regexp.MustCompile(`\bCHAR\s*\(`),
		regexp.MustCompile(`\bCHR\s*\(`),
		regexp.MustCompile(`\bSLEEP\s*\(`),
		regexp.MustCompile(`\bBENCHMARK\s*\(`),
		regexp.MustCompile(`\bWAITFOR\b`),
		regexp.MustCompile(`\bINTO\s+(?:OUTFILE|DUMPFILE)\b`),
	}
)

func reject(kind ViolationKind, fragment string) Verdict {
	return Verdict{Approved: false, Kind: kind, Fragment: fragment}
}

// Validate applies the safety rules in order and short-circuits on the first
// violation. It is pure and deterministic: same inputs, same verdict.
func Validate(sqlText string, cat catalog.Catalog, opts Options) Verdict {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return reject(ViolationMalformed, "")
	}

	upper := strings.ToUpper(trimmed)

	// Rule 1: exactly one statement, beginning with the read keyword. A
	// trailing semicolon is tolerated; anything after it is a second clause.
	// The count is textual, so a semicolon inside a string literal is
	// rejected too; the keyword gate does not parse literals.
	if !strings.HasPrefix(upper, "SELECT") {
		if match := disallowedKeywordPattern.FindString(upper); match != "" && strings.HasPrefix(upper, match) {
			return reject(ViolationDisallowedKeyword, match)
		}
		return reject(ViolationMalformed, firstWord(upper))
	}
	switch count := strings.Count(trimmed, ";"); {
	case count > 1:
		return reject(ViolationMultiStatement, ";")
	case count == 1 && !strings.HasSuffix(trimmed, ";"):
		return reject(ViolationMultiStatement, ";")
	}

	// Rule 2: data-definition/modification keywords, whole words only so
	// column names like updated_at or created survive.
	if match := disallowedKeywordPattern.FindString(upper); match != "" {
		return reject(ViolationDisallowedKeyword, match)
	}

	// Rule 3: comment tokens hide second clauses from keyword scans.
	for _, token := range []string{"--", "/*", "#"} {
		if strings.Contains(trimmed, token) {
			return reject(ViolationComment, token)
		}
	}

	// Rule 4: UNION reads outside the intended projection regardless of any
	// table whitelist, so it is rejected outright.
	if unionPattern.MatchString(upper) {
		return reject(ViolationUnion, "UNION")
	}

	// Rule 5: every referenced table must belong to the active catalog.
	if verdict := checkTables(trimmed, cat, opts); !verdict.Approved {
		return verdict
	}

	// Rule 6: encoding and timing primitives used by known injections.
	for _, pattern := range suspiciousPatterns {
		if match := pattern.FindString(upper); match != "" {
			return reject(ViolationSuspiciousPrimitive, strings.TrimSpace(match))
		}
	}

	return Verdict{Approved: true}
}

func checkTables(sqlText string, cat catalog.Catalog, opts Options) Verdict {
	for _, match := range bareTablePattern.FindAllStringSubmatch(sqlText, -1) {
		name := match[1]
		if !tableAllowed(name, cat, opts.Aliases) {
			return reject(ViolationUnknownTable, name)
		}
	}
	if opts.Strictness == StrictnessStrict {
		for _, match := range quotedTablePattern.FindAllStringSubmatch(sqlText, -1) {
			name := strings.ReplaceAll(match[1], `""`, `"`)
			if !tableAllowed(name, cat, opts.Aliases) {
				return reject(ViolationUnknownTable, name)
			}
		}
	}
	return Verdict{Approved: true}
}

func tableAllowed(name string, cat catalog.Catalog, aliases map[string]string) bool {
	if cat.Has(name) {
		return true
	}
	target, ok := aliases[strings.ToLower(name)]
	return ok && cat.Has(target)
}

func firstWord(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
