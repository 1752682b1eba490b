// Package session tracks uploaded datasets per caller session. Each session
// owns its catalog and database handle; nothing a session uploads is ever
// visible through another session's id.
package session

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type Kind string

const (
	KindDemo   Kind = "demo"
	KindCustom Kind = "custom"
)

// idPattern matches lowercase v4 UUIDs. Anything else is rejected before the
// registry map is consulted.
var idPattern = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-4[a-f0-9]{3}-[89ab][a-f0-9]{3}-[a-f0-9]{12}$`)

func NewID() string {
	return uuid.NewString()
}

func ValidateID(id string) bool {
	return idPattern.MatchString(id)
}

var fileNameAllowed = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeFileName reduces an upload's client-supplied name to a safe path
// component: basename only, whitelisted charset, capped length.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\x00", "")
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, "..", "_")
	name = fileNameAllowed.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "upload"
	}
	if len(name) > 100 {
		name = name[:100]
	}
	return name
}
