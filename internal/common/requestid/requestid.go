// Package requestid derives the ID attached to every render request's log
// lines and echoed back in the response.
package requestid

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Header carries the request ID in both directions
const Header = "X-Request-ID"

const (
	// MaxLength matches the length of a UUID string
	MaxLength    = 36
	prefixLength = 5
	maxCustomLen = MaxLength - prefixLength - 1
)

var (
	invalidChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)
	hyphenRuns   = regexp.MustCompile(`-{2,}`)
)

// New returns a fresh random ID
func New() string {
	return uuid.NewString()
}

// FromHeader turns a client supplied ID into "<5 hex>-<sanitized id>".
// Only [a-zA-Z0-9-] survive sanitizing; spaces become hyphens. An empty
// result falls back to New.
func FromHeader(value string) string {
	sanitized := sanitize(value)
	if sanitized == "" {
		return New()
	}
	if len(sanitized) > maxCustomLen {
		sanitized = strings.TrimSuffix(sanitized[:maxCustomLen], "-")
	}
	return randomPrefix() + "-" + sanitized
}

func sanitize(value string) string {
	s := strings.ReplaceAll(value, " ", "-")
	s = invalidChars.ReplaceAllString(s, "")
	s = hyphenRuns.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func randomPrefix() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:prefixLength]
}
