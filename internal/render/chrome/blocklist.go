package chrome

import (
	"fmt"
	"regexp"
	"strings"
)

// defaultBlockedPatterns are analytics and tracking hosts blocked for every
// session. They never contribute to a snapshot.
var defaultBlockedPatterns = []string{
	"*doubleclick.net*",
	"*google-analytics.com*",
	"*analytics.google.com*",
	"*googletagmanager.com*",
	"*googlesyndication.com*",
	"*googleadservices.com*",
	"*facebook.com*",
	"*twitter.com*",
	"*hotjar.com*",
	"*clarity.ms*",
	"*static.cloudflareinsights.com*",
	"*youtube.com*",
}

type matcher struct {
	wildcard string         // lowercased, used when re is nil
	re       *regexp.Regexp // set for ~ and ~* patterns
}

func (m matcher) match(rawURL, lowerURL string) bool {
	if m.re != nil {
		return m.re.MatchString(rawURL)
	}
	return matchWildcard(lowerURL, m.wildcard)
}

// Blocklist decides which intercepted requests a session aborts
type Blocklist struct {
	matchers             []matcher
	blockedResourceTypes map[string]struct{} // CDP resource types (Image, Media, Font, ...)
}

// NewBlocklist combines the default patterns with custom ones.
// Pattern forms, matched against the full request URL:
//   - "*tracker.io*" wildcard, case-insensitive; no * means exact match
//   - "~^https://ads\." regexp, case-sensitive
//   - "~*(tracking|beacon)" regexp, case-insensitive
//
// Invalid regexps are skipped; use ValidatePatterns to reject them up front.
func NewBlocklist(customPatterns []string, resourceTypes []string) *Blocklist {
	bl := &Blocklist{
		blockedResourceTypes: make(map[string]struct{}, len(resourceTypes)),
	}

	for _, pat := range append(append([]string(nil), defaultBlockedPatterns...), customPatterns...) {
		m, err := compilePattern(pat)
		if err != nil || m == nil {
			continue
		}
		bl.matchers = append(bl.matchers, *m)
	}

	for _, rt := range resourceTypes {
		rt = strings.TrimSpace(rt)
		if rt != "" {
			bl.blockedResourceTypes[rt] = struct{}{}
		}
	}
	return bl
}

// IsBlocked reports whether requestURL matches any pattern
func (bl *Blocklist) IsBlocked(requestURL string) bool {
	lower := strings.ToLower(requestURL)
	for _, m := range bl.matchers {
		if m.match(requestURL, lower) {
			return true
		}
	}
	return false
}

// IsResourceTypeBlocked reports whether requests of resourceType are aborted
func (bl *Blocklist) IsResourceTypeBlocked(resourceType string) bool {
	_, blocked := bl.blockedResourceTypes[resourceType]
	return blocked
}

// ValidatePatterns returns the first pattern that does not compile
func ValidatePatterns(patterns []string) error {
	for _, pat := range patterns {
		if _, err := compilePattern(pat); err != nil {
			return err
		}
	}
	return nil
}

func compilePattern(pat string) (*matcher, error) {
	pat = strings.TrimSpace(pat)
	switch {
	case pat == "":
		return nil, nil
	case strings.HasPrefix(pat, "~*"):
		re, err := regexp.Compile("(?i)" + pat[2:])
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern '%s': %w", pat, err)
		}
		return &matcher{re: re}, nil
	case strings.HasPrefix(pat, "~"):
		re, err := regexp.Compile(pat[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern '%s': %w", pat, err)
		}
		return &matcher{re: re}, nil
	default:
		return &matcher{wildcard: strings.ToLower(pat)}, nil
	}
}

// matchWildcard matches text against pattern where * spans any run of characters
func matchWildcard(text, pattern string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return text == pattern
	}

	if !strings.HasPrefix(text, parts[0]) {
		return false
	}
	text = text[len(parts[0]):]

	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(text, part)
		if idx < 0 {
			return false
		}
		text = text[idx+len(part):]
	}
	return strings.HasSuffix(text, last)
}
