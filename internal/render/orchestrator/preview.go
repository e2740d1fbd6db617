package orchestrator

import (
	"fmt"
	"strings"
)

// PreviewOptions shapes the social-preview screenshot
type PreviewOptions struct {
	Width           int
	Height          int
	HideSelectors   []string // Navigation chrome removed before capture
	ContentSelector string   // Element whose width is constrained
	TextWidth       int      // max-width in CSS pixels; 0 leaves width alone
}

// PreviewCSS builds the style override applied before a preview capture
func PreviewCSS(opts PreviewOptions) string {
	var b strings.Builder
	if len(opts.HideSelectors) > 0 {
		b.WriteString(strings.Join(opts.HideSelectors, ", "))
		b.WriteString(" { display: none !important; }\n")
	}
	if opts.TextWidth > 0 && opts.ContentSelector != "" {
		fmt.Fprintf(&b, "%s { max-width: %dpx !important; }\n", opts.ContentSelector, opts.TextWidth)
	}
	return b.String()
}
