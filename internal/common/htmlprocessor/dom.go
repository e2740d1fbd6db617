// Package htmlprocessor reads rendered snapshots with golang.org/x/net/html.
package htmlprocessor

import (
	"bytes"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// Document is a parsed HTML snapshot
type Document struct {
	root *html.Node
}

// Parse parses a snapshot. The html5 parser recovers from malformed input,
// so errors only come from the reader.
func Parse(content []byte) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	return &Document{root: root}, nil
}

// Title returns the trimmed text of the first <title>
func (d *Document) Title() string {
	titles := findAllElements(d.root, "title")
	if len(titles) == 0 {
		return ""
	}
	return strings.TrimSpace(getTextContent(titles[0]))
}

// LinksWithPrefix returns the distinct hrefs of <a> elements whose href
// starts with prefix, query and fragment removed, sorted
func (d *Document) LinksWithPrefix(prefix string) []string {
	seen := make(map[string]struct{})
	for _, a := range findAllElements(d.root, "a") {
		href := strings.TrimSpace(getAttr(a, "href"))
		if href == "" || !strings.HasPrefix(href, prefix) {
			continue
		}
		if i := strings.IndexAny(href, "?#"); i >= 0 {
			href = href[:i]
		}
		seen[href] = struct{}{}
	}

	links := make([]string, 0, len(seen))
	for href := range seen {
		links = append(links, href)
	}
	sort.Strings(links)
	return links
}

// findAllElements returns every element named tag (case-insensitive) under node
func findAllElements(node *html.Node, tag string) []*html.Node {
	if node == nil {
		return nil
	}
	tag = strings.ToLower(tag)
	var results []*html.Node

	var search func(*html.Node)
	search = func(n *html.Node) {
		if n.Type == html.ElementNode && strings.ToLower(n.Data) == tag {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			search(c)
		}
	}
	search(node)
	return results
}

// getAttr returns the value of attribute name, matched case-insensitively
func getAttr(node *html.Node, name string) string {
	name = strings.ToLower(name)
	for _, attr := range node.Attr {
		if strings.ToLower(attr.Key) == name {
			return attr.Val
		}
	}
	return ""
}

func getTextContent(node *html.Node) string {
	var sb strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(node)
	return sb.String()
}
