// Package locate finds elements in HTML documents using an ordered list of
// fallback strategies. Portal markup changes without notice, so every
// element the pipeline depends on is described by several strategies
// kept as configuration data; the first strategy that matches wins.
package locate

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Strategy is one way of finding an element.
type Strategy struct {
	// Name identifies the strategy in logs.
	Name string `yaml:"name" json:"name"`
	// Selector is a CSS selector (required).
	Selector string `yaml:"selector" json:"selector"`
	// Text, when set, keeps only elements whose text, title or aria-label
	// contains it (case-insensitive).
	Text string `yaml:"text,omitempty" json:"text,omitempty"`
	// Attr, when set, keeps only elements carrying the attribute and makes
	// it the match value.
	Attr string `yaml:"attr,omitempty" json:"attr,omitempty"`
}

// Validate checks that the strategy can be applied.
func (s Strategy) Validate() error {
	if strings.TrimSpace(s.Selector) == "" {
		return fmt.Errorf("strategy %q: selector is required", s.Name)
	}
	return nil
}

func (s Strategy) label() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Text != "" {
		return s.Selector + "[" + s.Text + "]"
	}
	return s.Selector
}

// Match is the outcome of applying a strategy list.
type Match struct {
	// Strategy names the strategy that matched; empty when nothing did.
	Strategy string
	// Index is the position of the matching strategy (-1 when not found).
	Index int
	// Selection holds every element the winning strategy matched.
	Selection *goquery.Selection
	attr      string
}

// Found reports whether any strategy matched.
func (m Match) Found() bool {
	return m.Selection != nil && m.Selection.Length() > 0
}

// Fallback reports whether a strategy other than the first one matched.
func (m Match) Fallback() bool {
	return m.Found() && m.Index > 0
}

// Value returns the attribute value (or trimmed text) of the first element.
func (m Match) Value() string {
	if !m.Found() {
		return ""
	}
	return valueOf(m.Selection.First(), m.attr)
}

// Values returns the attribute value (or trimmed text) of every element.
func (m Match) Values() []string {
	if !m.Found() {
		return nil
	}
	var out []string
	m.Selection.Each(func(_ int, s *goquery.Selection) {
		out = append(out, valueOf(s, m.attr))
	})
	return out
}

func valueOf(s *goquery.Selection, attr string) string {
	if attr != "" {
		v, _ := s.Attr(attr)
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(s.Text())
}

// notFound is the zero match.
func notFound() Match {
	return Match{Index: -1}
}

// Find applies strategies in order against root and returns the first
// non-empty match. Strategies with invalid selectors are skipped.
func Find(root *goquery.Selection, strategies []Strategy) Match {
	if root == nil {
		return notFound()
	}
	for i, s := range strategies {
		if s.Validate() != nil {
			continue
		}
		sel := apply(root, s)
		if sel.Length() > 0 {
			return Match{Strategy: s.label(), Index: i, Selection: sel, attr: s.Attr}
		}
	}
	return notFound()
}

// FindDocument is Find over a whole document.
func FindDocument(doc *goquery.Document, strategies []Strategy) Match {
	if doc == nil {
		return notFound()
	}
	return Find(doc.Selection, strategies)
}

func apply(root *goquery.Selection, s Strategy) *goquery.Selection {
	sel := root.Find(s.Selector)
	if s.Text != "" {
		needle := strings.ToLower(s.Text)
		sel = sel.FilterFunction(func(_ int, el *goquery.Selection) bool {
			return containsFold(el.Text(), needle) ||
				containsFold(el.AttrOr("title", ""), needle) ||
				containsFold(el.AttrOr("aria-label", ""), needle) ||
				containsFold(el.AttrOr("value", ""), needle)
		})
	}
	if s.Attr != "" {
		sel = sel.FilterFunction(func(_ int, el *goquery.Selection) bool {
			v, ok := el.Attr(s.Attr)
			return ok && strings.TrimSpace(v) != ""
		})
	}
	return sel
}

func containsFold(haystack, lowerNeedle string) bool {
	return strings.Contains(strings.ToLower(strings.Join(strings.Fields(haystack), " ")), lowerNeedle)
}
