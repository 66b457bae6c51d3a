package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// simpleSelector is one compound part of a selector: tag, #id, .class and
// one [attr] or [attr=val] test, all optional.
type simpleSelector struct {
	tag     string
	id      string
	classes []string
	attrKey string
	attrVal string
	hasVal  bool
}

// querySelectorAll returns the elements matching a descendant chain of
// simple selectors ("main article.post p"), in document order.
func querySelectorAll(root *html.Node, selector string) []*html.Node {
	parts := strings.Fields(selector)
	if len(parts) == 0 {
		return nil
	}
	chain := make([]simpleSelector, len(parts))
	for i, p := range parts {
		chain[i] = parseSimple(p)
	}

	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && chain[len(chain)-1].matches(n) && ancestorsMatch(n.Parent, chain[:len(chain)-1]) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// ancestorsMatch checks the remaining chain right to left against the
// ancestors of a candidate.
func ancestorsMatch(n *html.Node, chain []simpleSelector) bool {
	if len(chain) == 0 {
		return true
	}
	want := chain[len(chain)-1]
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && want.matches(p) && ancestorsMatch(p.Parent, chain[:len(chain)-1]) {
			return true
		}
	}
	return false
}

func parseSimple(sel string) simpleSelector {
	var s simpleSelector

	if i := strings.IndexByte(sel, '['); i >= 0 {
		attr := strings.TrimSuffix(sel[i+1:], "]")
		sel = sel[:i]
		if eq := strings.IndexByte(attr, '='); eq >= 0 {
			s.attrKey = attr[:eq]
			s.attrVal = strings.Trim(attr[eq+1:], `"'`)
			s.hasVal = true
		} else {
			s.attrKey = attr
		}
	}

	// Split on '#' and '.' while keeping the marker.
	start := 0
	flush := func(end int) {
		part := sel[start:end]
		switch {
		case part == "":
		case part[0] == '#':
			s.id = part[1:]
		case part[0] == '.':
			if part[1:] != "" {
				s.classes = append(s.classes, part[1:])
			}
		default:
			s.tag = strings.ToLower(part)
		}
	}
	for i := 0; i < len(sel); i++ {
		if i > start && (sel[i] == '#' || sel[i] == '.') {
			flush(i)
			start = i
		}
	}
	flush(len(sel))
	return s
}

func (s simpleSelector) matches(n *html.Node) bool {
	if s.tag != "" && s.tag != "*" && n.Data != s.tag {
		return false
	}
	if s.id != "" && attr(n, "id") != s.id {
		return false
	}
	if len(s.classes) > 0 {
		have := strings.Fields(attr(n, "class"))
		for _, want := range s.classes {
			if !contains(have, want) {
				return false
			}
		}
	}
	if s.attrKey != "" {
		v, ok := lookupAttr(n, s.attrKey)
		if !ok || (s.hasVal && v != s.attrVal) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
