package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var boilerplateHints = []string{
	"sidebar", "footer", "header", "nav", "menu", "breadcrumb",
	"cookie", "banner", "advert", "social", "share", "comment",
	"related", "widget", "popup", "modal",
}

// landmarks returns the main content landmarks: every <main> or
// role=main element, else every <article>. Regions shorter than minLen
// or marked as boilerplate are ignored.
func landmarks(doc *html.Node, minLen int) []*html.Node {
	pick := func(match func(*html.Node) bool) []*html.Node {
		var out []*html.Node
		var walk func(*html.Node)
		walk = func(n *html.Node) {
			if n.Type == html.ElementNode && match(n) {
				if !isBoilerplate(n) && len(collectText(n)) >= minLen {
					out = append(out, n)
				}
				return
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
		}
		walk(doc)
		return out
	}

	if nodes := pick(func(n *html.Node) bool {
		return n.DataAtom == atom.Main || attr(n, "role") == "main"
	}); len(nodes) > 0 {
		return nodes
	}
	return pick(func(n *html.Node) bool { return n.DataAtom == atom.Article })
}

// candidate is a content subtree scored by densest.
type candidate struct {
	node    *html.Node
	textLen int
	linkLen int
	markup  int
}

func (c candidate) score() float64 {
	if c.textLen == 0 {
		return 0
	}
	linkDensity := float64(c.linkLen) / float64(c.textLen)
	if linkDensity > 0.5 {
		return 0
	}
	density := float64(c.textLen) / float64(max(c.markup, 1))
	return density * lengthWeight(c.textLen) * (1 - linkDensity)
}

// densest finds the content subtree with the best ratio of text to
// markup, discounting link-heavy blocks.
func densest(root *html.Node, minLen int) *html.Node {
	var best candidate
	var bestScore float64

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode || isBoilerplate(n) {
			return
		}
		if isContentTag(n.DataAtom) {
			text := collectText(n)
			if len(text) >= minLen {
				c := candidate{
					node:    n,
					textLen: len(text),
					linkLen: linkTextLen(n),
					markup:  len(renderNode(n)),
				}
				if s := c.score(); s > bestScore {
					best, bestScore = c, s
				}
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(root)
	return best.node
}

// lengthWeight grows by one for each doubling of text past 100 bytes.
func lengthWeight(n int) float64 {
	w := 1.0
	for n > 100 {
		w++
		n /= 2
	}
	return w
}

func linkTextLen(n *html.Node) int {
	total := 0
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, inLink bool) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			inLink = true
		}
		if inLink && n.Type == html.TextNode {
			total += len(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inLink)
		}
	}
	walk(n, false)
	return total
}

func isContentTag(a atom.Atom) bool {
	switch a {
	case atom.Main, atom.Article, atom.Section, atom.Div, atom.P,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Dl, atom.Figure, atom.Details:
		return true
	}
	return false
}

// isBoilerplate reports navigation, page chrome and ads by tag, role, or
// class/id hints.
func isBoilerplate(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Nav, atom.Footer, atom.Header, atom.Aside, atom.Form:
		return true
	}
	switch attr(n, "role") {
	case "navigation", "banner", "contentinfo", "complementary":
		return true
	}
	for _, key := range []string{"class", "id"} {
		v := strings.ToLower(attr(n, key))
		if v == "" {
			continue
		}
		for _, hint := range boilerplateHints {
			if strings.Contains(v, hint) {
				return true
			}
		}
	}
	return false
}
