// CLAUDE:SUMMARY Readable-content extraction for the markdown tool: picks the main region of a page (selector, landmarks, text density), sanitizes it with bluemonday and converts it to Markdown.
// Package extract turns a rendered page's HTML into readable Markdown.
//
// The pipeline: raw HTML → parse → select the main region → sanitize →
// convert to Markdown. Region selection tries, in order, an explicit CSS
// selector, semantic landmarks (main, article, role=main), the densest
// content subtree, and finally the whole body.
package extract

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Region names how the extracted content was located.
type Region string

const (
	RegionSelector Region = "selector"
	RegionLandmark Region = "landmark"
	RegionDensity  Region = "density"
	RegionBody     Region = "body"
)

// ErrNoMatch is returned when an explicit selector matches nothing.
var ErrNoMatch = errors.New("extract: selector matched no content")

// Result is the output of Extract.
type Result struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
	Text     string `json:"-"`
	Region   Region `json:"region"`
	Hash     string `json:"hash"` // SHA-256 of Text
}

// Options controls extraction.
type Options struct {
	// Selector restricts extraction to matching elements. Supports tag,
	// .class, #id, [attr], [attr=val] and descendant combinations.
	Selector string
	// BaseURL resolves relative links and images in the Markdown output.
	BaseURL string
	// MinTextLen is the shortest region text accepted by the landmark and
	// density passes. Default: 50.
	MinTextLen int
	// Full skips region detection and converts the whole body.
	Full bool
}

func (o *Options) defaults() {
	if o.MinTextLen <= 0 {
		o.MinTextLen = 50
	}
}

var (
	sanitizer = newSanitizer()
	markdown  = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
)

func newSanitizer() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.RequireNoFollowOnLinks(false)
	return p
}

// Extract runs the pipeline on rawHTML.
func Extract(rawHTML []byte, opts Options) (*Result, error) {
	opts.defaults()

	doc, err := html.Parse(bytes.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("extract: parse html: %w", err)
	}

	nodes, region, err := selectRegion(doc, opts)
	if err != nil {
		return nil, err
	}

	var raw strings.Builder
	var texts []string
	for _, n := range nodes {
		raw.WriteString(renderNode(n))
		raw.WriteByte('\n')
		if t := collectText(n); t != "" {
			texts = append(texts, t)
		}
	}
	text := strings.Join(texts, "\n\n")

	md, err := toMarkdown(sanitizer.Sanitize(raw.String()), opts.BaseURL)
	if err != nil {
		return nil, err
	}

	return &Result{
		Title:    findTitle(doc),
		Markdown: md,
		Text:     text,
		Region:   region,
		Hash:     hashText(text),
	}, nil
}

func selectRegion(doc *html.Node, opts Options) ([]*html.Node, Region, error) {
	body := findFirst(doc, atom.Body)
	if body == nil {
		body = doc
	}
	if opts.Full {
		return []*html.Node{body}, RegionBody, nil
	}

	if opts.Selector != "" {
		matches := querySelectorAll(doc, opts.Selector)
		if len(matches) == 0 {
			return nil, "", fmt.Errorf("%w: %q", ErrNoMatch, opts.Selector)
		}
		return outermost(matches), RegionSelector, nil
	}

	if nodes := landmarks(doc, opts.MinTextLen); len(nodes) > 0 {
		return nodes, RegionLandmark, nil
	}
	if n := densest(body, opts.MinTextLen); n != nil {
		return []*html.Node{n}, RegionDensity, nil
	}
	return []*html.Node{body}, RegionBody, nil
}

func toMarkdown(cleanHTML, baseURL string) (string, error) {
	var opts []converter.ConvertOptionFunc
	if baseURL != "" {
		opts = append(opts, converter.WithDomain(baseURL))
	}
	md, err := markdown.ConvertString(cleanHTML, opts...)
	if err != nil {
		return "", fmt.Errorf("extract: markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

// findTitle returns the text of the first <title>.
func findTitle(doc *html.Node) string {
	t := findFirst(doc, atom.Title)
	if t == nil || t.FirstChild == nil {
		return ""
	}
	return strings.TrimSpace(t.FirstChild.Data)
}

func hashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h)
}

func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	_ = html.Render(&buf, n)
	return buf.String()
}

// collectText joins the visible text of a subtree with single spaces.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func findFirst(root *html.Node, a atom.Atom) *html.Node {
	if root.Type == html.ElementNode && root.DataAtom == a {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := findFirst(c, a); n != nil {
			return n
		}
	}
	return nil
}

// outermost drops nodes nested inside another node of the list, so a
// selector matching both a container and its child yields the text once.
func outermost(nodes []*html.Node) []*html.Node {
	in := make(map[*html.Node]bool, len(nodes))
	for _, n := range nodes {
		in[n] = true
	}
	var out []*html.Node
	for _, n := range nodes {
		nested := false
		for p := n.Parent; p != nil; p = p.Parent {
			if in[p] {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, n)
		}
	}
	return out
}
