package snapshot

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Truncation policy. Limits count runes and include the suffix.
const (
	TextLimit = 100
	AttrLimit = 80
	Ellipsis  = "…"
)

// TruncateText applies the text limit.
func TruncateText(s string) string { return truncate(s, TextLimit) }

// TruncateAttr applies the attribute value limit.
func TruncateAttr(s string) string { return truncate(s, AttrLimit) }

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + Ellipsis
}

// RefName is the annotation for ref n. Once the snapshot is committed it
// carries the sequence number, "s4:e3", so the ref stops resolving as soon as
// a newer snapshot of the page exists. Uncommitted snapshots render "e3".
func (s *Snapshot) RefName(n int) string {
	if s.Seq == 0 {
		return fmt.Sprintf("e%d", n)
	}
	return fmt.Sprintf("s%d:e%d", s.Seq, n)
}

var voidTags = map[string]bool{
	"input": true, "img": true, "br": true, "hr": true, "area": true,
	"embed": true, "source": true, "track": true, "wbr": true, "col": true,
}

// RenderAI renders the semantic form used by interaction tools:
//
//	- button "Sign in" [ref=s4:e3]
func RenderAI(s *Snapshot) string {
	var b strings.Builder
	for _, e := range s.Entries {
		indent := strings.Repeat("  ", e.Depth)
		switch e.Kind {
		case KindElement:
			b.WriteString(indent)
			b.WriteString("- ")
			role := e.Role
			if role == "" {
				role = e.Tag
			}
			b.WriteString(role)
			if e.Name != "" {
				fmt.Fprintf(&b, " %q", e.Name)
			}
			for _, f := range aiFlags(e) {
				b.WriteString(" [")
				b.WriteString(f)
				b.WriteString("]")
			}
			fmt.Fprintf(&b, " [ref=%s]", s.RefName(e.Ref))
			if e.Text != "" && e.Text != e.Name {
				b.WriteString(": ")
				b.WriteString(e.Text)
			}
			b.WriteByte('\n')
		case KindFrameEnter:
			fmt.Fprintf(&b, "%s- frame %q:\n", indent, e.Src)
		case KindFrameBlocked:
			fmt.Fprintf(&b, "%s- frame %q [cross-origin]\n", indent, e.Src)
		case KindShadowOpen:
			fmt.Fprintf(&b, "%s- shadow-root:\n", indent)
		}
	}
	if s.Truncated {
		b.WriteString("- … [truncated]\n")
	}
	return b.String()
}

func aiFlags(e Entry) []string {
	var flags []string
	for _, a := range e.Attrs {
		switch a.Name {
		case "checked", "disabled", "selected":
			flags = append(flags, a.Name)
		case "aria-checked", "aria-selected", "aria-pressed", "aria-expanded":
			flags = append(flags, strings.TrimPrefix(a.Name, "aria-")+"="+a.Value)
		case "level":
			flags = append(flags, "level="+a.Value)
		case "href", "value", "type":
			if a.Name == "type" && e.Tag != "input" {
				continue
			}
			flags = append(flags, fmt.Sprintf("%s=%q", a.Name, a.Value))
		}
	}
	if e.Scroll != nil {
		flags = append(flags, fmt.Sprintf("scroll=%d,%d size=%dx%d",
			e.Scroll.X, e.Scroll.Y, e.Scroll.Width, e.Scroll.Height))
	}
	return flags
}

// RenderTree renders the numbered tree used for exploration:
//
//	[3]<button type=submit>Sign in</button>
func RenderTree(s *Snapshot) string {
	var b strings.Builder
	for _, e := range s.Entries {
		indent := strings.Repeat("\t", e.Depth)
		switch e.Kind {
		case KindElement:
			fmt.Fprintf(&b, "%s[%d]<%s", indent, e.Ref, e.Tag)
			for _, a := range e.Attrs {
				b.WriteByte(' ')
				b.WriteString(formatAttr(a))
			}
			if e.Scroll != nil {
				fmt.Fprintf(&b, " scroll=%d,%d", e.Scroll.X, e.Scroll.Y)
			}
			b.WriteByte('>')
			if voidTags[e.Tag] {
				b.WriteByte('\n')
				continue
			}
			content := e.Text
			if content == "" && e.Interactive {
				content = e.Name
			}
			b.WriteString(content)
			fmt.Fprintf(&b, "</%s>\n", e.Tag)
		case KindFrameEnter:
			fmt.Fprintf(&b, "%s<#frame src=%s>\n", indent, quoteIfNeeded(e.Src))
		case KindFrameExit:
			fmt.Fprintf(&b, "%s</#frame>\n", indent)
		case KindFrameBlocked:
			fmt.Fprintf(&b, "%s<#frame src=%s cross-origin/>\n", indent, quoteIfNeeded(e.Src))
		case KindShadowOpen:
			fmt.Fprintf(&b, "%s<#shadow-root>\n", indent)
		case KindShadowClose:
			fmt.Fprintf(&b, "%s</#shadow-root>\n", indent)
		}
	}
	if s.Truncated {
		b.WriteString("[…]\n")
	}
	return b.String()
}

func formatAttr(a Attr) string {
	if a.Value == "" {
		return a.Name
	}
	return a.Name + "=" + quoteIfNeeded(a.Value)
}

func quoteIfNeeded(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\n\"'<>=`") {
		return fmt.Sprintf("%q", v)
	}
	return v
}
