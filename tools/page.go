package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/devbrowser/extract"
	"github.com/hazyhaar/devbrowser/horosafe"
	"github.com/hazyhaar/devbrowser/refs"
	"github.com/hazyhaar/devbrowser/snapshot"
)

// Navigate loads rawURL in page and waits for the load event. The page's
// snapshot is dropped, so refs taken before the navigation are stale.
func (s *Service) Navigate(ctx context.Context, name, rawURL string) *Result {
	name = pageOrDefault(name)
	u, err := normalizeURL(rawURL)
	if err != nil {
		return s.fail(ctx, err)
	}
	return s.withPage(ctx, name, func(ctx context.Context, page *rod.Page) (*Result, error) {
		if err := page.Navigate(u); err != nil {
			return nil, fmt.Errorf("tools: navigate to %s: %w", u, err)
		}
		if err := page.WaitLoad(); err != nil {
			return nil, fmt.Errorf("tools: wait for load: %w", err)
		}
		if err := s.cfg.Store.Drop(ctx, name); err != nil {
			s.logger.WarnContext(ctx, "tools: drop snapshot after navigate", "page", name, "error", err)
		}
		info, err := page.Info()
		if err != nil {
			return nil, fmt.Errorf("tools: page info: %w", err)
		}
		return Text("navigated %q to %s\ntitle: %s", name, info.URL, info.Title), nil
	})
}

// normalizeURL accepts bare hosts ("example.com/path") as https and
// rejects schemes outside horosafe.NavigableSchemes.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalid("url", "must not be empty")
	}
	if !strings.Contains(raw, "://") && !hasOpaqueScheme(raw) {
		raw = "https://" + raw
	}
	u, err := horosafe.CheckScheme(raw, horosafe.NavigableSchemes...)
	if err != nil {
		return "", invalid("url", "%v", err)
	}
	return u.String(), nil
}

func hasOpaqueScheme(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "about:") || strings.HasPrefix(lower, "data:")
}

// Snapshot captures page, commits it as the page's current snapshot and
// renders it for an AI reader.
func (s *Service) Snapshot(ctx context.Context, name string) *Result {
	return s.capture(ctx, pageOrDefault(name), snapshot.RenderAI)
}

// LLMTree captures page like Snapshot and renders the compact indexed tree.
func (s *Service) LLMTree(ctx context.Context, name string) *Result {
	return s.capture(ctx, pageOrDefault(name), snapshot.RenderTree)
}

func (s *Service) capture(ctx context.Context, name string, render func(*snapshot.Snapshot) string) *Result {
	return s.withPage(ctx, name, func(ctx context.Context, page *rod.Page) (*Result, error) {
		snap, err := snapshot.Capture(ctx, page, snapshot.Options{MaxNodes: s.cfg.MaxNodes, Now: s.cfg.Now})
		if err != nil {
			return nil, err
		}
		seq, err := s.cfg.Store.Commit(ctx, name, snap)
		if err != nil {
			return nil, fmt.Errorf("tools: commit snapshot: %w", err)
		}
		snap.Page = name
		snap.Seq = seq
		return &Result{Text: snapshotHeader(snap) + render(snap)}, nil
	})
}

func snapshotHeader(snap *snapshot.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# page %q snapshot s%d (%d refs)\n", snap.Page, snap.Seq, snap.Len())
	fmt.Fprintf(&b, "# refs: s%d:eN, stale once the page is snapshotted again\n", snap.Seq)
	fmt.Fprintf(&b, "# url: %s\n", snap.URL)
	if snap.Title != "" {
		fmt.Fprintf(&b, "# title: %s\n", snap.Title)
	}
	if snap.Truncated {
		b.WriteString("# truncated: node limit reached\n")
	}
	return b.String()
}

// ScreenshotOptions selects what Screenshot captures.
type ScreenshotOptions struct {
	Ref      string
	FullPage bool
	Path     string // relative to the output dir
}

// Screenshot captures the viewport, the full page, or one element and
// saves a PNG under the output directory.
func (s *Service) Screenshot(ctx context.Context, name string, opts ScreenshotOptions) *Result {
	name = pageOrDefault(name)
	path, err := s.outputPath("screenshots", name, ".png", opts.Path)
	if err != nil {
		return s.fail(ctx, err)
	}

	save := func(data []byte) (*Result, error) {
		if err := writeOutput(path, data); err != nil {
			return nil, err
		}
		return &Result{
			Text:     "saved screenshot to " + path,
			Image:    data,
			MIMEType: "image/png",
			Path:     path,
		}, nil
	}

	if opts.Ref != "" {
		return s.withRef(ctx, name, opts.Ref, func(ctx context.Context, r *refs.Resolved) (*Result, error) {
			data, err := r.Element.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
			if err != nil {
				return nil, fmt.Errorf("tools: screenshot %s: %w", r.Ref, err)
			}
			return save(data)
		})
	}
	return s.withPage(ctx, name, func(ctx context.Context, page *rod.Page) (*Result, error) {
		data, err := page.Screenshot(opts.FullPage, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
		if err != nil {
			return nil, fmt.Errorf("tools: screenshot: %w", err)
		}
		return save(data)
	})
}

// PDF prints page to a PDF under the output directory and reports its
// page count.
func (s *Service) PDF(ctx context.Context, name, userPath string) *Result {
	name = pageOrDefault(name)
	path, err := s.outputPath("pdf", name, ".pdf", userPath)
	if err != nil {
		return s.fail(ctx, err)
	}
	return s.withPage(ctx, name, func(ctx context.Context, page *rod.Page) (*Result, error) {
		stream, err := page.PDF(&proto.PagePrintToPDF{PrintBackground: true})
		if err != nil {
			return nil, fmt.Errorf("tools: print to pdf: %w", err)
		}
		data, err := io.ReadAll(stream)
		_ = stream.Close()
		if err != nil {
			return nil, fmt.Errorf("tools: read pdf stream: %w", err)
		}
		pages, err := pdfPageCount(data)
		if err != nil {
			return nil, err
		}
		if err := writeOutput(path, data); err != nil {
			return nil, err
		}
		return &Result{Text: fmt.Sprintf("saved %d-page PDF to %s", pages, path), Path: path}, nil
	})
}

func pdfPageCount(data []byte) (int, error) {
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return 0, fmt.Errorf("tools: pdfcpu read: %w", err)
	}
	return pctx.PageCount, nil
}

// MarkdownOptions selects the region converted by Markdown.
type MarkdownOptions struct {
	Selector string
	Full     bool
}

// Markdown returns the page's readable content as Markdown.
func (s *Service) Markdown(ctx context.Context, name string, opts MarkdownOptions) *Result {
	return s.withPage(ctx, pageOrDefault(name), func(ctx context.Context, page *rod.Page) (*Result, error) {
		html, err := page.HTML()
		if err != nil {
			return nil, fmt.Errorf("tools: read html: %w", err)
		}
		info, err := page.Info()
		if err != nil {
			return nil, fmt.Errorf("tools: page info: %w", err)
		}
		res, err := extract.Extract([]byte(html), extract.Options{
			Selector: opts.Selector,
			BaseURL:  info.URL,
			Full:     opts.Full,
		})
		if errors.Is(err, extract.ErrNoMatch) {
			return nil, invalid("selector", "%q matched no content", opts.Selector)
		}
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		if res.Title != "" {
			fmt.Fprintf(&b, "# %s\n\n", res.Title)
		}
		fmt.Fprintf(&b, "<!-- %s, region: %s -->\n\n", info.URL, res.Region)
		b.WriteString(res.Markdown)
		return &Result{Text: b.String()}, nil
	})
}

var functionLike = regexp.MustCompile(`^\s*(async\s+)?(function\b|\([^)]*\)\s*=>|[A-Za-z_$][\w$]*\s*=>)`)

// Evaluate runs a caller script in page and returns its JSON value. A
// function expression is called; anything else is evaluated as a script
// and yields its completion value. Disabled unless AllowEvaluate is set.
func (s *Service) Evaluate(ctx context.Context, name, script string) *Result {
	if !s.cfg.AllowEvaluate {
		return s.fail(ctx, invalid("tool", "evaluate is disabled by configuration"))
	}
	if strings.TrimSpace(script) == "" {
		return s.fail(ctx, invalid("script", "must not be empty"))
	}
	return s.withPage(ctx, pageOrDefault(name), func(ctx context.Context, page *rod.Page) (*Result, error) {
		var (
			res *proto.RuntimeRemoteObject
			err error
		)
		if functionLike.MatchString(script) {
			res, err = page.Eval(script)
		} else {
			res, err = page.Eval(`(src) => (0, eval)(src)`, script)
		}
		if err != nil {
			return nil, fmt.Errorf("tools: evaluate: %w", err)
		}
		if res.Type == proto.RuntimeRemoteObjectTypeUndefined {
			return Text("undefined"), nil
		}
		return &Result{Text: res.Value.JSON("", "  ")}, nil
	})
}

// Press sends one key to page, or to the element behind ref when given.
func (s *Service) Press(ctx context.Context, name, key, ref string) *Result {
	name = pageOrDefault(name)
	k, err := parseKey(key)
	if err != nil {
		return s.fail(ctx, err)
	}
	if ref != "" {
		return s.withRef(ctx, name, ref, func(ctx context.Context, r *refs.Resolved) (*Result, error) {
			if err := r.Element.Type(k); err != nil {
				return nil, fmt.Errorf("tools: press %s on %s: %w", key, r.Ref, err)
			}
			return Text("pressed %s on %s", key, r.Ref), nil
		})
	}
	return s.withPage(ctx, name, func(ctx context.Context, page *rod.Page) (*Result, error) {
		if err := page.Keyboard.Type(k); err != nil {
			return nil, fmt.Errorf("tools: press %s: %w", key, err)
		}
		return Text("pressed %s", key), nil
	})
}

var namedKeys = map[string]input.Key{
	"enter":      input.Enter,
	"return":     input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"esc":        input.Escape,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"space":      input.Space,
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"home":       input.Home,
	"end":        input.End,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
}

// parseKey maps a key name ("Enter", "ArrowDown") or a single printable
// ASCII character to a rod key.
func parseKey(key string) (input.Key, error) {
	if k, ok := namedKeys[strings.ToLower(key)]; ok {
		return k, nil
	}
	if len(key) == 1 && key[0] >= 0x20 && key[0] < 0x7f {
		return input.Key(key[0]), nil
	}
	return 0, invalid("key", "unknown key %q", key)
}

// ScrollOptions selects how Scroll moves.
type ScrollOptions struct {
	Ref string // scroll this element into view
	DX  int
	DY  int
}

// Scroll brings ref into view, or scrolls the window by DX, DY pixels.
func (s *Service) Scroll(ctx context.Context, name string, opts ScrollOptions) *Result {
	name = pageOrDefault(name)
	if opts.Ref != "" {
		return s.withRef(ctx, name, opts.Ref, func(ctx context.Context, r *refs.Resolved) (*Result, error) {
			if err := r.Element.ScrollIntoView(); err != nil {
				return nil, fmt.Errorf("tools: scroll to %s: %w", r.Ref, err)
			}
			return Text("scrolled %s into view", r.Ref), nil
		})
	}
	if opts.DX == 0 && opts.DY == 0 {
		return s.fail(ctx, invalid("scroll", "need a ref or a non-zero dx/dy"))
	}
	return s.withPage(ctx, name, func(ctx context.Context, page *rod.Page) (*Result, error) {
		res, err := page.Eval(`(x, y) => { window.scrollBy(x, y); return [window.scrollX, window.scrollY] }`, opts.DX, opts.DY)
		if err != nil {
			return nil, fmt.Errorf("tools: scroll: %w", err)
		}
		pos := res.Value.Arr()
		if len(pos) != 2 {
			return Text("scrolled by %d,%d", opts.DX, opts.DY), nil
		}
		return Text("scrolled to %d,%d", pos[0].Int(), pos[1].Int()), nil
	})
}
