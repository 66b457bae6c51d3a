// CLAUDE:SUMMARY Tool-call boundary: one Service method per browser tool, each bounded by the action timeout and returning a typed Result instead of an error.
// Package tools is the boundary between callers (the CLI, MCP clients)
// and the browser. Every tool takes a page name, runs under the action
// timeout and returns a *Result; failures are classified into a small set
// of kinds and never escape as Go errors.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/devbrowser/horosafe"
	"github.com/hazyhaar/devbrowser/kit"
	"github.com/hazyhaar/devbrowser/refs"
)

// DefaultPage is used when a call names no page.
const DefaultPage = "default"

// Pages resolves page names to live pages and reports action errors back,
// so a dead connection is dropped. Implemented by broker.Broker.
type Pages interface {
	Page(ctx context.Context, name string) (*rod.Page, error)
	Observe(err error) error
}

// Control lists and closes registry pages. Implemented by
// controlapi.Client.
type Control interface {
	List(ctx context.Context) ([]string, error)
	ClosePage(ctx context.Context, name string) error
}

// Config wires a Service.
type Config struct {
	Pages   Pages
	Control Control
	Store   refs.Store

	// Timeout bounds every tool call. Default: 30s.
	Timeout time.Duration
	// AllowEvaluate enables the evaluate tool.
	AllowEvaluate bool
	// OutputDir receives screenshots and PDFs. Default: os.TempDir().
	OutputDir string
	// MaxNodes caps snapshot size. Zero uses the snapshot default.
	MaxNodes int

	Logger *slog.Logger
	Now    func() time.Time
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.OutputDir == "" {
		c.OutputDir = os.TempDir()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Service runs tools against the shared browser.
type Service struct {
	cfg      Config
	resolver *refs.Resolver
	logger   *slog.Logger
}

// New creates a Service.
func New(cfg Config) *Service {
	cfg.defaults()
	return &Service{
		cfg:      cfg,
		resolver: refs.NewResolver(cfg.Store, cfg.Pages, refs.WithTimeout(cfg.Timeout)),
		logger:   cfg.Logger,
	}
}

// Timeout returns the action timeout.
func (s *Service) Timeout() time.Duration { return s.cfg.Timeout }

type pageFunc func(ctx context.Context, page *rod.Page) (*Result, error)

type refFunc func(ctx context.Context, r *refs.Resolved) (*Result, error)

// withPage resolves name and runs fn under the action timeout.
func (s *Service) withPage(ctx context.Context, name string, fn pageFunc) *Result {
	ctx = kit.WithPage(ctx, name)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	page, err := s.cfg.Pages.Page(ctx, name)
	if err != nil {
		return s.fail(ctx, err)
	}
	res, err := fn(ctx, page)
	if err != nil {
		return s.fail(ctx, s.cfg.Pages.Observe(err))
	}
	return res
}

// withRef resolves ref on page name and runs fn under the action timeout.
func (s *Service) withRef(ctx context.Context, name, ref string, fn refFunc) *Result {
	ctx = kit.WithPage(ctx, name)
	if strings.TrimSpace(ref) == "" {
		return s.fail(ctx, invalid("ref", "must not be empty"))
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	r, err := s.resolver.Resolve(ctx, name, ref)
	if err != nil {
		return s.fail(ctx, s.cfg.Pages.Observe(err))
	}
	res, err := fn(ctx, r)
	if err != nil {
		return s.fail(ctx, s.cfg.Pages.Observe(err))
	}
	return res
}

func (s *Service) fail(ctx context.Context, err error) *Result {
	res := Fail(err)
	s.logger.DebugContext(ctx, "tool failed",
		"page", kit.GetPage(ctx),
		"kind", res.Error.Kind,
		"error", err,
	)
	return res
}

// outputPath picks where a screenshot or PDF is written. A caller path is
// confined to OutputDir; otherwise the file is named after the page and
// the current time.
func (s *Service) outputPath(sub, page, ext, userPath string) (string, error) {
	if userPath != "" {
		p, err := horosafe.SafePath(s.cfg.OutputDir, userPath)
		if err != nil {
			return "", invalid("path", "%v", err)
		}
		return p, nil
	}
	name := fmt.Sprintf("%s-%d%s", fileSafe(page), s.cfg.Now().UnixMilli(), ext)
	return filepath.Join(s.cfg.OutputDir, sub, name), nil
}

func writeOutput(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("tools: create output dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("tools: write %s: %w", path, err)
	}
	return nil
}

// fileSafe keeps letters, digits, '-' and '_' and maps the rest to '_'.
func fileSafe(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "page"
	}
	return b.String()
}

func pageOrDefault(name string) string {
	if name == "" {
		return DefaultPage
	}
	return name
}
