package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/devbrowser/audit"
	"github.com/hazyhaar/devbrowser/broker"
	"github.com/hazyhaar/devbrowser/controlapi"
	"github.com/hazyhaar/devbrowser/dbopen"
	"github.com/hazyhaar/devbrowser/idgen"
	"github.com/hazyhaar/devbrowser/refs"
	"github.com/hazyhaar/devbrowser/registry"
	"github.com/hazyhaar/devbrowser/snapshot"
)

// fakePages never yields a live page; tests cover the paths that fail
// before or while resolving one.
type fakePages struct {
	calls atomic.Int32
	err   error
}

func (f *fakePages) Page(context.Context, string) (*rod.Page, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return nil, errors.New("fakePages: no browser")
}

func (f *fakePages) Observe(err error) error {
	if broker.IsConnectionError(err) {
		var lost *broker.ErrConnectionLost
		if errors.As(err, &lost) {
			return err
		}
		return &broker.ErrConnectionLost{Cause: err}
	}
	return err
}

type fakeControl struct {
	pages []string
}

func (f *fakeControl) List(context.Context) ([]string, error) { return f.pages, nil }

func (f *fakeControl) ClosePage(_ context.Context, name string) error {
	for i, p := range f.pages {
		if p == name {
			f.pages = append(f.pages[:i], f.pages[i+1:]...)
			return nil
		}
	}
	return &registry.ErrPageNotFound{Name: name}
}

func newService(t *testing.T, mutate func(*Config)) (*Service, *fakePages, *refs.MemoryStore) {
	t.Helper()
	pages := &fakePages{}
	store := refs.NewMemoryStore()
	cfg := Config{
		Pages:     pages,
		Control:   &fakeControl{pages: []string{"default", "docs"}},
		Store:     store,
		Timeout:   2 * time.Second,
		OutputDir: t.TempDir(),
		Now:       func() time.Time { return time.UnixMilli(1700000000000) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), pages, store
}

func wantKind(t *testing.T, res *Result, kind string) {
	t.Helper()
	if res.Error == nil {
		t.Fatalf("expected %s failure, got success: %q", kind, res.Text)
	}
	if res.Error.Kind != kind {
		t.Fatalf("kind = %q (%s), want %q", res.Error.Kind, res.Error.Message, kind)
	}
}

func TestClassify(t *testing.T) {
	stale := &refs.ErrStaleRef{Page: "p", Ref: "e1", Reason: "x"}
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"page not found", &registry.ErrPageNotFound{Name: "x"}, KindPageNotFound},
		{"page resolution", &broker.ErrPageResolution{TargetID: "T"}, KindPageResolution},
		{"connection lost", &broker.ErrConnectionLost{Cause: io.EOF}, KindConnectionLost},
		{"control unreachable", &controlapi.ErrUnreachable{URL: "u", Cause: io.EOF}, KindConnectionLost},
		{"stale", stale, KindStaleRef},
		{"wrapped stale", fmt.Errorf("click: %w", stale), KindStaleRef},
		{"detached", &refs.ErrElementDetached{Page: "p", Ref: "e1"}, KindElementDetached},
		{"invalid ref", &refs.ErrInvalidRef{Input: "x"}, KindInvalidArgument},
		{"invalid argument", invalid("url", "bad"), KindInvalidArgument},
		{"status with kind", &controlapi.ErrStatus{Status: 404, APIKind: "page_not_found"}, KindPageNotFound},
		{"status unknown kind", &controlapi.ErrStatus{Status: 500, APIKind: "boom"}, KindEngine},
		{"plain", errors.New("navigation failed"), KindEngine},
		{"deadline", context.DeadlineExceeded, KindEngine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got == nil || got.Kind != tt.want {
				t.Errorf("Classify(%v) = %+v, want kind %q", tt.err, got, tt.want)
			}
		})
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
	if got := Classify(context.DeadlineExceeded); !strings.HasPrefix(got.Message, "timed out") {
		t.Errorf("deadline message = %q", got.Message)
	}
}

func TestResult_MCPContent(t *testing.T) {
	res := &Result{Text: "saved", Image: []byte{1, 2}, MIMEType: "image/png"}
	content, isErr := res.MCPContent()
	if isErr || len(content) != 2 {
		t.Fatalf("content = %d items, isErr %v", len(content), isErr)
	}
	if img, ok := content[1].(*mcp.ImageContent); !ok || img.MIMEType != "image/png" {
		t.Errorf("second item = %T", content[1])
	}

	failed := Fail(&refs.ErrStaleRef{Page: "p", Ref: "e4", Reason: "snapshot superseded"})
	content, isErr = failed.MCPContent()
	if !isErr {
		t.Fatal("failure should be an MCP error")
	}
	text := content[0].(*mcp.TextContent).Text
	if !strings.HasPrefix(text, "stale_ref: ") {
		t.Errorf("text = %q", text)
	}
	if audit.KindOf(failed.Err()) != KindStaleRef {
		t.Errorf("Err() should carry the kind")
	}

	content, _ = (&Result{}).MCPContent()
	if content[0].(*mcp.TextContent).Text != "ok" {
		t.Error("empty success should read ok")
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"example.com", "https://example.com", false},
		{"  example.com/a?b=1 ", "https://example.com/a?b=1", false},
		{"http://localhost:3000", "http://localhost:3000", false},
		{"about:blank", "about:blank", false},
		{"file:///tmp/index.html", "file:///tmp/index.html", false},
		{"ftp://example.com", "", true},
		{"chrome://settings", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := normalizeURL(tt.in)
		if tt.wantErr {
			if audit.KindOf(err) != KindInvalidArgument {
				t.Errorf("normalizeURL(%q) err = %v, want invalid_argument", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("normalizeURL(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestParseKey(t *testing.T) {
	for name, want := range map[string]input.Key{
		"Enter":     input.Enter,
		"enter":     input.Enter,
		"ArrowDown": input.ArrowDown,
		"Esc":       input.Escape,
		"a":         input.Key('a'),
		"7":         input.Key('7'),
	} {
		got, err := parseKey(name)
		if err != nil || got != want {
			t.Errorf("parseKey(%q) = %v, %v", name, got, err)
		}
	}
	for _, bad := range []string{"", "F13", "é", "ab"} {
		if _, err := parseKey(bad); err == nil {
			t.Errorf("parseKey(%q) should fail", bad)
		}
	}
}

func TestRefTools_StaleBeforeTouchingThePage(t *testing.T) {
	svc, pages, store := newService(t, nil)
	ctx := context.Background()

	wantKind(t, svc.Click(ctx, "", "e1"), KindStaleRef)
	wantKind(t, svc.Type(ctx, "docs", "e2", "hi", TypeOptions{}), KindStaleRef)
	wantKind(t, svc.Selector(ctx, "docs", "e2"), KindStaleRef)

	snap := &snapshot.Snapshot{Locators: make([]snapshot.Locator, 3)}
	if _, err := store.Commit(ctx, DefaultPage, snap); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Commit(ctx, DefaultPage, snap); err != nil {
		t.Fatal(err)
	}
	res := svc.Click(ctx, "", "s1:e1")
	wantKind(t, res, KindStaleRef)
	if !strings.Contains(res.Error.Message, "superseded") {
		t.Errorf("message = %q", res.Error.Message)
	}
	wantKind(t, svc.Click(ctx, "", "e9"), KindStaleRef)

	if n := pages.calls.Load(); n != 0 {
		t.Errorf("page resolved %d times for stale refs", n)
	}
}

func TestRefTools_InvalidRef(t *testing.T) {
	svc, _, _ := newService(t, nil)
	ctx := context.Background()

	wantKind(t, svc.Click(ctx, "", "button"), KindInvalidArgument)
	wantKind(t, svc.Click(ctx, "", ""), KindInvalidArgument)
	wantKind(t, svc.Selector(ctx, "", "  "), KindInvalidArgument)
}

func TestPageErrorsSurfaceWithKind(t *testing.T) {
	svc, pages, _ := newService(t, nil)
	ctx := context.Background()

	pages.err = &broker.ErrPageResolution{TargetID: "T9"}
	wantKind(t, svc.Navigate(ctx, "main", "example.com"), KindPageResolution)

	pages.err = &broker.ErrConnectionLost{Cause: io.EOF}
	wantKind(t, svc.Snapshot(ctx, "main"), KindConnectionLost)
	wantKind(t, svc.Markdown(ctx, "main", MarkdownOptions{}), KindConnectionLost)
}

func TestInputValidation(t *testing.T) {
	svc, pages, _ := newService(t, nil)
	ctx := context.Background()

	wantKind(t, svc.Navigate(ctx, "", "javascript:alert(1)"), KindInvalidArgument)
	wantKind(t, svc.Press(ctx, "", "NoSuchKey", ""), KindInvalidArgument)
	wantKind(t, svc.Scroll(ctx, "", ScrollOptions{}), KindInvalidArgument)
	wantKind(t, svc.Screenshot(ctx, "", ScreenshotOptions{Path: "../escape.png"}), KindInvalidArgument)
	wantKind(t, svc.PDF(ctx, "", "../../etc/x.pdf"), KindInvalidArgument)
	wantKind(t, svc.Evaluate(ctx, "", "document.title"), KindInvalidArgument)

	if n := pages.calls.Load(); n != 0 {
		t.Errorf("page resolved %d times for invalid input", n)
	}
}

func TestEvaluate_EmptyScript(t *testing.T) {
	svc, _, _ := newService(t, func(c *Config) { c.AllowEvaluate = true })
	wantKind(t, svc.Evaluate(context.Background(), "", "  "), KindInvalidArgument)
}

func TestFunctionLike(t *testing.T) {
	for _, s := range []string{"() => 1", "async () => fetch('/')", "function () { return 1 }", "x => x", " (a, b) => a"} {
		if !functionLike.MatchString(s) {
			t.Errorf("%q should be called as a function", s)
		}
	}
	for _, s := range []string{"document.title", "let a = 1; a + 1", "(1 + 2)"} {
		if functionLike.MatchString(s) {
			t.Errorf("%q should be evaluated as a script", s)
		}
	}
}

func TestOutputPath(t *testing.T) {
	svc, _, _ := newService(t, nil)

	got, err := svc.outputPath("screenshots", "a/b c", ".png", "")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(svc.cfg.OutputDir, "screenshots", "a_b_c-1700000000000.png")
	if got != want {
		t.Errorf("outputPath = %q, want %q", got, want)
	}

	got, err = svc.outputPath("pdf", "x", ".pdf", "reports/q1.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(svc.cfg.OutputDir, "reports", "q1.pdf") {
		t.Errorf("user path = %q", got)
	}
}

func TestListAndClosePages(t *testing.T) {
	svc, _, _ := newService(t, nil)
	ctx := context.Background()

	if res := svc.ListPages(ctx); res.Text != "default\ndocs" {
		t.Errorf("list = %q", res.Text)
	}
	if res := svc.ClosePage(ctx, "docs"); res.Failed() {
		t.Fatalf("close: %+v", res.Error)
	}
	wantKind(t, svc.ClosePage(ctx, "docs"), KindPageNotFound)
	if res := svc.ClosePage(ctx, ""); res.Failed() {
		t.Fatalf("close default: %+v", res.Error)
	}
	if res := svc.ListPages(ctx); res.Text != "no pages" {
		t.Errorf("list after close = %q", res.Text)
	}
}

// --- MCP ---

var testImpl = &mcp.Implementation{Name: "devbrowser-test", Version: "0.1.0"}

func mcpSession(t *testing.T, svc *Service, opts MCPOptions) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testImpl, nil)
	svc.RegisterMCP(srv, opts)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return tc.Text, result.IsError
}

func TestMCP_ToolsListed(t *testing.T) {
	svc, _, _ := newService(t, nil)
	session := mcpSession(t, svc, MCPOptions{})

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	have := map[string]bool{}
	for _, tool := range res.Tools {
		have[tool.Name] = true
	}
	for _, name := range []string{
		"navigate", "click", "type", "press", "scroll", "screenshot", "snapshot",
		"llm_tree", "selector", "evaluate", "markdown", "pdf", "list_pages", "close_page",
	} {
		if !have[name] {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestMCP_ErrorsCarryKind(t *testing.T) {
	svc, _, _ := newService(t, nil)
	session := mcpSession(t, svc, MCPOptions{})

	text, isErr := callTool(t, session, "list_pages", nil)
	if isErr || text != "default\ndocs" {
		t.Errorf("list_pages = %q (error %v)", text, isErr)
	}

	text, isErr = callTool(t, session, "close_page", map[string]any{"page": "ghost"})
	if !isErr || !strings.HasPrefix(text, "page_not_found: ") {
		t.Errorf("close_page ghost = %q (error %v)", text, isErr)
	}

	text, isErr = callTool(t, session, "click", map[string]any{"ref": "e3"})
	if !isErr || !strings.HasPrefix(text, "stale_ref: ") {
		t.Errorf("click = %q (error %v)", text, isErr)
	}
}

func TestMCP_Audit(t *testing.T) {
	db := dbopen.OpenMemory(t)
	al := audit.NewSQLiteLogger(db, audit.WithIDGenerator(idgen.Sequence("a_")))
	if err := al.Init(); err != nil {
		t.Fatal(err)
	}

	svc, _, _ := newService(t, nil)
	session := mcpSession(t, svc, MCPOptions{Audit: al, NewID: idgen.Sequence("req_")})

	callTool(t, session, "click", map[string]any{"page": "docs", "ref": "e3"})
	callTool(t, session, "list_pages", nil)
	al.Close()

	entries, err := al.Query(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	byAction := map[string]*audit.Entry{}
	for _, e := range entries {
		byAction[e.Action] = e
	}

	click := byAction["click"]
	if click == nil {
		t.Fatal("click not audited")
	}
	if click.Transport != "mcp" || click.Page != "docs" || click.Kind != KindStaleRef || click.Status != "error" {
		t.Errorf("click entry = %+v", click)
	}
	if !strings.HasPrefix(click.RequestID, "req_") {
		t.Errorf("request id = %q", click.RequestID)
	}
	if list := byAction["list_pages"]; list == nil || list.Status != "success" {
		t.Errorf("list_pages entry = %+v", list)
	}
}
