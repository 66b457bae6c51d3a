// Package e2e runs the full chain against a real Chrome: browser host,
// registry and control API on one side, broker and tool service as
// short-lived clients on the other.
//
// Requires DEVBROWSER_E2E=1; DEVBROWSER_CHROME_BIN selects the browser.
package e2e

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/devbrowser/broker"
	"github.com/hazyhaar/devbrowser/browserhost"
	"github.com/hazyhaar/devbrowser/controlapi"
	"github.com/hazyhaar/devbrowser/refs"
	"github.com/hazyhaar/devbrowser/registry"
	"github.com/hazyhaar/devbrowser/tools"
)

// --- test helpers ---

type stack struct {
	url   string
	reg   *registry.Registry
	store *refs.MemoryStore
}

// client is one tool-caller process: its own control client, broker and
// service, sharing nothing with other clients but the server.
type client struct {
	api    *controlapi.Client
	broker *broker.Broker
	svc    *tools.Service
}

func newStack(t *testing.T) *stack {
	t.Helper()
	if os.Getenv("DEVBROWSER_E2E") == "" {
		t.Skip("set DEVBROWSER_E2E=1 to run browser tests")
	}
	host := browserhost.New(browserhost.Config{
		CDPPort:    19225,
		Headless:   true,
		ProfileDir: filepath.Join(t.TempDir(), "profile"),
		Bin:        os.Getenv("DEVBROWSER_CHROME_BIN"),
	})
	t.Cleanup(func() { host.Close() })

	reg := registry.New(host)
	store := refs.NewMemoryStore()
	reg.OnClose(func(name string) { _ = store.Drop(context.Background(), name) })
	host.OnTargetDestroyed(func(id string) { reg.Forget(id) })
	host.OnRelaunch(reg.Reset)

	srv := httptest.NewServer(controlapi.NewServer(controlapi.Config{
		Registry: reg,
		Browser:  host,
		Store:    store,
	}).Handler())
	t.Cleanup(srv.Close)

	return &stack{url: srv.URL, reg: reg, store: store}
}

func (s *stack) newClient(t *testing.T) *client {
	t.Helper()
	api := controlapi.NewClient(s.url)
	br := broker.New(api)
	t.Cleanup(func() { br.Close() })
	svc := tools.New(tools.Config{
		Pages:         br,
		Control:       api,
		Store:         api,
		Timeout:       20 * time.Second,
		AllowEvaluate: true,
		OutputDir:     t.TempDir(),
	})
	return &client{api: api, broker: br, svc: svc}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dataURL(html string) string {
	return "data:text/html;charset=utf-8," + url.PathEscape(html)
}

func mustOK(t *testing.T, res *tools.Result) string {
	t.Helper()
	if res.Failed() {
		t.Fatalf("%s: %s", res.Error.Kind, res.Error.Message)
	}
	return res.Text
}

var refPattern = regexp.MustCompile(`\[ref=(s\d+:(e\d+))\]`)

// refsIn returns the element part of every ref in a snapshot: e1, e2...
func refsIn(text string) []string {
	var out []string
	for _, m := range refPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, m[2])
	}
	return out
}

// pinnedRefsIn returns every ref exactly as printed: s1:e1, s1:e2...
func pinnedRefsIn(text string) []string {
	var out []string
	for _, m := range refPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// refFor returns the printed ref of the line that names label.
func refFor(t *testing.T, text, label string) string {
	t.Helper()
	for _, line := range strings.Split(text, "\n") {
		if !strings.Contains(line, `"`+label+`"`) {
			continue
		}
		if m := refPattern.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	t.Fatalf("no ref for %q in:\n%s", label, text)
	return ""
}

// serve hosts pages on a local origin so frames are same-origin.
func serve(t *testing.T, pages map[string]string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

const fiveControls = `<!doctype html><title>Five</title><body>
<button>One</button>
<a href="#two">Two</a>
<input aria-label="Three">
<button>Four</button>
<select aria-label="Five"><option>a</option></select>
</body>`

// --- scenarios ---

func TestE2E_RefsInDocumentOrderAndFreshTargetOnReopen(t *testing.T) {
	s := newStack(t)
	c := s.newClient(t)
	ctx := testCtx(t)

	mustOK(t, c.svc.Navigate(ctx, "main", dataURL(fiveControls)))
	out := mustOK(t, c.svc.Snapshot(ctx, "main"))
	got := refsIn(out)
	want := []string{"e1", "e2", "e3", "e4", "e5"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("refs = %v, want %v\n%s", got, want, out)
	}

	first, err := c.api.Get(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	mustOK(t, c.svc.ClosePage(ctx, "main"))
	t2, err := c.api.GetOrCreate(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if t2 == first.TargetID {
		t.Fatalf("reopened page reused target %s", t2)
	}

	// The old snapshot left with the closed page.
	res := c.svc.Click(ctx, "main", "e1")
	if res.Error == nil || res.Error.Kind != tools.KindStaleRef {
		t.Fatalf("click after reopen = %+v", res)
	}
}

func TestE2E_ConcurrentGetOrCreate(t *testing.T) {
	s := newStack(t)
	ctx := testCtx(t)

	clients := []*client{s.newClient(t), s.newClient(t)}
	ids := make([]string, len(clients))
	errs := make([]error, len(clients))
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = c.api.GetOrCreate(ctx, "login")
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if ids[0] != ids[1] {
		t.Fatalf("target ids differ: %s vs %s", ids[0], ids[1])
	}
	n := 0
	for _, name := range s.reg.List() {
		if name == "login" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("login listed %d times", n)
	}
}

func TestE2E_PreClickRefIsStale(t *testing.T) {
	s := newStack(t)
	c := s.newClient(t)
	ctx := testCtx(t)

	page := `<!doctype html><body>
<button>a</button><button>b</button>
<button onclick="document.body.insertAdjacentHTML('afterbegin', '<button>new</button>')">add</button>
</body>`
	mustOK(t, c.svc.Navigate(ctx, "search", dataURL(page)))
	printed := pinnedRefsIn(mustOK(t, c.svc.Snapshot(ctx, "search")))
	if len(printed) != 3 {
		t.Fatalf("refs = %v, want 3", printed)
	}
	preClick := printed[2]

	mustOK(t, c.svc.Click(ctx, "search", preClick))
	mustOK(t, c.svc.Snapshot(ctx, "search"))

	res := c.svc.Click(ctx, "search", preClick)
	if res.Error == nil || res.Error.Kind != tools.KindStaleRef {
		t.Fatalf("click %s after re-snapshot = %+v, want stale_ref", preClick, res)
	}
	resolver := refs.NewResolver(c.api, c.broker)
	_, err := resolver.ResolveElement(ctx, "search", preClick)
	var stale *refs.ErrStaleRef
	if !errors.As(err, &stale) {
		t.Fatalf("resolve %s after re-snapshot: %v, want stale ref", preClick, err)
	}
}

// selectorTarget follows a " >>> " selector through frames and shadow roots
// and returns the walker stamp of the one element it selects.
const selectorTarget = `(sel) => {
  let root = document, el = null;
  for (const seg of sel.split(' >>> ')) {
    if (!root) return 'no root before ' + seg;
    const all = root.querySelectorAll(seg);
    if (all.length !== 1) return seg + ' matched ' + all.length;
    el = all[0];
    root = el.contentDocument || el.shadowRoot;
  }
  return el.__devbrowserRef || 'unstamped';
}`

const nestedPage = `<!doctype html><title>Nested</title><body>
<ul><li><button>Go</button></li><li><button>Go</button></li></ul>
<div id="host"></div>
<iframe src="/frame"></iframe>
<script>
document.getElementById('host').attachShadow({mode: 'open'}).innerHTML = '<button>Shade</button><button>Shade</button>';
</script>
</body>`

const framePage = `<!doctype html><body><button>Inner</button><button>Inner</button></body>`

func TestE2E_SelectorsSelectTheIndexedElement(t *testing.T) {
	s := newStack(t)
	c := s.newClient(t)
	ctx := testCtx(t)
	origin := serve(t, map[string]string{"/": nestedPage, "/frame": framePage})

	mustOK(t, c.svc.Navigate(ctx, "nested", origin+"/"))
	out := mustOK(t, c.svc.Snapshot(ctx, "nested"))
	for _, marker := range []string{`- frame "/frame":`, "- shadow-root:"} {
		if !strings.Contains(out, marker) {
			t.Errorf("missing %q in:\n%s", marker, out)
		}
	}
	snap, err := s.store.Current(ctx, "nested")
	if err != nil {
		t.Fatal(err)
	}
	printed := pinnedRefsIn(out)
	if len(printed) != 6 || snap.Len() != 6 {
		t.Fatalf("refs = %v (%d locators), want 6", printed, snap.Len())
	}

	page, err := c.broker.Page(ctx, "nested")
	if err != nil {
		t.Fatal(err)
	}
	resolver := refs.NewResolver(c.api, c.broker)
	var nth, nested int
	for i, ref := range printed {
		sel, err := resolver.ResolveSelector(ctx, "nested", ref)
		if err != nil {
			t.Fatalf("selector for %s: %v", ref, err)
		}
		if strings.Contains(sel, ":nth-of-type(") {
			nth++
		}
		if strings.Contains(sel, " >>> ") {
			nested++
		}
		res, err := page.Context(ctx).Eval(selectorTarget, sel)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := res.Value.Str(), snap.Locators[i].Mark; got != want {
			t.Errorf("%s: selector %q selects %q, want element %q", ref, sel, got, want)
		}
	}
	if nth == 0 {
		t.Error("duplicate unattributed buttons should need an nth-of-type selector")
	}
	if nested != 4 {
		t.Errorf("%d selectors cross a frame or shadow root, want 4", nested)
	}
}

func TestE2E_ResolveNeverReturnsASibling(t *testing.T) {
	s := newStack(t)
	c := s.newClient(t)
	ctx := testCtx(t)

	page := `<!doctype html><body><div id="list"><button>A</button><button>B</button><button>C</button></div></body>`
	mustOK(t, c.svc.Navigate(ctx, "list", dataURL(page)))
	out := mustOK(t, c.svc.Snapshot(ctx, "list"))
	refC := refFor(t, out, "C")

	live, err := c.broker.Page(ctx, "list")
	if err != nil {
		t.Fatal(err)
	}
	live.Context(ctx).MustEval(`() => document.getElementById('list').insertAdjacentHTML('afterbegin', '<button>new</button>')`)

	resolver := refs.NewResolver(c.api, c.broker)
	el, err := resolver.ResolveElement(ctx, "list", refC)
	if err != nil {
		t.Fatalf("resolve %s after insert: %v", refC, err)
	}
	if text, err := el.Text(); err != nil || text != "C" {
		t.Fatalf("resolved %s to %q (%v), want C", refC, text, err)
	}
	sel, err := resolver.ResolveSelector(ctx, "list", refC)
	if err != nil {
		t.Fatal(err)
	}
	if got := live.Context(ctx).MustElement(sel).MustText(); got != "C" {
		t.Errorf("selector %q selects %q, want C", sel, got)
	}

	live.Context(ctx).MustEval(`() => document.querySelectorAll('#list button')[3].remove()`)
	_, err = resolver.ResolveElement(ctx, "list", refC)
	var detached *refs.ErrElementDetached
	if !errors.As(err, &detached) {
		t.Fatalf("resolve %s after removal: %v, want element detached", refC, err)
	}
	res := c.svc.Click(ctx, "list", refC)
	if res.Error == nil || res.Error.Kind != tools.KindElementDetached {
		t.Fatalf("click %s after removal = %+v", refC, res)
	}
}

func TestE2E_PageSurvivesClientRestart(t *testing.T) {
	s := newStack(t)
	ctx := testCtx(t)

	first := s.newClient(t)
	target := dataURL(`<!doctype html><title>Kept</title><p>still here</p>`)
	mustOK(t, first.svc.Navigate(ctx, "main", target))
	first.broker.Close()

	second := s.newClient(t)
	page, err := second.broker.Page(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	info, err := page.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.Title != "Kept" {
		t.Fatalf("title after reconnect = %q (url %s)", info.Title, info.URL)
	}

	md := mustOK(t, second.svc.Markdown(ctx, "main", tools.MarkdownOptions{Full: true}))
	if !strings.Contains(md, "still here") {
		t.Errorf("markdown = %q", md)
	}
}
