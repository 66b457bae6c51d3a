// CLAUDE:SUMMARY Owns the single Chrome process: lazy launch on a fixed debugging port with a persistent profile, page open/close, crash relaunch.
// Package browserhost owns the Chrome process shared by every page. The
// browser is launched lazily on first use with a fixed remote-debugging
// port and a persistent profile directory, and lives until Close.
package browserhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("browserhost: host is closed")

// Config configures the browser host.
type Config struct {
	// CDPPort is the remote-debugging port Chrome listens on.
	CDPPort int

	// Headless runs Chrome without a window. When false and Xvfb is set,
	// a virtual display is started first.
	Headless bool

	// ProfileDir is Chrome's user data directory. It is never deleted.
	ProfileDir string

	// Bin is an explicit Chrome binary. Empty lets rod locate or download one.
	Bin string

	// Stealth opens pages through go-rod/stealth.
	Stealth bool

	// ResourceBlocking lists resource types to block on opened pages
	// (images, fonts, media, stylesheets).
	ResourceBlocking []string

	// Xvfb starts a virtual display on XvfbDisplay (":99") with screen
	// geometry XvfbScreen ("1920x1080x24") for headful runs.
	Xvfb        bool
	XvfbDisplay string
	XvfbScreen  string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.CDPPort == 0 {
		c.CDPPort = 9223
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.XvfbScreen == "" {
		c.XvfbScreen = "1920x1080x24"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Host manages the Chrome lifecycle.
type Host struct {
	cfg Config

	mu        sync.Mutex
	browser   *rod.Browser
	lnch      *launcher.Launcher
	wsURL     string
	xvfb      *exec.Cmd
	xvfbDone  <-chan error
	closed    bool
	stopWatch context.CancelFunc
	routers   map[string]*rod.HijackRouter

	hookMu      sync.Mutex
	onDestroyed []func(targetID string)
	onRelaunch  []func()
}

// New creates a Host. Chrome is not started until Browser is called.
func New(cfg Config) *Host {
	cfg.defaults()
	return &Host{cfg: cfg, routers: make(map[string]*rod.HijackRouter)}
}

// OnTargetDestroyed registers fn for page targets that disappear, including
// ones closed outside devbrowser.
func (h *Host) OnTargetDestroyed(fn func(targetID string)) {
	h.hookMu.Lock()
	h.onDestroyed = append(h.onDestroyed, fn)
	h.hookMu.Unlock()
}

// OnRelaunch registers fn to run after a dead browser was replaced. Every
// target of the previous process is gone at that point.
func (h *Host) OnRelaunch(fn func()) {
	h.hookMu.Lock()
	h.onRelaunch = append(h.onRelaunch, fn)
	h.hookMu.Unlock()
}

// Browser returns the connected browser, launching Chrome on first use and
// relaunching it when the previous process no longer answers.
func (h *Host) Browser(ctx context.Context) (*rod.Browser, error) {
	b, relaunched, err := h.browserLocked(ctx)
	if relaunched {
		h.fireRelaunch()
	}
	return b, err
}

func (h *Host) browserLocked(ctx context.Context) (*rod.Browser, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false, ErrClosed
	}
	relaunched := false
	if h.browser != nil {
		_, err := proto.BrowserGetVersion{}.Call(h.browser.Context(ctx))
		if err == nil {
			return h.browser, false, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		h.cfg.Logger.Warn("browser: not responding, relaunching", "error", err)
		h.cleanupLocked()
		relaunched = true
	}

	b, err := h.launchLocked()
	if err != nil {
		return nil, relaunched, err
	}
	h.browser = b
	h.watchTargetsLocked(b)
	return b, relaunched, nil
}

// WSEndpoint returns the browser's DevTools WebSocket URL.
func (h *Host) WSEndpoint(ctx context.Context) (string, error) {
	if _, err := h.Browser(ctx); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.wsURL, nil
}

// Close shuts down Chrome and Xvfb. The profile directory is left in place.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.cleanupLocked()
	h.cfg.Logger.Info("browser: closed")
	return nil
}

func (h *Host) launchLocked() (*rod.Browser, error) {
	log := h.cfg.Logger

	if !h.cfg.Headless && h.cfg.Xvfb {
		if err := h.startXvfb(); err != nil {
			return nil, fmt.Errorf("browserhost: xvfb: %w", err)
		}
	}

	if err := os.MkdirAll(h.cfg.ProfileDir, 0o700); err != nil {
		return nil, fmt.Errorf("browserhost: profile dir: %w", err)
	}

	l := launcher.New().
		UserDataDir(h.cfg.ProfileDir).
		RemoteDebuggingPort(h.cfg.CDPPort).
		Headless(h.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-dev-shm-usage")
	if h.cfg.Bin != "" {
		l = l.Bin(h.cfg.Bin)
	}
	if !h.cfg.Headless && h.cfg.Xvfb {
		l = l.Env(append(os.Environ(), "DISPLAY="+h.cfg.XvfbDisplay)...)
	}

	u, err := l.Launch()
	if err != nil {
		h.stopXvfb()
		return nil, fmt.Errorf("browserhost: launch: %w", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		h.stopXvfb()
		return nil, fmt.Errorf("browserhost: connect: %w", err)
	}

	h.lnch = l
	h.wsURL = u
	log.Info("browser: launched chrome",
		"ws_endpoint", u,
		"cdp_port", h.cfg.CDPPort,
		"headless", h.cfg.Headless,
		"profile_dir", h.cfg.ProfileDir,
		"pid", l.PID())
	return b, nil
}

// watchTargetsLocked forwards Target.targetDestroyed for page targets to
// the registered hooks until the browser is cleaned up.
func (h *Host) watchTargetsLocked(b *rod.Browser) {
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		h.cfg.Logger.Warn("browser: target discovery failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.stopWatch = cancel
	wait := b.Context(ctx).EachEvent(func(e *proto.TargetTargetDestroyed) {
		id := string(e.TargetID)
		h.dropRouter(id)
		h.hookMu.Lock()
		hooks := append([]func(string){}, h.onDestroyed...)
		h.hookMu.Unlock()
		for _, fn := range hooks {
			fn(id)
		}
	})
	go wait()
}

func (h *Host) cleanupLocked() {
	if h.stopWatch != nil {
		h.stopWatch()
		h.stopWatch = nil
	}
	for id, r := range h.routers {
		_ = r.Stop()
		delete(h.routers, id)
	}
	if h.browser != nil {
		_ = h.browser.Close()
		h.browser = nil
	}
	// Launcher.Cleanup would also delete the user data dir.
	if h.lnch != nil {
		h.lnch.Kill()
		h.lnch = nil
	}
	h.wsURL = ""
	h.stopXvfb()
}

func (h *Host) fireRelaunch() {
	h.hookMu.Lock()
	hooks := append([]func(){}, h.onRelaunch...)
	h.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}
