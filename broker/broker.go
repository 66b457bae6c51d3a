// CLAUDE:SUMMARY Connection Broker: attaches a client process to the shared browser advertised by the Control API, keeps one healthy connection, re-attaches once when it dies, and maps registry target IDs to live rod pages.
// Package broker connects short-lived client processes (CLI invocations,
// the MCP server) to the browser owned by the Control API server.
//
// The broker never launches or closes the browser. It asks the Control API
// for the websocket endpoint, attaches over CDP, and turns page names into
// live pages through the registry's target IDs.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
)

// Control is the slice of the Control API the broker needs.
// Implemented by controlapi.Client.
type Control interface {
	WSEndpoint(ctx context.Context) (string, error)
	GetOrCreate(ctx context.Context, name string) (string, error)
}

// ConnectFunc dials a DevTools websocket and returns the attached browser.
// The closer tears the websocket down without closing the browser. root
// outlives every request and is cancelled when the broker closes.
type ConnectFunc func(ctx, root context.Context, wsURL string) (*rod.Browser, io.Closer, error)

// ProbeFunc checks that an attached browser still answers.
type ProbeFunc func(ctx context.Context, b *rod.Browser) error

// Broker holds at most one connection to the shared browser.
type Broker struct {
	control Control
	logger  *slog.Logger
	connect ConnectFunc
	probe   ProbeFunc

	root   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	browser  *rod.Browser
	ws       io.Closer
	endpoint string
	closed   bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithConnect replaces the websocket dialer.
func WithConnect(fn ConnectFunc) Option {
	return func(b *Broker) { b.connect = fn }
}

// WithProbe replaces the health probe run on the cached connection.
func WithProbe(fn ProbeFunc) Option {
	return func(b *Broker) { b.probe = fn }
}

// New creates a Broker that discovers the browser through control.
func New(control Control, opts ...Option) *Broker {
	root, cancel := context.WithCancel(context.Background())
	b := &Broker{
		control: control,
		logger:  slog.Default(),
		connect: dial,
		probe:   versionProbe,
		root:    root,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// EnsureConnected returns the cached connection when it still answers,
// otherwise fetches a fresh endpoint and attaches. A failed attach is
// retried once before ErrConnectionLost surfaces.
func (b *Broker) EnsureConnected(ctx context.Context) (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, &ErrConnectionLost{Cause: errors.New("broker closed")}
	}

	if b.browser != nil {
		err := b.probe(ctx, b.browser)
		if err == nil {
			return b.browser, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.Info("broker: cached connection is dead, re-attaching", "endpoint", b.endpoint, "error", err)
		b.dropLocked()
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		br, err := b.attachLocked(ctx)
		if err == nil {
			return br, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		b.logger.Debug("broker: attach failed", "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

// Resolve finds the page whose target ID matches targetID in the attached
// browser. The returned page is bound to ctx.
func (b *Broker) Resolve(ctx context.Context, targetID string) (*rod.Page, error) {
	br, err := b.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}

	res, err := proto.TargetGetTargets{}.Call(br.Context(ctx))
	if err != nil {
		return nil, b.Observe(fmt.Errorf("broker: list targets: %w", err))
	}

	id := proto.TargetTargetID(targetID)
	for _, info := range res.TargetInfos {
		if info.Type != proto.TargetTargetInfoTypePage || info.TargetID != id {
			continue
		}
		page, err := br.PageFromTarget(id)
		if err != nil {
			if errors.Is(err, cdp.ErrSessionNotFound) || isNoTarget(err) {
				return nil, &ErrPageResolution{TargetID: targetID}
			}
			return nil, b.Observe(fmt.Errorf("broker: attach to %s: %w", targetID, err))
		}
		return page.Context(ctx), nil
	}
	return nil, &ErrPageResolution{TargetID: targetID}
}

// Page returns the live page registered under name, creating it through
// the Control API if needed. A connection that dies during resolution is
// re-attached once.
func (b *Broker) Page(ctx context.Context, name string) (*rod.Page, error) {
	targetID, err := b.control.GetOrCreate(ctx, name)
	if err != nil {
		return nil, err
	}

	page, err := b.Resolve(ctx, targetID)
	var lost *ErrConnectionLost
	if errors.As(err, &lost) && ctx.Err() == nil {
		b.logger.Info("broker: retrying page resolution on a fresh connection", "page", name)
		page, err = b.Resolve(ctx, targetID)
	}
	return page, err
}

// Observe inspects an error returned by a page action. Connection errors
// drop the cached connection, so the next call re-attaches, and come back
// as ErrConnectionLost. Other errors pass through unchanged.
func (b *Broker) Observe(err error) error {
	if !IsConnectionError(err) {
		return err
	}
	b.mu.Lock()
	b.dropLocked()
	b.mu.Unlock()

	var lost *ErrConnectionLost
	if errors.As(err, &lost) {
		return err
	}
	return &ErrConnectionLost{Cause: err}
}

// Endpoint returns the websocket URL of the current connection, or "" when
// detached.
func (b *Broker) Endpoint() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endpoint
}

// Close drops the connection. The browser and its pages stay untouched.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.dropLocked()
	b.cancel()
	return nil
}

func (b *Broker) attachLocked(ctx context.Context) (*rod.Browser, error) {
	ws, err := b.control.WSEndpoint(ctx)
	if err != nil {
		return nil, &ErrConnectionLost{Cause: fmt.Errorf("fetch endpoint: %w", err)}
	}
	br, closer, err := b.connect(ctx, b.root, ws)
	if err != nil {
		return nil, &ErrConnectionLost{Cause: fmt.Errorf("attach %s: %w", ws, err)}
	}
	b.browser = br
	b.ws = closer
	b.endpoint = ws
	b.logger.Debug("broker: attached", "endpoint", ws)
	return br, nil
}

func (b *Broker) dropLocked() {
	if b.ws != nil {
		if err := b.ws.Close(); err != nil {
			b.logger.Debug("broker: close websocket", "error", err)
		}
	}
	b.browser = nil
	b.ws = nil
	b.endpoint = ""
}

// dial opens the websocket with ctx and binds the browser to root, so
// calls keep working after the request that attached has returned.
func dial(ctx, root context.Context, wsURL string) (*rod.Browser, io.Closer, error) {
	ws := &cdp.WebSocket{}
	if err := ws.Connect(ctx, wsURL, nil); err != nil {
		return nil, nil, err
	}
	client := cdp.New().Start(ws)
	br := rod.New().Client(client).Context(root)
	if err := br.Connect(); err != nil {
		_ = ws.Close()
		return nil, nil, err
	}
	return br, ws, nil
}

func versionProbe(ctx context.Context, b *rod.Browser) error {
	_, err := proto.BrowserGetVersion{}.Call(b.Context(ctx))
	return err
}

// isNoTarget matches the CDP error Chrome returns when attaching to a
// target that closed between listing and attaching.
func isNoTarget(err error) bool {
	var cdpErr *cdp.Error
	if !errors.As(err, &cdpErr) {
		return false
	}
	return cdpErr.Message == "No target with given id found"
}
