package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/go-rod/rod"
)

type fakeControl struct {
	endpoints atomic.Int32
	endpoint  string
	epErr     error
	targetID  string
	createErr error
}

func (f *fakeControl) WSEndpoint(context.Context) (string, error) {
	n := f.endpoints.Add(1)
	if f.epErr != nil {
		return "", f.epErr
	}
	return fmt.Sprintf("%s/%d", f.endpoint, n), nil
}

func (f *fakeControl) GetOrCreate(context.Context, string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.targetID, nil
}

type countCloser struct{ n atomic.Int32 }

func (c *countCloser) Close() error {
	c.n.Add(1)
	return nil
}

type harness struct {
	control   *fakeControl
	closer    *countCloser
	connects  atomic.Int32
	failFor   int32
	probeDead atomic.Bool
	broker    *Broker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		control: &fakeControl{endpoint: "ws://127.0.0.1:9223/devtools/browser", targetID: "T1"},
		closer:  &countCloser{},
	}
	connect := func(_, _ context.Context, wsURL string) (*rod.Browser, io.Closer, error) {
		n := h.connects.Add(1)
		if n <= h.failFor {
			return nil, nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
		}
		return rod.New(), h.closer, nil
	}
	probe := func(context.Context, *rod.Browser) error {
		if h.probeDead.Load() {
			return io.EOF
		}
		return nil
	}
	h.broker = New(h.control, WithConnect(connect), WithProbe(probe))
	t.Cleanup(func() { h.broker.Close() })
	return h
}

func TestEnsureConnected_ReusesHealthyConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.broker.EnsureConnected(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	second, err := h.broker.EnsureConnected(ctx)
	if err != nil {
		t.Fatalf("connect again: %v", err)
	}
	if first != second {
		t.Error("healthy connection should be reused")
	}
	if n := h.control.endpoints.Load(); n != 1 {
		t.Errorf("endpoint fetched %d times, want 1", n)
	}
	if h.broker.Endpoint() == "" {
		t.Error("Endpoint should report the attached URL")
	}
}

func TestEnsureConnected_ReattachesDeadConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.broker.EnsureConnected(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	before := h.broker.Endpoint()

	h.probeDead.Store(true)
	if _, err := h.broker.EnsureConnected(ctx); err != nil {
		t.Fatalf("re-attach: %v", err)
	}

	if n := h.control.endpoints.Load(); n != 2 {
		t.Errorf("endpoint fetched %d times, want 2", n)
	}
	if n := h.closer.n.Load(); n != 1 {
		t.Errorf("old websocket closed %d times, want 1", n)
	}
	if h.broker.Endpoint() == before {
		t.Error("re-attach should use a fresh endpoint")
	}
}

func TestEnsureConnected_RetriesOnce(t *testing.T) {
	h := newHarness(t)
	h.failFor = 1

	if _, err := h.broker.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("second attempt should succeed: %v", err)
	}
	if n := h.connects.Load(); n != 2 {
		t.Errorf("connects = %d, want 2", n)
	}
}

func TestEnsureConnected_ConnectionLost(t *testing.T) {
	h := newHarness(t)
	h.failFor = 10

	_, err := h.broker.EnsureConnected(context.Background())
	var lost *ErrConnectionLost
	if !errors.As(err, &lost) {
		t.Fatalf("err = %v, want *ErrConnectionLost", err)
	}
	if lost.Kind() != "connection_lost" {
		t.Errorf("kind = %q", lost.Kind())
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Errorf("cause should be kept: %v", err)
	}
	if n := h.connects.Load(); n != 2 {
		t.Errorf("connects = %d, want 2 (one retry)", n)
	}
}

func TestEnsureConnected_ControlUnreachable(t *testing.T) {
	h := newHarness(t)
	cause := errors.New("control api down")
	h.control.epErr = cause

	_, err := h.broker.EnsureConnected(context.Background())
	var lost *ErrConnectionLost
	if !errors.As(err, &lost) {
		t.Fatalf("err = %v, want *ErrConnectionLost", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause should be kept: %v", err)
	}
	if h.connects.Load() != 0 {
		t.Error("no dial without an endpoint")
	}
}

func TestPage_CreateErrorPassesThrough(t *testing.T) {
	h := newHarness(t)
	cause := errors.New("registry refused")
	h.control.createErr = cause

	_, err := h.broker.Page(context.Background(), "main")
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want %v", err, cause)
	}
	if h.control.endpoints.Load() != 0 {
		t.Error("no attach when the registry fails")
	}
}

func TestObserve(t *testing.T) {
	h := newHarness(t)
	if _, err := h.broker.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	plain := errors.New("element not visible")
	if got := h.broker.Observe(plain); got != plain {
		t.Errorf("page error rewritten: %v", got)
	}
	if h.broker.Endpoint() == "" {
		t.Error("page errors must not drop the connection")
	}

	got := h.broker.Observe(fmt.Errorf("click: %w", io.EOF))
	var lost *ErrConnectionLost
	if !errors.As(got, &lost) {
		t.Fatalf("got %v, want *ErrConnectionLost", got)
	}
	if h.broker.Endpoint() != "" {
		t.Error("connection errors should drop the cached connection")
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	if _, err := h.broker.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := h.broker.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.broker.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if n := h.closer.n.Load(); n != 1 {
		t.Errorf("websocket closed %d times, want 1", n)
	}

	_, err := h.broker.EnsureConnected(context.Background())
	var lost *ErrConnectionLost
	if !errors.As(err, &lost) {
		t.Errorf("after close: %v, want *ErrConnectionLost", err)
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"closed", net.ErrClosed, true},
		{"reset", &os.SyscallError{Syscall: "read", Err: syscall.ECONNRESET}, true},
		{"pipe", syscall.EPIPE, true},
		{"op error", &net.OpError{Op: "read", Err: errors.New("x")}, true},
		{"lost", &ErrConnectionLost{Cause: errors.New("x")}, true},
		{"page error", errors.New("element not found"), false},
		{"resolution", &ErrPageResolution{TargetID: "T"}, false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Errorf("IsConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrPageResolution(t *testing.T) {
	err := &ErrPageResolution{TargetID: "ABC"}
	if err.Kind() != "page_resolution" {
		t.Errorf("kind = %q", err.Kind())
	}
	if err.Error() != "broker: no page with target id ABC" {
		t.Errorf("message = %q", err.Error())
	}
}
