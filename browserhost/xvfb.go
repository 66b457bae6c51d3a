// CLAUDE:SUMMARY Runs the Xvfb virtual display for headful Chrome on display-less hosts; ready once the X socket exists.
package browserhost

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const xvfbReadyTimeout = 5 * time.Second

var x11SocketDir = "/tmp/.X11-unix"

// xvfbSocket returns the unix socket Xvfb creates for display ":N".
func xvfbSocket(display string) (string, error) {
	num, ok := strings.CutPrefix(display, ":")
	if !ok {
		return "", fmt.Errorf("display %q: want :N", display)
	}
	if n, err := strconv.Atoi(num); err != nil || n < 0 {
		return "", fmt.Errorf("display %q: want :N", display)
	}
	return filepath.Join(x11SocketDir, "X"+num), nil
}

// startXvfb launches Xvfb and waits for its socket. Caller holds h.mu.
func (h *Host) startXvfb() error {
	if h.xvfb != nil {
		return nil
	}
	display := h.cfg.XvfbDisplay
	sock, err := xvfbSocket(display)
	if err != nil {
		return err
	}
	if _, err := os.Stat(sock); err == nil {
		return fmt.Errorf("display %s already in use (%s exists)", display, sock)
	}

	cmd := exec.Command("Xvfb", display, "-screen", "0", h.cfg.XvfbScreen, "-ac", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if err := waitSocket(sock, done, xvfbReadyTimeout); err != nil {
		cmd.Process.Kill()
		<-done
		return fmt.Errorf("xvfb on %s: %w", display, err)
	}
	h.xvfb = cmd
	h.xvfbDone = done
	h.cfg.Logger.Info("browser: xvfb started", "display", display, "screen", h.cfg.XvfbScreen, "pid", cmd.Process.Pid)
	return nil
}

var errXvfbExited = errors.New("exited before creating its socket")

// waitSocket polls for path until it exists, the process reports on done,
// or timeout elapses.
func waitSocket(path string, done <-chan error, timeout time.Duration) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("%w: %v", errXvfbExited, err)
			}
			return errXvfbExited
		case <-deadline.C:
			return fmt.Errorf("no socket %s after %s", path, timeout)
		case <-tick.C:
		}
	}
}

// stopXvfb kills Xvfb if running. Caller holds h.mu.
func (h *Host) stopXvfb() {
	if h.xvfb == nil {
		return
	}
	h.xvfb.Process.Kill()
	<-h.xvfbDone
	h.cfg.Logger.Info("browser: xvfb stopped", "display", h.cfg.XvfbDisplay)
	h.xvfb = nil
	h.xvfbDone = nil
}
