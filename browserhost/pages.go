package browserhost

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// OpenPage creates a blank page and returns its target ID. Stealth scripts
// and resource blocking are applied according to Config.
func (h *Host) OpenPage(ctx context.Context) (string, error) {
	b, err := h.Browser(ctx)
	if err != nil {
		return "", err
	}

	var page *rod.Page
	if h.cfg.Stealth {
		page, err = stealth.Page(b.Context(ctx))
	} else {
		page, err = b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return "", fmt.Errorf("browserhost: create page: %w", err)
	}
	id := string(page.TargetID)

	if len(h.cfg.ResourceBlocking) > 0 {
		// The router must outlive ctx: it serves the page until it closes.
		router := applyResourceBlocking(page.Context(context.Background()), h.cfg.ResourceBlocking)
		h.mu.Lock()
		h.routers[id] = router
		h.mu.Unlock()
	}

	h.cfg.Logger.Debug("browser: page opened", "target_id", id, "stealth", h.cfg.Stealth)
	return id, nil
}

// ClosePage closes the target. Closing an unknown target is an error.
func (h *Host) ClosePage(ctx context.Context, targetID string) error {
	b, err := h.Browser(ctx)
	if err != nil {
		return err
	}
	h.dropRouter(targetID)
	if _, err := (proto.TargetCloseTarget{TargetID: proto.TargetTargetID(targetID)}).Call(b.Context(ctx)); err != nil {
		return fmt.Errorf("browserhost: close target %s: %w", targetID, err)
	}
	h.cfg.Logger.Debug("browser: page closed", "target_id", targetID)
	return nil
}

func (h *Host) dropRouter(targetID string) {
	h.mu.Lock()
	r, ok := h.routers[targetID]
	delete(h.routers, targetID)
	h.mu.Unlock()
	if ok {
		_ = r.Stop()
	}
}
