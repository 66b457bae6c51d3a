package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/devbrowser/audit"
	"github.com/hazyhaar/devbrowser/browserhost"
	"github.com/hazyhaar/devbrowser/config"
	"github.com/hazyhaar/devbrowser/controlapi"
	"github.com/hazyhaar/devbrowser/dbopen"
	"github.com/hazyhaar/devbrowser/refs"
	"github.com/hazyhaar/devbrowser/registry"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the browser host and the control API",
	Long: `Run the browser host and the control API until interrupted.

Chrome starts on first use with the profile directory from the config and
is relaunched if it dies. On shutdown every named page is closed and the
browser stops; the profile directory is kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), appCfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := appLogger

	host := browserhost.New(browserhost.Config{
		CDPPort:          cfg.Browser.CDPPort,
		Headless:         cfg.Browser.IsHeadless(),
		ProfileDir:       cfg.Browser.ProfileDir,
		Bin:              cfg.Browser.Bin,
		Stealth:          cfg.Browser.Stealth,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Xvfb:             cfg.Browser.Xvfb,
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		XvfbScreen:       cfg.Browser.XvfbScreen,
		Logger:           logger,
	})
	defer host.Close()

	reg := registry.New(host, registry.WithLogger(logger))
	store := refs.NewMemoryStore()

	// A page leaving the registry takes its snapshot with it.
	reg.OnClose(func(name string) {
		_ = store.Drop(context.Background(), name)
	})
	host.OnTargetDestroyed(func(targetID string) {
		if name, ok := reg.Forget(targetID); ok {
			logger.Info("devbrowser: page closed outside the registry", "page", name, "target_id", targetID)
		}
	})
	host.OnRelaunch(reg.Reset)

	db, al, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer al.Close()

	api := controlapi.NewServer(controlapi.Config{
		Registry: reg,
		Browser:  host,
		Store:    store,
		Audit:    al,
		MaxBody:  cfg.Server.MaxBody,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("devbrowser: serving",
		"addr", srv.Addr,
		"cdp_port", cfg.Browser.CDPPort,
		"profile_dir", cfg.Browser.ProfileDir,
		"headless", cfg.Browser.IsHeadless(),
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("devbrowser: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("devbrowser: http shutdown", "error", err)
	}
	if err := reg.CloseAll(shutdownCtx); err != nil {
		logger.Warn("devbrowser: close pages", "error", err)
	}
	return nil
}

// openAudit opens the audit database under the state directory. The server
// and its clients share it; SQLite WAL allows concurrent writers.
func openAudit(cfg *config.Config) (*sql.DB, *audit.SQLiteLogger, error) {
	path := filepath.Join(cfg.StateDir, "audit.db")
	db, err := dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithBusyTimeout(int(cfg.Audit.BusyTimeout.Milliseconds())),
		dbopen.WithSynchronous(cfg.Audit.Synchronous),
		dbopen.WithSchema(audit.Schema))
	if err != nil {
		return nil, nil, fmt.Errorf("audit db: %w", err)
	}
	return db, audit.NewSQLiteLogger(db, audit.WithLogger(appLogger)), nil
}
