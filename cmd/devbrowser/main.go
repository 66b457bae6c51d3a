// CLAUDE:SUMMARY CLI entry point for devbrowser: serve (browser + control API), mcp (stdio tool server) and one-shot tool commands.
// Command devbrowser keeps a browser and its named pages alive behind a
// local control API and drives them from short-lived clients.
//
// Usage:
//
//	devbrowser serve                        # launch Chrome and the control API
//	devbrowser mcp                          # MCP tool server on stdio
//	devbrowser navigate example.com         # one-shot tool call on page "default"
//	devbrowser -p login snapshot            # snapshot page "login"
//	devbrowser -p login click e3
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/devbrowser/config"
)

var version = "dev"

var (
	flagConfig   string
	flagLogLevel string
	flagServer   string
	flagPage     string
)

// Set by the root command before any subcommand runs.
var (
	appCfg    *config.Config
	appLogger *slog.Logger
)

// errToolFailed is returned after a failed tool call was already printed.
var errToolFailed = errors.New("tool failed")

var rootCmd = &cobra.Command{
	Use:   "devbrowser",
	Short: "devbrowser - persistent browser pages for AI tool callers",
	Long: `devbrowser runs one browser behind a local control API and keeps named
pages alive across independent tool calls.

Quick start:
  devbrowser serve                         # start the browser host
  devbrowser navigate example.com          # load a URL in page "default"
  devbrowser snapshot                      # outline with refs e1, e2, ...
  devbrowser click e2                      # act on a ref
  devbrowser -p docs markdown              # readable content of page "docs"

Configuration is read from --config (YAML) and DEVBROWSER_* variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		appLogger = newLogger(flagLogLevel)
		slog.SetDefault(appLogger)

		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagServer != "" {
			cfg.Server.URL = strings.TrimRight(flagServer, "/")
		}
		appCfg = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to devbrowser.yaml")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "control API URL (default from config)")
	rootCmd.PersistentFlags().StringVarP(&flagPage, "page", "p", "", `page name (default "default")`)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	addToolCommands(rootCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	if !errors.Is(err, errToolFailed) {
		fmt.Fprintln(os.Stderr, "devbrowser:", err)
	}
	os.Exit(1)
}

func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
