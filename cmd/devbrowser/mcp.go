package main

import (
	"fmt"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/devbrowser/broker"
	"github.com/hazyhaar/devbrowser/config"
	"github.com/hazyhaar/devbrowser/controlapi"
	"github.com/hazyhaar/devbrowser/tools"
)

const mcpInstructions = `Browser pages persist between calls and are addressed by name ("default" when omitted).
Call snapshot before acting: elements carry refs [ref=sK:eN] tied to snapshot K of that
page. They go stale with the next snapshot or navigation. A stale_ref error means: snapshot again.`

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the browser tools over MCP on stdio",
	Long: `Serve the browser tools over MCP on stdio.

The tool server is a client of "devbrowser serve": it reaches the browser
through the control API and holds no page state of its own, so it can be
restarted at any time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, br, svc := newToolService(appCfg)
		defer br.Close()

		db, al, err := openAudit(appCfg)
		if err != nil {
			return err
		}
		defer db.Close()
		defer al.Close()

		srv := mcp.NewServer(&mcp.Implementation{Name: "devbrowser", Version: version}, &mcp.ServerOptions{
			Instructions: mcpInstructions,
			Logger:       appLogger,
		})
		svc.RegisterMCP(srv, tools.MCPOptions{Audit: al, Logger: appLogger})

		appLogger.Info("devbrowser: mcp on stdio", "server", client.BaseURL())
		if err := srv.Run(cmd.Context(), &mcp.StdioTransport{}); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		return nil
	},
}

// newToolService wires a tool service to the control API at
// cfg.Server.URL. Snapshots are stored by the server, so refs survive
// across client processes.
func newToolService(cfg *config.Config) (*controlapi.Client, *broker.Broker, *tools.Service) {
	client := controlapi.NewClient(cfg.Server.URL)
	br := broker.New(client, broker.WithLogger(appLogger))
	svc := tools.New(tools.Config{
		Pages:         br,
		Control:       client,
		Store:         client,
		Timeout:       cfg.Tools.Timeout,
		AllowEvaluate: cfg.Tools.EvaluateAllowed(),
		MaxNodes:      cfg.Tools.MaxNodes,
		OutputDir:     filepath.Join(cfg.StateDir, "output"),
		Logger:        appLogger,
	})
	return client, br, svc
}
