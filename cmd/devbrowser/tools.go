package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/devbrowser/audit"
	"github.com/hazyhaar/devbrowser/idgen"
	"github.com/hazyhaar/devbrowser/kit"
	"github.com/hazyhaar/devbrowser/tools"
)

// toolCall runs one tool against the page selected by --page.
type toolCall func(ctx context.Context, svc *tools.Service, page string) *tools.Result

// runTool executes call through the same logging and audit middleware as
// the MCP server and prints its result. A failed call prints
// "kind: message" on stderr and returns errToolFailed.
func runTool(cmd *cobra.Command, action string, params map[string]any, call toolCall) error {
	_, br, svc := newToolService(appCfg)
	defer br.Close()

	page := flagPage
	if page == "" {
		page = tools.DefaultPage
	}

	mws := []kit.Middleware{
		kit.WithLogging(appLogger, action),
		kit.WithTimeout(svc.Timeout() + 5*time.Second),
	}
	if db, al, err := openAudit(appCfg); err != nil {
		appLogger.Warn("devbrowser: audit disabled", "error", err)
	} else {
		defer db.Close()
		defer al.Close()
		mws = append(mws, audit.Middleware(al, action))
	}
	endpoint := kit.Chain(mws[0], mws[1:]...)(func(ctx context.Context, _ any) (any, error) {
		res := call(ctx, svc, page)
		return res, res.Err()
	})

	ctx := kit.WithTransport(cmd.Context(), "cli")
	ctx = kit.WithRequestID(ctx, idgen.New())
	ctx = kit.WithPage(ctx, page)

	out, _ := endpoint(ctx, params)
	return printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), out.(*tools.Result))
}

func printResult(stdout, stderr io.Writer, res *tools.Result) error {
	if res.Failed() {
		fmt.Fprintln(stderr, res.Err())
		return errToolFailed
	}
	if res.Text != "" {
		fmt.Fprintln(stdout, res.Text)
	}
	return nil
}

func addToolCommands(root *cobra.Command) {
	root.AddCommand(
		navigateCmd(),
		snapshotCmd(),
		llmTreeCmd(),
		clickCmd(),
		typeCmd(),
		pressCmd(),
		scrollCmd(),
		screenshotCmd(),
		selectorCmd(),
		evaluateCmd(),
		markdownCmd(),
		pdfCmd(),
		pagesCmd(),
		closeCmd(),
		auditCmd(),
		statusCmd(),
	)
}

func navigateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "navigate <url>",
		Aliases: []string{"goto"},
		Short:   "Load a URL and wait for the load event",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTool(cmd, "navigate", map[string]any{"url": args[0]}, func(ctx context.Context, svc *tools.Service, page string) *tools.Result {
				return svc.Navigate(ctx, page, args[0])
			})
		},
	}
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the page outline with element refs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTool(cmd, "snapshot", nil, func(ctx context.Context, svc *tools.Service, page string) *tools.Result {
				return svc.Snapshot(ctx, page)
			})
		},
	}
}

func llmTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "llm-tree",
		Aliases: []string{"llm_tree", "tree"},
		Short:   "Print the page as a compact indexed tree",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTool(cmd, "llm_tree", nil, func(ctx context.Context, svc *tools.Service, page string) *tools.Result {
				return svc.LLMTree(ctx, page)
			})
		},
	}
}

func clickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "click <ref>",
		Short: "Click the element behind a ref",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTool(cmd, "click", map[string]any{"ref": args[0]}, func(ctx context.Context, svc *tools.Service, page string) *tools.Result {
				return svc.Click(ctx, page, args[0])
			})
		},
	}
}

func typeCmd() *cobra.Command {
	var opts tools.TypeOptions
	cmd := &cobra.Command{
		Use:   "type <ref> <text>",
		Short: "Type text into the element behind a ref",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			params := map[string]any{"ref": args[0], "text": text, "clear": opts.Clear, "submit": opts.Submit}
			return runTool(cmd, "type", params, func(ctx context.Context, svc *tools.Service, page string) *tools.Result {
				return svc.Type(ctx, page, args[0], text, opts)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Clear, "clear", false, "replace the current value")
	cmd.Flags().BoolVar(&opts.Submit, "submit", false, "press Enter afterwards")
	return cmd
}

func pressCmd() *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "press <key>",
		Short: "Press a key (Enter, Tab, Escape, ArrowDown, ... or one character)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTool(cmd, "press", map[string]any{"key": args[0], "ref": ref}, func(ctx context.Context, svc *tools.Service, page string) *tools.Result {
				return svc.Press(ctx, page, args[0], ref)
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "element to press the key on")
	return cmd
}

func scrollCmd() *cobra.Command {
	var opts tools.ScrollOptions
	cmd := &cobra.Command{
		Use:   "scroll",
		Short: "Scroll a ref into view or the window by --dx/--dy pixels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := map[string]any{"ref": opts.Ref, "dx": opts.DX, "dy": opts.DY}
			return runTool(cmd, "scroll", params, func(ctx context.Context, svc *tools.Service, page string) *tools.Result {
				return svc.Scroll(ctx, page, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Ref, "ref", "", "element to scroll into view")
	cmd.Flags().IntVar(&opts.DX, "dx", 0, "horizontal pixels")
	cmd.Flags().IntVar(&opts.DY, "dy", 0, "vertical pixels")
	return cmd
}

func screenshotCmd() *cobra.Command {
	var opts tools.ScreenshotOptions
	cmd := &cobra.Command{
		Use:   "screenshot",
		Short: "Save a PNG of the viewport, the full page or one ref",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := map[string]any{"ref": opts.Ref, "full_page": opts.FullPage, "path": opts.Path}
			return runTool(cmd, "screenshot", params, func(ctx context.Context, svc *tools.Service, page string) *tools.Result {
				return svc.Screenshot(ctx, page, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Ref, "ref", "", "capture only this element")
	cmd.Flags().BoolVar(&opts.FullPage, "full-page", false, "capture the whole scrollable page")
	cmd.Flags().StringVar(&opts.Path, "path", "", "output path relative to <state_dir>/output")
	return cmd
}

func selectorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selector <ref>",
		Short: "Print a CSS selector matching exactly the element behind a ref",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTool(cmd, "selector", map[string]any{"ref": args[0]}, func(ctx context.Context, svc *tools.Service, page string) *tools.Result {
				return svc.Selector(ctx, page, args[0])
			})
		},
	}
}

func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "evaluate <script>",
		Aliases: []string{"eval"},
		Short:   "Evaluate JavaScript in the page and print its JSON value",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script := strings.Join(args, " ")
			return runTool(cmd, "evaluate", map[string]any{"script": script}, func(ctx context.Context, svc *tools.Service, page string) *tools.Result {
				return svc.Evaluate(ctx, page, script)
			})
		},
	}
}

func markdownCmd() *cobra.Command {
	var opts tools.MarkdownOptions
	cmd := &cobra.Command{
		Use:   "markdown",
		Short: "Print the page's main content as Markdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := map[string]any{"selector": opts.Selector, "full": opts.Full}
			return runTool(cmd, "markdown", params, func(ctx context.Context, svc *tools.Service, page string) *tools.Result {
				return svc.Markdown(ctx, page, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Selector, "selector", "", "restrict to elements matching this CSS selector")
	cmd.Flags().BoolVar(&opts.Full, "full", false, "convert the whole body")
	return cmd
}

func pdfCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "pdf",
		Short: "Print the page to PDF",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTool(cmd, "pdf", map[string]any{"path": path}, func(ctx context.Context, svc *tools.Service, page string) *tools.Result {
				return svc.PDF(ctx, page, path)
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "output path relative to <state_dir>/output")
	return cmd
}

func pagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "pages",
		Aliases: []string{"list_pages", "ls"},
		Short:   "List the named pages",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTool(cmd, "list_pages", nil, func(ctx context.Context, svc *tools.Service, _ string) *tools.Result {
				return svc.ListPages(ctx)
			})
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "close [page]",
		Aliases: []string{"close_page"},
		Short:   "Close a named page",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				flagPage = args[0]
			}
			return runTool(cmd, "close_page", nil, func(ctx context.Context, svc *tools.Service, page string) *tools.Result {
				return svc.ClosePage(ctx, page)
			})
		},
	}
}

func auditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print recent control operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, br, _ := newToolService(appCfg)
			defer br.Close()

			entries, err := client.Audit(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintln(w, formatEntry(e))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	return cmd
}

func formatEntry(e *audit.Entry) string {
	ts := time.UnixMilli(e.Timestamp).Format(time.RFC3339)
	line := fmt.Sprintf("%s %-4s %-12s %-10s %-7s %dms", ts, e.Transport, e.Action, e.Page, e.Status, e.DurationMs)
	if e.Kind != "" {
		line += " " + e.Kind
	}
	return line
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check that the control API is up and list its pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, br, _ := newToolService(appCfg)
			defer br.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if err := client.Health(ctx); err != nil {
				return err
			}
			names, err := client.List(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server %s up, %d page(s)\n", client.BaseURL(), len(names))
			return nil
		},
	}
}
