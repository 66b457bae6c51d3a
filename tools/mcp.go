// CLAUDE:SUMMARY Registers the browser tools on an MCP server with logging and audit middleware; failures come back as IsError results reading "kind: message".
package tools

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/devbrowser/audit"
	"github.com/hazyhaar/devbrowser/idgen"
	"github.com/hazyhaar/devbrowser/kit"
)

// MCPOptions configures RegisterMCP.
type MCPOptions struct {
	// Audit records every call when set.
	Audit audit.Logger
	// NewID generates request IDs. Default: idgen.Default.
	NewID  idgen.Generator
	Logger *slog.Logger
}

// RegisterMCP registers every tool on srv.
func (s *Service) RegisterMCP(srv *mcp.Server, opts MCPOptions) {
	if opts.NewID == nil {
		opts.NewID = idgen.Default
	}
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	r := &mcpRegistrar{srv: srv, opts: opts}

	page := map[string]any{"type": "string", "description": "Page name (default \"default\"). Created on first use."}
	ref := map[string]any{"type": "string", "description": "Element ref as printed by snapshot (sK:eN). A bare eN targets the latest snapshot."}

	register(r, &mcp.Tool{
		Name:        "navigate",
		Description: "Load a URL in a named page and wait for the load event. Bare hosts get https://. Invalidates the page's snapshot.",
		InputSchema: inputSchema(map[string]any{
			"page": page,
			"url":  map[string]any{"type": "string", "description": "URL to load"},
		}, []string{"url"}),
	}, func(ctx context.Context, req *navigateRequest) *Result {
		return s.Navigate(ctx, req.Page, req.URL)
	})

	register(r, &mcp.Tool{
		Name:        "snapshot",
		Description: "Capture the page as an accessibility-style outline. Elements carry refs ([ref=sK:eN]) that go stale with the next snapshot of the same page.",
		InputSchema: inputSchema(map[string]any{"page": page}, nil),
	}, func(ctx context.Context, req *pageRequest) *Result {
		return s.Snapshot(ctx, req.Page)
	})

	register(r, &mcp.Tool{
		Name:        "llm_tree",
		Description: "Capture the page as a compact indexed tree ([N]<tag>text). Index N is ref sK:eN, K being the snapshot number in the header.",
		InputSchema: inputSchema(map[string]any{"page": page}, nil),
	}, func(ctx context.Context, req *pageRequest) *Result {
		return s.LLMTree(ctx, req.Page)
	})

	register(r, &mcp.Tool{
		Name:        "click",
		Description: "Click the element behind a ref.",
		InputSchema: inputSchema(map[string]any{"page": page, "ref": ref}, []string{"ref"}),
	}, func(ctx context.Context, req *refRequest) *Result {
		return s.Click(ctx, req.Page, req.Ref)
	})

	register(r, &mcp.Tool{
		Name:        "type",
		Description: "Type text into the element behind a ref.",
		InputSchema: inputSchema(map[string]any{
			"page":   page,
			"ref":    ref,
			"text":   map[string]any{"type": "string", "description": "Text to insert"},
			"clear":  map[string]any{"type": "boolean", "description": "Replace the current value"},
			"submit": map[string]any{"type": "boolean", "description": "Press Enter afterwards"},
		}, []string{"ref", "text"}),
	}, func(ctx context.Context, req *typeRequest) *Result {
		return s.Type(ctx, req.Page, req.Ref, req.Text, TypeOptions{Clear: req.Clear, Submit: req.Submit})
	})

	register(r, &mcp.Tool{
		Name:        "press",
		Description: "Press a key (Enter, Tab, Escape, ArrowDown, ... or one character), optionally on a ref.",
		InputSchema: inputSchema(map[string]any{
			"page": page,
			"key":  map[string]any{"type": "string", "description": "Key name or single character"},
			"ref":  ref,
		}, []string{"key"}),
	}, func(ctx context.Context, req *pressRequest) *Result {
		return s.Press(ctx, req.Page, req.Key, req.Ref)
	})

	register(r, &mcp.Tool{
		Name:        "scroll",
		Description: "Scroll a ref into view, or scroll the window by dx/dy pixels.",
		InputSchema: inputSchema(map[string]any{
			"page": page,
			"ref":  ref,
			"dx":   map[string]any{"type": "integer", "description": "Horizontal pixels"},
			"dy":   map[string]any{"type": "integer", "description": "Vertical pixels"},
		}, nil),
	}, func(ctx context.Context, req *scrollRequest) *Result {
		return s.Scroll(ctx, req.Page, ScrollOptions{Ref: req.Ref, DX: req.DX, DY: req.DY})
	})

	register(r, &mcp.Tool{
		Name:        "screenshot",
		Description: "Take a PNG screenshot of the viewport, the full page, or one ref. The file is saved under the state directory.",
		InputSchema: inputSchema(map[string]any{
			"page":      page,
			"ref":       ref,
			"full_page": map[string]any{"type": "boolean", "description": "Capture the whole scrollable page"},
			"path":      map[string]any{"type": "string", "description": "Output path relative to the state directory"},
		}, nil),
	}, func(ctx context.Context, req *screenshotRequest) *Result {
		return s.Screenshot(ctx, req.Page, ScreenshotOptions{Ref: req.Ref, FullPage: req.FullPage, Path: req.Path})
	})

	register(r, &mcp.Tool{
		Name:        "selector",
		Description: "Return a CSS selector matching exactly the element behind a ref. Frame and shadow boundaries are joined with \" >>> \".",
		InputSchema: inputSchema(map[string]any{"page": page, "ref": ref}, []string{"ref"}),
	}, func(ctx context.Context, req *refRequest) *Result {
		return s.Selector(ctx, req.Page, req.Ref)
	})

	register(r, &mcp.Tool{
		Name:        "evaluate",
		Description: "Evaluate JavaScript in the page and return its JSON value. Bounded by the action timeout; may be disabled by configuration.",
		InputSchema: inputSchema(map[string]any{
			"page":   page,
			"script": map[string]any{"type": "string", "description": "A function expression, an expression, or statements"},
		}, []string{"script"}),
	}, func(ctx context.Context, req *evaluateRequest) *Result {
		return s.Evaluate(ctx, req.Page, req.Script)
	})

	register(r, &mcp.Tool{
		Name:        "markdown",
		Description: "Return the page's main content as Markdown.",
		InputSchema: inputSchema(map[string]any{
			"page":     page,
			"selector": map[string]any{"type": "string", "description": "Restrict to elements matching this CSS selector"},
			"full":     map[string]any{"type": "boolean", "description": "Convert the whole body"},
		}, nil),
	}, func(ctx context.Context, req *markdownRequest) *Result {
		return s.Markdown(ctx, req.Page, MarkdownOptions{Selector: req.Selector, Full: req.Full})
	})

	register(r, &mcp.Tool{
		Name:        "pdf",
		Description: "Print the page to PDF under the state directory and report its page count.",
		InputSchema: inputSchema(map[string]any{
			"page": page,
			"path": map[string]any{"type": "string", "description": "Output path relative to the state directory"},
		}, nil),
	}, func(ctx context.Context, req *pdfRequest) *Result {
		return s.PDF(ctx, req.Page, req.Path)
	})

	register(r, &mcp.Tool{
		Name:        "list_pages",
		Description: "List the named pages.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ *emptyRequest) *Result {
		return s.ListPages(ctx)
	})

	register(r, &mcp.Tool{
		Name:        "close_page",
		Description: "Close a named page.",
		InputSchema: inputSchema(map[string]any{"page": page}, nil),
	}, func(ctx context.Context, req *pageRequest) *Result {
		return s.ClosePage(ctx, req.Page)
	})
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

type mcpRegistrar struct {
	srv  *mcp.Server
	opts MCPOptions
}

type targeted interface{ target() string }

// register wires run as an MCP tool. The endpoint returns the Result's
// error so logging and audit see the failure kind.
func register[T any](r *mcpRegistrar, tool *mcp.Tool, run func(context.Context, *T) *Result) {
	mws := []kit.Middleware{kit.WithLogging(r.opts.Logger, tool.Name)}
	if r.opts.Audit != nil {
		mws = append(mws, audit.Middleware(r.opts.Audit, tool.Name))
	}
	endpoint := kit.Chain(mws[0], mws[1:]...)(func(ctx context.Context, req any) (any, error) {
		res := run(ctx, req.(*T))
		return res, res.Err()
	})

	decodeJSON := kit.DecodeJSON[T]()
	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		d, err := decodeJSON(req)
		if err != nil {
			return nil, err
		}
		page := ""
		if t, ok := d.Request.(targeted); ok {
			page = t.target()
		}
		id := r.opts.NewID()
		d.EnrichCtx = func(ctx context.Context) context.Context {
			ctx = kit.WithRequestID(ctx, id)
			if page != "" {
				ctx = kit.WithPage(ctx, page)
			}
			return ctx
		}
		return d, nil
	}

	kit.RegisterMCPTool(r.srv, tool, endpoint, decode)
}

type emptyRequest struct{}

type pageRequest struct {
	Page string `json:"page,omitempty"`
}

func (p *pageRequest) target() string { return pageOrDefault(p.Page) }

type navigateRequest struct {
	pageRequest
	URL string `json:"url"`
}

type refRequest struct {
	pageRequest
	Ref string `json:"ref"`
}

type typeRequest struct {
	pageRequest
	Ref    string `json:"ref"`
	Text   string `json:"text"`
	Clear  bool   `json:"clear,omitempty"`
	Submit bool   `json:"submit,omitempty"`
}

type pressRequest struct {
	pageRequest
	Key string `json:"key"`
	Ref string `json:"ref,omitempty"`
}

type scrollRequest struct {
	pageRequest
	Ref string `json:"ref,omitempty"`
	DX  int    `json:"dx,omitempty"`
	DY  int    `json:"dy,omitempty"`
}

type screenshotRequest struct {
	pageRequest
	Ref      string `json:"ref,omitempty"`
	FullPage bool   `json:"full_page,omitempty"`
	Path     string `json:"path,omitempty"`
}

type evaluateRequest struct {
	pageRequest
	Script string `json:"script"`
}

type markdownRequest struct {
	pageRequest
	Selector string `json:"selector,omitempty"`
	Full     bool   `json:"full,omitempty"`
}

type pdfRequest struct {
	pageRequest
	Path string `json:"path,omitempty"`
}
