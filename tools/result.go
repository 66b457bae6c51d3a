package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/devbrowser/audit"
)

// Error kinds reported at the tool boundary.
const (
	KindPageNotFound    = "page_not_found"
	KindPageResolution  = "page_resolution"
	KindConnectionLost  = "connection_lost"
	KindStaleRef        = "stale_ref"
	KindElementDetached = "element_detached"
	KindInvalidArgument = "invalid_argument"
	KindEngine          = "engine"
)

var knownKinds = map[string]bool{
	KindPageNotFound:    true,
	KindPageResolution:  true,
	KindConnectionLost:  true,
	KindStaleRef:        true,
	KindElementDetached: true,
	KindInvalidArgument: true,
	KindEngine:          true,
}

// ErrorInfo is the typed failure carried by a Result.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result is what every tool returns. Exactly one of Error or the payload
// fields is meaningful.
type Result struct {
	Text     string     `json:"text,omitempty"`
	Image    []byte     `json:"-"`
	MIMEType string     `json:"mime_type,omitempty"`
	Path     string     `json:"path,omitempty"`
	Error    *ErrorInfo `json:"error,omitempty"`
}

// Failed reports whether the tool failed.
func (r *Result) Failed() bool { return r.Error != nil }

// Err returns the failure as an error carrying its kind, or nil.
func (r *Result) Err() error {
	if r.Error == nil {
		return nil
	}
	return &ToolError{Info: *r.Error}
}

// MCPContent renders the result for MCP clients: text first, then the
// image if any. Failures render as "kind: message".
func (r *Result) MCPContent() ([]mcp.Content, bool) {
	if r.Error != nil {
		return []mcp.Content{&mcp.TextContent{Text: r.Err().Error()}}, true
	}
	var out []mcp.Content
	if r.Text != "" {
		out = append(out, &mcp.TextContent{Text: r.Text})
	}
	if len(r.Image) > 0 {
		out = append(out, &mcp.ImageContent{Data: r.Image, MIMEType: r.MIMEType})
	}
	if len(out) == 0 {
		out = append(out, &mcp.TextContent{Text: "ok"})
	}
	return out, false
}

// ToolError is a Result failure seen as an error. Its text is
// "kind: message".
type ToolError struct {
	Info ErrorInfo
}

func (e *ToolError) Error() string { return e.Info.Kind + ": " + e.Info.Message }

func (e *ToolError) Kind() string { return e.Info.Kind }

// ErrInvalidArgument is returned for malformed tool input.
type ErrInvalidArgument struct {
	Field  string
	Reason string
}

func (e *ErrInvalidArgument) Error() string {
	return fmt.Sprintf("tools: invalid %s: %s", e.Field, e.Reason)
}

func (e *ErrInvalidArgument) Kind() string { return KindInvalidArgument }

func invalid(field, format string, args ...any) error {
	return &ErrInvalidArgument{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Classify maps err to one of the tool error kinds. Errors that carry a
// kind keep it when it is a known one; everything else is an engine error.
func Classify(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	kind := audit.KindOf(err)
	if !knownKinds[kind] {
		kind = KindEngine
	}
	if kind == KindEngine && errors.Is(err, context.DeadlineExceeded) {
		return &ErrorInfo{Kind: kind, Message: "timed out: " + err.Error()}
	}
	return &ErrorInfo{Kind: kind, Message: err.Error()}
}

// Fail builds a failed Result from err.
func Fail(err error) *Result {
	return &Result{Error: Classify(err)}
}

// Text builds a successful text Result.
func Text(format string, args ...any) *Result {
	if len(args) == 0 {
		return &Result{Text: format}
	}
	return &Result{Text: fmt.Sprintf(format, args...)}
}
