// CLAUDE:SUMMARY Audit trail of page and tool operations persisted to SQLite with async batched writes.
// Package audit records every control operation (page create/close, tool
// calls) in an audit_log table. Writes are batched by a background goroutine;
// Close drains the buffer.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/devbrowser/dbopen"
	"github.com/hazyhaar/devbrowser/idgen"
	"github.com/hazyhaar/devbrowser/kit"
)

// Schema creates the audit_log table.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    transport TEXT NOT NULL,
    action TEXT NOT NULL,
    page TEXT,
    trace_id TEXT,
    request_id TEXT,
    parameters TEXT NOT NULL DEFAULT '{}',
    result TEXT,
    error_kind TEXT,
    error_message TEXT,
    duration_ms INTEGER,
    status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_page ON audit_log(page, timestamp DESC);
`

const (
	batchSize     = 32
	flushInterval = 2 * time.Second
	maxFieldBytes = 4096
)

// Entry is a single operation record.
type Entry struct {
	EntryID    string `json:"entryId"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	Transport  string `json:"transport"`
	Action     string `json:"action"`
	Page       string `json:"page,omitempty"`
	TraceID    string `json:"traceId,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	Parameters string `json:"parameters,omitempty"`
	Result     string `json:"result,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Status     string `json:"status"` // "success" or "error"
}

// Filter selects entries for Query.
type Filter struct {
	Action string
	Page   string
	Status string
	Since  time.Time
	Limit  int // default 100
}

// Logger is the write side used by middleware and the control API.
type Logger interface {
	Log(ctx context.Context, e *Entry) error
	LogAsync(e *Entry)
	Close() error
}

// SQLiteLogger persists entries into audit_log.
type SQLiteLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *Entry
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator sets the entry ID generator. Default: idgen.Audit.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// WithLogger sets the slog logger used for write failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *SQLiteLogger) { l.logger = logger }
}

// WithBuffer sets the async channel capacity. Default: 1000.
func WithBuffer(n int) Option {
	return func(l *SQLiteLogger) { l.ch = make(chan *Entry, n) }
}

// NewSQLiteLogger starts the background flusher. Call Init before the first
// write unless the schema was applied by dbopen.WithSchema.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:     db,
		newID:  idgen.Audit,
		logger: slog.Default(),
		ch:     make(chan *Entry, 1000),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Init creates the audit_log table.
func (l *SQLiteLogger) Init() error {
	if _, err := l.db.Exec(Schema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Log inserts an entry synchronously.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	if _, err := dbopen.Exec(ctx, l.db, insertSQL, insertArgs(e)...); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// LogAsync queues an entry. Falls back to a synchronous insert when the
// buffer is full or the logger is closed.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	select {
	case <-l.stop:
	default:
		select {
		case l.ch <- e:
			return
		default:
			l.logger.Warn("audit: buffer full, sync fallback", "action", e.Action)
		}
	}
	if err := l.Log(context.Background(), e); err != nil {
		l.logger.Error("audit: sync fallback failed", "error", err, "entry_id", e.EntryID)
	}
}

// Query returns entries newest first.
func (l *SQLiteLogger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	q := `SELECT entry_id, timestamp, transport, action, page, trace_id, request_id,
		parameters, result, error_kind, error_message, duration_ms, status
		FROM audit_log WHERE 1=1`
	var args []any
	if f.Action != "" {
		q += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.Page != "" {
		q += " AND page = ?"
		args = append(args, f.Page)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var page, traceID, requestID, result, kind, errMsg sql.NullString
		var dur sql.NullInt64
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &e.Transport, &e.Action,
			&page, &traceID, &requestID, &e.Parameters, &result, &kind, &errMsg,
			&dur, &e.Status); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Page = page.String
		e.TraceID = traceID.String
		e.RequestID = requestID.String
		e.Result = result.String
		e.Kind = kind.String
		e.Error = errMsg.String
		e.DurationMs = dur.Int64
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Close drains the buffer and stops the flusher. Safe to call twice.
func (l *SQLiteLogger) Close() error {
	l.once.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
}

func (l *SQLiteLogger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	batch := make([]*Entry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := dbopen.Retry(ctx, func() error { return l.writeBatch(ctx, batch) }); err != nil {
			l.logger.Error("audit: flush", "error", err, "entries", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// writeBatch inserts batch in one transaction; any failure rolls it back.
func (l *SQLiteLogger) writeBatch(ctx context.Context, batch []*Entry) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	for _, e := range batch {
		if err := insert(ctx, tx, e); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s: %w", e.EntryID, err)
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const insertSQL = `INSERT INTO audit_log
	(entry_id, timestamp, transport, action, page, trace_id, request_id,
	 parameters, result, error_kind, error_message, duration_ms, status)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`

func insertArgs(e *Entry) []any {
	return []any{e.EntryID, e.Timestamp, e.Transport, e.Action, e.Page, e.TraceID, e.RequestID,
		e.Parameters, e.Result, e.Kind, e.Error, e.DurationMs, e.Status}
}

func insert(ctx context.Context, db execer, e *Entry) error {
	_, err := db.ExecContext(ctx, insertSQL, insertArgs(e)...)
	return err
}

// Kinder is implemented by errors that carry a stable error kind.
type Kinder interface {
	Kind() string
}

// KindOf returns the kind of the first error in the chain that has one.
func KindOf(err error) string {
	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

// Middleware returns a kit.Middleware that records each call as an entry
// under the given action. Transport, page, trace and request IDs are read
// from the context.
func Middleware(l Logger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			e := &Entry{
				Timestamp:  start.UnixMilli(),
				Transport:  kit.GetTransport(ctx),
				Action:     action,
				Page:       kit.GetPage(ctx),
				TraceID:    kit.GetTraceID(ctx),
				RequestID:  kit.GetRequestID(ctx),
				Parameters: marshalField(req),
				DurationMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				e.Error = err.Error()
				e.Kind = KindOf(err)
			} else {
				e.Result = marshalField(resp)
			}
			l.LogAsync(e)
			return resp, err
		}
	}
}

func marshalField(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	if len(b) > maxFieldBytes {
		return string(b[:maxFieldBytes])
	}
	return string(b)
}
