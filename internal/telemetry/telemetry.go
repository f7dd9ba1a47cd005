// Package telemetry implements the five append-only structured event
// writers (C11): decision, order, tracer, audit, health. Each writes one
// JSON record per line to its own file, rotates daily, and gzips the
// rotated file. Writer failures are logged and swallowed — a telemetry
// outage must never interrupt trading.
package telemetry

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradingcore/pkg/logging"
)

// Kind names one of the five independent streams.
type Kind string

const (
	KindDecision Kind = "decision"
	KindOrder    Kind = "order"
	KindTracer   Kind = "tracer"
	KindAudit    Kind = "audit"
	KindHealth   Kind = "health"
)

var allKinds = []Kind{KindDecision, KindOrder, KindTracer, KindAudit, KindHealth}

// streamLayout gives each kind's subdirectory and live-filename stem,
// matching spec.md §6's persisted-state layout exactly (the tracer
// stream's file is named exchange.jsonl, not tracer.jsonl).
var streamLayout = map[Kind]struct{ subdir, stem string }{
	KindDecision: {"decisions", "decision"},
	KindOrder:    {"orders", "order"},
	KindTracer:   {"tracer", "exchange"},
	KindAudit:    {"audit", "audit"},
	KindHealth:   {"health", "health"},
}

// Envelope is the mandatory field set every record carries, per
// spec.md §4.11, plus whatever event-specific fields the caller supplies
// under Fields.
type Envelope struct {
	TSNanos         int64          `json:"ts_ns"`
	Level           string         `json:"level"`
	Component       string         `json:"component"`
	Event           string         `json:"event"`
	Message         string         `json:"message,omitempty"`
	SessionID       string         `json:"session_id"`
	DecisionID      string         `json:"decision_id,omitempty"`
	OrderReqID      string         `json:"order_req_id,omitempty"`
	ClientOrderID   string         `json:"client_order_id,omitempty"`
	ExchangeOrderID string         `json:"exchange_order_id,omitempty"`
	Fields          map[string]any `json:"fields,omitempty"`
}

// writer owns one append-only JSONL file, rotating to a dated gzip
// archive once the wall-clock day (UTC) changes. The live file always
// has the same name (spec.md §6: logs/decisions/decision.jsonl, etc.)
// so tailing it across a rotation is seamless.
type writer struct {
	mu   sync.Mutex
	dir  string
	stem string
	day  string
	f    *os.File
}

func newWriter(baseDir string, kind Kind, _ int) (*writer, error) {
	layout := streamLayout[kind]
	w := &writer{dir: filepath.Join(baseDir, layout.subdir), stem: layout.stem}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *writer) livePath() string {
	return filepath.Join(w.dir, w.stem+".jsonl")
}

// rotateIfNeeded must be called with w.mu held or during construction
// before concurrent use begins.
func (w *writer) rotateIfNeeded() error {
	today := time.Now().UTC().Format("2006-01-02")
	if today == w.day && w.f != nil {
		return nil
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("telemetry: create dir %s: %w", w.dir, err)
	}

	livePath := w.livePath()
	if w.f != nil {
		_ = w.f.Close()
		rotatedPath := filepath.Join(w.dir, fmt.Sprintf("%s.%s.jsonl", w.stem, w.day))
		if err := os.Rename(livePath, rotatedPath); err != nil {
			logging.Warn("telemetry: rotate: rename failed", "path", livePath, "error", err)
		} else {
			go gzipAndRemove(rotatedPath)
		}
	}

	f, err := os.OpenFile(livePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("telemetry: open %s writer: %w", w.stem, err)
	}
	w.f = f
	w.day = today
	return nil
}

func gzipAndRemove(path string) {
	in, err := os.Open(path)
	if err != nil {
		logging.Warn("telemetry: rotate: open previous file failed", "path", path, "error", err)
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		logging.Warn("telemetry: rotate: create gzip failed", "path", path, "error", err)
		return
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		logging.Warn("telemetry: rotate: gzip copy failed", "path", path, "error", err)
		return
	}
	if err := gw.Close(); err != nil {
		logging.Warn("telemetry: rotate: gzip close failed", "path", path, "error", err)
		return
	}
	if err := os.Remove(path); err != nil {
		logging.Warn("telemetry: rotate: remove original failed", "path", path, "error", err)
	}
}

func (w *writer) write(env Envelope) {
	env.TSNanos = time.Now().UnixNano()

	line, err := json.Marshal(env)
	if err != nil {
		logging.Warn("telemetry: marshal failed", "stream", w.stem, "error", err)
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		logging.Warn("telemetry: rotate failed", "stream", w.stem, "error", err)
	}
	if w.f == nil {
		return
	}
	if _, err := w.f.Write(line); err != nil {
		logging.Warn("telemetry: write failed", "stream", w.stem, "error", err)
	}
}

func (w *writer) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}

// Recorder is the Telemetry component (C11): five independent JSONL
// writers sharing one session id and ambient correlation-ID stack.
type Recorder struct {
	sessionID string
	component string
	writers   map[Kind]*writer

	traceMu sync.Mutex
	stack   []IDs
}

// IDs is one scope's set of correlation identifiers, pushed by Trace and
// popped when the scope ends.
type IDs struct {
	DecisionID      string
	OrderReqID      string
	ClientOrderID   string
	ExchangeOrderID string
}

// New opens (or creates) the five JSONL files under dir.
func New(dir, component, sessionID string, retainDays int) (*Recorder, error) {
	r := &Recorder{sessionID: sessionID, component: component, writers: make(map[Kind]*writer)}
	for _, k := range allKinds {
		w, err := newWriter(dir, k, retainDays)
		if err != nil {
			return nil, err
		}
		r.writers[k] = w
	}
	return r, nil
}

// Close flushes and closes every writer.
func (r *Recorder) Close() error {
	var firstErr error
	for _, w := range r.writers {
		if err := w.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Trace installs ids as the ambient correlation context for the
// duration of the returned scope; call the returned func to pop it.
// Nested Trace calls stack and unwind in LIFO order, per spec.md §4.11.
func (r *Recorder) Trace(ids IDs) func() {
	r.traceMu.Lock()
	r.stack = append(r.stack, ids)
	r.traceMu.Unlock()

	return func() {
		r.traceMu.Lock()
		defer r.traceMu.Unlock()
		if len(r.stack) == 0 {
			return
		}
		r.stack = r.stack[:len(r.stack)-1]
	}
}

func (r *Recorder) ambient() IDs {
	r.traceMu.Lock()
	defer r.traceMu.Unlock()
	if len(r.stack) == 0 {
		return IDs{}
	}
	return r.stack[len(r.stack)-1]
}

func (r *Recorder) emit(kind Kind, level, event, message string, fields map[string]any) {
	defer func() {
		if p := recover(); p != nil {
			logging.Error("telemetry: writer panic recovered", "kind", string(kind), "panic", p)
		}
	}()
	ids := r.ambient()
	r.writers[kind].write(Envelope{
		Level:           level,
		Component:       r.component,
		Event:           event,
		Message:         message,
		SessionID:       r.sessionID,
		DecisionID:      ids.DecisionID,
		OrderReqID:      ids.OrderReqID,
		ClientOrderID:   ids.ClientOrderID,
		ExchangeOrderID: ids.ExchangeOrderID,
		Fields:          fields,
	})
}

// RecordDecision implements fsm.DecisionRecorder: one line per FSM
// action/transition event.
func (r *Recorder) RecordDecision(kind, symbol string, fields map[string]any) {
	f := mergeSymbol(symbol, fields)
	r.emit(KindDecision, "info", kind, "", f)
}

// RecordAudit implements reconciler.AuditRecorder: state changes,
// config changes, and reconciliation corrections.
func (r *Recorder) RecordAudit(event string, fields map[string]any) {
	r.emit(KindAudit, "info", event, "", fields)
}

// RecordOrder logs one order lifecycle event (attempt/ack/fill/cancel).
func (r *Recorder) RecordOrder(symbol, event string, fields map[string]any) {
	f := mergeSymbol(symbol, fields)
	r.emit(KindOrder, "info", event, "", f)
}

// RecordExchangeCall logs one outbound exchange call's latency and
// rate-limit headers.
func (r *Recorder) RecordExchangeCall(method string, latency time.Duration, fields map[string]any) {
	f := map[string]any{"method": method, "latency_ms": latency.Milliseconds()}
	for k, v := range fields {
		f[k] = v
	}
	r.emit(KindTracer, "info", "exchange_call", "", f)
}

// RecordHealth logs a heartbeat, rate-limit hit, or alert firing.
func (r *Recorder) RecordHealth(event string, level string, fields map[string]any) {
	if level == "" {
		level = "info"
	}
	r.emit(KindHealth, level, event, "", fields)
}

func mergeSymbol(symbol string, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	out["symbol"] = symbol
	for k, v := range fields {
		out[k] = v
	}
	return out
}
