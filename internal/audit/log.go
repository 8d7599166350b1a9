// Package audit keeps the append-only trail of administrative activity.
//
// Each record is one line: timestamp, event and semicolon separated
// key=value fields, joined by tabs.
package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"c19x.org/internal/ids"
	"c19x.org/internal/logging"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Events recorded by the server.
const (
	EventLogIn          = "logIn"
	EventLogOut         = "logOut"
	EventChangePassword = "changePassword"
	EventControl        = "control"
)

// Trail appends records to a writer and mirrors them to the logger.
type Trail struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	log logging.Logger
	now func() time.Time
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// WithLogger mirrors records to l.
func WithLogger(l logging.Logger) Option {
	return func(t *Trail) { t.log = l }
}

// New writes records to w.
func New(w io.Writer, opts ...Option) *Trail {
	t := &Trail{w: w, log: logging.Nop{}, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open appends to the file at path, creating it when missing.
func Open(path string, opts ...Option) (*Trail, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	t := New(f, opts...)
	t.c = f
	return t, nil
}

// Record appends one record. Every record carries a unique id and, when
// present in ctx, the request id.
func (t *Trail) Record(ctx context.Context, event string, fields map[string]string) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	all := make(map[string]string, len(fields)+2)
	for k, v := range fields {
		all[k] = v
	}
	all["id"] = uuid.NewString()
	if rid := ids.RequestIDFromContext(ctx); rid != "" {
		all["request_id"] = rid
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	line := t.now().Format(timeLayout) + "\t" + event + "\t" + Join(all) + "\n"
	t.log.Info(ctx, "audit", "event", event, "fields", all)
	if _, err := io.WriteString(t.w, line); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

// Close releases the underlying file, if any.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c == nil {
		return nil
	}
	return t.c.Close()
}

// Join renders fields as k=v pairs sorted by key and separated by ';'.
// Separators inside values are replaced so records stay one line.
func Join(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+sanitize.Replace(fields[k]))
	}
	return strings.Join(parts, ";")
}

var sanitize = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ", ";", ",")
