package config

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"c19x.org/internal/logging"
)

// DefaultWatchInterval is how often a watched file is polled.
const DefaultWatchInterval = 4 * time.Second

// FileWatcher polls a file and reports content changes. A change is a newer
// modification time together with different content.
type FileWatcher struct {
	path     string
	interval time.Duration
	log      logging.Logger

	modTime time.Time
	content []byte
	seen    bool
}

// NewFileWatcher watches path every interval.
func NewFileWatcher(path string, interval time.Duration, log logging.Logger) *FileWatcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if log == nil {
		log = logging.Nop{}
	}
	return &FileWatcher{path: path, interval: interval, log: log}
}

// Poll checks the file once and returns its content when it changed since
// the previous call. A missing file is not an error.
func (w *FileWatcher) Poll() ([]byte, bool, error) {
	info, err := os.Stat(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if w.seen && !info.ModTime().After(w.modTime) {
		return nil, false, nil
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, false, err
	}
	if w.seen && bytes.Equal(data, w.content) {
		return nil, false, nil
	}
	w.modTime = info.ModTime()
	w.content = data
	w.seen = true
	return data, true, nil
}

// Run polls until ctx is done, calling onChange with each new content. The
// first poll happens immediately.
func (w *FileWatcher) Run(ctx context.Context, onChange func([]byte)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		data, changed, err := w.Poll()
		if err != nil {
			w.log.Warn(ctx, "watch failed", "file", w.path, "err", err)
		} else if changed {
			w.log.Debug(ctx, "file updated", "file", w.path)
			onChange(data)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// LoadParameters applies the current content of the watched file to h. An
// unreadable or malformed file is logged and h keeps what it holds.
func LoadParameters(ctx context.Context, w *FileWatcher, h *Holder) {
	data, changed, err := w.Poll()
	if err != nil {
		w.log.Warn(ctx, "parameters unreadable, keeping previous", "file", w.path, "err", err)
		return
	}
	if changed {
		applyParameters(ctx, w, h, data, nil)
	}
}

// WatchParameters keeps h in sync with the parameters file at path and
// calls applied after every successful swap. Malformed documents are logged
// and the previous parameters kept.
func WatchParameters(ctx context.Context, w *FileWatcher, h *Holder, applied func(Parameters)) {
	w.Run(ctx, func(data []byte) {
		applyParameters(ctx, w, h, data, applied)
	})
}

func applyParameters(ctx context.Context, w *FileWatcher, h *Holder, data []byte, applied func(Parameters)) {
	next, err := ParseParameters(data, h.Get())
	if err != nil {
		w.log.Warn(ctx, "keeping previous parameters", "file", w.path, "err", err)
		return
	}
	h.Reconfigure(next)
	w.log.Info(ctx, "parameters reconfigured",
		"retention", next.Retention, "update", next.Update.String(), "expireInactivity", next.ExpireInactivity)
	if applied != nil {
		applied(next)
	}
}
