package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"c19x.org/internal/ids"
)

func newTestLogger(t *testing.T) (*SlogLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return NewSlogLogger(slog.New(h)), &buf
}

func TestSlogLoggerLevels(t *testing.T) {
	log, buf := newTestLogger(t)
	ctx := context.Background()

	log.Debug(ctx, "dbg", "a", 1)
	log.Info(ctx, "inf", "b", 2)
	log.Warn(ctx, "wrn", "c", 3)
	log.Error(ctx, "err", "d", 4)

	out := buf.String()
	tests := []struct {
		level, msg, key, val string
	}{
		{"DEBUG", "dbg", "a", "1"},
		{"INFO", "inf", "b", "2"},
		{"WARN", "wrn", "c", "3"},
		{"ERROR", "err", "d", "4"},
	}
	for _, tc := range tests {
		if !strings.Contains(out, "level="+tc.level) {
			t.Fatalf("expected level=%s in output:\n%s", tc.level, out)
		}
		if !strings.Contains(out, "msg="+tc.msg) {
			t.Fatalf("expected msg=%s in output:\n%s", tc.msg, out)
		}
		if !strings.Contains(out, tc.key+"="+tc.val) {
			t.Fatalf("expected %s=%s in output:\n%s", tc.key, tc.val, out)
		}
	}
}

func TestSlogLoggerWith(t *testing.T) {
	log, buf := newTestLogger(t)
	log.With("component", "registry").Info(context.Background(), "hello", "k", "v")

	out := buf.String()
	for _, s := range []string{"level=INFO", "msg=hello", "component=registry", "k=v"} {
		if !strings.Contains(out, s) {
			t.Fatalf("expected %q in output, got:\n%s", s, out)
		}
	}
}

func TestSlogLoggerAddsRequestID(t *testing.T) {
	log, buf := newTestLogger(t)
	ctx := ids.WithRequestID(context.Background(), "req-7")
	log.Info(ctx, "handled")

	if !strings.Contains(buf.String(), "request_id=req-7") {
		t.Fatalf("expected request id in output, got:\n%s", buf.String())
	}
}

func TestNopDiscards(t *testing.T) {
	var l Logger = Nop{}
	l.With("a", 1).Error(context.TODO(), "ignored")
}
