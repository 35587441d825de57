package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLineHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "info message",
			level:   slog.LevelInfo,
			message: "chain saved",
			want:    "2024-06-15T14:30:45Z\tINFO\top-1\tchain saved\n",
		},
		{
			name:    "warn with attrs",
			level:   slog.LevelWarn,
			message: "chain document unreadable",
			attrs:   []slog.Attr{slog.String("subject", "vm-01"), slog.Int("version", 3)},
			want:    "2024-06-15T14:30:45Z\tWARN\top-1\tchain document unreadable\tsubject=vm-01\tversion=3\n",
		},
		{
			name:    "error value",
			level:   slog.LevelError,
			message: "delete failed",
			attrs:   []slog.Attr{slog.Any("error", errors.New("permission denied"))},
			want:    "2024-06-15T14:30:45Z\tERROR\top-1\tdelete failed\terror=permission denied\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newLineHandler(&buf, "op-1", slog.LevelDebug)

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			r.AddAttrs(tt.attrs...)
			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestLineHandler_Level(t *testing.T) {
	h := newLineHandler(&bytes.Buffer{}, "op-1", slog.LevelInfo)

	tests := []struct {
		level slog.Level
		want  bool
	}{
		{slog.LevelDebug, false},
		{slog.LevelInfo, true},
		{slog.LevelWarn, true},
		{slog.LevelError, true},
	}
	for _, tt := range tests {
		if got := h.Enabled(context.Background(), tt.level); got != tt.want {
			t.Errorf("Enabled(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestLineHandler_AttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	base := newLineHandler(&buf, "op-1", slog.LevelDebug)
	logger := slog.New(base).With("subject", "vm-01").WithGroup("retention").With("dry_run", true)

	logger.Info("sweep finished", "deleted", 2)

	got := buf.String()
	for _, want := range []string{"\tsubject=vm-01", "\tretention.dry_run=true", "\tretention.deleted=2"} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %q", got, want)
		}
	}
	if len(base.attrs) != 0 || base.prefix != "" {
		t.Error("deriving handlers modified the original")
	}
}

func TestLineHandler_ConcurrentLines(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newLineHandler(&buf, "op-1", slog.LevelDebug))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.With("worker", i).Info("subject done", "subject", "vm-01")
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines, want 20", len(lines))
	}
	for _, line := range lines {
		if strings.Count(line, "\t") != 5 {
			t.Errorf("malformed line %q", line)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	var stderr bytes.Buffer

	logger, f, err := newLogger(dir, "op-1", slog.LevelInfo, &stderr)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Info("hello")
	logger.Debug("hidden")
	f.Close()

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\thello\n") || strings.Contains(string(data), "hidden") {
		t.Errorf("log file = %q", data)
	}
	if stderr.String() != string(data) {
		t.Errorf("stderr = %q, want the same lines as the file", stderr.String())
	}
}
