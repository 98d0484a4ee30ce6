package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriterRotatesAndPrunes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := newRotatingWriter(path, 1, 2, 30)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	defer w.Close()

	// 缩小阈值并固定时钟，保证备份名可预期。
	w.maxSize = 32
	stamp := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time {
		stamp = stamp.Add(time.Second)
		return stamp
	}

	record := []byte(strings.Repeat("x", 20))
	for i := 0; i < 4; i++ {
		if _, err := w.Write(record); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("expected 2 backups after pruning, got %d: %v", len(backups), backups)
	}

	active, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read active file failed: %v", err)
	}
	if len(active) != len(record) {
		t.Fatalf("active file must hold only the latest record, got %d bytes", len(active))
	}
}

func TestRotatingWriterPrunesByAge(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := newRotatingWriter(path, 1, 7, 1)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	defer w.Close()

	expired := path + ".20200101T000000.000000000"
	if err := os.WriteFile(expired, []byte("old"), 0o644); err != nil {
		t.Fatalf("failed to seed backup: %v", err)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(expired, past, past); err != nil {
		t.Fatalf("failed to age backup: %v", err)
	}

	w.prune()
	if _, err := os.Stat(expired); !os.IsNotExist(err) {
		t.Fatalf("expired backup must be removed, stat err: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewHandlerFormats(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	handler, err := newHandler("text", &buf, opts)
	if err != nil {
		t.Fatalf("text handler failed: %v", err)
	}
	slog.New(handler).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text output, got %q", buf.String())
	}

	buf.Reset()
	handler, err = newHandler("", &buf, opts)
	if err != nil {
		t.Fatalf("default handler failed: %v", err)
	}
	slog.New(handler).Info("hello")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Fatalf("expected json output, got %q", buf.String())
	}

	if _, err := newHandler("xml", &buf, opts); err == nil {
		t.Fatalf("unsupported format must be rejected")
	}
}
