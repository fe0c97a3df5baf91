package logging

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestOrNopReturnsNopForNil(t *testing.T) {
	var l Logger
	safe := OrNop(l)
	if safe == nil {
		t.Fatal("expected a non-nil logger")
	}
	safe.Info("hello %s", "world") // should not panic
}

func TestOrNopPassesThroughNonNil(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewSlog(slog.New(slog.NewTextHandler(buf, nil)))

	safe := OrNop(logger)
	safe.Info("hello %s", "world")

	if got := buf.String(); got == "" {
		t.Fatal("expected log output")
	}
	if !bytes.Contains(buf.Bytes(), []byte("hello world")) {
		t.Fatalf("expected formatted message in output, got %q", buf.String())
	}
}

func TestSlogLoggerFormatsAllLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewSlog(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Debug("debug %d", 1)
	logger.Info("info %d", 2)
	logger.Warn("warn %d", 3)
	logger.Error("error %d", 4)

	out := buf.String()
	for _, want := range []string{"debug 1", "info 2", "warn 3", "error 4"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Fatalf("expected %q in output, got %q", want, out)
		}
	}
}

func TestSprintfWithNoArgsLeavesFormatUnchanged(t *testing.T) {
	if got := sprintf("100% done"); got != "100% done" {
		t.Fatalf("expected literal passthrough, got %q", got)
	}
}
