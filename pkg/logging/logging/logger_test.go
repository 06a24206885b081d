package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "erpy.log")

	logger, err := NewLogger(Config{Level: "debug", File: path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Debug("hello file", zap.String("k", "v"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello file"`) || !strings.Contains(string(data), `"k":"v"`) {
		t.Fatalf("unexpected log file contents: %s", data)
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger(Config{Level: "error"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger.Core().Enabled(zap.WarnLevel) {
		t.Fatalf("warn should be disabled at error level")
	}
	if !logger.Core().Enabled(zap.ErrorLevel) {
		t.Fatalf("error should be enabled")
	}
}

func TestContextLogger(t *testing.T) {
	base := zaptest.NewLogger(t)
	ctx := WithLogger(context.Background(), base)
	if FromContext(ctx) != base {
		t.Fatalf("expected logger from context")
	}
	if L(context.Background()) == nil {
		t.Fatalf("expected default logger fallback")
	}
	if got := FromContext(WithFields(ctx, zap.String("a", "b"))); got == base {
		t.Fatalf("WithFields should derive a new logger")
	}
}
