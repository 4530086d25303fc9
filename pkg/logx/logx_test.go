package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// setupTestLogger redirects output to a buffer.
func setupTestLogger() *bytes.Buffer {
	var buf bytes.Buffer
	SetOutput(&buf)
	return &buf
}

func resetTestLogger() {
	SetOutput(nil)
	SetDebugConfig(false)
	SetDebugDomains(nil)
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("breaker")

	if logger.Component() != "breaker" {
		t.Errorf("Expected component 'breaker', got '%s'", logger.Component())
	}
}

func TestLogFormat(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	logger := NewLogger("orchestrator")
	logger.Info("Test message with %s", "formatting")

	output := buf.String()

	if !strings.Contains(output, "[orchestrator]") {
		t.Errorf("Expected component in output, got: %s", output)
	}
	if !strings.Contains(output, "INFO") {
		t.Errorf("Expected log level in output, got: %s", output)
	}
	if !strings.Contains(output, "Test message with formatting") {
		t.Errorf("Expected formatted message in output, got: %s", output)
	}
}

func TestLogLevels(t *testing.T) {
	logger := NewLogger("test")

	tests := []struct {
		level    Level
		logFunc  func(string, ...any)
		expected string
	}{
		{LevelDebug, logger.Debug, "DEBUG"},
		{LevelInfo, logger.Info, "INFO"},
		{LevelWarn, logger.Warn, "WARN"},
		{LevelError, logger.Error, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := setupTestLogger()
			defer resetTestLogger()

			if tt.level == LevelDebug {
				SetDebugConfig(true)
			}

			tt.logFunc("test message")

			if !strings.Contains(buf.String(), tt.expected) {
				t.Errorf("Expected level '%s' in output, got: %s", tt.expected, buf.String())
			}
		})
	}
}

func TestDebugSuppressedWhenDisabled(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	NewLogger("quiet").Debug("hidden")
	Debug(context.Background(), "stream", "hidden too")

	if buf.Len() != 0 {
		t.Errorf("Expected no output with debug disabled, got: %s", buf.String())
	}
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	SetDebugConfig(true)
	SetDebugDomains([]string{"stream"})

	ctx := WithRequestID(context.Background(), "req-42")
	Debug(ctx, "stream", "kept %d", 1)
	Debug(ctx, "breaker", "dropped")

	output := buf.String()
	if !strings.Contains(output, "[req-42]") || !strings.Contains(output, "[stream] kept 1") {
		t.Errorf("Expected stream debug line tagged with request id, got: %s", output)
	}
	if strings.Contains(output, "dropped") {
		t.Errorf("Expected breaker domain to be filtered, got: %s", output)
	}

	entries := GetRecentLogEntries("stream", time.Time{})
	if len(entries) == 0 || entries[len(entries)-1].RequestID != "req-42" {
		t.Errorf("Expected buffered entry with request id, got %+v", entries)
	}
}

func TestWithComponent(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	original := NewLogger("api")
	derived := original.WithComponent("api-stream")

	original.Info("one")
	derived.Info("two")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "[api]") || !strings.Contains(lines[1], "[api-stream]") {
		t.Errorf("Unexpected component tags: %v", lines)
	}
}

func TestTimestampFormat(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	NewLogger("test").Info("timestamp test")

	output := buf.String()
	start := strings.Index(output, "[")
	end := strings.Index(output, "]")
	if start == -1 || end == -1 || end <= start {
		t.Fatalf("Could not find timestamp in output: %s", output)
	}

	if _, err := time.Parse(timestampFormat, output[start+1:end]); err != nil {
		t.Errorf("Invalid timestamp format '%s': %v", output[start+1:end], err)
	}
}

func TestWrap(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	if Wrap(nil, "noop") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	base := errors.New("disk full")
	err := Wrap(base, "open ledger")
	if !errors.Is(err, base) {
		t.Errorf("Wrap should preserve the cause, got %v", err)
	}
	if !strings.Contains(buf.String(), "open ledger: disk full") {
		t.Errorf("Expected wrapped error to be logged, got: %s", buf.String())
	}
}

func TestLogBufferTrimsToMaxSize(t *testing.T) {
	b := &InMemoryLogBuffer{maxSize: 3}
	for i := 0; i < 5; i++ {
		b.AddLogEntry(&LogEntry{Message: string(rune('a' + i))})
	}

	got := b.GetLogEntries("", time.Time{})
	if len(got) != 3 || got[0].Message != "c" || got[2].Message != "e" {
		t.Errorf("Expected last three entries c..e, got %+v", got)
	}
}
