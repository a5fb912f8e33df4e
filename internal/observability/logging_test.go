package observability

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("key created", "api_key", "pf.supersecret", "user", "alice")

	out := buf.String()
	if strings.Contains(out, "supersecret") {
		t.Error("secret value leaked into log output")
	}
	if !strings.Contains(out, "[redacted]") {
		t.Error("redaction marker missing")
	}
	if !strings.Contains(out, "alice") {
		t.Error("non-secret attribute should pass through")
	}
}

func TestNewLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn line missing")
	}
}
