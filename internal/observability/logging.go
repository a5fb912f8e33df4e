package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures structured logging.
type LogConfig struct {
	// Level: "debug", "info", "warn", "error". Default "info".
	Level string
	// Format: "json" for production, "text" for development.
	Format string
	// Output defaults to stderr.
	Output io.Writer
}

// secretPattern matches attribute keys that name credentials; the values
// of matching attributes are redacted before they reach a log sink.
var secretPattern = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|authorization)`)

// NewLogger builds a slog.Logger with level filtering and secret
// redaction on attribute values whose keys look sensitive.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if secretPattern.MatchString(a.Key) {
				return slog.String(a.Key, "[redacted]")
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}
