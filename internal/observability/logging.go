package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/s4kit/gateway/internal/config"
)

// Attribute keys whose values are always redacted at the handler level.
// The gateway logs around API keys and upstream credentials in enough
// places that a deny-list here is safer than auditing every call site.
var redactedLogKeys = map[string]bool{
	"api_key":       true,
	"authorization": true,
	"client_secret": true,
	"password":      true,
	"token":         true,
}

// NewLogger creates the gateway's structured logger. Every record carries a
// "service" attribute and sensitive attribute values are replaced before
// they reach the handler.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	return newLogger(os.Stdout, level, format)
}

func newLogger(w io.Writer, level config.LogLevel, format config.LogFormat) *slog.Logger {
	var lvl slog.Level

	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelInfo, "":
		lvl = slog.LevelInfo
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if redactedLogKeys[a.Key] {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var handler slog.Handler
	if format == config.LogFormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("service", "s4gateway")
}
