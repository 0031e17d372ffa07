// Package logger builds the process-wide structured logger.
//
// Every line is a JSON object carrying ts, level and msg; callers add
// component, device_id and event attributes.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"lorahub/internal/config"
)

// New returns a JSON logger writing to stdout or to a rotating file.
func New(c config.LoggerSettings) (*slog.Logger, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var w io.Writer
	switch c.LogType {
	case config.LogTypeConsole:
		w = os.Stdout
	case config.LogTypeFile:
		w = &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    c.MaxSize,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAge,
			Compress:   true,
		}
	default:
		return nil, fmt.Errorf("unsupported log type: %s", c.LogType)
	}

	return NewWithWriter(w, ParseLevel(c.LogLevel)), nil
}

// NewWithWriter returns a JSON logger writing to w. The time key is
// renamed to ts to keep the line format used by the migration logs.
func NewWithWriter(w io.Writer, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				a.Key = "ts"
			}
			return a
		},
	})
	return slog.New(h)
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// ParseLevel maps a configured level name to a slog level.
func ParseLevel(level string) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelInfo:
		return slog.LevelInfo
	case config.LogLevelWarning:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
