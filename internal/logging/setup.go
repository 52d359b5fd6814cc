package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/dskow/ble-bridge/internal/config"
)

// Setup builds the process logger from validated logging config. The
// returned closer is non-nil when output goes to a rotating file; callers
// close it on exit so buffered records reach disk.
func Setup(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer
	var closer io.Closer
	switch cfg.Output {
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		rw, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		out, closer = rw, rw
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}
