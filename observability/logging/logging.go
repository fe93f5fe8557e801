package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options adjusts where log output is written.
type Options struct {
	// File enables size-rotated output to the given path in addition to stdout.
	File string
	// MaxSizeMB caps an individual log file before rotation. Defaults to 50.
	MaxSizeMB int
	// MaxBackups limits retained rotated files. Defaults to 5.
	MaxBackups int
}

// Setup configures the process-wide slog logger to emit structured JSON and
// returns it. Every line carries the service name and, when provided, the
// deployment environment. When opts.File is set output is duplicated to a
// size-rotated file so on-host debugging survives restarts.
func Setup(service, env string, opts Options) *slog.Logger {
	var out io.Writer = os.Stdout
	if path := strings.TrimSpace(opts.File); path != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		})
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so third-party packages stay structured.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
