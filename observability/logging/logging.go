package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileRotation configures an optional rotating log file that receives a copy
// of every structured line. Zero values fall back to the rotation library's
// defaults (100 MiB per file, no age or backup pruning).
type FileRotation struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (r *FileRotation) writer() io.Writer {
	return &lumberjack.Logger{
		Filename:   r.Path,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
	}
}

// Setup configures the process-wide logger to emit structured JSON on stdout
// and returns the slog.Logger for richer logging within the service. All log
// lines carry the service name and environment when provided.
func Setup(service, env string) *slog.Logger {
	return SetupWithRotation(service, env, nil)
}

// SetupWithRotation behaves like Setup and additionally tees every line into
// the rotating file when one is configured.
func SetupWithRotation(service, env string, rotation *FileRotation) *slog.Logger {
	out := io.Writer(os.Stdout)
	if rotation != nil && strings.TrimSpace(rotation.Path) != "" {
		out = io.MultiWriter(os.Stdout, rotation.writer())
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		AddSource: false,
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

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages keep working.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
