package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Option customises the handler built by Setup.
type Option func(*options)

type options struct {
	writer io.Writer
	level  slog.Level
}

// WithWriter directs log output to w instead of stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.writer = w
		}
	}
}

// WithLevel sets the minimum level from its textual form. Unknown values
// leave the default (info) in place.
func WithLevel(level string) Option {
	return func(o *options) {
		var parsed slog.Level
		if err := parsed.UnmarshalText([]byte(strings.TrimSpace(level))); err == nil {
			o.level = parsed
		}
	}
}

// Setup configures the standard library logger to emit structured JSON and
// returns the slog.Logger used by the clearing daemon. Every line carries the
// service name and, when set, the environment.
func Setup(service, env string, opts ...Option) *slog.Logger {
	cfg := options{writer: os.Stdout, level: slog.LevelInfo}
	for _, opt := range opts {
		opt(&cfg)
	}
	handler := slog.NewJSONHandler(cfg.writer, &slog.HandlerOptions{
		Level: cfg.level,
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
	bound := handler.WithAttrs(attrs)
	base := slog.New(bound)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(bound, slog.LevelInfo)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
