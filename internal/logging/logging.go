package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Config struct {
	Level string
	// File is appended to; empty means log only to Stdout.
	File   string
	Stdout bool
	// Format is "text" (default) or "json".
	Format string

	// Console replaces os.Stdout, mostly for tests.
	Console io.Writer
}

var (
	mu     sync.Mutex
	closer io.Closer
)

func Init(cfg Config) (func() error, error) {
	level, enabled, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if !enabled {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})))
		return func() error { return nil }, nil
	}
	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}

	var (
		w io.Writer
		f *os.File
	)
	path := strings.TrimSpace(cfg.File)
	if path == "" {
		w = console
	} else {
		path = filepath.Clean(path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, err
		}
		w = f
		if cfg.Stdout {
			w = io.MultiWriter(console, f)
		}
	}

	h, err := newHandler(w, cfg.Format, level)
	if err != nil {
		if f != nil {
			_ = f.Close()
		}
		return nil, err
	}
	slog.SetDefault(slog.New(h))

	if f == nil {
		return func() error { return nil }, nil
	}

	mu.Lock()
	closer = f
	mu.Unlock()

	return func() error {
		mu.Lock()
		c := closer
		if closer == f {
			closer = nil
		}
		mu.Unlock()
		if c != nil {
			return c.Close()
		}
		return nil
	}, nil
}

func newHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.TrimSpace(strings.ToLower(format)) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, errors.New("bad log_format (use text/json)")
	}
}

func parseLevel(s string) (lvl slog.Level, enabled bool, _ error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "info":
		return slog.LevelInfo, true, nil
	case "debug":
		return slog.LevelDebug, true, nil
	case "warn", "warning":
		return slog.LevelWarn, true, nil
	case "error":
		return slog.LevelError, true, nil
	case "off", "none", "disabled":
		return slog.LevelError, false, nil
	default:
		return slog.LevelInfo, true, errors.New("bad log_level (use debug/info/warn/error/off)")
	}
}
