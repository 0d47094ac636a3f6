package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitOffAllowsEmptyFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	closeFn, err := Init(Config{Level: "off", File: ""})
	if err != nil {
		t.Fatalf("Init(off): %v", err)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestInitWritesToFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "portdeck.log")

	var console bytes.Buffer
	closeFn, err := Init(Config{Level: "debug", File: logPath, Stdout: false, Console: &console})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = closeFn() })

	slog.Info("hello", "k", "v")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, "hello") {
		t.Fatalf("expected log to contain message, got: %q", s)
	}
	if !strings.Contains(s, "k=v") && !strings.Contains(s, `k="v"`) {
		t.Fatalf("expected log to contain attribute, got: %q", s)
	}
	if console.Len() != 0 {
		t.Fatalf("console should be quiet without Stdout, got %q", console.String())
	}
}

func TestInitStdoutOnlyJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var console bytes.Buffer
	closeFn, err := Init(Config{Level: "warn", Format: "json", Console: &console})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer closeFn()

	slog.Info("dropped")
	slog.Warn("kept", "port", 8080)

	lines := strings.Split(strings.TrimSpace(console.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", console.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("json: %v", err)
	}
	if rec["msg"] != "kept" || rec["port"] != float64(8080) {
		t.Fatalf("record=%v", rec)
	}
}

func TestInitMirrorsToConsole(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var console bytes.Buffer
	closeFn, err := Init(Config{Level: "info", File: filepath.Join(t.TempDir(), "p.log"), Stdout: true, Console: &console})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer closeFn()

	slog.Info("mirrored")
	if !strings.Contains(console.String(), "mirrored") {
		t.Fatalf("console=%q", console.String())
	}
}

func TestParseLevelInvalid(t *testing.T) {
	if _, _, err := parseLevel("nope"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Init(Config{Level: "info", Format: "xml", Console: &bytes.Buffer{}}); err == nil {
		t.Fatalf("expected format error")
	}
}
