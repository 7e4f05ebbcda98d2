package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	Shutdown()

	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	nowFn = time.Now
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "json", Level: "debug", Component: "watcher"})

	mu.RLock()
	defer mu.RUnlock()

	if baseWriter != os.Stderr {
		t.Fatalf("expected base writer to be os.Stderr, got %#v", baseWriter)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}
	if baseComponent != "watcher" {
		t.Fatalf("expected base component watcher, got %s", baseComponent)
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "console"})

	mu.RLock()
	defer mu.RUnlock()
	if _, ok := baseWriter.(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer, got %#v", baseWriter)
	}
}

func TestInitAutoFormatWithoutTerminal(t *testing.T) {
	t.Cleanup(resetLoggingState)

	orig := isTerminalFn
	isTerminalFn = func(int) bool { return false }
	t.Cleanup(func() { isTerminalFn = orig })

	Init(Config{Format: "auto"})

	mu.RLock()
	defer mu.RUnlock()
	if baseWriter != os.Stderr {
		t.Fatalf("expected plain stderr writer when not a terminal, got %#v", baseWriter)
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if got := parseLevel("warning"); got != zerolog.WarnLevel {
		t.Fatalf("parseLevel(warning) = %s", got)
	}
	if got := parseLevel("nonsense"); got != zerolog.InfoLevel {
		t.Fatalf("parseLevel(nonsense) = %s", got)
	}
}

func TestInitWritesToLogFile(t *testing.T) {
	t.Cleanup(resetLoggingState)

	path := filepath.Join(t.TempDir(), "logs", ".bp-agent.log")
	Init(Config{Format: "json", FilePath: path, Component: "bp"})

	log.Info().Str("path", "Dockerfile").Msg("scan queued")
	Shutdown()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("unmarshal log line %q: %v", line, err)
	}
	if event["message"] != "scan queued" || event["component"] != "bp" || event["path"] != "Dockerfile" {
		t.Fatalf("unexpected log event: %#v", event)
	}
}

func TestRollingFileWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.log")

	w, err := newRollingFileWriter(Config{FilePath: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("newRollingFileWriter: %v", err)
	}
	defer w.Close()
	w.maxBytes = 16

	if _, err := w.Write([]byte("0123456789")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := w.Write([]byte("abcdefghij")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected current + rotated file, got %d entries", len(entries))
	}
	data, _ := os.ReadFile(path)
	if string(data) != "abcdefghij" {
		t.Fatalf("current log = %q", data)
	}
}

func TestRollingFileWriterPrunesOldFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.log")
	old := path + ".20200101-000000.000"
	if err := os.WriteFile(old, []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	w, err := newRollingFileWriter(Config{FilePath: path, MaxAgeDays: 1})
	if err != nil {
		t.Fatalf("newRollingFileWriter: %v", err)
	}
	defer w.Close()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected old rotated log to be pruned, stat err = %v", err)
	}
}

func TestFromContextAddsSessionID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	mu.Lock()
	baseLogger = zerolog.New(&buf)
	mu.Unlock()

	ctx, id := WithSessionID(context.Background(), "")
	if id == "" {
		t.Fatal("expected generated session id")
	}
	logger := FromContext(ctx)
	logger.Info().Msg("hello")

	if !strings.Contains(buf.String(), `"session_id":"`+id+`"`) {
		t.Fatalf("expected session id in output, got %s", buf.String())
	}

	ctx, id = WithSessionID(ctx, " fixed ")
	if id != "fixed" || SessionID(ctx) != "fixed" {
		t.Fatalf("expected trimmed explicit id, got %q", id)
	}
}
