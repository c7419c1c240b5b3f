package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNew_ConsoleLevel(t *testing.T) {
	var console bytes.Buffer
	logger, closeFn, err := New(Options{Level: "warn", Console: &console})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Info("quiet")
	logger.Warn("loud", zap.Int("port", 8931))
	closeFn()

	out := console.String()
	if strings.Contains(out, "quiet") {
		t.Error("Info should be filtered at warn level")
	}
	if !strings.Contains(out, "loud") || !strings.Contains(out, "8931") {
		t.Errorf("Expected warning with fields, got %q", out)
	}
}

func TestNew_DebugFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")

	for i, msg := range []string{"first run", "second run"} {
		logger, closeFn, err := New(Options{Debug: true, File: path, Console: &bytes.Buffer{}})
		if err != nil {
			t.Fatalf("New failed on run %d: %v", i, err)
		}
		logger.Debug(msg, zap.String("session_id", "s1"))
		closeFn()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read debug log: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 appended lines, got %d: %q", len(lines), data)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &entry); err != nil {
		t.Fatalf("Expected JSON lines: %v", err)
	}
	if entry["msg"] != "second run" || entry["session_id"] != "s1" {
		t.Errorf("Unexpected entry: %v", entry)
	}
}

func TestNew_Errors(t *testing.T) {
	if _, _, err := New(Options{Level: "chatty"}); err == nil {
		t.Error("Expected invalid level error")
	}
	if _, _, err := New(Options{Debug: true, File: filepath.Join(t.TempDir(), "missing", "debug.log")}); err == nil {
		t.Error("Expected error for unwritable debug file")
	}
}
