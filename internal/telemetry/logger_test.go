package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInitLogger(t *testing.T) {
	t.Run("default configuration logs at info, not debug", func(t *testing.T) {
		InitLogger(false, "", nil)
		logger := slog.Default()
		if !logger.Enabled(context.Background(), slog.LevelInfo) {
			t.Error("expected info level to be enabled by default")
		}
		if logger.Enabled(context.Background(), slog.LevelDebug) {
			t.Error("expected debug level to be disabled by default")
		}
	})

	t.Run("debug configuration enables debug level", func(t *testing.T) {
		InitLogger(true, "", nil)
		if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
			t.Error("expected debug level to be enabled")
		}
	})

	t.Run("writes to stdout", func(t *testing.T) {
		oldStdout := os.Stdout
		r, w, _ := os.Pipe()
		os.Stdout = w

		InitLogger(false, "", nil)
		slog.Info("visible on stdout")

		w.Close()
		os.Stdout = oldStdout

		var buf bytes.Buffer
		buf.ReadFrom(r)
		if !strings.Contains(buf.String(), "visible on stdout") {
			t.Errorf("expected stdout to contain the message, got %q", buf.String())
		}
	})

	t.Run("writes to file when configured", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "test.log")

		InitLogger(false, logFile, nil)
		slog.Info("test file log")

		content, err := os.ReadFile(logFile)
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}
		if !strings.Contains(string(content), "test file log") {
			t.Errorf("expected log file to contain message, got %q", string(content))
		}
	})

	t.Run("fans out to stdout and file", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "test_multi.log")

		oldStdout := os.Stdout
		r, w, _ := os.Pipe()
		os.Stdout = w

		InitLogger(false, logFile, nil)
		slog.Info("test multi log")

		w.Close()
		os.Stdout = oldStdout

		var buf bytes.Buffer
		buf.ReadFrom(r)
		if !strings.Contains(buf.String(), "test multi log") {
			t.Errorf("expected stdout to contain message, got %q", buf.String())
		}

		content, err := os.ReadFile(logFile)
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}
		if !strings.Contains(string(content), "test multi log") {
			t.Errorf("expected log file to contain message, got %q", string(content))
		}
	})

	t.Run("invalid file path falls back to stdout only", func(t *testing.T) {
		// Should not panic; InitLogger logs the open error through the
		// current default logger and proceeds with the stdout handler alone.
		InitLogger(false, "/nonexistent-dir/test.log", nil)
		slog.Info("still logs somewhere")
	})

	t.Run("redacts a configured secret env var", func(t *testing.T) {
		os.Setenv("NECRO_TEST_SECRET", "super-secret-token")
		defer os.Unsetenv("NECRO_TEST_SECRET")

		oldStdout := os.Stdout
		r, w, _ := os.Pipe()
		os.Stdout = w

		InitLogger(false, "", []string{"NECRO_TEST_SECRET"})
		slog.Info("token leaked", "token", "super-secret-token")

		w.Close()
		os.Stdout = oldStdout

		var buf bytes.Buffer
		buf.ReadFrom(r)
		if strings.Contains(buf.String(), "super-secret-token") {
			t.Errorf("expected secret value to be redacted, got %q", buf.String())
		}
		if !strings.Contains(buf.String(), "[REDACTED]") {
			t.Errorf("expected redaction marker in output, got %q", buf.String())
		}
	})

	t.Run("redacts generic bearer tokens without configuration", func(t *testing.T) {
		oldStdout := os.Stdout
		r, w, _ := os.Pipe()
		os.Stdout = w

		InitLogger(false, "", nil)
		slog.Info("auth header", "header", "Bearer abc123def456")

		w.Close()
		os.Stdout = oldStdout

		var buf bytes.Buffer
		buf.ReadFrom(r)
		if strings.Contains(buf.String(), "abc123def456") {
			t.Errorf("expected bearer token to be redacted, got %q", buf.String())
		}
	})
}

func TestMultiHandler(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	h1 := slog.NewJSONHandler(&buf1, nil)
	h2 := slog.NewJSONHandler(&buf2, nil)

	mh := &multiHandler{handlers: []slog.Handler{h1, h2}}

	t.Run("Enabled", func(t *testing.T) {
		if !mh.Enabled(context.Background(), slog.LevelInfo) {
			t.Error("expected Enabled to return true")
		}
	})

	t.Run("Handle fans out to every handler", func(t *testing.T) {
		record := slog.NewRecord(time.Now(), slog.LevelInfo, "test msg", 0)
		if err := mh.Handle(context.Background(), record); err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
		if !strings.Contains(buf1.String(), "test msg") {
			t.Error("buffer 1 missing message")
		}
		if !strings.Contains(buf2.String(), "test msg") {
			t.Error("buffer 2 missing message")
		}
	})

	t.Run("WithAttrs returns a multiHandler", func(t *testing.T) {
		mh2 := mh.WithAttrs([]slog.Attr{slog.String("key", "val")})
		if _, ok := mh2.(*multiHandler); !ok {
			t.Error("expected WithAttrs to return *multiHandler")
		}
	})

	t.Run("WithGroup returns a multiHandler", func(t *testing.T) {
		mh2 := mh.WithGroup("group")
		if _, ok := mh2.(*multiHandler); !ok {
			t.Error("expected WithGroup to return *multiHandler")
		}
	})

	t.Run("Enabled is false when every handler is above the level", func(t *testing.T) {
		hError := slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError})
		mhError := &multiHandler{handlers: []slog.Handler{hError}}
		if mhError.Enabled(context.Background(), slog.LevelInfo) {
			t.Error("expected Enabled to return false for info level when handler is error level")
		}
	})
}

func TestRedactingHandler(t *testing.T) {
	os.Setenv("NECRO_GIT_TOKEN", "ghp_deadbeef1234567890")
	defer os.Unsetenv("NECRO_GIT_TOKEN")

	var buf bytes.Buffer
	next := slog.NewJSONHandler(&buf, nil)
	h := newRedactingHandler(next, []string{"NECRO_GIT_TOKEN"})

	record := slog.NewRecord(time.Now(), slog.LevelInfo, "pushing with token", 0)
	record.AddAttrs(slog.String("token", "ghp_deadbeef1234567890"))
	if err := h.Handle(context.Background(), record); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if strings.Contains(buf.String(), "ghp_deadbeef1234567890") {
		t.Errorf("expected token to be redacted, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "[REDACTED]") {
		t.Errorf("expected redaction marker, got %q", buf.String())
	}

	t.Run("WithAttrs and WithGroup preserve redaction config", func(t *testing.T) {
		h2 := h.WithAttrs([]slog.Attr{slog.String("a", "b")})
		rh2, ok := h2.(*redactingHandler)
		if !ok {
			t.Fatal("expected WithAttrs to return *redactingHandler")
		}
		if len(rh2.values) != len(h.values) {
			t.Error("expected redaction value set to be preserved")
		}

		h3 := h.WithGroup("g")
		if _, ok := h3.(*redactingHandler); !ok {
			t.Fatal("expected WithGroup to return *redactingHandler")
		}
	})
}

func TestLogInfof(t *testing.T) {
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))

	LogInfof("Hello %s", "World")

	output := buf.String()
	if !strings.Contains(output, "Hello World") {
		t.Errorf("expected formatted message, got %s", output)
	}
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))

	LogError("something failed", errors.New("my error"), "foo", "bar")

	output := buf.String()
	if !strings.Contains(output, "my error") {
		t.Errorf("expected error message in log, got %s", output)
	}
	if !strings.Contains(output, `"foo":"bar"`) {
		t.Errorf("expected context in log, got %s", output)
	}
	if !strings.Contains(output, `"msg":"something failed"`) {
		t.Errorf("expected msg in log, got %s", output)
	}
}

func TestLogDebugAndLogInfo(t *testing.T) {
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	LogInfo("test message", "key", "value")
	LogDebug("debug message", "key2", "value2")

	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("output is not valid JSON: %v", err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	if lines[0]["level"] != "INFO" {
		t.Errorf("expected first line level INFO, got %v", lines[0]["level"])
	}
	if lines[1]["level"] != "DEBUG" {
		t.Errorf("expected second line level DEBUG, got %v", lines[1]["level"])
	}
}
