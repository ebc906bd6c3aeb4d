package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

// TestLoggerFields tests that all fields reach the output.
func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(New(&buf))

	Info(context.Background(), "test message", Fields{
		"zebra":  "last",
		"alpha":  "first",
		"middle": "center",
	})

	output := buf.String()
	if !strings.Contains(output, "level=INFO") {
		t.Error("INFO level not found in output")
	}
	if !strings.Contains(output, `msg="test message"`) {
		t.Error("message not found in output")
	}
	for _, want := range []string{"alpha=first", "middle=center", "zebra=last"} {
		if !strings.Contains(output, want) {
			t.Errorf("%s not found in output", want)
		}
	}
}

// TestLoggerWithNilFields tests handling of nil fields
func TestLoggerWithNilFields(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(New(&buf))

	Info(context.Background(), "test message", nil)

	if !strings.Contains(buf.String(), `msg="test message"`) {
		t.Error("Message not found in output")
	}
}

func TestLoggerInstanceAndSource(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(New(&buf))

	Info(context.Background(), "where", nil)

	output := buf.String()
	if !strings.Contains(output, "instance=") {
		t.Error("instance attribute not found")
	}
	// Source paths are shortened to the file basename.
	if !strings.Contains(output, "source=logger.go:") {
		t.Errorf("short source not found in %q", output)
	}
}

// TestErrorLogger tests the Error function
func TestErrorLogger(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(New(&buf))

	Error(context.Background(), "something failed", errors.New("test error"), Fields{"code": "500"})

	output := buf.String()
	if !strings.Contains(output, "level=ERROR") {
		t.Error("ERROR level not found")
	}
	if !strings.Contains(output, `error="test error"`) {
		t.Error("error field not found")
	}
	if !strings.Contains(output, "code=500") {
		t.Error("code field not found")
	}
}

func TestErrorLoggerNilError(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(New(&buf))

	Error(context.Background(), "no cause", nil, nil)

	if strings.Contains(buf.String(), "error=") {
		t.Error("nil error should not produce an error field")
	}
}

func TestDebugRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(New(&buf))
	Debug(context.Background(), "hidden", nil)
	if buf.Len() != 0 {
		t.Errorf("debug output at info level: %q", buf.String())
	}

	SetLogger(NewWithLevel(&buf, Level(true)))
	Debug(context.Background(), "shown", nil)
	if !strings.Contains(buf.String(), "level=DEBUG") {
		t.Error("debug output missing at debug level")
	}
}

func TestLevel(t *testing.T) {
	if Level(true) != slog.LevelDebug {
		t.Error("verbose should map to debug")
	}
	if Level(false) != slog.LevelInfo {
		t.Error("non-verbose should map to info")
	}
}
