package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("spice.main")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("link established", "server", "unix:///tmp/spice.sock")

	out := buf.String()
	if strings.Contains(out, `msg="INFO link established`) {
		t.Fatalf("unexpected nested severity prefix in message: %s", out)
	}
	if !strings.Contains(out, "msg=\"link established\"") {
		t.Fatalf("expected plain message, got: %s", out)
	}
	if !strings.Contains(out, "component=spice.main") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "server=unix:///tmp/spice.sock") {
		t.Fatalf("expected server field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("spice.inputs")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	L("spice.playback").Debug("volume update", "channels", 2)

	out := buf.String()
	if !strings.Contains(out, `"component":"spice.playback"`) {
		t.Fatalf("expected JSON component field, got: %s", out)
	}
	if !strings.Contains(out, `"channels":2`) {
		t.Fatalf("expected JSON channels field, got: %s", out)
	}
}
