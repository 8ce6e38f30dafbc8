package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentTag(t *testing.T) {
	defer SetLevel(Level())
	buf := new(bytes.Buffer)
	SetFormat(buf, JSON)
	defer SetFormat(new(bytes.Buffer), Text)
	SetLevel(slog.LevelDebug)

	Debug(DMA, "channel configured", "inst", 0x40020008)
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if got := rec["component"]; got != "dma" {
		t.Errorf("component = %v, want dma", got)
	}
	if got := rec["msg"]; got != "channel configured" {
		t.Errorf("msg = %v", got)
	}
}

func TestLevelFilter(t *testing.T) {
	defer SetLevel(Level())
	buf := new(bytes.Buffer)
	SetFormat(buf, Text)
	defer SetFormat(new(bytes.Buffer), Text)
	SetLevel(slog.LevelWarn)

	Info(Clock, "hidden")
	For(Clock).Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record leaked past warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "component=clock") {
		t.Errorf("missing warn record: %q", out)
	}
}
