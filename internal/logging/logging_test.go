package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelWarn)
	log.Info("hidden")
	log.Warn("visible")
	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Fatal("info record passed a warn-level logger")
	}
	if !strings.Contains(output, "visible") {
		t.Fatal("warn record missing")
	}
}

func TestAttributesAppearInOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelDebug)
	log.With("node", "abc").Info("node ready", "api", "tcp://*:11000")
	output := buf.String()
	for _, want := range []string{"node ready", "node=abc", "api=tcp://*:11000"} {
		if !strings.Contains(output, want) {
			t.Errorf("output %q misses %q", output, want)
		}
	}
}

func TestGroupsPrefixKeys(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelDebug)
	log.WithGroup("peer").Info("connected", "id", "abc")
	if !strings.Contains(buf.String(), "peer.id=abc") {
		t.Fatalf("output %q misses the group prefix", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, test := range tests {
		got, err := ParseLevel(test.input)
		if err != nil || got != test.want {
			t.Errorf("ParseLevel(%q) = %v, %v", test.input, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel accepted an unknown level")
	}
}
