package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn")

	logger.Info("below threshold")
	logger.Warn("at threshold")

	out := buf.String()
	if strings.Contains(out, "below threshold") {
		t.Fatalf("info record emitted at warn level: %s", out)
	}
	if !strings.Contains(out, "at threshold") {
		t.Fatalf("warn record missing: %s", out)
	}
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "chatty")

	logger.Debug("below threshold")
	logger.Info("at threshold")

	out := buf.String()
	if strings.Contains(out, "below threshold") {
		t.Fatalf("debug record emitted at default level: %s", out)
	}
	if !strings.Contains(out, "at threshold") {
		t.Fatalf("info record missing: %s", out)
	}
}
