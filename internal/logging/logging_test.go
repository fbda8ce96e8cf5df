// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelWarn})

	logger.Info("should be filtered")
	logger.Warn("should appear", "key", "value")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Error("info record emitted despite warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn record missing")
	}
	if !strings.Contains(out, "key=value") {
		t.Errorf("attribute missing from output: %s", out)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelInfo}).WithComponent("enforcer")

	logger.Info("hello")
	if !strings.Contains(buf.String(), "component=enforcer") {
		t.Errorf("component tag missing: %s", buf.String())
	}
}

func TestSetDefault(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	var buf bytes.Buffer
	l := New(Config{Output: &buf, Level: LevelInfo})
	SetDefault(l)

	if Default() != l {
		t.Error("SetDefault did not replace the default logger")
	}
}
