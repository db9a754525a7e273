package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	cases := []struct {
		level   string
		format  string
		enabled zapcore.Level
	}{
		{"debug", "json", zapcore.DebugLevel},
		{"info", "json", zapcore.InfoLevel},
		{"warn", "console", zapcore.WarnLevel},
		{"error", "json", zapcore.ErrorLevel},
		{"bogus", "json", zapcore.InfoLevel},
	}

	for _, tc := range cases {
		log, err := NewLogger(tc.level, tc.format, "test-service")
		if err != nil {
			t.Fatalf("NewLogger(%q, %q) error = %v", tc.level, tc.format, err)
		}
		if !log.Core().Enabled(tc.enabled) {
			t.Errorf("NewLogger(%q, %q): level %v not enabled", tc.level, tc.format, tc.enabled)
		}
		if tc.enabled > zapcore.DebugLevel && log.Core().Enabled(tc.enabled-1) {
			t.Errorf("NewLogger(%q, %q): level %v unexpectedly enabled", tc.level, tc.format, tc.enabled-1)
		}
	}
}
