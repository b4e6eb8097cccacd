package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{" WARN ", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if a := ParseLevel(tt.in); a != tt.want {
			t.Errorf("ParseLevel(%q) = %v, wanted %v", tt.in, a, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("error")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if logger.Core().Enabled(zapcore.WarnLevel) {
		t.Errorf("warn enabled at error level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Errorf("error not enabled at error level")
	}
}
