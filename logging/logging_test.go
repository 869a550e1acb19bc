package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/config"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{level: "debug", want: zapcore.DebugLevel},
		{level: "WARN", want: zapcore.WarnLevel},
		{level: "", want: zapcore.InfoLevel},
		{level: "chatty", want: zapcore.InfoLevel},
	}
	for _, tt := range tests {
		log, err := New(config.LogConfig{Level: tt.level, Encoding: "json"})
		if err != nil {
			t.Fatalf("level %q: %v", tt.level, err)
		}
		if !log.Core().Enabled(tt.want) {
			t.Fatalf("level %q: expected %s enabled", tt.level, tt.want)
		}
		if tt.want > zapcore.DebugLevel && log.Core().Enabled(tt.want-1) {
			t.Fatalf("level %q: expected %s disabled", tt.level, tt.want-1)
		}
	}
}

func TestNew_ConsoleSampling(t *testing.T) {
	log, err := New(config.LogConfig{Level: "info", Encoding: "console", Development: true, Sampling: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	log.Info("ready")
}

func TestNew_UnknownEncodingFallsBackToJSON(t *testing.T) {
	if _, err := New(config.LogConfig{Encoding: "xml"}); err != nil {
		t.Fatalf("expected fallback encoding, got %v", err)
	}
}
