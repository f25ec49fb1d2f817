// Package logging builds the structured logger used across the module. It
// replaces the teacher's ad hoc fmt.Printf calls (see ocr.go's
// "🤖 OpenRouter API call completed" line) with zap, the structured logger the
// wider example pack reaches for (see DESIGN.md).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap.SugaredLogger, or a development one with
// human-readable console output when dev is true.
func New(dev bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Noop returns a logger that discards everything, for tests that don't care
// about log output.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
