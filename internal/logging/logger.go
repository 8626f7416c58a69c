// Package logging provides zap logger helpers shared by the pipeline components.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// BatchFields returns the fields attached to every log line about a batch.
// The display identity is always included so aborted and skipped batches can
// be traced back to their sub-items.
func BatchFields(batch *archive.Batch) []zap.Field {
	if batch == nil {
		return nil
	}
	return []zap.Field{
		zap.String("run_id", batch.RunID),
		zap.String("fingerprint", batch.Fingerprint),
		zap.String("items", batch.Display),
		zap.Int("remaining", len(batch.Identity)),
		zap.Int("claimed", len(batch.OriginalIdentity)),
	}
}
