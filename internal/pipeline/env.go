package pipeline

import (
	"errors"

	"github.com/JakeFAU/archive-pipeline/internal/health"
	"github.com/JakeFAU/archive-pipeline/internal/upload"
)

// Config holds run-wide pipeline settings.
type Config struct {
	// KeepOnAbort uploads artifacts of batches whose every sub-item failed.
	KeepOnAbort bool
	// StatsID is reported verbatim as the stats "id" field.
	StatsID map[string]string
	// EventTopic receives completion events. Empty disables publishing.
	EventTopic string
}

// Env is the shared state every stage receives: the health-check throttle,
// the upload gate and the run configuration. One Env serves all concurrent
// batches of a process.
type Env struct {
	Health *health.Checker
	Gate   *upload.Gate
	Config Config
}

// NewEnv validates and bundles the shared state.
func NewEnv(checker *health.Checker, gate *upload.Gate, cfg Config) (*Env, error) {
	if checker == nil {
		return nil, errors.New("health checker is required")
	}
	if gate == nil {
		return nil, errors.New("upload gate is required")
	}
	return &Env{Health: checker, Gate: gate, Config: cfg}, nil
}
