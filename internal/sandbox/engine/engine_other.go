//go:build !linux && !windows

package engine

import (
	appErr "boxguard/pkg/errors"
)

// NewEngine reports that no real isolation primitive exists on this
// platform. Callers degrade to the simulation engine.
func NewEngine(cfg Config) (Engine, error) {
	return nil, appErr.New(appErr.EngineUnavailable).
		WithDetail("reason", "no resource-group primitive on this platform")
}
