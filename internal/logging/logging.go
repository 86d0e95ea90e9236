// Package logging constructs the structured logger shared by every engine.
package logging

import "go.uber.org/zap"

// New builds the process-wide logger. debug enables development-friendly,
// human-readable output; otherwise a production JSON encoder is used.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Nop returns a logger that discards everything, used by components
// constructed without an explicit logger (tests, simple tools).
func Nop() *zap.Logger { return zap.NewNop() }
