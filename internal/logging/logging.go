// Package logging wraps a go-kit/log logger with leveled helpers keyed by
// component name, the same scoped-logger shape used throughout
// grafana/tempo's services.
package logging

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the engine-wide diagnostic sink. The host supplies one at
// Engine construction (spec.md section 7's "printdbg" sink); NewNop is used
// when the host doesn't care.
type Logger struct {
	base log.Logger
}

// New scopes base with a "component" key, matching Tempo's
// log.With(logger, "component", name) convention.
func New(base log.Logger, component string) Logger {
	return Logger{base: log.With(base, "component", component)}
}

// NewNop returns a logger that discards everything.
func NewNop() Logger { return Logger{base: log.NewNopLogger()} }

func (l Logger) Debug(msg string, kv ...any) {
	_ = level.Debug(l.base).Log(append([]any{"msg", msg}, kv...)...)
}

func (l Logger) Warn(msg string, kv ...any) {
	_ = level.Warn(l.base).Log(append([]any{"msg", msg}, kv...)...)
}

func (l Logger) Error(msg string, kv ...any) {
	_ = level.Error(l.base).Log(append([]any{"msg", msg}, kv...)...)
}
