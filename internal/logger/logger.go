// Package logger builds the structured zerolog loggers used across the
// agent. The root logger carries the service name; subsystems get scoped
// children via Component so every line is attributable.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Component names stamped on scoped loggers.
const (
	ComponentAgent     = "agent"
	ComponentRelayPool = "relaypool"
	ComponentWallet    = "wallet"
	ComponentServer    = "server"
)

// Config holds logger configuration
type Config struct {
	Level      string // zerolog level name; unknown values fall back to info
	Pretty     bool   // console writer for development
	Output     io.Writer
	WithCaller bool
}

// New builds the root logger. The level is applied per-logger rather than
// globally so library consumers embedding the agent keep their own levels.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "expertagent")
	if cfg.WithCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// Component returns a child of parent scoped to one subsystem.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("component", name).Logger()
}
