// Package tracer provides the injected logging capability spec §9 asks for
// in place of the C source's file-scope fprintf(stderr, ...) debug traces:
// "Model as an injected tracer capability with levels; default
// implementation is a no-op; no process-wide singleton."
package tracer

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Tracer is the capability the core holds, never a global. Levels match
// zerolog's set since the default implementation backs onto it.
type Tracer interface {
	Trace(msg string, kv ...interface{})
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, err error, kv ...interface{})
	// With returns a child Tracer with an additional field attached to
	// every subsequent record, mirroring cuemby-warren's
	// WithComponent/WithNodeID helpers but per-instance, not global.
	With(key string, value interface{}) Tracer
}

// noop discards everything; it is the default so embedding this library
// never forces a logging dependency on a host that doesn't want one.
type noop struct{}

// NoOp returns a Tracer that does nothing.
func NoOp() Tracer { return noop{} }

func (noop) Trace(string, ...interface{})          {}
func (noop) Debug(string, ...interface{})          {}
func (noop) Info(string, ...interface{})           {}
func (noop) Warn(string, ...interface{})           {}
func (noop) Error(string, error, ...interface{})   {}
func (n noop) With(string, interface{}) Tracer     { return n }

// zero backs onto a zerolog.Logger held by value (not a singleton), the
// same structured-field idiom as cuemby-warren's pkg/log, generalized away
// from that package's global var.
type zero struct {
	log zerolog.Logger
}

// New builds a zerolog-backed Tracer writing to w (os.Stderr if nil). json
// selects structured JSON output instead of the default human-readable
// console writer.
func New(w io.Writer, level zerolog.Level, json bool) Tracer {
	if w == nil {
		w = os.Stderr
	}
	var logger zerolog.Logger
	if json {
		logger = zerolog.New(w).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
	logger = logger.Level(level)
	return zero{log: logger}
}

func fields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		e = e.Interface(key, kv[i+1])
	}
	return e
}

func (z zero) Trace(msg string, kv ...interface{}) { fields(z.log.Trace(), kv).Msg(msg) }
func (z zero) Debug(msg string, kv ...interface{}) { fields(z.log.Debug(), kv).Msg(msg) }
func (z zero) Info(msg string, kv ...interface{})  { fields(z.log.Info(), kv).Msg(msg) }
func (z zero) Warn(msg string, kv ...interface{})  { fields(z.log.Warn(), kv).Msg(msg) }
func (z zero) Error(msg string, err error, kv ...interface{}) {
	fields(z.log.Error().Err(err), kv).Msg(msg)
}
func (z zero) With(key string, value interface{}) Tracer {
	return zero{log: z.log.With().Interface(key, value).Logger()}
}
