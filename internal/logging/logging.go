// Package logging provides the structured-logging conventions shared by
// the Master, ChunkServer, and Client.
//
// Logging is dependency-injected, never global: each component receives a
// *slog.Logger at construction and scopes it once with a "component"
// attribute. Nothing in this module calls slog.SetDefault; output format,
// level, and destination are main()'s decision alone.
//
// Logging is intentionally sparse: lifecycle events (registration,
// chunkserver state transitions, repair dispatch, checkpoints) are logged;
// hot paths (lease grants, checksum recomputation, byte copies) are not.
package logging

import (
	"context"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops all output. Use it as the fallback
// when no logger is supplied.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. The
// standard pattern for an optional constructor parameter:
//
//	func New(logger *slog.Logger) *Thing {
//	    logger = logging.Default(logger).With("component", "thing")
//	    return &Thing{logger: logger}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}
