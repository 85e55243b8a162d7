// Package log wraps go-ethereum's slog-based logger with the glog-style
// verbosity/vmodule filtering the daemon's CLI flags expect.
package log

import (
	"context"
	"io"
	"log/slog"

	gethlog "github.com/ethereum/go-ethereum/log"
)

type (
	Logger = gethlog.Logger
)

const (
	LevelTrace slog.Level = -8
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelCrit  slog.Level = 12

	LvlTrace = LevelTrace
	LvlInfo  = LevelInfo
	LvlDebug = LevelDebug
)

var (
	New  = gethlog.New
	Root = gethlog.Root
)

func Trace(msg string, ctx ...interface{}) { gethlog.Root().Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { gethlog.Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { gethlog.Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { gethlog.Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { gethlog.Root().Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { gethlog.Root().Crit(msg, ctx...) }

func Enabled(ctx context.Context, level slog.Level) bool {
	return gethlog.Root().Enabled(ctx, level)
}

// NewLogger wraps a handler in a Logger, mirroring gethlog.NewLogger.
func NewLogger(h slog.Handler) Logger {
	return gethlog.NewLogger(h)
}

// LvlFromString returns the appropriate level from a string name.
func LvlFromString(lvlString string) (slog.Level, error) {
	return gethlog.LvlFromString(lvlString)
}

// LevelAlignedString returns a 5-character string containing the name of a level.
func LevelAlignedString(l slog.Level) string {
	return gethlog.LevelAlignedString(l)
}

// LevelString returns a string containing the name of a level.
func LevelString(l slog.Level) string {
	return gethlog.LevelString(l)
}

// FromLegacyLevel converts from old Geth verbosity level constants.
func FromLegacyLevel(lvl int) slog.Level {
	return gethlog.FromLegacyLevel(lvl)
}

// SetDefault sets the default logger.
func SetDefault(l Logger) {
	gethlog.SetDefault(l)
}

func DiscardHandler() slog.Handler {
	return gethlog.DiscardHandler()
}

func StreamHandler(w io.Writer, fmtr Formatter) slog.Handler {
	return gethlog.StreamHandler(w, fmtr)
}

func FileHandler(path string, fmtr Formatter) (slog.Handler, error) {
	return gethlog.FileHandler(path, fmtr)
}

func NewTerminalHandler(w io.Writer, useColor bool) slog.Handler {
	return gethlog.NewTerminalHandler(w, useColor)
}

type Formatter = gethlog.Format

func TerminalFormat(useColor bool) Formatter {
	return gethlog.TerminalFormat(useColor)
}

func JSONFormat() Formatter {
	return gethlog.JSONFormat()
}

func LvlFilterHandler(maxLevel slog.Level, h slog.Handler) slog.Handler {
	return gethlog.LvlFilterHandler(maxLevel, h)
}
