// Package logx is a thin structured-logging layer over zerolog.
//
// It exposes a value-type Logger with slog-like Field helpers, and a
// Service that owns the active sinks (console, file) and can swap them
// at runtime when the config reloads.
package logx
