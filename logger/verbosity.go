package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
const (
	VerbosityUser  = 0 // No flags: configured level (default info)
	VerbosityDebug = 1 // -v: + debug messages
	VerbosityTrace = 2 // -vv: + per-chunk output and wire traffic
)

// VerbosityToLevel maps verbosity flags (-v, -vv) to zap log levels.
// Zero verbosity returns the fallback so config-driven levels still apply.
//
// Mapping:
//
//	0 (none) -> fallback
//	1+ (-v)  -> DebugLevel
func VerbosityToLevel(verbosity int, fallback zapcore.Level) zapcore.Level {
	if verbosity <= VerbosityUser {
		return fallback
	}
	return zapcore.DebugLevel
}

// ShouldLogTrace returns true for verbosity >= 2 (-vv)
func ShouldLogTrace(verbosity int) bool {
	return verbosity >= VerbosityTrace
}
