package logger

import (
	"github.com/teranos/tock/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// These functions log with the symbol as a structured field, not in the message.
//
// Usage:
//
//	// Instead of:
//	logger.Infow(sym.Tock + " Tick", "minute", m)
//
//	// Use:
//	logger.TockInfow("Tick", "minute", m)

// TockInfow logs an info message with the master symbol (⏲)
func TockInfow(msg string, keysAndValues ...interface{}) {
	SymbolInfow(sym.Tock, msg, keysAndValues...)
}

// WorkerInfow logs an info message with the worker symbol (⚙)
func WorkerInfow(msg string, keysAndValues ...interface{}) {
	SymbolInfow(sym.Worker, msg, keysAndValues...)
}

// DBInfow logs an info message with the DB symbol (⊔)
func DBInfow(msg string, keysAndValues ...interface{}) {
	SymbolInfow(sym.DB, msg, keysAndValues...)
}

// SymbolInfow logs an info message with an arbitrary symbol
func SymbolInfow(symbol, msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symbol}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// WithSymbol returns the global logger with the symbol field attached
func WithSymbol(symbol string) *zap.SugaredLogger {
	return AddSymbol(Logger, symbol)
}

// AddSymbol attaches the symbol field to an injected logger.
// Components call this once in their constructor.
func AddSymbol(l *zap.SugaredLogger, symbol string) *zap.SugaredLogger {
	if l == nil {
		l = Logger
	}
	return l.With(FieldSymbol, symbol)
}
