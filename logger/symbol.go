package logger

import (
	"github.com/teranos/scribe/sym"
	"go.uber.org/zap"
)

// AddPulseSymbol returns a logger that tags every line with the Pulse glyph
// as a structured field, keeping messages clean and logs queryable.
func AddPulseSymbol(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		log = Logger
	}
	return log.With(FieldSymbol, sym.Pulse)
}

// AddLedgerSymbol tags log lines with the ledger glyph.
func AddLedgerSymbol(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		log = Logger
	}
	return log.With(FieldSymbol, sym.Ledger)
}

// PulseOpenInfow logs a startup line with the PulseOpen glyph.
func PulseOpenInfow(log *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	if log == nil {
		log = Logger
	}
	log.Infow(msg, append([]interface{}{FieldSymbol, sym.PulseOpen}, keysAndValues...)...)
}

// PulseCloseInfow logs a shutdown line with the PulseClose glyph.
func PulseCloseInfow(log *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	if log == nil {
		log = Logger
	}
	log.Infow(msg, append([]interface{}{FieldSymbol, sym.PulseClose}, keysAndValues...)...)
}
