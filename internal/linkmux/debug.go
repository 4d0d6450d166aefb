package linkmux

import (
	"io"
	"log"
)

var (
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures the three logging streams for the linkmux package.
// Pass nil for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	opsLogger = newLogger("[linkmux] ", ops)
	diagLogger = newLogger("[linkmux] ", diag)
	traceLogger = newLogger("[linkmux] ", trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// opsf logs to the ops stream (dial failures, dropped links).
func opsf(format string, args ...any) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

// diagf logs to the diag stream (connects, reconnects, sim state).
func diagf(format string, args ...any) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

// tracef logs to the trace stream (every frame in and out).
func tracef(format string, args ...any) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}
