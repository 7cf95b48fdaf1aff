// Package diag provides fuseuring's logging and fatal-exit-code
// conventions. The logger shape is carried over verbatim from the
// teacher's debug.go: a package-level *log.Logger behind a sync.Once,
// gated by a debug flag, plus a separate logger for conditions that are
// never expected during normal operation.
package diag

import (
	"flag"
	"io"
	"log"
	"os"
	"sync"
)

var fEnableDebug = flag.Bool(
	"fuseuring.debug",
	false,
	"Write per-request-phase debugging messages to stderr.")

var (
	debugLogger *log.Logger
	debugOnce   sync.Once

	errorLogger *log.Logger
	errorOnce   sync.Once
)

func initDebugLogger() {
	var w io.Writer = io.Discard
	if *fEnableDebug {
		w = os.Stderr
	}
	const flags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile
	debugLogger = log.New(w, "fuseuring: ", flags)
}

func initErrorLogger() {
	const flags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile
	errorLogger = log.New(os.Stderr, "fuseuring: ", flags)
}

// Debugf logs a low-volume diagnostic, visible only when -fuseuring.debug
// is set. internal/session calls this once per dispatched (or
// ENOSYS-rejected) request, annotated with the request's unique id and
// opcode, the way Connection.debugLog annotates every op with its fuse
// unique id; the individual pipeline phases are not logged.
func Debugf(format string, args ...any) {
	debugOnce.Do(initDebugLogger)
	debugLogger.Printf(format, args...)
}

// Errorf logs a condition that should never happen during correct
// operation — mirrors Connection's errorLogger, used for usage errors and
// for the fatal error cmd/fuseuring exits on.
func Errorf(format string, args ...any) {
	errorOnce.Do(initErrorLogger)
	errorLogger.Printf(format, args...)
}
