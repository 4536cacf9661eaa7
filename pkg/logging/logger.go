package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// colorEnabled mirrors the teacher's terminal-detection pairing of fatih/color
// with mattn/go-isatty: colorize only when standard error is a terminal.
var colorEnabled = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

// writer is an io.Writer that splits its input stream into lines and writes
// those lines to an underlying logger. It is used both for the daemon's own
// Debug/Info writers and for capturing a handler's stdout/stderr.
type writer struct {
	// callback is the logging callback.
	callback func(string)
	// buffer is any incomplete line fragment left over from a previous write.
	buffer []byte
}

// trimCarriageReturn trims any single trailing carriage return from the end
// of a byte slice.
func trimCarriageReturn(buffer []byte) []byte {
	if len(buffer) > 0 && buffer[len(buffer)-1] == '\r' {
		return buffer[:len(buffer)-1]
	}
	return buffer
}

// Write implements io.Writer.Write.
func (w *writer) Write(buffer []byte) (int, error) {
	w.buffer = append(w.buffer, buffer...)

	var processed int
	remaining := w.buffer
	for {
		index := bytes.IndexByte(remaining, '\n')
		if index == -1 {
			break
		}
		w.callback(string(trimCarriageReturn(remaining[:index])))
		processed += index + 1
		remaining = remaining[index+1:]
	}

	if processed > 0 {
		leftover := len(w.buffer) - processed
		if leftover > 0 {
			copy(w.buffer[:leftover], w.buffer[processed:])
		}
		w.buffer = w.buffer[:leftover]
	}

	return len(buffer), nil
}

// Logger is the main logger type. It has the novel property that it still
// functions if nil, but it doesn't log anything. It wraps the standard
// logger provided by the log package, so it respects any flags/output set
// for that logger, and is safe for concurrent use.
type Logger struct {
	// prefix is any prefix specified for the logger.
	prefix string
	// level is the minimum level at which output is gated. The root logger's
	// level is authoritative; subloggers inherit it at creation time.
	level Level
}

// RootLogger is the root logger from which all other loggers derive. Its
// level defaults to LevelWarn and is set from the daemon's -d flag count (or
// a configured level) before Run.
var RootLogger = &Logger{level: LevelWarn}

// SetLevel changes the logger's gating level in place. Subloggers created
// after this call inherit the new level; subloggers created before it do
// not retroactively change.
func (l *Logger) SetLevel(level Level) {
	if l != nil {
		l.level = level
	}
}

// Sublogger creates a new sublogger with the specified name, inheriting the
// parent's level.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{prefix: prefix, level: l.level}
}

// output is the internal logging method.
func (l *Logger) output(calldepth int, line string) {
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}
	log.Output(calldepth, line)
}

// enabled reports whether the given level passes this logger's gate.
func (l *Logger) enabled(level Level) bool {
	return l != nil && l.level >= level
}

// Error logs error information with an error prefix and red color.
func (l *Logger) Error(err error) {
	if !l.enabled(LevelError) {
		return
	}
	l.output(3, colorize(color.RedString, "Error: %v", err))
}

// Warn logs warning information with a warning prefix and yellow color.
func (l *Logger) Warn(err error) {
	if !l.enabled(LevelWarn) {
		return
	}
	l.output(3, colorize(color.YellowString, "Warning: %v", err))
}

// Notice logs a significant, non-error lifecycle event (e.g. "watched root
// pruned") per spec §7's user-visible failure behavior for vanished roots.
func (l *Logger) Notice(format string, v ...interface{}) {
	if !l.enabled(LevelNotice) {
		return
	}
	l.output(3, colorize(color.CyanString, "Notice: "+format, v...))
}

// Info logs information with semantics equivalent to fmt.Printf, gated at
// LevelInfo.
func (l *Logger) Info(format string, v ...interface{}) {
	if !l.enabled(LevelInfo) {
		return
	}
	l.output(3, fmt.Sprintf(format, v...))
}

// Debug logs information with semantics equivalent to fmt.Printf, gated at
// LevelDebug.
func (l *Logger) Debug(format string, v ...interface{}) {
	if !l.enabled(LevelDebug) {
		return
	}
	l.output(3, fmt.Sprintf(format, v...))
}

// Trace logs information with semantics equivalent to fmt.Printf, gated at
// LevelTrace.
func (l *Logger) Trace(format string, v ...interface{}) {
	if !l.enabled(LevelTrace) {
		return
	}
	l.output(3, fmt.Sprintf(format, v...))
}

// colorize applies the given fatih/color formatter only when standard error
// is a terminal, otherwise it falls back to plain fmt.Sprintf so redirected
// or syslog-piped output doesn't carry escape codes.
func colorize(colorFunc func(string, ...interface{}) string, format string, v ...interface{}) string {
	if colorEnabled {
		return colorFunc(format, v...)
	}
	return fmt.Sprintf(format, v...)
}

// LineWriter returns an io.Writer that writes each complete line it
// receives through callback. It is used by the process manager to turn a
// captured handler's stdout/stderr pipe into individual log lines tagged
// with the handler and pid (spec §4.7 step 1).
func LineWriter(callback func(string)) io.Writer {
	if callback == nil {
		return io.Discard
	}
	return &writer{callback: callback}
}

// Writer returns an io.Writer that writes lines to this logger via Info.
func (l *Logger) Writer() io.Writer {
	if l == nil {
		return io.Discard
	}
	return LineWriter(func(s string) { l.Info("%s", s) })
}
