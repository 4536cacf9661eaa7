package logging

import "testing"

// TestLineWriterSplitsLines verifies that LineWriter buffers partial writes
// and only invokes its callback once a full line is available.
func TestLineWriterSplitsLines(t *testing.T) {
	var lines []string
	w := LineWriter(func(s string) { lines = append(lines, s) })

	if _, err := w.Write([]byte("hello wo")); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 0 {
		t.Fatalf("callback invoked before newline: %v", lines)
	}

	if _, err := w.Write([]byte("rld\nsecond\nthird")); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0] != "hello world" || lines[1] != "second" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

// TestLineWriterTrimsCarriageReturn verifies that a trailing \r before the
// newline is stripped, matching CRLF-terminated handler output.
func TestLineWriterTrimsCarriageReturn(t *testing.T) {
	var lines []string
	w := LineWriter(func(s string) { lines = append(lines, s) })
	if _, err := w.Write([]byte("crlf line\r\n")); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0] != "crlf line" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

// TestLoggerNilIsSafe verifies that a nil *Logger can be used without
// panicking and simply discards output.
func TestLoggerNilIsSafe(t *testing.T) {
	var l *Logger
	l.Error(nil)
	l.Warn(nil)
	l.Notice("x")
	l.Info("x")
	l.Debug("x")
	_ = l.Writer()
	_ = l.Sublogger("child")
}

// TestLoggerLevelGating verifies that a logger at error level gates out
// warnings, and that a sublogger created after SetLevel inherits the new
// level.
func TestLoggerLevelGating(t *testing.T) {
	root := &Logger{level: LevelError}
	if root.enabled(LevelWarn) {
		t.Error("warn should not be enabled at error level")
	}
	root.SetLevel(LevelDebug)
	child := root.Sublogger("child")
	if !child.enabled(LevelDebug) {
		t.Error("child should inherit debug level from parent")
	}
}
