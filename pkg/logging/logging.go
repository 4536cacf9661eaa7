// Package logging implements the daemon's leveled, colorized logging
// facility. Syslog formatting of the resulting lines is an external
// collaborator's concern (spec §1 Non-goals); this package only decides what
// gets logged and at what level, and hands finished lines to whatever
// io.Writer the caller configured (stderr in the foreground, a syslog pipe
// otherwise).
package logging

import (
	"io"
	"log"
	"os"
)

func init() {
	// Set the global logger to use standard error by default; foreground mode
	// and syslog relaying both reconfigure this via SetOutput.
	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ldate | log.Ltime)
}

// SetOutput redirects all logger output to the given writer.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}
