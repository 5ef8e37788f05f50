// Package logging builds the logrus loggers shared by the host tool and the
// device simulator.
package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// New returns a text logger writing to out. Verbose enables debug output.
func New(out io.Writer, verbose bool) *log.Logger {
	if out == nil {
		out = os.Stderr
	}
	l := log.New()
	l.SetOutput(out)
	l.SetFormatter(&log.TextFormatter{
		DisableTimestamp: true,
	})
	if verbose {
		l.SetLevel(log.DebugLevel)
	} else {
		l.SetLevel(log.InfoLevel)
	}
	return l
}

// Discard returns a logger that drops everything.
func Discard() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	l.SetLevel(log.PanicLevel)
	return l
}
