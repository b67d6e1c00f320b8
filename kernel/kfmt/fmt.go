// Package kfmt provides the kernel's console output facilities. Output is
// buffered in a ring buffer until a sink is attached via SetOutputSink, so
// messages emitted while the memory subsystem boots are not lost.
package kfmt

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

var (
	// earlyPrintBuffer is a ring buffer that stores output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf and the kernel logger send
	// their output. If set to nil, then the output will be redirected to
	// the earlyPrintBuffer.
	outputSink io.Writer

	logger = newLogger()
)

// sinkWriter routes writes to the active output sink or to the early print
// buffer when no sink is attached.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(sinkWriter{})
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
		DisableSorting:   false,
	})
	return l
}

// SetOutputSink sets the default target for calls to Printf and the kernel
// logger to w and copies any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the default target for calls to Printf.
func GetOutputSink() io.Writer {
	return sinkWriter{}
}

// SetLevel adjusts the verbosity of the kernel logger. Valid levels are the
// ones understood by logrus.ParseLevel.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	return nil
}

// Logger returns a log entry tagged with the supplied kernel module name.
func Logger(module string) *logrus.Entry {
	return logger.WithField("module", module)
}

// Printf formats its arguments and writes them to the active output sink.
func Printf(format string, args ...interface{}) {
	Fprintf(sinkWriter{}, format, args...)
}

// Fprintf behaves like Printf but writes its output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
