// Package logging builds the daemon's zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"golang.org/x/time/rate"
)

// Options controls logger construction.
type Options struct {
	Level string    // debug, info, warn, error; default info
	JSON  bool      // force JSON output even on a terminal
	Out   io.Writer // default os.Stderr
}

// New returns a logger writing to opts.Out. Output is human-readable when the
// destination is a terminal and JSON otherwise.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if !opts.JSON && isTerminal(out) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Throttle runs a logging func at most once per interval. The first call
// always runs.
type Throttle struct {
	s rate.Sometimes
}

// NewThrottle returns a Throttle with the given interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{s: rate.Sometimes{First: 1, Interval: interval}}
}

// Do calls f if the throttle allows it.
func (t *Throttle) Do(f func()) {
	t.s.Do(f)
}
