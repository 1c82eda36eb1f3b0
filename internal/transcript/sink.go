// Package transcript delivers execution output to an injected sink.
//
// A Sink receives one call per line, in arrival order per stream. WriteLine
// is allowed to block: executors call it synchronously, so a slow sink slows
// the producer down instead of losing lines.
package transcript

import (
	"fmt"
	"io"
	"sync"

	"github.com/andrej220/remexec/internal/lg"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

type Sink interface {
	WriteLine(level Level, text string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(level Level, text string)

func (f SinkFunc) WriteLine(level Level, text string) { f(level, text) }

// Discard drops every line.
var Discard Sink = SinkFunc(func(Level, string) {})

// Locked serializes calls to s. Executors wrap the injected sink with it
// because stdout and stderr are drained concurrently.
func Locked(s Sink) Sink {
	if _, ok := s.(*lockedSink); ok {
		return s
	}
	return &lockedSink{s: s}
}

type lockedSink struct {
	mu sync.Mutex
	s  Sink
}

func (l *lockedSink) WriteLine(level Level, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.WriteLine(level, text)
}

// Tee fans every line out to all sinks in order.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(level Level, text string) {
		for _, s := range sinks {
			s.WriteLine(level, text)
		}
	})
}

////////////////////////////////////////////////////////////////////////////////

// LoggerSink forwards lines to a structured logger.
type LoggerSink struct {
	Logger lg.Logger
}

func NewLoggerSink(logger lg.Logger) *LoggerSink {
	return &LoggerSink{Logger: logger}
}

func (s *LoggerSink) WriteLine(level Level, text string) {
	switch level {
	case Debug:
		s.Logger.Debug(text)
	case Info:
		s.Logger.Info(text)
	case Warn:
		s.Logger.Warn(text)
	default:
		s.Logger.Error(text)
	}
}

////////////////////////////////////////////////////////////////////////////////

// WriterSink prints lines at or above MinLevel to W, one per line.
type WriterSink struct {
	W        io.Writer
	MinLevel Level
	// Prefix prepends the level name when set.
	Prefix bool
}

func (s *WriterSink) WriteLine(level Level, text string) {
	if level < s.MinLevel {
		return
	}
	if s.Prefix {
		fmt.Fprintf(s.W, "%-5s %s\n", level, text)
		return
	}
	fmt.Fprintln(s.W, text)
}

////////////////////////////////////////////////////////////////////////////////

type Line struct {
	Level Level
	Text  string
}

// Recorder keeps every line in memory.
type Recorder struct {
	mu    sync.Mutex
	lines []Line
}

func (r *Recorder) WriteLine(level Level, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, Line{Level: level, Text: text})
}

func (r *Recorder) Lines() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Line(nil), r.lines...)
}

// Texts returns the text of every line at level.
func (r *Recorder) Texts(level Level) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, l := range r.lines {
		if l.Level == level {
			out = append(out, l.Text)
		}
	}
	return out
}
