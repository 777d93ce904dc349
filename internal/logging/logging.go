// Package logging is a thin, leveled wrapper around the standard log
// package, prefixed per component the way BaseAgent's Log* helpers are in
// the teacher pack.
package logging

import "log"

// Logger prefixes every line with a component name and gates Debug on a
// flag set at construction.
type Logger struct {
	component string
	debug     bool
}

// New returns a Logger prefixed with component. debug controls whether
// Debug calls are emitted at all.
func New(component string, debug bool) *Logger {
	return &Logger{component: component, debug: debug}
}

func (l *Logger) Info(format string, args ...interface{}) {
	log.Printf("%s: "+format, append([]interface{}{l.component}, args...)...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	log.Printf("%s [DEBUG]: "+format, append([]interface{}{l.component}, args...)...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	log.Printf("%s [ERROR]: "+format, append([]interface{}{l.component}, args...)...)
}

// WithComponent returns a Logger for a different component, sharing the
// same debug setting — used when a parent initializes a subsystem it
// doesn't itself log under.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component, debug: l.debug}
}
