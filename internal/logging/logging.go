// Package logging provides the leveled key=value logger used by every relay
// component.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes lines of the form
//
//	2026-01-02T15:04:05Z INFO gather: files_read=12 warnings=1
type Logger struct {
	component string
	level     Level
	out       *log.Logger
	now       func() time.Time
}

func New(w io.Writer, component string, level Level) *Logger {
	return &Logger{
		component: component,
		level:     level,
		out:       log.New(w, "", 0),
		now:       time.Now,
	}
}

var (
	discardOnce sync.Once
	discard     *Logger
)

// Discard returns a logger that drops everything.
func Discard() *Logger {
	discardOnce.Do(func() {
		discard = New(io.Discard, "", LevelError+1)
	})
	return discard
}

// With returns a logger sharing the same output for another component.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return Discard()
	}
	c := *l
	c.component = component
	return &c
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && level >= l.level
}

func (l *Logger) Log(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", l.now().UTC().Format(time.RFC3339), level, l.component, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.Log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Log(LevelError, format, args...) }
