// Package vlog is the core's leveled logging wrapper. Call sites use the
// short verb-style helpers (D, I, W, E, VV) the way the teacher codebase
// calls into its own intra/log package; underneath, a single
// charmbracelet/log logger does the formatting and level filtering.
package vlog

import (
	"os"
	"sync"

	charm "github.com/charmbracelet/log"
)

// Level mirrors the teacher's log.VERBOSE..log.ERROR constants.
type Level int

const (
	VERBOSE Level = iota
	DEBUG
	INFO
	WARN
	ERROR
)

var (
	mu  sync.RWMutex
	lvl = INFO
	l   = charm.NewWithOptions(os.Stderr, charm.Options{
		ReportTimestamp: true,
		Level:           charm.InfoLevel,
	})
)

// SetLevel changes the minimum level that is actually emitted.
func SetLevel(v Level) {
	mu.Lock()
	defer mu.Unlock()
	lvl = v
	l.SetLevel(toCharm(v))
}

func toCharm(v Level) charm.Level {
	switch v {
	case VERBOSE, DEBUG:
		return charm.DebugLevel
	case INFO:
		return charm.InfoLevel
	case WARN:
		return charm.WarnLevel
	case ERROR:
		return charm.ErrorLevel
	default:
		return charm.InfoLevel
	}
}

func enabled(v Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return v >= lvl
}

// VV is "very verbose": printf-style tracing, below DEBUG in severity but
// sharing its underlying level so it can be toggled off in one step.
func VV(format string, args ...any) {
	if !enabled(VERBOSE) {
		return
	}
	l.Debugf(format, args...)
}

func D(format string, args ...any) {
	if !enabled(DEBUG) {
		return
	}
	l.Debugf(format, args...)
}

func I(format string, args ...any) {
	if !enabled(INFO) {
		return
	}
	l.Infof(format, args...)
}

func W(format string, args ...any) {
	if !enabled(WARN) {
		return
	}
	l.Warnf(format, args...)
}

func E(format string, args ...any) {
	if !enabled(ERROR) {
		return
	}
	l.Errorf(format, args...)
}
