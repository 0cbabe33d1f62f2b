package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// InvocationLog is one line of the request log: a single module
// invocation against a single host, independent of whether it was
// audited or replayed.
type InvocationLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Module     string    `json:"module"`
	Host       string    `json:"host"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Changed    bool      `json:"changed"`
	Error      string    `json:"error,omitempty"`
	Replayed   bool      `json:"replayed,omitempty"`
	CheckMode  bool      `json:"check_mode,omitempty"`
}

// Logger writes the request log: console (human-readable) and/or a
// JSON-lines file, independent of the audit journal.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the process-wide request logger.
func Default() *Logger { return defaultLogger }

// SetOutput directs JSON-lines output to path, in addition to any
// console output already configured.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole toggles the human-readable console line.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log records one invocation.
func (l *Logger) Log(entry InvocationLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if l.console {
		status := "ok"
		if !entry.Success {
			status = "failed"
		}
		replay := ""
		if entry.Replayed {
			replay = " [replayed]"
		}
		fmt.Fprintf(os.Stdout, "[%s] %s on %s (%dms)%s\n",
			status, entry.Module, entry.Host, entry.DurationMs, replay)
		if entry.Error != "" {
			fmt.Fprintf(os.Stdout, "  error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, err := json.Marshal(entry)
		if err == nil {
			l.file.Write(append(data, '\n'))
		}
	}
}

// Close closes the log file, if one is open.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
