package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// CommandLog represents a single node-command dispatch/acknowledge cycle —
// the durable audit-trail counterpart to the structured per-event logs
// emitted through Op() (§4.3 "Command delivery").
type CommandLog struct {
	Timestamp  time.Time `json:"timestamp"`
	CommandID  string    `json:"command_id"`
	NodeID     string    `json:"node_id"`
	TargetID   string    `json:"target_id"`
	Type       string    `json:"type"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Retries    int       `json:"retries,omitempty"`
	Expired    bool      `json:"expired,omitempty"`
}

// CommandLogger handles dual-sink (console + append-only JSON file) command
// audit logging, independent of the structured slog sink so it can be
// retained/rotated on its own schedule.
type CommandLogger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultCommandLogger = &CommandLogger{enabled: true, console: true}

// DefaultCommandLogger returns the package-wide command logger.
func DefaultCommandLogger() *CommandLogger {
	return defaultCommandLogger
}

// SetOutput sets the log output file.
func (l *CommandLogger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *CommandLogger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a command audit entry.
func (l *CommandLogger) Log(entry *CommandLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		expired := ""
		if entry.Expired {
			expired = " [expired]"
		}
		retry := ""
		if entry.Retries > 0 {
			retry = fmt.Sprintf(" [retry:%d]", entry.Retries)
		}
		fmt.Printf("[command] %s %s %s->%s %dms%s%s\n",
			status, entry.CommandID, entry.Type, entry.NodeID, entry.DurationMs, expired, retry)
		if entry.Error != "" {
			fmt.Printf("[command]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *CommandLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
