// Copyright 2025 James Ross
package obs

import (
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditLogger appends one JSON line per permanent failure to a rotating
// file, for outbox rows and relationships that exhaust their resolution
// or retry budget and need an operator-visible trail independent of the
// structured logger's retention policy.
type AuditLogger struct {
	mu   sync.Mutex
	file *lumberjack.Logger
}

// AuditEntry is one rotating-log line.
type AuditEntry struct {
	Time   time.Time `json:"time"`
	RunID  string    `json:"run_id"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// NewAuditLogger opens (creating if absent) a rotating log at path. A
// disabled logger (empty path) discards every entry rather than
// requiring every caller to nil-check.
func NewAuditLogger(path string, maxSizeMB, maxBackups int) *AuditLogger {
	if path == "" {
		return &AuditLogger{}
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	return &AuditLogger{file: &lumberjack.Logger{Filename: path, MaxSize: maxSizeMB, MaxBackups: maxBackups, Compress: true}}
}

func (a *AuditLogger) Record(runID, kind, detail string) {
	if a.file == nil {
		return
	}
	line, err := json.Marshal(AuditEntry{Time: time.Now().UTC(), RunID: runID, Kind: kind, Detail: detail})
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.file.Write(append(line, '\n'))
}

func (a *AuditLogger) Close() error {
	if a.file == nil {
		return nil
	}
	return a.file.Close()
}
