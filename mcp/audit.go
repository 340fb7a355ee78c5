package mcp

import (
	"sync"
	"time"
)

// defaultMaxAuditEntries bounds the in-memory audit log.
const defaultMaxAuditEntries = 1000

// ToolAuditEntry records one tool invocation, success or failure.
type ToolAuditEntry struct {
	Timestamp      time.Time
	ToolName       string
	Arguments      map[string]any
	Success        bool
	ResponseTimeMs int64
	Error          string
	ServerName     string
}

// auditLog is a bounded FIFO of call records; the oldest entries are
// evicted first.
type auditLog struct {
	mu         sync.Mutex
	entries    []ToolAuditEntry
	maxEntries int
}

func newAuditLog(maxEntries int) *auditLog {
	if maxEntries <= 0 {
		maxEntries = defaultMaxAuditEntries
	}
	return &auditLog{maxEntries: maxEntries}
}

func (l *auditLog) record(entry ToolAuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}
}

// recent returns up to limit entries, newest first.
func (l *auditLog) recent(limit int) []ToolAuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := min(limit, len(l.entries))
	res := make([]ToolAuditEntry, 0, n)
	for i := len(l.entries) - 1; i >= 0 && len(res) < n; i-- {
		res = append(res, l.entries[i])
	}
	return res
}
