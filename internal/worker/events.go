package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/strongdm/agentbus/internal/bus"
)

// EventLog is the worker's append-only NDJSON activity feed plus one-line
// stderr diagnostics. Machine consumers tail the feed; humans read stderr.
type EventLog struct {
	path string
	mu   sync.Mutex
}

// NewEventLog opens the per-agent feed under state/worker-events/.
func NewEventLog(store *bus.Store, agent string) *EventLog {
	return &EventLog{path: filepath.Join(store.StateDir(), "worker-events", agent+".ndjson")}
}

// Append writes one event line. Failures are swallowed: the feed is
// observability, never control flow.
func (l *EventLog) Append(event string, fields map[string]any) {
	if l == nil || l.path == "" {
		return
	}
	doc := map[string]any{
		"event": event,
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		doc[k] = v
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	_, _ = f.Write(append(b, '\n'))
	_ = f.Close()
}

// Warnf prints a one-line WARNING to stderr.
func (l *EventLog) Warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "WARNING: "+format+"\n", args...)
}
