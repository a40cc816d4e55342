package bus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Engine session continuity state. A restarted attempt resumes the same
// engine conversation: sessions are keyed per (agent, task) and, for workflow
// level continuity, per (agent, rootId).

type sessionRecord struct {
	SessionID string `json:"sessionId"`
}

func (s *Store) taskSessionPath(agent, id string) string {
	return filepath.Join(s.StateDir(), "codex-task-sessions", agent, id+".json")
}

func (s *Store) rootSessionPath(agent, rootID string) string {
	return filepath.Join(s.StateDir(), "codex-root-sessions", agent, rootID+".json")
}

// TaskSessionID returns the persisted engine session for a task, or "".
func (s *Store) TaskSessionID(agent, id string) string {
	return readSessionID(s.taskSessionPath(agent, id))
}

// SaveTaskSessionID persists the engine session for a task.
func (s *Store) SaveTaskSessionID(agent, id, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	return WriteJSONAtomic(s.taskSessionPath(agent, id), sessionRecord{SessionID: sessionID})
}

// RootSessionID returns the persisted engine session for a workflow root, or "".
func (s *Store) RootSessionID(agent, rootID string) string {
	return readSessionID(s.rootSessionPath(agent, rootID))
}

// SaveRootSessionID persists the engine session for a workflow root.
func (s *Store) SaveRootSessionID(agent, rootID, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	return WriteJSONAtomic(s.rootSessionPath(agent, rootID), sessionRecord{SessionID: sessionID})
}

func readSessionID(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var rec sessionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return ""
	}
	return strings.TrimSpace(rec.SessionID)
}

// AgentStatePath returns state/<agent>.json for auxiliary per-agent state.
func (s *Store) AgentStatePath(agent string) string {
	return filepath.Join(s.StateDir(), agent+".json")
}

// AgentSessionIDPath returns state/<agent>.session-id.
func (s *Store) AgentSessionIDPath(agent string) string {
	return filepath.Join(s.StateDir(), agent+".session-id")
}

// ReadAgentSessionID reads the plain-text per-agent session id file.
func (s *Store) ReadAgentSessionID(agent string) string {
	b, err := os.ReadFile(s.AgentSessionIDPath(agent))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// WriteAgentSessionID persists the per-agent session id.
func (s *Store) WriteAgentSessionID(agent, sessionID string) error {
	return WriteFileAtomic(s.AgentSessionIDPath(agent), []byte(sessionID+"\n"), 0o644)
}

type promptBootstrapRecord struct {
	Prompt string `json:"prompt"`
}

// PromptBootstrapPath returns state/<agent>.prompt-bootstrap.json.
func (s *Store) PromptBootstrapPath(agent string) string {
	return filepath.Join(s.StateDir(), agent+".prompt-bootstrap.json")
}

// ReadPromptBootstrap returns the standing prompt preamble for an agent, or
// "". Operators seed it once per agent; the worker prepends it to every
// engine prompt.
func (s *Store) ReadPromptBootstrap(agent string) string {
	b, err := os.ReadFile(s.PromptBootstrapPath(agent))
	if err != nil {
		return ""
	}
	var rec promptBootstrapRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return ""
	}
	return strings.TrimSpace(rec.Prompt)
}

// WritePromptBootstrap persists the per-agent prompt preamble.
func (s *Store) WritePromptBootstrap(agent, prompt string) error {
	return WriteJSONAtomic(s.PromptBootstrapPath(agent), promptBootstrapRecord{Prompt: prompt})
}
