package bus

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Task states, in lifecycle order.
const (
	StateNew        = "new"
	StateSeen       = "seen"
	StateInProgress = "in_progress"
	StateProcessed  = "processed"
)

// AllStates lists inbox state directories in lifecycle order.
var AllStates = []string{StateNew, StateSeen, StateInProgress, StateProcessed}

// ErrTaskNotFound reports a task id absent from every inbox state.
type ErrTaskNotFound struct {
	Agent string
	ID    string
}

func (e *ErrTaskNotFound) Error() string {
	return fmt.Sprintf("task not found: agent=%s id=%s", e.Agent, e.ID)
}

// ErrBadState reports a state-machine transition the current state forbids.
type ErrBadState struct {
	Agent string
	ID    string
	State string
	Op    string
}

func (e *ErrBadState) Error() string {
	return fmt.Sprintf("%s rejected: agent=%s id=%s state=%s", e.Op, e.Agent, e.ID, e.State)
}

// Store owns the on-disk bus layout under a single root directory.
type Store struct {
	Root string
}

// NewStore normalizes root to an absolute path.
func NewStore(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("bus root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Store{Root: abs}, nil
}

// RootFromEnv resolves the bus root from the flag value or AGENTBUS_ROOT,
// defaulting to .agentbus under the working directory.
func RootFromEnv(explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	if env := strings.TrimSpace(os.Getenv("AGENTBUS_ROOT")); env != "" {
		return env
	}
	return ".agentbus"
}

func (s *Store) InboxDir(agent, state string) string {
	return filepath.Join(s.Root, "inbox", agent, state)
}

func (s *Store) ReceiptsDir(agent string) string {
	return filepath.Join(s.Root, "receipts", agent)
}

func (s *Store) ReceiptPath(agent, id string) string {
	return filepath.Join(s.ReceiptsDir(agent), id+".json")
}

func (s *Store) ArtifactsDir(agent string) string {
	return filepath.Join(s.Root, "artifacts", agent)
}

func (s *Store) StateDir() string {
	return filepath.Join(s.Root, "state")
}

func (s *Store) DeadletterDir(agent string) string {
	return filepath.Join(s.Root, "deadletter", agent)
}

// EnsureBusRoot materializes every state directory for every roster agent
// plus the distinguished roles. Idempotent.
func (s *Store) EnsureBusRoot(r *Roster) error {
	for _, agent := range r.AgentNames() {
		for _, state := range AllStates {
			if err := os.MkdirAll(s.InboxDir(agent, state), 0o755); err != nil {
				return fmt.Errorf("ensure inbox: %w", err)
			}
		}
		if err := os.MkdirAll(s.ReceiptsDir(agent), 0o755); err != nil {
			return fmt.Errorf("ensure receipts: %w", err)
		}
		if err := os.MkdirAll(s.ArtifactsDir(agent), 0o755); err != nil {
			return fmt.Errorf("ensure artifacts: %w", err)
		}
		if err := os.MkdirAll(s.DeadletterDir(agent), 0o755); err != nil {
			return fmt.Errorf("ensure deadletter: %w", err)
		}
	}
	if err := os.MkdirAll(s.StateDir(), 0o755); err != nil {
		return fmt.Errorf("ensure state: %w", err)
	}
	return nil
}

// collisionSuffixPattern is the exact shape delivery appends on filename
// collisions. Ids themselves may legally contain "__", so only this form is
// ever stripped.
var collisionSuffixPattern = regexp.MustCompile(`^[0-9a-f]{4}$`)

// taskFileMatches reports whether filename stores task id. Both <id>.md and
// the collision form <id>__<4-hex>.md are accepted.
func taskFileMatches(filename, id string) bool {
	if !strings.HasSuffix(filename, ".md") {
		return false
	}
	stem := strings.TrimSuffix(filename, ".md")
	if stem == id {
		return true
	}
	rest, found := strings.CutPrefix(stem, id+"__")
	return found && collisionSuffixPattern.MatchString(rest)
}

func taskIDFromFilename(filename string) string {
	stem := strings.TrimSuffix(filename, ".md")
	if i := strings.LastIndex(stem, "__"); i >= 0 && collisionSuffixPattern.MatchString(stem[i+2:]) {
		return stem[:i]
	}
	return stem
}

// FindTaskPath locates the current state of a task. Returns the containing
// state name and the file path.
func (s *Store) FindTaskPath(agent, id string) (state string, path string, err error) {
	for _, st := range AllStates {
		dir := s.InboxDir(agent, st)
		entries, readErr := os.ReadDir(dir)
		if readErr != nil {
			if errors.Is(readErr, os.ErrNotExist) {
				continue
			}
			return "", "", readErr
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if taskFileMatches(entry.Name(), id) {
				return st, filepath.Join(dir, entry.Name()), nil
			}
		}
	}
	return "", "", &ErrTaskNotFound{Agent: agent, ID: id}
}

// ListInboxTaskIDs enumerates task ids in one state, sorted. An absent
// directory is an empty queue, never an error.
func (s *Store) ListInboxTaskIDs(agent, state string) ([]string, error) {
	entries, err := os.ReadDir(s.InboxDir(agent, state))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		ids = append(ids, taskIDFromFilename(entry.Name()))
	}
	sort.Strings(ids)
	return ids, nil
}

// MoveTask renames a task file into another state directory, preserving the
// filename. Rename keeps the transition atomic on one filesystem.
func (s *Store) MoveTask(agent, id, toState string) (string, error) {
	_, path, err := s.FindTaskPath(agent, id)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(s.InboxDir(agent, toState), filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move task %s -> %s: %w", id, toState, err)
	}
	return dst, nil
}

// OpenedTask is the result of OpenTask.
type OpenedTask struct {
	Header *Header
	Body   string
	State  string
	Path   string
}

// OpenTask reads a packet. When markSeen is set and the task is in new it is
// promoted to seen (non-destructive read). Unparseable packets are moved to
// deadletter and reported as a validation failure.
func (s *Store) OpenTask(agent, id string, markSeen bool) (*OpenedTask, error) {
	state, path, err := s.FindTaskPath(agent, id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	header, body, err := ParsePacket(string(raw))
	if err != nil {
		if dlErr := s.deadletter(agent, path); dlErr != nil {
			return nil, fmt.Errorf("unparseable packet %s (deadletter failed: %v): %w", id, dlErr, err)
		}
		return nil, fmt.Errorf("unparseable packet %s moved to deadletter: %w", id, err)
	}
	if markSeen && state == StateNew {
		moved, err := s.MoveTask(agent, id, StateSeen)
		if err != nil {
			return nil, err
		}
		state, path = StateSeen, moved
	}
	return &OpenedTask{Header: header, Body: body, State: state, Path: path}, nil
}

// ClaimTask promotes new|seen to in_progress. Claims from in_progress or
// processed fail so two workers cannot hold the same task.
func (s *Store) ClaimTask(agent, id string) (*OpenedTask, error) {
	state, _, err := s.FindTaskPath(agent, id)
	if err != nil {
		return nil, err
	}
	switch state {
	case StateNew, StateSeen:
	case StateInProgress:
		return nil, &ErrBadState{Agent: agent, ID: id, State: state, Op: "claim"}
	default:
		return nil, &ErrBadState{Agent: agent, ID: id, State: state, Op: "claim"}
	}
	if _, err := s.MoveTask(agent, id, StateInProgress); err != nil {
		return nil, err
	}
	return s.OpenTask(agent, id, false)
}

func (s *Store) deadletter(agent, path string) error {
	dir := s.DeadletterDir(agent)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(dir, filepath.Base(path)))
}

// WriteFileAtomic materializes content at path via a randomized temp name in
// the destination directory plus rename, so concurrent enumerators never see
// partial writes.
func WriteFileAtomic(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var suffix [6]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return err
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), hex.EncodeToString(suffix[:])))
	if err := os.WriteFile(tmp, content, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// WriteJSONAtomic is WriteFileAtomic for indented JSON documents.
func WriteJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, append(b, '\n'), 0o644)
}
