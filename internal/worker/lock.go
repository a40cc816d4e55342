package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/strongdm/agentbus/internal/bus"
	"github.com/strongdm/agentbus/internal/procutil"
)

const lockAcquireRetries = 3

// ErrDuplicateWorker means another live worker process already holds the
// agent's lock. The new worker should exit cleanly without mutating state.
var ErrDuplicateWorker = errors.New("duplicate worker: lock held by a live process")

type lockRecord struct {
	Pid        int    `json:"pid"`
	AcquiredAt string `json:"acquiredAt"`
	Token      string `json:"token"`
}

// AgentLock is the per-agent exclusive-writer lock. At most one worker
// process per agent executes the supervisory loop.
type AgentLock struct {
	path  string
	token string
}

func lockPath(store *bus.Store, agent string) string {
	return filepath.Join(store.StateDir(), "worker-locks", agent+".lock.json")
}

// AcquireAgentLock creates the lock file with O_EXCL. On contention the
// existing owner pid is probed: a live owner means this worker is a
// duplicate; a dead owner's lock is removed and the attempt retries.
func AcquireAgentLock(store *bus.Store, agent string) (*AgentLock, error) {
	path := lockPath(store, agent)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	token := ulid.Make().String()
	for attempt := 0; attempt <= lockAcquireRetries; attempt++ {
		created, err := tryCreateLock(path, token)
		if err != nil {
			return nil, err
		}
		if created {
			return &AgentLock{path: path, token: token}, nil
		}
		rec, err := readLockRecord(path)
		if err != nil {
			// The owner may have released between our create and read; retry.
			continue
		}
		if procutil.PIDAlive(rec.Pid) {
			return nil, fmt.Errorf("%w (agent=%s pid=%d)", ErrDuplicateWorker, agent, rec.Pid)
		}
		// Stale lock from a dead worker; remove and retry.
		_ = os.Remove(path)
	}
	return nil, fmt.Errorf("could not acquire lock for agent %s after %d attempts", agent, lockAcquireRetries+1)
}

func tryCreateLock(path, token string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	rec := lockRecord{
		Pid:        os.Getpid(),
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
		Token:      token,
	}
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return false, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return false, err
	}
	return true, nil
}

func readLockRecord(path string) (*lockRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec lockRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Release deletes the lock only when the on-disk token still matches, so a
// worker that lost its lock to stale-recovery cannot delete the new owner's.
func (l *AgentLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	rec, err := readLockRecord(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if rec.Token != l.token {
		return fmt.Errorf("lock token mismatch: not the owner of %s", l.path)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	l.path = ""
	return nil
}
