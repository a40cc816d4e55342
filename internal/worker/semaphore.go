package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/strongdm/agentbus/internal/bus"
	"github.com/strongdm/agentbus/internal/procutil"
)

const (
	semaphoreDirName      = "codex-global-semaphore"
	defaultEngineSlots    = 2
	semaphorePollInterval = 500 * time.Millisecond
	defaultSlotStaleAfter = 45 * time.Minute
)

// EngineSlots returns the configured semaphore width.
func EngineSlots() int {
	v := strings.TrimSpace(os.Getenv("AGENTBUS_ENGINE_SLOTS"))
	if v == "" {
		return defaultEngineSlots
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return defaultEngineSlots
	}
	return n
}

type slotRecord struct {
	Pid        int    `json:"pid"`
	Holder     string `json:"holder"`
	AcquiredAt string `json:"acquiredAt"`
}

// SlotHandle is one unit of bounded engine concurrency.
type SlotHandle struct {
	path string
}

// Release unlinks the held slot. Safe to call twice.
func (h *SlotHandle) Release() {
	if h == nil || h.path == "" {
		return
	}
	_ = os.Remove(h.path)
	h.path = ""
}

// Semaphore is a directory of N numbered slot files shared by all worker
// processes on the host.
type Semaphore struct {
	Dir        string
	Slots      int
	StaleAfter time.Duration
}

// NewSemaphore builds the process-wide engine semaphore for a bus root.
func NewSemaphore(store *bus.Store, slots int) *Semaphore {
	if slots < 1 {
		slots = defaultEngineSlots
	}
	return &Semaphore{
		Dir:        filepath.Join(store.StateDir(), semaphoreDirName),
		Slots:      slots,
		StaleAfter: defaultSlotStaleAfter,
	}
}

func (s *Semaphore) slotPath(i int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("slot-%d.json", i))
}

// Acquire claims one slot, pausing and retrying while all are held. Stale
// slots (dead owner pid, or mtime older than StaleAfter) are reaped before
// each pass.
func (s *Semaphore) Acquire(ctx context.Context, holder string) (*SlotHandle, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, err
	}
	for {
		s.reapStaleSlots()
		for i := 0; i < s.Slots; i++ {
			handle, ok, err := s.tryClaim(i, holder)
			if err != nil {
				return nil, err
			}
			if ok {
				return handle, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(semaphorePollInterval):
		}
	}
}

func (s *Semaphore) tryClaim(i int, holder string) (*SlotHandle, bool, error) {
	path := s.slotPath(i)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	rec := slotRecord{
		Pid:        os.Getpid(),
		Holder:     holder,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(rec); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, false, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, false, err
	}
	return &SlotHandle{path: path}, true, nil
}

// reapStaleSlots removes slots whose recorded pid is dead or whose file has
// not been touched within StaleAfter. Best-effort: a racing legitimate owner
// re-creating the slot is indistinguishable from us losing the O_EXCL race,
// which is the safe outcome.
func (s *Semaphore) reapStaleSlots() {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "slot-") {
			continue
		}
		path := filepath.Join(s.Dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if s.StaleAfter > 0 && time.Since(info.ModTime()) > s.StaleAfter {
			_ = os.Remove(path)
			continue
		}
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec slotRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			_ = os.Remove(path)
			continue
		}
		if !procutil.PIDAlive(rec.Pid) {
			_ = os.Remove(path)
		}
	}
}
