package bus

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const collisionRetries = 8

// DeliverResult reports where a packet landed and any suspicious hits that
// were allowed through under a non-blocking policy.
type DeliverResult struct {
	Paths          []string
	SuspiciousHits []string
}

// Deliver validates a packet, scans it, and writes one file per recipient
// into new/. Filename collisions on the same id are resolved by appending a
// short hex suffix with a bounded retry.
func (s *Store) Deliver(r *Roster, h *Header, body string, policy SuspiciousPolicy) (*DeliverResult, error) {
	if err := ValidateHeader(h); err != nil {
		return nil, err
	}
	for _, name := range h.To {
		if !r.KnownAgent(name) {
			return nil, &ValidationError{Field: "to", Reason: fmt.Sprintf("unknown agent %q", name)}
		}
	}
	rendered, err := RenderPacket(h, body)
	if err != nil {
		return nil, err
	}
	var hits []string
	if policy != PolicyAllow {
		hits = ScanSuspicious(rendered)
		if len(hits) > 0 && policy == PolicyBlock {
			return nil, &SuspiciousContentError{Hits: hits}
		}
	}

	res := &DeliverResult{SuspiciousHits: hits}
	for _, agent := range h.To {
		path, err := s.writeNewPacket(agent, h.ID, rendered)
		if err != nil {
			return res, fmt.Errorf("deliver to %s: %w", agent, err)
		}
		res.Paths = append(res.Paths, path)
	}
	return res, nil
}

// writeNewPacket materializes the rendered packet in new/ with O_EXCL
// semantics on the final name: an existing file with the same id keeps its
// content and the new delivery gets a suffixed filename.
func (s *Store) writeNewPacket(agent, id, rendered string) (string, error) {
	dir := s.InboxDir(agent, StateNew)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := id + ".md"
	for attempt := 0; attempt <= collisionRetries; attempt++ {
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			if _, werr := f.WriteString(rendered); werr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return "", werr
			}
			if cerr := f.Close(); cerr != nil {
				return "", cerr
			}
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
		var suffix [2]byte
		if _, rerr := rand.Read(suffix[:]); rerr != nil {
			return "", rerr
		}
		name = fmt.Sprintf("%s__%s.md", id, hex.EncodeToString(suffix[:]))
	}
	return "", fmt.Errorf("packet id %s collides in %s after %d retries", id, dir, collisionRetries)
}

// UpdatePatch is the permitted mid-flight edit surface: title, priority, and
// key-wise merges of signals/references, plus an appended body block.
type UpdatePatch struct {
	Title      string
	Priority   string
	Signals    map[string]any
	References map[string]any
	Append     string
	UpdatedBy  string
}

// UpdateTask applies a patch to an unprocessed packet and rewrites it in
// place atomically. The rewrite advances the file mtime, which is the
// mid-flight update signal workers poll for.
func (s *Store) UpdateTask(agent, id string, patch UpdatePatch) (string, error) {
	task, err := s.OpenTask(agent, id, false)
	if err != nil {
		return "", err
	}
	if task.State == StateProcessed {
		return "", &ErrBadState{Agent: agent, ID: id, State: task.State, Op: "update"}
	}

	h := task.Header.Clone()
	if strings.TrimSpace(patch.Title) != "" {
		h.Title = patch.Title
	}
	if strings.TrimSpace(patch.Priority) != "" {
		h.Priority = patch.Priority
	}
	if len(patch.Signals) > 0 {
		if h.Signals == nil {
			h.Signals = map[string]any{}
		}
		for k, v := range patch.Signals {
			h.Signals[k] = v
		}
	}
	if len(patch.References) > 0 {
		if h.References == nil {
			h.References = map[string]any{}
		}
		for k, v := range patch.References {
			h.References[k] = v
		}
	}

	body := task.Body
	if strings.TrimSpace(patch.Append) != "" {
		updater := strings.TrimSpace(patch.UpdatedBy)
		if updater == "" {
			updater = "unknown"
		}
		block := fmt.Sprintf("\n--- UPDATE %s by %s ---\n%s\n",
			time.Now().UTC().Format(time.RFC3339), updater, strings.TrimRight(patch.Append, "\n"))
		body = strings.TrimRight(body, "\n") + "\n" + block
	}

	rendered, err := RenderPacket(h, body)
	if err != nil {
		return "", err
	}
	if err := WriteFileAtomic(task.Path, []byte(rendered), 0o644); err != nil {
		return "", err
	}
	// The rename preserves inode mtime semantics on some filesystems only at
	// second granularity; bump explicitly so pollers observe a strict advance.
	now := time.Now()
	if err := os.Chtimes(task.Path, now, now); err != nil {
		return "", err
	}
	return task.Path, nil
}
