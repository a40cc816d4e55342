package worker

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/strongdm/agentbus/internal/bus"
)

const cooldownFileName = "openai-rpm-cooldown.json"

// Cooldown is the process-wide retry-after barrier installed after a
// rate-limit classified engine failure. Every worker polls it before each
// attempt; it is advisory but universal.
type Cooldown struct {
	RetryAtMs   int64  `json:"retryAtMs"`
	Reason      string `json:"reason,omitempty"`
	SourceAgent string `json:"sourceAgent,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
}

func (c *Cooldown) RetryAt() time.Time {
	return time.UnixMilli(c.RetryAtMs)
}

func cooldownPath(store *bus.Store) string {
	return filepath.Join(store.StateDir(), cooldownFileName)
}

// ReadCooldown returns the active barrier, or nil when none is in force.
func ReadCooldown(store *bus.Store) (*Cooldown, error) {
	b, err := os.ReadFile(cooldownPath(store))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var c Cooldown
	if err := json.Unmarshal(b, &c); err != nil {
		// A corrupt barrier must not wedge every worker; treat as absent.
		return nil, nil
	}
	if c.RetryAtMs <= time.Now().UnixMilli() {
		return nil, nil
	}
	return &c, nil
}

// WriteCooldown installs or extends the barrier. The merge is monotonic: an
// existing barrier with a later retryAt wins, so concurrent writers can only
// push the barrier forward.
func WriteCooldown(store *bus.Store, c Cooldown) error {
	existing, err := ReadCooldown(store)
	if err != nil {
		return err
	}
	if existing != nil && existing.RetryAtMs > c.RetryAtMs {
		c = *existing
	}
	return bus.WriteJSONAtomic(cooldownPath(store), c)
}

// ClearCooldown removes the barrier file. Used by tests and operators only;
// workers let barriers lapse on their own.
func ClearCooldown(store *bus.Store) error {
	err := os.Remove(cooldownPath(store))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WaitCooldown sleeps until the active barrier (if any) expires, plus a small
// deterministic jitter so workers do not stampede the engine at expiry. The
// barrier is re-read after each sleep because another worker may extend it.
func WaitCooldown(ctx context.Context, store *bus.Store, jitterSeed string, onWait func(c *Cooldown, d time.Duration)) error {
	for {
		c, err := ReadCooldown(store)
		if err != nil {
			return err
		}
		if c == nil {
			return nil
		}
		d := time.Until(c.RetryAt())
		if d <= 0 {
			return nil
		}
		d += cooldownJitter(jitterSeed)
		if onWait != nil {
			onWait(c, d)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// cooldownJitter maps a seed to [0, 2s). Deterministic per seed so tests and
// log correlation stay stable.
func cooldownJitter(seed string) time.Duration {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(u%2000) * time.Millisecond
}

// InstallRateLimitCooldown converts a classified rate-limit failure into a
// barrier. retryAfter (when the provider sent a hint) is a lower bound on
// the barrier horizon; otherwise the backoff delay is used.
func InstallRateLimitCooldown(store *bus.Store, agent, taskID, reason string, retryAfter, backoff time.Duration) error {
	horizon := backoff
	if retryAfter > horizon {
		horizon = retryAfter
	}
	if horizon <= 0 {
		horizon = 5 * time.Second
	}
	return WriteCooldown(store, Cooldown{
		RetryAtMs:   time.Now().Add(horizon).UnixMilli(),
		Reason:      reason,
		SourceAgent: agent,
		TaskID:      taskID,
	})
}
