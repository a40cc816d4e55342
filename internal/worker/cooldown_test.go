package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strongdm/agentbus/internal/bus"
)

func newWorkerStore(t *testing.T) (*bus.Store, *bus.Roster) {
	t.Helper()
	store, err := bus.NewStore(filepath.Join(t.TempDir(), ".agentbus"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	roster, err := bus.LoadRoster("")
	if err != nil {
		t.Fatalf("load roster: %v", err)
	}
	if err := store.EnsureBusRoot(roster); err != nil {
		t.Fatalf("ensure bus root: %v", err)
	}
	return store, roster
}

func TestReadCooldown_AbsentExpiredAndCorrupt(t *testing.T) {
	store, _ := newWorkerStore(t)

	c, err := ReadCooldown(store)
	if err != nil || c != nil {
		t.Fatalf("absent: c=%+v err=%v", c, err)
	}

	if err := WriteCooldown(store, Cooldown{RetryAtMs: time.Now().Add(-time.Minute).UnixMilli()}); err != nil {
		t.Fatalf("write expired: %v", err)
	}
	c, err = ReadCooldown(store)
	if err != nil || c != nil {
		t.Fatalf("expired barrier should read as absent: c=%+v err=%v", c, err)
	}

	if err := os.WriteFile(filepath.Join(store.StateDir(), "openai-rpm-cooldown.json"), []byte("{garbage"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	c, err = ReadCooldown(store)
	if err != nil || c != nil {
		t.Fatalf("corrupt barrier should read as absent: c=%+v err=%v", c, err)
	}
}

func TestWriteCooldown_MergeIsMonotonic(t *testing.T) {
	store, _ := newWorkerStore(t)
	later := time.Now().Add(time.Hour).UnixMilli()
	sooner := time.Now().Add(time.Minute).UnixMilli()

	if err := WriteCooldown(store, Cooldown{RetryAtMs: later, Reason: "first"}); err != nil {
		t.Fatalf("write later: %v", err)
	}
	// A shorter barrier must not shrink the horizon.
	if err := WriteCooldown(store, Cooldown{RetryAtMs: sooner, Reason: "second"}); err != nil {
		t.Fatalf("write sooner: %v", err)
	}
	c, err := ReadCooldown(store)
	if err != nil || c == nil {
		t.Fatalf("read: c=%+v err=%v", c, err)
	}
	if c.RetryAtMs != later || c.Reason != "first" {
		t.Fatalf("merge regressed the barrier: %+v", c)
	}

	// A longer barrier extends it.
	latest := time.Now().Add(2 * time.Hour).UnixMilli()
	if err := WriteCooldown(store, Cooldown{RetryAtMs: latest, Reason: "third"}); err != nil {
		t.Fatalf("write latest: %v", err)
	}
	c, _ = ReadCooldown(store)
	if c == nil || c.RetryAtMs != latest {
		t.Fatalf("extension lost: %+v", c)
	}
}

func TestWaitCooldown_ReturnsImmediatelyWithoutBarrier(t *testing.T) {
	store, _ := newWorkerStore(t)
	start := time.Now()
	if err := WaitCooldown(context.Background(), store, "seed", nil); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("wait without barrier took %v", time.Since(start))
	}
}

func TestWaitCooldown_BlocksUntilExpiryAndReports(t *testing.T) {
	store, _ := newWorkerStore(t)
	if err := WriteCooldown(store, Cooldown{
		RetryAtMs: time.Now().Add(150 * time.Millisecond).UnixMilli(),
		Reason:    "rate limit",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var reported *Cooldown
	start := time.Now()
	err := WaitCooldown(context.Background(), store, "seed", func(c *Cooldown, d time.Duration) {
		reported = c
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatalf("returned before the barrier expired: %v", time.Since(start))
	}
	if reported == nil || reported.Reason != "rate limit" {
		t.Fatalf("onWait not invoked with barrier: %+v", reported)
	}
}

func TestWaitCooldown_HonorsContextCancellation(t *testing.T) {
	store, _ := newWorkerStore(t)
	if err := WriteCooldown(store, Cooldown{RetryAtMs: time.Now().Add(time.Hour).UnixMilli()}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := WaitCooldown(ctx, store, "seed", nil); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestInstallRateLimitCooldown_UsesLargerHorizon(t *testing.T) {
	store, _ := newWorkerStore(t)
	if err := InstallRateLimitCooldown(store, "backend", "t-1", "429", 10*time.Second, 2*time.Second); err != nil {
		t.Fatalf("install: %v", err)
	}
	c, err := ReadCooldown(store)
	if err != nil || c == nil {
		t.Fatalf("read: c=%+v err=%v", c, err)
	}
	horizon := time.Until(c.RetryAt())
	if horizon < 8*time.Second || horizon > 12*time.Second {
		t.Fatalf("horizon should track the provider hint, got %v", horizon)
	}
	if c.SourceAgent != "backend" || c.TaskID != "t-1" {
		t.Fatalf("attribution: %+v", c)
	}
}
