package worker

import (
	"testing"
	"time"
)

func TestDelayForAttempt_NoJitterExponentialAndCapped(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 50, BackoffFactor: 10.0, MaxDelayMS: 200, Jitter: false}
	if got := DelayForAttempt(1, cfg, "seed"); got != 50*time.Millisecond {
		t.Fatalf("attempt 1: got %v", got)
	}
	// 50 * 10 = 500ms, capped at 200ms.
	if got := DelayForAttempt(2, cfg, "seed"); got != 200*time.Millisecond {
		t.Fatalf("attempt 2: got %v", got)
	}
	if got := DelayForAttempt(3, cfg, "seed"); got != 200*time.Millisecond {
		t.Fatalf("attempt 3: got %v", got)
	}
}

func TestDelayForAttempt_JitterDeterministicAndWithinRange(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 100, BackoffFactor: 1.0, MaxDelayMS: 1000, Jitter: true}
	d1 := DelayForAttempt(1, cfg, "seed-a")
	if d1 != DelayForAttempt(1, cfg, "seed-a") {
		t.Fatalf("same seed must be deterministic")
	}
	if d1 < 50*time.Millisecond || d1 > 150*time.Millisecond {
		t.Fatalf("delay out of jitter range: %v", d1)
	}
	if d2 := DelayForAttempt(1, cfg, "seed-b"); d2 == d1 {
		t.Fatalf("different seeds should jitter differently: %v", d2)
	}
}

func TestDelayForAttempt_ClampsBadInputs(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 100, BackoffFactor: 2.0, MaxDelayMS: 1000, Jitter: false}
	if got := DelayForAttempt(0, cfg, "seed"); got != 100*time.Millisecond {
		t.Fatalf("attempt 0 should clamp to 1: %v", got)
	}
	if got := DelayForAttempt(3, BackoffConfig{}, "seed"); got != 0 {
		t.Fatalf("zero config should yield no delay: %v", got)
	}
}

func TestBackoffSeed_VariesPerAttempt(t *testing.T) {
	if backoffSeed("a", "t", 1) == backoffSeed("a", "t", 2) {
		t.Fatalf("seed should change per attempt")
	}
	if backoffSeed("a", "t", 1) == backoffSeed("b", "t", 1) {
		t.Fatalf("seed should change per agent")
	}
}
