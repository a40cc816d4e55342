package worker

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// BackoffConfig configures retry delays for engine attempts.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

// DefaultBackoffConfig gives rate-limit retries generous headroom while
// keeping the first retry quick.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 2_000,
		BackoffFactor:  2.0,
		MaxDelayMS:     120_000,
		Jitter:         true,
	}
}

// DelayForAttempt computes the capped exponential delay for a 1-indexed
// attempt. Jitter is applied after capping and is deterministic per seed.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

func backoffSeed(agent, taskID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", agent, taskID, attempt)
}
