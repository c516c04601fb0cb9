package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// DelayForAttempt computes the retry delay before attempt (1-indexed: the
// first retry is attempt=1), exponential in cfg.BackoffFactor, capped at
// cfg.MaxDelayMS, with deterministic seed-derived jitter applied after
// capping so two processes retrying the same (run, task, attempt) tuple
// converge on the same delay without needing to share state.
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
		m := 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
		baseMS *= m
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	const max = float64(^uint64(0))
	return float64(u) / max
}

// jitterSeed derives a deterministic per-attempt seed from identifying
// fields, so retries of the same step always compute the same delay.
func jitterSeed(runID, taskID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, taskID, attempt)
}

// CircuitBreaker counts consecutive failures per task and trips once the
// configured limit is reached, converting further retries into a hard
// failure rather than retrying forever against a task that cannot succeed.
type CircuitBreaker struct {
	limit  int
	counts map[string]int
}

// NewCircuitBreaker returns a breaker that trips after limit consecutive
// failures for the same task.
func NewCircuitBreaker(limit int) *CircuitBreaker {
	if limit <= 0 {
		limit = 1
	}
	return &CircuitBreaker{limit: limit, counts: map[string]int{}}
}

// RecordFailure increments taskID's failure count and reports whether the
// breaker has now tripped.
func (c *CircuitBreaker) RecordFailure(taskID string) (tripped bool) {
	c.counts[taskID]++
	return c.counts[taskID] >= c.limit
}

// RecordSuccess clears taskID's failure count.
func (c *CircuitBreaker) RecordSuccess(taskID string) {
	delete(c.counts, taskID)
}

// Count returns taskID's current consecutive-failure count.
func (c *CircuitBreaker) Count(taskID string) int {
	return c.counts[taskID]
}
