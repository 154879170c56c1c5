package client

import (
	"math"
	"time"
)

const (
	backoffMin    = time.Second
	backoffMax    = 5 * time.Second
	backoffFactor = 1.5
)

// BackoffDelay returns min(5s, 1s × 1.5^attempt × (1+jitter)) truncated to whole
// milliseconds. jitter is expected in [0, 1).
func BackoffDelay(attempt int, jitter float64) time.Duration {
	ms := float64(backoffMin.Milliseconds()) * math.Pow(backoffFactor, float64(attempt)) * (1 + jitter)
	ms = math.Floor(math.Min(ms, float64(backoffMax.Milliseconds())))
	return time.Duration(ms) * time.Millisecond
}
