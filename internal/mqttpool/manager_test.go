package mqttpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJitteredBackoff_GrowsWithAttempt(t *testing.T) {
	first := jitteredBackoff(1)
	third := jitteredBackoff(3)
	require.LessOrEqual(t, first, 2*initialBackoff, "jitteredBackoff(1) want close to initial backoff %v", initialBackoff)
	require.Greater(t, third, first, "jitteredBackoff(3) want it to exceed jitteredBackoff(1)")
}

func TestJitteredBackoff_BoundedByJitterFactor(t *testing.T) {
	for attempt := 1; attempt <= 8; attempt++ {
		d := jitteredBackoff(attempt)
		base := initialBackoff * time.Duration(1<<uint(attempt-1))
		if base > maxBackoff {
			base = maxBackoff
		}
		lo := time.Duration(float64(base) * (1 - jitterFactor))
		hi := time.Duration(float64(base) * (1 + jitterFactor))
		require.GreaterOrEqual(t, d, lo, "jitteredBackoff(%d)", attempt)
		require.LessOrEqual(t, d, hi, "jitteredBackoff(%d)", attempt)
	}
}

func TestJitteredBackoff_CapsAtMax(t *testing.T) {
	d := jitteredBackoff(10)
	require.LessOrEqual(t, d, maxBackoff+time.Duration(float64(maxBackoff)*jitterFactor), "jitteredBackoff(10) want capped near max backoff %v", maxBackoff)
}
