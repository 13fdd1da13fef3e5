package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/models"
)

func TestSink_RateLimitsByCategory(t *testing.T) {
	s := NewSink(5*time.Minute, zap.NewNop())

	first := s.Emit(models.AlertEvent{Level: models.AlertWarn, Category: "high-gsm-failure", Message: "gsm failure rate high"})
	require.True(t, first)

	second := s.Emit(models.AlertEvent{Level: models.AlertWarn, Category: "high-gsm-failure", Message: "gsm failure rate high again"})
	require.False(t, second, "second alert in the same category within the window must be suppressed")

	require.Len(t, s.Recent(), 1)
}

func TestSink_DistinctCategoriesNotRateLimited(t *testing.T) {
	s := NewSink(5*time.Minute, zap.NewNop())

	require.True(t, s.Emit(models.AlertEvent{Level: models.AlertInfo, Category: "quiet-hours-ignition"}))
	require.True(t, s.Emit(models.AlertEvent{Level: models.AlertWarn, Category: "speed-threshold"}))

	require.Len(t, s.Recent(), 2)
}

func TestSink_DefaultsRateLimitWindowWhenNonPositive(t *testing.T) {
	s := NewSink(0, zap.NewNop())
	require.Equal(t, 5*time.Minute, s.rateLimit)
}

func TestSink_RecentCapsAtBound(t *testing.T) {
	s := NewSink(time.Nanosecond, zap.NewNop())
	for i := 0; i < recentCapacity+10; i++ {
		category := string(rune('a' + i%26))
		s.Emit(models.AlertEvent{Level: models.AlertInfo, Category: category})
		time.Sleep(time.Microsecond)
	}
	require.LessOrEqual(t, len(s.Recent()), recentCapacity)
}
