// Package alerts implements the rate-limited AlertEvent sink shared by
// the Processor and the HealthMonitor. It is the boundary named by the
// glossary: both producers emit into it, an external alert transport
// (email/SMS, out of scope) would drain it.
package alerts

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/models"
)

// recentCapacity bounds the in-memory ring buffer of recently emitted
// alerts, kept for operational introspection (e.g. a /health endpoint).
const recentCapacity = 200

// Sink rate-limits AlertEvent emission to one per (category) per the
// configured window, matching §4.11's "one per AlertType per 5 minutes"
// rule, and logs every alert that passes the limiter.
type Sink struct {
	logger    *zap.Logger
	rateLimit time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	recent   []models.AlertEvent
}

// NewSink constructs a Sink with the given per-category rate limit.
func NewSink(rateLimit time.Duration, logger *zap.Logger) *Sink {
	if rateLimit <= 0 {
		rateLimit = 5 * time.Minute
	}
	return &Sink{
		logger:    logger,
		rateLimit: rateLimit,
		lastSent:  make(map[string]time.Time),
	}
}

// Emit records evt if its category has not fired within the rate-limit
// window, returning whether it was actually emitted (false means
// suppressed as a duplicate).
func (s *Sink) Emit(evt models.AlertEvent) bool {
	if evt.FirstDetected.IsZero() {
		evt.FirstDetected = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastSent[evt.Category]; ok && time.Since(last) < s.rateLimit {
		return false
	}
	s.lastSent[evt.Category] = time.Now()
	s.recent = append(s.recent, evt)
	if len(s.recent) > recentCapacity {
		s.recent = s.recent[len(s.recent)-recentCapacity:]
	}

	field := zap.String("category", evt.Category)
	switch evt.Level {
	case models.AlertCritical:
		s.logger.Error(evt.Message, field, zap.Float64("value", evt.Value), zap.Float64("threshold", evt.Threshold))
	case models.AlertWarn:
		s.logger.Warn(evt.Message, field, zap.Float64("value", evt.Value), zap.Float64("threshold", evt.Threshold))
	default:
		s.logger.Info(evt.Message, field)
	}
	return true
}

// Recent returns a snapshot of the most recently emitted alerts.
func (s *Sink) Recent() []models.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AlertEvent, len(s.recent))
	copy(out, s.recent)
	return out
}
