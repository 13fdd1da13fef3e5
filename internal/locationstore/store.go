// Package locationstore implements LocationStore: per-device
// rate-limited, monotonicity-enforced upsert of LastLocation, with
// deviceId/imei binding resolution (I3) and retry-behind-circuit-breaker
// writes, repurposing the teacher's HTTP rate-limit middleware pattern
// (golang.org/x/time/rate) as a per-device cadence gate.
package locationstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fleettrack/ingestion-core/internal/cache"
	"github.com/fleettrack/ingestion-core/internal/models"
)

// MinUpdateInterval is the minimum spacing between accepted upserts for
// a single device.
const MinUpdateInterval = 1 * time.Second

// Writer is the persistence dependency LocationStore drives; satisfied
// by *repository.Repository.
type Writer interface {
	UpsertLastLocation(ctx context.Context, loc *models.LastLocation) error
}

// LocationStore upserts LastLocation rows under a per-device rate limit
// and monotonic-timestamp invariant (I2), behind a shared "db-write"
// circuit breaker.
type LocationStore struct {
	writer  Writer
	cache   *cache.VehicleCache
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New constructs a LocationStore sharing the given db-write circuit
// breaker with other database-writing components.
func New(writer Writer, vehicleCache *cache.VehicleCache, breaker *gobreaker.CircuitBreaker, logger *zap.Logger) *LocationStore {
	return &LocationStore{
		writer:   writer,
		cache:    vehicleCache,
		logger:   logger,
		breaker:  breaker,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *LocationStore) limiterFor(deviceID string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[deviceID]
	if !ok {
		l = rate.NewLimiter(rate.Every(MinUpdateInterval), 1)
		s.limiters[deviceID] = l
	}
	return l
}

// UpsertResult reports the outcome of one Upsert call.
type UpsertResult int

const (
	UpsertAccepted UpsertResult = iota
	UpsertSkippedRateLimited
	UpsertSkippedStale
	UpsertRejectedMismatch
)

// Upsert applies the LastLocation merge/monotonicity/rate-limit rules
// for one device, then writes through to the repository and cache.
func (s *LocationStore) Upsert(ctx context.Context, vehicle *models.Vehicle, candidate *models.LastLocation) (UpsertResult, error) {
	if !s.limiterFor(candidate.DeviceID).Allow() {
		return UpsertSkippedRateLimited, nil
	}

	existing, _ := s.resolveExisting(candidate.IMEI, candidate.DeviceID)
	if existing != nil {
		if existing.DeviceID != "" && candidate.DeviceID != "" && existing.DeviceID != candidate.DeviceID {
			return UpsertRejectedMismatch, models.ErrDeviceIDMismatch
		}
		if !existing.Newer(candidate.Timestamp) {
			return UpsertSkippedStale, nil
		}
		merged := mergeLastLocation(existing, candidate)
		candidate = merged
	}

	if err := s.writeWithRetry(ctx, candidate); err != nil {
		return UpsertAccepted, err
	}

	s.cache.PutLastLocation(candidate)
	return UpsertAccepted, nil
}

func (s *LocationStore) resolveExisting(imei, deviceID string) (*models.LastLocation, bool) {
	if imei != "" {
		if loc, ok := s.cache.LastLocationByIMEI(imei); ok {
			return loc, true
		}
	}
	if deviceID != "" {
		if loc, ok := s.cache.LastLocationByDeviceID(deviceID); ok {
			return loc, true
		}
	}
	return nil, false
}

func mergeLastLocation(existing, candidate *models.LastLocation) *models.LastLocation {
	merged := *candidate
	if merged.DeviceID == "" {
		merged.DeviceID = existing.DeviceID
	}
	if merged.IMEI == "" {
		merged.IMEI = existing.IMEI
	}
	return &merged
}

const (
	writeRetries   = 3
	writeRetryWait = 1 * time.Second
)

func (s *LocationStore) writeWithRetry(ctx context.Context, loc *models.LastLocation) error {
	var lastErr error
	for attempt := 1; attempt <= writeRetries; attempt++ {
		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.writer.UpsertLastLocation(ctx, loc)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState {
			return err
		}
		s.logger.Warn("last-location upsert failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(writeRetryWait):
		}
	}
	return lastErr
}

// CollapseByDeviceID applies the bulk form's collapse rule: keep only
// the latest-timestamp candidate per deviceId.
func CollapseByDeviceID(candidates []*models.LastLocation) []*models.LastLocation {
	latest := make(map[string]*models.LastLocation, len(candidates))
	for _, c := range candidates {
		cur, ok := latest[c.DeviceID]
		if !ok || c.Timestamp.After(cur.Timestamp) {
			latest[c.DeviceID] = c
		}
	}
	out := make([]*models.LastLocation, 0, len(latest))
	for _, v := range latest {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
