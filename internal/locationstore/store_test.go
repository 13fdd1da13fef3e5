package locationstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/cache"
	"github.com/fleettrack/ingestion-core/internal/config"
	"github.com/fleettrack/ingestion-core/internal/models"
)

type fakeWriter struct {
	mu    sync.Mutex
	calls int
	errFn func(attempt int) error
	saved []*models.LastLocation
}

func (f *fakeWriter) UpsertLastLocation(_ context.Context, loc *models.LastLocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.errFn != nil {
		if err := f.errFn(f.calls); err != nil {
			return err
		}
	}
	cp := *loc
	f.saved = append(f.saved, &cp)
	return nil
}

func newTestStore(t *testing.T, writer Writer) (*LocationStore, *cache.VehicleCache) {
	t.Helper()
	vc, err := cache.New(config.CacheConfig{
		MaxSize:           1000,
		ExpireAfterWrite:  time.Hour,
		ExpireAfterAccess: time.Hour,
		LocationExpiry:    time.Hour,
		MaintenanceTick:   time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(vc.Close)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "db-write"})
	return New(writer, vc, breaker, zap.NewNop()), vc
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.Local)
	require.NoError(t, err)
	return ts
}

func TestUpsert_AcceptsFirstWrite(t *testing.T) {
	writer := &fakeWriter{}
	store, _ := newTestStore(t, writer)

	loc := &models.LastLocation{DeviceID: "D1", IMEI: "123456789012345", Latitude: 12.97, Longitude: 77.59, Timestamp: mustParse(t, "2025-06-15 14:30:00")}
	result, err := store.Upsert(context.Background(), &models.Vehicle{IMEI: loc.IMEI}, loc)
	require.NoError(t, err)
	require.Equal(t, UpsertAccepted, result)
	require.Len(t, writer.saved, 1)
}

func TestUpsert_RateLimitedSecondCallWithinInterval(t *testing.T) {
	writer := &fakeWriter{}
	store, _ := newTestStore(t, writer)

	loc1 := &models.LastLocation{DeviceID: "D1", IMEI: "123456789012345", Timestamp: mustParse(t, "2025-06-15 14:30:00")}
	loc2 := &models.LastLocation{DeviceID: "D1", IMEI: "123456789012345", Timestamp: mustParse(t, "2025-06-15 14:30:01")}

	r1, err := store.Upsert(context.Background(), &models.Vehicle{IMEI: loc1.IMEI}, loc1)
	require.NoError(t, err)
	require.Equal(t, UpsertAccepted, r1)

	r2, err := store.Upsert(context.Background(), &models.Vehicle{IMEI: loc2.IMEI}, loc2)
	require.NoError(t, err)
	require.Equal(t, UpsertSkippedRateLimited, r2)
	require.Len(t, writer.saved, 1, "rate-limited upsert must not write through")
}

func TestUpsert_RejectsStaleTimestamp(t *testing.T) {
	writer := &fakeWriter{}
	store, vc := newTestStore(t, writer)

	// Seed the cache directly with a newer LastLocation so the staleness
	// check is exercised without consuming the per-device rate limiter.
	newer := &models.LastLocation{DeviceID: "D1", IMEI: "123456789012345", Timestamp: mustParse(t, "2025-06-15 14:30:00")}
	vc.PutLastLocation(newer)
	require.Eventually(t, func() bool { _, ok := vc.LastLocationByIMEI(newer.IMEI); return ok }, time.Second, time.Millisecond)

	older := &models.LastLocation{DeviceID: "D1", IMEI: "123456789012345", Timestamp: mustParse(t, "2025-06-15 14:00:00")}
	result, err := store.Upsert(context.Background(), &models.Vehicle{IMEI: older.IMEI}, older)
	require.NoError(t, err)
	require.Equal(t, UpsertSkippedStale, result)
	require.Empty(t, writer.saved, "a stale write must never reach the writer")
}

func TestUpsert_RejectsDeviceIDMismatch(t *testing.T) {
	writer := &fakeWriter{}
	store, vc := newTestStore(t, writer)

	existing := &models.LastLocation{DeviceID: "D1", IMEI: "123456789012345", Timestamp: mustParse(t, "2025-06-15 14:30:00")}
	vc.PutLastLocation(existing)
	require.Eventually(t, func() bool { _, ok := vc.LastLocationByIMEI(existing.IMEI); return ok }, time.Second, time.Millisecond)

	candidate := &models.LastLocation{DeviceID: "D2", IMEI: "123456789012345", Timestamp: mustParse(t, "2025-06-15 14:35:00")}
	result, err := store.Upsert(context.Background(), &models.Vehicle{IMEI: candidate.IMEI}, candidate)
	require.ErrorIs(t, err, models.ErrDeviceIDMismatch)
	require.Equal(t, UpsertRejectedMismatch, result)
	require.Empty(t, writer.saved)
}

func TestUpsert_MergeAdoptsMissingIdentifiers(t *testing.T) {
	writer := &fakeWriter{}
	store, vc := newTestStore(t, writer)

	existing := &models.LastLocation{DeviceID: "", IMEI: "123456789012345", Timestamp: mustParse(t, "2025-06-15 14:30:00")}
	vc.PutLastLocation(existing)
	require.Eventually(t, func() bool { _, ok := vc.LastLocationByIMEI(existing.IMEI); return ok }, time.Second, time.Millisecond)

	candidate := &models.LastLocation{DeviceID: "D1", IMEI: "123456789012345", Timestamp: mustParse(t, "2025-06-15 14:35:00")}
	result, err := store.Upsert(context.Background(), &models.Vehicle{IMEI: candidate.IMEI}, candidate)
	require.NoError(t, err)
	require.Equal(t, UpsertAccepted, result)
	require.Len(t, writer.saved, 1)
	require.Equal(t, "D1", writer.saved[0].DeviceID)
}

func TestUpsert_RetriesTransientWriteErrors(t *testing.T) {
	writer := &fakeWriter{errFn: func(attempt int) error {
		if attempt < 2 {
			return errors.New("transient db error")
		}
		return nil
	}}
	store, _ := newTestStore(t, writer)

	loc := &models.LastLocation{DeviceID: "D1", IMEI: "123456789012345", Timestamp: mustParse(t, "2025-06-15 14:30:00")}
	result, err := store.Upsert(context.Background(), &models.Vehicle{IMEI: loc.IMEI}, loc)
	require.NoError(t, err)
	require.Equal(t, UpsertAccepted, result)
	require.Equal(t, 2, writer.calls)
}

func TestCollapseByDeviceID_KeepsLatestPerDevice(t *testing.T) {
	in := []*models.LastLocation{
		{DeviceID: "D1", Timestamp: mustParse(t, "2025-06-15 14:00:00")},
		{DeviceID: "D1", Timestamp: mustParse(t, "2025-06-15 14:30:00")},
		{DeviceID: "D2", Timestamp: mustParse(t, "2025-06-15 14:10:00")},
	}
	out := CollapseByDeviceID(in)
	require.Len(t, out, 2)
	byDevice := map[string]*models.LastLocation{}
	for _, o := range out {
		byDevice[o.DeviceID] = o
	}
	require.Equal(t, mustParse(t, "2025-06-15 14:30:00"), byDevice["D1"].Timestamp)
}
