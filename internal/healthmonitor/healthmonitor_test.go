package healthmonitor

import (
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/alerts"
	"github.com/fleettrack/ingestion-core/internal/config"
	"github.com/fleettrack/ingestion-core/internal/processor"
)

type fakePool struct {
	healthy, size               int
	successes, failures         uint64
	avg                         time.Duration
}

func (f *fakePool) HealthyCount() int { return f.healthy }
func (f *fakePool) Size() int         { return f.size }
func (f *fakePool) ConnectStats() (uint64, uint64, time.Duration) {
	return f.successes, f.failures, f.avg
}
func (f *fakePool) BreakerState() gobreaker.State { return gobreaker.StateClosed }

type fakeReceiver struct {
	lastMessageAt   time.Time
	decodeFailures  uint64
	trackedDevices  int
}

func (f *fakeReceiver) LastMessageAt() time.Time    { return f.lastMessageAt }
func (f *fakeReceiver) DecodeFailures() uint64      { return f.decodeFailures }
func (f *fakeReceiver) TrackedDeviceCount() int     { return f.trackedDevices }

type fakeQueue struct {
	depth    int
	rejected uint64
}

func (f *fakeQueue) QueueDepth() int        { return f.depth }
func (f *fakeQueue) RejectedCount() uint64  { return f.rejected }

type fakeProc struct {
	snap processor.Counters
}

func (f *fakeProc) Snapshot() processor.Counters { return f.snap }

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		CheckInterval:         time.Hour,
		MessageTimeout:        5 * time.Minute,
		MinHealthyConnections: 3,
		MaxFailureRate:        0.10,
		MemoryThreshold:       0.99,
		MemoryWarnThreshold:   0.98,
		ThreadWarnThreshold:   100000,
		InvalidMessageRate:    0.05,
		BatchQueueWarnSize:    1000,
		ConnSuccessIssueRate:  0.95,
		ConnSuccessWarnRate:   0.98,
		AvgConnectWarn:        5 * time.Second,
		MinActiveDevices:      10,
		CBFailureThreshold:    5,
		CBTimeout:             60 * time.Second,
		CBHalfOpenMaxCalls:    3,
		AlertRateLimit:        5 * time.Minute,
	}
}

func TestSweep_AllHealthy(t *testing.T) {
	pool := &fakePool{healthy: 5, size: 5, successes: 100, failures: 1, avg: time.Second}
	recv := &fakeReceiver{lastMessageAt: time.Now(), trackedDevices: 20}
	queue := &fakeQueue{depth: 10}
	proc := &fakeProc{snap: processor.Counters{Total: 100, OK: 99, Invalid: 1}}
	sink := alerts.NewSink(time.Minute, zap.NewNop())

	hm := New(testHealthConfig(), pool, recv, queue, proc, sink, zap.NewNop())
	report := hm.Sweep()
	require.True(t, report.Healthy, "expected overall healthy report, got %+v", report)
}

func TestSweep_FlagsBelowMinHealthyConnections(t *testing.T) {
	pool := &fakePool{healthy: 1, size: 5}
	recv := &fakeReceiver{lastMessageAt: time.Now(), trackedDevices: 20}
	queue := &fakeQueue{}
	proc := &fakeProc{}
	sink := alerts.NewSink(time.Minute, zap.NewNop())

	hm := New(testHealthConfig(), pool, recv, queue, proc, sink, zap.NewNop())
	report := hm.Sweep()
	require.False(t, report.Healthy, "expected unhealthy report when healthy connections below minimum")
}

func TestSweep_FlagsNoActiveDevices(t *testing.T) {
	pool := &fakePool{healthy: 5, size: 5}
	recv := &fakeReceiver{lastMessageAt: time.Now(), trackedDevices: 0}
	queue := &fakeQueue{}
	proc := &fakeProc{}
	sink := alerts.NewSink(time.Minute, zap.NewNop())

	hm := New(testHealthConfig(), pool, recv, queue, proc, sink, zap.NewNop())
	report := hm.Sweep()
	require.False(t, report.Healthy, "expected unhealthy report when no active devices")
}

func TestSweepGuarded_BreakerOpensAfterConsecutiveUnhealthySweeps(t *testing.T) {
	pool := &fakePool{healthy: 0, size: 5}
	recv := &fakeReceiver{trackedDevices: 0}
	queue := &fakeQueue{}
	proc := &fakeProc{}
	sink := alerts.NewSink(time.Minute, zap.NewNop())

	cfg := testHealthConfig()
	cfg.CBFailureThreshold = 2
	hm := New(cfg, pool, recv, queue, proc, sink, zap.NewNop())

	for i := 0; i < 2; i++ {
		hm.sweepGuarded()
	}
	require.Equal(t, gobreaker.StateOpen, hm.BreakerState(), "want StateOpen after %d consecutive unhealthy sweeps", cfg.CBFailureThreshold)

	before := hm.LastReport().At
	hm.sweepGuarded()
	after := hm.LastReport().At
	require.True(t, after.Equal(before), "expected sweep to be skipped while breaker OPEN, but last report timestamp changed")
}
