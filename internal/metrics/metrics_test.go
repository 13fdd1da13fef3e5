package metrics

import (
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/fleettrack/ingestion-core/internal/processor"
)

type fakePool struct {
	healthy, size int
}

func (f fakePool) HealthyCount() int { return f.healthy }
func (f fakePool) Size() int         { return f.size }
func (f fakePool) ConnectStats() (successes, failures uint64, avg time.Duration) {
	return 0, 0, 0
}
func (f fakePool) BreakerState() gobreaker.State { return gobreaker.StateClosed }

type fakeReceiver struct {
	tracked  int
	failures uint64
}

func (f fakeReceiver) TrackedDeviceCount() int { return f.tracked }
func (f fakeReceiver) DecodeFailures() uint64  { return f.failures }

type fakeQueue struct {
	depth    int
	rejected uint64
}

func (f fakeQueue) QueueDepth() int       { return f.depth }
func (f fakeQueue) RejectedCount() uint64 { return f.rejected }

type fakeBroadcaster struct {
	subs             int
	emitted, dropped uint64
}

func (f fakeBroadcaster) SubscriberCount() int { return f.subs }
func (f fakeBroadcaster) EmittedCount() uint64 { return f.emitted }
func (f fakeBroadcaster) DroppedCount() uint64 { return f.dropped }

type fakeProcessor struct {
	snap processor.Counters
}

func (f fakeProcessor) Snapshot() processor.Counters { return f.snap }

func TestCollector_CollectReportsComponentSnapshots(t *testing.T) {
	c := New(
		fakePool{healthy: 12, size: 15},
		fakeReceiver{tracked: 42, failures: 3},
		fakeQueue{depth: 7, rejected: 1},
		fakeBroadcaster{subs: 2, emitted: 100, dropped: 5},
		fakeProcessor{snap: processor.Counters{Total: 100, OK: 95, Invalid: 5}},
	)

	registry := NewRegistry(c)
	families, err := registry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.Metric {
			var v float64
			if m.Gauge != nil {
				v = m.GetGauge().GetValue()
			} else if m.Counter != nil {
				v = m.GetCounter().GetValue()
			}
			values[mf.GetName()] = v
		}
	}

	require.Equal(t, float64(12), values["ingestion_pool_healthy_connections"])
	require.Equal(t, float64(15), values["ingestion_pool_size"])
	require.Equal(t, float64(7), values["ingestion_batch_queue_depth"])
	require.Equal(t, float64(1), values["ingestion_batch_queue_rejected_total"])
	require.Equal(t, float64(42), values["ingestion_devices_tracked"])
	require.Equal(t, float64(3), values["ingestion_decode_failures_total"])
	require.Equal(t, float64(2), values["ingestion_broadcast_subscribers"])
	require.Equal(t, float64(100), values["ingestion_broadcast_emitted_total"])
	require.Equal(t, float64(5), values["ingestion_broadcast_dropped_total"])
	require.Equal(t, float64(100), values["ingestion_processed_total"])
	require.Equal(t, float64(95), values["ingestion_processed_ok_total"])
	require.Equal(t, float64(5), values["ingestion_processed_invalid_total"])
}
