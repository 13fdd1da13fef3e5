// Package metrics registers the ingestion core's operational gauges and
// counters on a dedicated prometheus.Registry, exposed via promhttp on
// the operational HTTP surface. It follows the teacher's
// setupMetrics/prometheus.NewRegistry pattern, generalized from a bare
// Go-runtime collector into a pull-based Collector that reads the
// atomic counters already exposed by each pipeline component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleettrack/ingestion-core/internal/healthmonitor"
	"github.com/fleettrack/ingestion-core/internal/processor"
)

// QueueDepther mirrors healthmonitor.QueueDepther to avoid this package
// importing persist directly.
type QueueDepther interface {
	QueueDepth() int
	RejectedCount() uint64
}

// MessageReceiver mirrors healthmonitor.MessageReceiver.
type MessageReceiver interface {
	TrackedDeviceCount() int
	DecodeFailures() uint64
}

// Broadcaster is the subset of broadcaster.Broadcaster this collector reads.
type Broadcaster interface {
	SubscriberCount() int
	EmittedCount() uint64
	DroppedCount() uint64
}

// ProcessorCounters mirrors healthmonitor.ProcessorCounters.
type ProcessorCounters interface {
	Snapshot() processor.Counters
}

// Collector pulls a point-in-time snapshot from every pipeline component
// on each Prometheus scrape; it registers no state of its own.
type Collector struct {
	pool     healthmonitor.ConnectionPool
	receiver MessageReceiver
	queue    QueueDepther
	bcast    Broadcaster
	proc     ProcessorCounters

	poolHealthy       *prometheus.Desc
	poolSize          *prometheus.Desc
	queueDepth        *prometheus.Desc
	queueRejected     *prometheus.Desc
	devicesTracked    *prometheus.Desc
	decodeFailures    *prometheus.Desc
	broadcastSubs     *prometheus.Desc
	broadcastEmitted  *prometheus.Desc
	broadcastDropped  *prometheus.Desc
	processedTotal    *prometheus.Desc
	processedOK       *prometheus.Desc
	processedInvalid  *prometheus.Desc
}

// New constructs a Collector over the given component accessors.
func New(pool healthmonitor.ConnectionPool, receiver MessageReceiver, queue QueueDepther, bcast Broadcaster, proc ProcessorCounters) *Collector {
	ns := "ingestion"
	return &Collector{
		pool:     pool,
		receiver: receiver,
		queue:    queue,
		bcast:    bcast,
		proc:     proc,

		poolHealthy:      prometheus.NewDesc(ns+"_pool_healthy_connections", "Currently healthy pooled MQTT connections.", nil, nil),
		poolSize:         prometheus.NewDesc(ns+"_pool_size", "Total pooled MQTT connections.", nil, nil),
		queueDepth:       prometheus.NewDesc(ns+"_batch_queue_depth", "Buffered history records awaiting persistence.", nil, nil),
		queueRejected:    prometheus.NewDesc(ns+"_batch_queue_rejected_total", "History records dropped under sustained back-pressure.", nil, nil),
		devicesTracked:   prometheus.NewDesc(ns+"_devices_tracked", "Devices with an active traffic tracking entry.", nil, nil),
		decodeFailures:   prometheus.NewDesc(ns+"_decode_failures_total", "Inbound payloads that failed to decode.", nil, nil),
		broadcastSubs:    prometheus.NewDesc(ns+"_broadcast_subscribers", "Currently connected websocket subscribers.", nil, nil),
		broadcastEmitted: prometheus.NewDesc(ns+"_broadcast_emitted_total", "LocationUpdate events emitted to subscribers.", nil, nil),
		broadcastDropped: prometheus.NewDesc(ns+"_broadcast_dropped_total", "LocationUpdate events dropped on subscriber overflow.", nil, nil),
		processedTotal:   prometheus.NewDesc(ns+"_processed_total", "Device reports processed.", nil, nil),
		processedOK:      prometheus.NewDesc(ns+"_processed_ok_total", "Device reports processed successfully.", nil, nil),
		processedInvalid: prometheus.NewDesc(ns+"_processed_invalid_total", "Device reports rejected as invalid.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolHealthy
	ch <- c.poolSize
	ch <- c.queueDepth
	ch <- c.queueRejected
	ch <- c.devicesTracked
	ch <- c.decodeFailures
	ch <- c.broadcastSubs
	ch <- c.broadcastEmitted
	ch <- c.broadcastDropped
	ch <- c.processedTotal
	ch <- c.processedOK
	ch <- c.processedInvalid
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.poolHealthy, prometheus.GaugeValue, float64(c.pool.HealthyCount()))
	ch <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(c.pool.Size()))
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(c.queue.QueueDepth()))
	ch <- prometheus.MustNewConstMetric(c.queueRejected, prometheus.CounterValue, float64(c.queue.RejectedCount()))
	ch <- prometheus.MustNewConstMetric(c.devicesTracked, prometheus.GaugeValue, float64(c.receiver.TrackedDeviceCount()))
	ch <- prometheus.MustNewConstMetric(c.decodeFailures, prometheus.CounterValue, float64(c.receiver.DecodeFailures()))
	ch <- prometheus.MustNewConstMetric(c.broadcastSubs, prometheus.GaugeValue, float64(c.bcast.SubscriberCount()))
	ch <- prometheus.MustNewConstMetric(c.broadcastEmitted, prometheus.CounterValue, float64(c.bcast.EmittedCount()))
	ch <- prometheus.MustNewConstMetric(c.broadcastDropped, prometheus.CounterValue, float64(c.bcast.DroppedCount()))

	snap := c.proc.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.processedTotal, prometheus.CounterValue, float64(snap.Total))
	ch <- prometheus.MustNewConstMetric(c.processedOK, prometheus.CounterValue, float64(snap.OK))
	ch <- prometheus.MustNewConstMetric(c.processedInvalid, prometheus.CounterValue, float64(snap.Invalid))
}

// NewRegistry builds the dedicated Prometheus registry the operational
// HTTP surface scrapes, registering the Go runtime collector alongside
// this core's Collector, matching the teacher's setupMetrics pattern.
func NewRegistry(c *Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(c)
	return registry
}
