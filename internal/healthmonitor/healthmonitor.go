// Package healthmonitor implements the periodic end-to-end health
// assessment and automatic failsafe described by the component design:
// a 30s ticker sweeps every other component's exposed counters into a
// per-subsystem {available, healthy, issues, warnings, metrics} report,
// wraps the sweep itself in a sony/gobreaker.CircuitBreaker so repeated
// unhealthy sweeps stop firing entirely while OPEN, and routes issues
// into the shared alert sink. Grounded on the teacher's
// cmd/server/main.go newTimescaleDB breaker wiring, generalized from a
// single DB breaker into a breaker that guards the health sweep itself.
package healthmonitor

import (
	"runtime"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/alerts"
	"github.com/fleettrack/ingestion-core/internal/config"
	"github.com/fleettrack/ingestion-core/internal/models"
	"github.com/fleettrack/ingestion-core/internal/processor"
)

// ConnectionPool is the subset of mqttpool.ConnectionPool HealthMonitor
// observes.
type ConnectionPool interface {
	HealthyCount() int
	Size() int
	ConnectStats() (successes, failures uint64, avg time.Duration)
	BreakerState() gobreaker.State
}

// MessageReceiver is the subset of receiver.MessageReceiver HealthMonitor
// observes.
type MessageReceiver interface {
	LastMessageAt() time.Time
	DecodeFailures() uint64
	TrackedDeviceCount() int
}

// QueueDepther is the subset of persist.BatchPersister HealthMonitor
// observes.
type QueueDepther interface {
	QueueDepth() int
	RejectedCount() uint64
}

// ProcessorCounters is the subset of processor.Processor HealthMonitor
// observes.
type ProcessorCounters interface {
	Snapshot() processor.Counters
}

// SubsystemReport is the per-subsystem assessment the sweep produces.
type SubsystemReport struct {
	Name      string
	Available bool
	Healthy   bool
	Issues    []string
	Warnings  []string
	Metrics   map[string]float64
}

// Report is the aggregate outcome of one sweep.
type Report struct {
	At         time.Time
	Subsystems []SubsystemReport
	Healthy    bool
}

// HealthMonitor periodically assesses every other ingestion component
// and trips its own sweep-guarding circuit breaker after repeated
// unhealthy outcomes.
type HealthMonitor struct {
	cfg    config.HealthConfig
	logger *zap.Logger

	pool      ConnectionPool
	receiver  MessageReceiver
	queue     QueueDepther
	proc      ProcessorCounters
	alertSink *alerts.Sink

	breaker *gobreaker.CircuitBreaker

	mu     sync.RWMutex
	last   Report
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a HealthMonitor wired to the collaborators it sweeps.
func New(cfg config.HealthConfig, pool ConnectionPool, receiver MessageReceiver, queue QueueDepther, proc ProcessorCounters, alertSink *alerts.Sink, logger *zap.Logger) *HealthMonitor {
	hm := &HealthMonitor{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		receiver:  receiver,
		queue:     queue,
		proc:      proc,
		alertSink: alertSink,
		stopCh:    make(chan struct{}),
	}

	hm.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "health-check",
		MaxRequests: uint32(cfg.CBHalfOpenMaxCalls),
		Interval:    0,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CBFailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return hm
}

// Start launches the periodic sweep loop; Close stops it.
func (hm *HealthMonitor) Start() {
	hm.wg.Add(1)
	go hm.loop()
}

func (hm *HealthMonitor) loop() {
	defer hm.wg.Done()
	interval := hm.cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-hm.stopCh:
			return
		case <-ticker.C:
			hm.sweepGuarded()
		}
	}
}

// sweepGuarded runs one sweep through the health-check breaker: while
// OPEN, gobreaker.Execute refuses to invoke the sweep at all, which is
// exactly the "no calls while OPEN for < TIMEOUT" guarantee the
// quantified invariants require.
func (hm *HealthMonitor) sweepGuarded() {
	_, err := hm.breaker.Execute(func() (interface{}, error) {
		report := hm.sweep()
		hm.mu.Lock()
		hm.last = report
		hm.mu.Unlock()
		if !report.Healthy {
			return nil, errUnhealthy
		}
		return nil, nil
	})
	if err != nil && err != gobreaker.ErrOpenState {
		hm.logger.Warn("health sweep reported unhealthy state", zap.Error(err))
	}
}

var errUnhealthy = &unhealthyError{}

type unhealthyError struct{}

func (*unhealthyError) Error() string { return "health sweep: one or more subsystems unhealthy" }

// sweep performs one unconditional assessment pass, independent of
// breaker state; Sweep exposes this for callers (e.g. the /health
// handler) that want an on-demand report regardless of breaker gating.
func (hm *HealthMonitor) Sweep() Report {
	return hm.sweep()
}

func (hm *HealthMonitor) sweep() Report {
	now := time.Now()
	subsystems := []SubsystemReport{
		hm.checkConnections(),
		hm.checkMessages(),
		hm.checkBatchQueue(),
		hm.checkProcessor(),
		hm.checkResources(),
		hm.checkDevices(now),
	}

	healthy := true
	for _, s := range subsystems {
		if !s.Healthy {
			healthy = false
		}
		for _, issue := range s.Issues {
			hm.alertSink.Emit(models.AlertEvent{
				Level:    models.AlertCritical,
				Category: s.Name + "-issue",
				Message:  issue,
			})
		}
		for _, warning := range s.Warnings {
			hm.alertSink.Emit(models.AlertEvent{
				Level:    models.AlertWarn,
				Category: s.Name + "-warning",
				Message:  warning,
			})
		}
	}

	return Report{At: now, Subsystems: subsystems, Healthy: healthy}
}

func (hm *HealthMonitor) checkConnections() SubsystemReport {
	r := SubsystemReport{Name: "connections", Available: true, Healthy: true, Metrics: map[string]float64{}}

	healthyCount := hm.pool.HealthyCount()
	size := hm.pool.Size()
	r.Metrics["healthyConnections"] = float64(healthyCount)
	r.Metrics["poolSize"] = float64(size)

	if healthyCount < hm.cfg.MinHealthyConnections {
		r.Healthy = false
		r.Issues = append(r.Issues, "healthy connection count below minimum")
	}

	successes, failures, avg := hm.pool.ConnectStats()
	total := successes + failures
	r.Metrics["connectSuccesses"] = float64(successes)
	r.Metrics["connectFailures"] = float64(failures)
	r.Metrics["avgConnectSeconds"] = avg.Seconds()

	if total > 0 {
		failureRate := float64(failures) / float64(total)
		r.Metrics["connectFailureRate"] = failureRate
		if failureRate > hm.cfg.MaxFailureRate {
			r.Healthy = false
			r.Issues = append(r.Issues, "connection failure rate exceeds maximum")
		}

		successRate := float64(successes) / float64(total)
		r.Metrics["connectSuccessRate"] = successRate
		if successRate < hm.cfg.ConnSuccessIssueRate {
			r.Healthy = false
			r.Issues = append(r.Issues, "connection success rate below issue threshold")
		} else if successRate < hm.cfg.ConnSuccessWarnRate {
			r.Warnings = append(r.Warnings, "connection success rate below warning threshold")
		}
	}

	if hm.cfg.AvgConnectWarn > 0 && avg > hm.cfg.AvgConnectWarn {
		r.Warnings = append(r.Warnings, "average connect time exceeds warning threshold")
	}

	return r
}

func (hm *HealthMonitor) checkMessages() SubsystemReport {
	r := SubsystemReport{Name: "messages", Available: true, Healthy: true, Metrics: map[string]float64{}}

	last := hm.receiver.LastMessageAt()
	r.Metrics["decodeFailures"] = float64(hm.receiver.DecodeFailures())
	if !last.IsZero() {
		silentFor := time.Since(last)
		r.Metrics["secondsSinceLastMessage"] = silentFor.Seconds()
		if hm.cfg.MessageTimeout > 0 && silentFor > hm.cfg.MessageTimeout {
			r.Healthy = false
			r.Issues = append(r.Issues, "no message received within the message timeout window")
		}
	}

	return r
}

func (hm *HealthMonitor) checkBatchQueue() SubsystemReport {
	r := SubsystemReport{Name: "batch-queue", Available: true, Healthy: true, Metrics: map[string]float64{}}

	depth := hm.queue.QueueDepth()
	r.Metrics["queueDepth"] = float64(depth)
	r.Metrics["rejected"] = float64(hm.queue.RejectedCount())

	if hm.cfg.BatchQueueWarnSize > 0 && depth > hm.cfg.BatchQueueWarnSize {
		r.Warnings = append(r.Warnings, "batch queue depth exceeds warning threshold")
	}

	return r
}

func (hm *HealthMonitor) checkProcessor() SubsystemReport {
	r := SubsystemReport{Name: "processor", Available: true, Healthy: true, Metrics: map[string]float64{}}

	snap := hm.proc.Snapshot()
	r.Metrics["total"] = float64(snap.Total)
	r.Metrics["ok"] = float64(snap.OK)
	r.Metrics["invalid"] = float64(snap.Invalid)

	if snap.Total > 0 {
		invalidRate := float64(snap.Invalid) / float64(snap.Total)
		r.Metrics["invalidRate"] = invalidRate
		if hm.cfg.InvalidMessageRate > 0 && invalidRate > hm.cfg.InvalidMessageRate {
			r.Warnings = append(r.Warnings, "invalid message rate exceeds warning threshold")
		}
	}

	return r
}

func (hm *HealthMonitor) checkResources() SubsystemReport {
	r := SubsystemReport{Name: "resources", Available: true, Healthy: true, Metrics: map[string]float64{}}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage := float64(mem.Alloc) / float64(mem.Sys)
	r.Metrics["memoryUsage"] = usage
	r.Metrics["goroutines"] = float64(runtime.NumGoroutine())

	if hm.cfg.MemoryThreshold > 0 && usage > hm.cfg.MemoryThreshold {
		r.Healthy = false
		r.Issues = append(r.Issues, "memory usage exceeds issue threshold")
	} else if hm.cfg.MemoryWarnThreshold > 0 && usage > hm.cfg.MemoryWarnThreshold {
		r.Warnings = append(r.Warnings, "memory usage exceeds warning threshold")
	}

	if hm.cfg.ThreadWarnThreshold > 0 && runtime.NumGoroutine() > hm.cfg.ThreadWarnThreshold {
		r.Warnings = append(r.Warnings, "goroutine count exceeds warning threshold")
	}

	return r
}

func (hm *HealthMonitor) checkDevices(now time.Time) SubsystemReport {
	r := SubsystemReport{Name: "devices", Available: true, Healthy: true, Metrics: map[string]float64{}}

	active := hm.receiver.TrackedDeviceCount()
	r.Metrics["activeDevices"] = float64(active)

	if active == 0 {
		r.Healthy = false
		r.Issues = append(r.Issues, "no active devices")
	} else if hm.cfg.MinActiveDevices > 0 && active < hm.cfg.MinActiveDevices {
		r.Warnings = append(r.Warnings, "active device count below warning threshold")
	}

	return r
}

// BreakerState exposes the health-check breaker's current state.
func (hm *HealthMonitor) BreakerState() gobreaker.State {
	return hm.breaker.State()
}

// LastReport returns the most recently completed sweep, or a zero
// Report if none has run yet.
func (hm *HealthMonitor) LastReport() Report {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.last
}

// Close stops the periodic sweep loop.
func (hm *HealthMonitor) Close() {
	close(hm.stopCh)
	hm.wg.Wait()
}
