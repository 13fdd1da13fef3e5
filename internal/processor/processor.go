// Package processor implements the Processor: the per-record
// orchestration that threads one DeviceReport through Validator,
// VehicleCache/repository lookup, deviceId binding, Transformer,
// BatchPersister, LocationStore, and Broadcaster, emitting alerts on
// the way out. It is the only component that knows the end-to-end
// order the component design specifies.
package processor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/alerts"
	"github.com/fleettrack/ingestion-core/internal/cache"
	"github.com/fleettrack/ingestion-core/internal/config"
	"github.com/fleettrack/ingestion-core/internal/locationstore"
	"github.com/fleettrack/ingestion-core/internal/models"
	"github.com/fleettrack/ingestion-core/internal/transform"
	"github.com/fleettrack/ingestion-core/internal/validate"
)

// VehicleRepository is the backing-store dependency consulted on a
// cache miss and for persisting a first-time deviceId binding.
type VehicleRepository interface {
	VehicleByIMEI(ctx context.Context, imei string) (*models.Vehicle, error)
	BindDeviceID(ctx context.Context, imei, deviceID string) error
}

// HistoryEnqueuer is satisfied by *persist.BatchPersister.
type HistoryEnqueuer interface {
	Enqueue(rec *models.HistoryRecord) bool
}

// LocationUpserter is satisfied by *locationstore.LocationStore.
type LocationUpserter interface {
	Upsert(ctx context.Context, vehicle *models.Vehicle, candidate *models.LastLocation) (locationstore.UpsertResult, error)
}

// UpdateEmitter is satisfied by *broadcaster.Broadcaster.
type UpdateEmitter interface {
	Emit(update *models.LocationUpdate)
}

// Outcome classifies the result of processing one DeviceReport.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeInvalid
	OutcomeUnknownVehicle
	OutcomeBindingMismatch
	OutcomeEnqueueRejected
	OutcomeLocationStoreError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeUnknownVehicle:
		return "unknown-vehicle"
	case OutcomeBindingMismatch:
		return "binding-mismatch"
	case OutcomeEnqueueRejected:
		return "enqueue-rejected"
	case OutcomeLocationStoreError:
		return "location-store-error"
	default:
		return "unknown"
	}
}

// Result carries one record's outcome, any validation warnings, and
// the underlying error when the outcome is not OK.
type Result struct {
	Outcome  Outcome
	Warnings []validate.Warning
	Err      error
}

// BatchResult summarizes ProcessBatch's per-index outcomes.
type BatchResult struct {
	Total  int
	OK     int
	Failed int
	Errors map[int][]string
}

// Counters are the atomic per-outcome tallies HealthMonitor reads for
// its invalid-message-rate check.
type Counters struct {
	Total           uint64
	OK              uint64
	Invalid         uint64
	UnknownVehicle  uint64
	BindingMismatch uint64
	Rejected        uint64
}

// Processor orchestrates the ingestion pipeline for one decoded
// DeviceReport at a time.
type Processor struct {
	cfg    config.ProcessorConfig
	logger *zap.Logger

	repo       VehicleRepository
	cache      *cache.VehicleCache
	persister  HistoryEnqueuer
	locations  LocationUpserter
	broadcast  UpdateEmitter
	alertSink  *alerts.Sink

	total, ok, invalid, unknownVehicle, bindingMismatch, rejected uint64
}

// New constructs a Processor wired to its collaborators.
func New(cfg config.ProcessorConfig, repo VehicleRepository, vehicleCache *cache.VehicleCache, persister HistoryEnqueuer, locations LocationUpserter, broadcast UpdateEmitter, alertSink *alerts.Sink, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		cache:     vehicleCache,
		persister: persister,
		locations: locations,
		broadcast: broadcast,
		alertSink: alertSink,
	}
}

// ProcessOne runs one DeviceReport through the full pipeline, in the
// order §4.6 specifies: validate, resolve vehicle, bind deviceId,
// transform, persist history, upsert last location, broadcast, alert.
func (p *Processor) ProcessOne(ctx context.Context, report *models.DeviceReport) Result {
	atomic.AddUint64(&p.total, 1)

	vr := validate.Validate(report)
	if !vr.OK() {
		atomic.AddUint64(&p.invalid, 1)
		return Result{Outcome: OutcomeInvalid, Warnings: vr.Warnings, Err: vr.Err}
	}

	vehicle, err := p.cache.LookupByIMEI(ctx, report.IMEI, p.repo.VehicleByIMEI)
	if err != nil {
		atomic.AddUint64(&p.unknownVehicle, 1)
		return Result{Outcome: OutcomeUnknownVehicle, Warnings: vr.Warnings, Err: fmt.Errorf("resolve vehicle: %w", err)}
	}
	if vehicle == nil {
		atomic.AddUint64(&p.unknownVehicle, 1)
		return Result{Outcome: OutcomeUnknownVehicle, Warnings: vr.Warnings, Err: models.ErrVehicleNotResolved()}
	}

	wasUnbound := vehicle.BoundDeviceID() == ""
	if err := vehicle.Bind(report.DeviceID); err != nil {
		atomic.AddUint64(&p.bindingMismatch, 1)
		return Result{Outcome: OutcomeBindingMismatch, Warnings: vr.Warnings, Err: err}
	}
	if wasUnbound {
		if err := p.repo.BindDeviceID(ctx, vehicle.IMEI, report.DeviceID); err != nil {
			p.logger.Warn("failed to persist deviceId binding", zap.String("imei", vehicle.IMEI), zap.Error(err))
		}
		p.cache.Invalidate(vehicle.IMEI, vehicle.VehicleID, report.DeviceID)
		p.cache.PutVehicle(vehicle)
	}

	result := transform.Apply(report, vehicle, time.Now())
	if result.TimestampFixed {
		p.logger.Debug("timestamp unparseable, substituted current time", zap.String("deviceId", report.DeviceID), zap.String("raw", report.RawTimestamp))
	}

	if !p.persister.Enqueue(result.History) {
		atomic.AddUint64(&p.rejected, 1)
		return Result{Outcome: OutcomeEnqueueRejected, Warnings: vr.Warnings, Err: fmt.Errorf("history enqueue rejected under back-pressure")}
	}

	if _, err := p.locations.Upsert(ctx, vehicle, result.Last); err != nil {
		p.logger.Warn("last-location upsert failed", zap.String("deviceId", report.DeviceID), zap.Error(err))
		atomic.AddUint64(&p.ok, 1)
		p.broadcast.Emit(result.Broadcast)
		p.checkAlerts(report)
		return Result{Outcome: OutcomeLocationStoreError, Warnings: vr.Warnings, Err: err}
	}

	p.broadcast.Emit(result.Broadcast)
	p.checkAlerts(report)

	atomic.AddUint64(&p.ok, 1)
	return Result{Outcome: OutcomeOK, Warnings: vr.Warnings}
}

// ProcessBatch processes each report in order under the same rules as
// ProcessOne, returning the aggregate summary and per-index errors.
func (p *Processor) ProcessBatch(ctx context.Context, reports []*models.DeviceReport) BatchResult {
	res := BatchResult{Total: len(reports), Errors: make(map[int][]string)}
	for i, r := range reports {
		out := p.ProcessOne(ctx, r)
		if out.Outcome == OutcomeOK {
			res.OK++
			continue
		}
		res.Failed++
		msgs := make([]string, 0, len(out.Warnings)+1)
		if out.Err != nil {
			msgs = append(msgs, out.Err.Error())
		}
		for _, w := range out.Warnings {
			msgs = append(msgs, w.String())
		}
		res.Errors[i] = msgs
	}
	return res
}

// checkAlerts emits the two Processor-owned alert conditions: an
// overspeed warning and an ignition-on-during-quiet-hours info alert.
func (p *Processor) checkAlerts(report *models.DeviceReport) {
	if report.Speed != nil && *report.Speed > p.cfg.SpeedAlertKMH {
		p.alertSink.Emit(models.AlertEvent{
			Level:     models.AlertWarn,
			Category:  "speed-exceeded",
			Message:   fmt.Sprintf("device %s exceeded speed alert threshold", report.DeviceID),
			Metric:    "speedKmh",
			Value:     *report.Speed,
			Threshold: p.cfg.SpeedAlertKMH,
		})
	}

	if transform.NormalizeIgnition(report.Ignition) == models.IgnitionOn && inQuietHours(p.cfg.QuietHoursStart, p.cfg.QuietHoursEnd, time.Now()) {
		p.alertSink.Emit(models.AlertEvent{
			Level:    models.AlertInfo,
			Category: "ignition-quiet-hours",
			Message:  fmt.Sprintf("device %s ignition ON during quiet hours", report.DeviceID),
		})
	}
}

// inQuietHours reports whether t's local hour falls within [start, end),
// wrapping past midnight when start > end (e.g. 22:00-06:00).
func inQuietHours(start, end int, t time.Time) bool {
	hour := t.Hour()
	if start == end {
		return false
	}
	if start > end {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

// Snapshot returns a point-in-time copy of the processor's outcome
// counters, used by HealthMonitor's invalid-message-rate check and
// operational metrics.
func (p *Processor) Snapshot() Counters {
	return Counters{
		Total:           atomic.LoadUint64(&p.total),
		OK:              atomic.LoadUint64(&p.ok),
		Invalid:         atomic.LoadUint64(&p.invalid),
		UnknownVehicle:  atomic.LoadUint64(&p.unknownVehicle),
		BindingMismatch: atomic.LoadUint64(&p.bindingMismatch),
		Rejected:        atomic.LoadUint64(&p.rejected),
	}
}
