package models

import (
	"errors"
	"sync"
	"time"
)

// ErrDeviceIDMismatch is returned when a report for a known IMEI carries
// a different deviceId than the one it was first bound with (I3).
var ErrDeviceIDMismatch = errors.New("device id does not match vehicle's bound device id")

// Vehicle is the read-through record identifying a physical tracking
// unit. DeviceID is empty until the first successful report binds it;
// after that, binding is stable for the lifetime of the Vehicle.
type Vehicle struct {
	IMEI          string
	DeviceID      string // empty until bound
	VehicleNumber string
	VehicleID     string

	mu sync.Mutex
}

// Bind attempts to associate deviceID with this vehicle. If the vehicle
// already has a bound deviceId, the call succeeds only when it matches;
// otherwise it enforces I3 and returns ErrDeviceIDMismatch.
func (v *Vehicle) Bind(deviceID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.DeviceID == "" {
		v.DeviceID = deviceID
		return nil
	}
	if v.DeviceID != deviceID {
		return ErrDeviceIDMismatch
	}
	return nil
}

// BoundDeviceID returns the vehicle's currently bound deviceId, if any.
func (v *Vehicle) BoundDeviceID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.DeviceID
}

// HistoryRecord is an immutable, append-only snapshot of a DeviceReport
// once it has been bound to a Vehicle. It is enqueued by the Processor,
// persisted exactly once by the BatchPersister (I1), and never updated.
type HistoryRecord struct {
	ID            string // surrogate id; transform.Apply leaves it empty
	VehicleID     string
	DeviceID      string
	IMEI          string
	Latitude      float64
	Longitude     float64
	Speed         *float64
	Heading       *float64
	Ignition      string
	Status        string
	VehicleStatus string
	GSMStrength   *int
	RawTimestamp  string
	RecordedAt    time.Time

	// AdditionalData carries the report's additionalData field verbatim.
	// AdditionalDataFlags is populated only when AdditionalData is a pure
	// binary string and decodes cleanly into the eight named flags;
	// otherwise it is nil and AdditionalData is the passthrough value.
	AdditionalData      string
	AdditionalDataFlags *AdditionalDataFlags
}

// LastLocation is the single latest-known-position record per vehicle,
// keyed preferentially by IMEI (falling back to deviceId when IMEI is
// unavailable). Writes are serialized per device and must never
// overwrite a newer Timestamp with an older one (I2).
type LastLocation struct {
	IMEI      string
	DeviceID  string
	Latitude  float64
	Longitude float64
	Speed     *float64
	Heading   *float64
	Status    string
	Ignition  string
	Timestamp time.Time
}

// Newer reports whether candidate's timestamp is strictly after l's,
// the gate LocationStore uses before accepting an upsert (I2).
func (l *LastLocation) Newer(candidate time.Time) bool {
	return l == nil || candidate.After(l.Timestamp)
}
