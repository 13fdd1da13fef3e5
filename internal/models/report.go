// Package models defines the domain entities shared by every ingestion
// component: the raw DeviceReport decoded off the wire, the Vehicle and
// LastLocation records that live behind the cache and store, the
// append-only HistoryRecord, and the MqttSession/AlertEvent types used
// by the pool and health monitor.
package models

import (
	"errors"
	"fmt"
	"strings"
)

// Coordinate bounds, mirrored from the teacher's location validation.
const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0

	MinSpeedKMH = 0.0
	MaxSpeedKMH = 300.0

	MinHeadingDeg = 0.0
	MaxHeadingDeg = 360.0

	MinGSMStrength = 0
	MaxGSMStrength = 31

	// RawTimestampLayout is the wall-clock layout device firmware emits;
	// the value is stored verbatim alongside its parsed form.
	RawTimestampLayout = "2006-01-02 15:04:05"

	IgnitionOn      = "ON"
	IgnitionOff     = "OFF"
	IgnitionUnknown = ""
)

// ErrInvalidReport is returned by Validate when a DeviceReport fails a
// critical (non-warning) structural or semantic check.
type ErrInvalidReport struct {
	Field  string
	Reason string
}

func (e *ErrInvalidReport) Error() string {
	return fmt.Sprintf("invalid device report field %q: %s", e.Field, e.Reason)
}

// DeviceReport is the semantic, decoded form of a single wire message
// from a tracking device. It is created once by the receiver's payload
// decoder, consumed once by the Processor, and never retained beyond
// the batch that carried it.
type DeviceReport struct {
	DeviceID        string
	IMEI            string
	Latitude        float64
	Longitude       float64
	Speed           *float64
	Heading         *float64
	Ignition        string
	Status          string
	VehicleStatus   string
	GSMStrength     *int
	RawTimestamp    string
	AdditionalData  string
	TimeIntervals   string
}

// AdditionalDataFlags are the eight named boolean flags decoded from a
// pure binary additionalData string (bit0 first): crossed-speed-
// threshold, a >30° heading change, theft/towing, sharp turning,
// distance-change, roaming, harsh acceleration, and harsh braking.
type AdditionalDataFlags struct {
	SpeedCrossed      bool `json:"speedCrossed"`
	AngleChangeOver30 bool `json:"angleChangeOver30"`
	TheftOrTowing     bool `json:"theftOrTowing"`
	SharpTurning      bool `json:"sharpTurning"`
	DistanceChange    bool `json:"distanceChange"`
	Roaming           bool `json:"roaming"`
	HarshAcceleration bool `json:"harshAcceleration"`
	HarshBraking      bool `json:"harshBraking"`
}

// Validate performs the structural checks every DeviceReport must pass
// before a Processor will bind it to a Vehicle. It returns the first
// critical error found; warning-level issues are the Validator's
// responsibility, not this method's.
func (r *DeviceReport) Validate() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return &ErrInvalidReport{Field: "deviceId", Reason: "must not be empty"}
	}
	if len(r.IMEI) != 15 {
		return &ErrInvalidReport{Field: "imei", Reason: "must be exactly 15 digits"}
	}
	for _, c := range r.IMEI {
		if c < '0' || c > '9' {
			return &ErrInvalidReport{Field: "imei", Reason: "must contain only ASCII digits"}
		}
	}
	if r.Latitude < MinLatitude || r.Latitude > MaxLatitude {
		return &ErrInvalidReport{Field: "latitude", Reason: fmt.Sprintf("%.6f out of range", r.Latitude)}
	}
	if r.Longitude < MinLongitude || r.Longitude > MaxLongitude {
		return &ErrInvalidReport{Field: "longitude", Reason: fmt.Sprintf("%.6f out of range", r.Longitude)}
	}
	// Speed, heading, and gsmStrength out-of-range values are
	// warning-level per the component design (§4.3); the Validator
	// classifies them, this method never rejects on them.
	if strings.TrimSpace(r.RawTimestamp) == "" {
		return &ErrInvalidReport{Field: "timestamp", Reason: "must not be empty"}
	}
	return nil
}

var errVehicleNotResolved = errors.New("vehicle not resolved for report")

// ErrVehicleNotResolved is returned when a DeviceReport cannot be bound
// to any known Vehicle (enforces I4: only resolvable reports progress).
func ErrVehicleNotResolved() error { return errVehicleNotResolved }
