// Package validate performs structural and semantic validation of
// DeviceReport values without mutating them. Critical failures reject a
// record outright; warnings are surfaced for observability but do not
// block processing.
package validate

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fleettrack/ingestion-core/internal/models"
)

// Warning describes a non-fatal issue detected during validation.
type Warning struct {
	Field  string
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Field, w.Reason)
}

// Result carries the outcome of validating one DeviceReport.
type Result struct {
	Err      error
	Warnings []Warning
}

// OK reports whether the record passed critical validation.
func (r Result) OK() bool { return r.Err == nil }

const suspiciousOriginThreshold = 1e-6

// Validate applies the structural/semantic rule set to one report.
func Validate(r *models.DeviceReport) Result {
	if err := r.Validate(); err != nil {
		return Result{Err: err}
	}
	if strings.TrimSpace(r.Status) == "" {
		return Result{Err: &models.ErrInvalidReport{Field: "status", Reason: "must not be empty"}}
	}
	if _, err := time.ParseInLocation(models.RawTimestampLayout, strings.TrimSpace(r.RawTimestamp), time.Local); err != nil {
		return Result{Err: &models.ErrInvalidReport{Field: "timestamp", Reason: "does not match YYYY-MM-DD HH:MM:SS"}}
	}

	var warnings []Warning
	if r.Speed != nil && (*r.Speed < models.MinSpeedKMH || *r.Speed > models.MaxSpeedKMH) {
		warnings = append(warnings, Warning{Field: "speed", Reason: "out of 0..300 range"})
	}
	if r.Heading != nil && (*r.Heading < models.MinHeadingDeg || *r.Heading > models.MaxHeadingDeg) {
		warnings = append(warnings, Warning{Field: "heading", Reason: "out of 0..360 range"})
	}
	if r.GSMStrength != nil && (*r.GSMStrength < models.MinGSMStrength || *r.GSMStrength > models.MaxGSMStrength) {
		warnings = append(warnings, Warning{Field: "gsmStrength", Reason: "out of 0..31 range"})
	}
	if !recognizedIgnition(r.Ignition) {
		warnings = append(warnings, Warning{Field: "ignition", Reason: "unrecognized value, will normalize to OFF"})
	}
	if math.Abs(r.Latitude) < suspiciousOriginThreshold && math.Abs(r.Longitude) < suspiciousOriginThreshold {
		warnings = append(warnings, Warning{Field: "coordinates", Reason: "suspiciously close to (0,0)"})
	}

	return Result{Warnings: warnings}
}

var recognizedIgnitionValues = map[string]struct{}{
	"1": {}, "ON": {}, "TRUE": {}, "IGON": {}, "IG_ON": {}, "IGNITION_ON": {}, "ENGINE_ON": {}, "STARTED": {},
	"0": {}, "OFF": {}, "FALSE": {}, "IGOFF": {}, "IG_OFF": {}, "IGNITION_OFF": {}, "ENGINE_OFF": {}, "STOPPED": {},
}

func recognizedIgnition(raw string) bool {
	_, ok := recognizedIgnitionValues[strings.ToUpper(strings.TrimSpace(raw))]
	return ok
}

// BatchSummary aggregates the outcome of validating a slice of reports.
type BatchSummary struct {
	Total  int
	OK     int
	Failed int
}

// ValidateBatch validates each report in order and returns per-index
// results alongside a summary.
func ValidateBatch(reports []*models.DeviceReport) ([]Result, BatchSummary) {
	results := make([]Result, len(reports))
	summary := BatchSummary{Total: len(reports)}
	for i, r := range reports {
		res := Validate(r)
		results[i] = res
		if res.OK() {
			summary.OK++
		} else {
			summary.Failed++
		}
	}
	return results, summary
}
