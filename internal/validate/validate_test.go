package validate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleettrack/ingestion-core/internal/models"
)

func validReport() *models.DeviceReport {
	return &models.DeviceReport{
		DeviceID:     "dev-001",
		IMEI:         "123456789012345",
		Latitude:     12.9716,
		Longitude:    77.5946,
		Status:       "moving",
		Ignition:     "ON",
		RawTimestamp: "2026-07-29 10:15:00",
	}
}

func TestValidate_Valid(t *testing.T) {
	res := Validate(validReport())
	require.True(t, res.OK(), "expected valid report to pass, got: %v", res.Err)
	require.Empty(t, res.Warnings)
}

func TestValidate_RejectsEmptyStatus(t *testing.T) {
	r := validReport()
	r.Status = ""
	res := Validate(r)
	require.False(t, res.OK(), "expected empty status to be rejected")
}

func TestValidate_RejectsBadTimestampFormat(t *testing.T) {
	r := validReport()
	r.RawTimestamp = "29/07/2026 10:15"
	res := Validate(r)
	require.False(t, res.OK(), "expected malformed timestamp to be rejected")
}

func TestValidate_WarnsOnOutOfRangeSpeed(t *testing.T) {
	r := validReport()
	bad := 400.0
	r.Speed = &bad
	res := Validate(r)
	require.True(t, res.OK(), "out-of-range speed should warn, not reject: %v", res.Err)
	require.Len(t, res.Warnings, 1)
	require.Equal(t, "speed", res.Warnings[0].Field)
}

func TestValidate_WarnsOnOutOfRangeHeading(t *testing.T) {
	r := validReport()
	bad := 400.0
	r.Heading = &bad
	res := Validate(r)
	require.True(t, res.OK(), "out-of-range heading should warn, not reject: %v", res.Err)
	require.Len(t, res.Warnings, 1)
	require.Equal(t, "heading", res.Warnings[0].Field)
}

func TestValidate_WarnsOnUnrecognizedIgnition(t *testing.T) {
	r := validReport()
	r.Ignition = "maybe"
	res := Validate(r)
	require.True(t, res.OK(), "unrecognized ignition should warn, not reject: %v", res.Err)

	found := false
	for _, w := range res.Warnings {
		if w.Field == "ignition" {
			found = true
		}
	}
	require.True(t, found, "expected ignition warning, got: %v", res.Warnings)
}

func TestValidate_WarnsOnSuspiciousOrigin(t *testing.T) {
	r := validReport()
	r.Latitude = 0.0000001
	r.Longitude = 0.0000001
	res := Validate(r)
	require.True(t, res.OK(), "suspicious origin should warn, not reject: %v", res.Err)

	found := false
	for _, w := range res.Warnings {
		if w.Field == "coordinates" {
			found = true
		}
	}
	require.True(t, found, "expected coordinates warning, got: %v", res.Warnings)
}

func TestValidateBatch_SummaryCounts(t *testing.T) {
	good := validReport()
	bad := validReport()
	bad.Status = ""

	results, summary := ValidateBatch([]*models.DeviceReport{good, bad})
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 1, summary.OK)
	require.Equal(t, 1, summary.Failed)
	require.True(t, results[0].OK())
	require.False(t, results[1].OK())
}
