package receiver

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/models"
)

func TestExtractDeviceIDFromTopic(t *testing.T) {
	require.Equal(t, "abc123", extractDeviceIDFromTopic("fleet/device/abc123/location"))
	require.Empty(t, extractDeviceIDFromTopic("fleet/no-device-segment"))
}

func TestSanitizeTopic(t *testing.T) {
	require.Equal(t, "devices___location_", sanitizeTopic("devices/+/location#"))
}

func TestParseCSV_MinimalFields(t *testing.T) {
	wr, err := parseCSV("dev-1,12.97,77.59")
	require.NoError(t, err)
	require.Equal(t, "dev-1", wr.DeviceID)
	require.Equal(t, 12.97, wr.Latitude.Float64())
	require.Equal(t, 77.59, wr.Longitude.Float64())
}

func TestParseCSV_FullFields(t *testing.T) {
	wr, err := parseCSV("dev-1,12.97,77.59,45.5,180,2026-07-29 10:15:00")
	require.NoError(t, err)
	require.NotNil(t, wr.Speed.FloatPtr())
	require.Equal(t, 45.5, *wr.Speed.FloatPtr())
	require.Equal(t, "2026-07-29 10:15:00", wr.Timestamp)
}

func TestParseCSV_TooFewFields(t *testing.T) {
	_, err := parseCSV("dev-1,12.97")
	require.Error(t, err, "expected error for too few csv fields")
}

func TestMessageReceiver_IngestJSONPayload(t *testing.T) {
	var mu sync.Mutex
	var flushed []*models.DeviceReport

	r := New(zap.NewNop(), func(batch []*models.DeviceReport) {
		mu.Lock()
		flushed = append(flushed, batch...)
		mu.Unlock()
	})
	defer r.Close()

	payload := []byte(`{"deviceId":"dev-9","imei":"123456789012345","latitude":12.9,"longitude":77.5,"timestamp":"2026-07-29 10:00:00"}`)
	require.NoError(t, r.Ingest("fleet/device/dev-9/location", payload, time.Now()))

	r.flush()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 1)
	require.Equal(t, "dev-9", flushed[0].DeviceID)
}

func TestMessageReceiver_IngestJSONPayloadWithQuotedNumbers(t *testing.T) {
	var mu sync.Mutex
	var flushed []*models.DeviceReport

	r := New(zap.NewNop(), func(batch []*models.DeviceReport) {
		mu.Lock()
		flushed = append(flushed, batch...)
		mu.Unlock()
	})
	defer r.Close()

	payload := []byte(`{"deviceId":"dev-9","imei":"123456789012345","latitude":"12.97","longitude":"77.59","speed":"40","heading":"90","gsmStrength":"28","timestamp":"2026-07-29 10:00:00"}`)
	require.NoError(t, r.Ingest("fleet/device/dev-9/location", payload, time.Now()), "quoted-number fields must still decode")

	r.flush()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 1)
	report := flushed[0]
	require.Equal(t, 12.97, report.Latitude)
	require.Equal(t, 77.59, report.Longitude)
	require.NotNil(t, report.Speed)
	require.Equal(t, 40.0, *report.Speed)
	require.NotNil(t, report.Heading)
	require.Equal(t, 90.0, *report.Heading)
	require.NotNil(t, report.GSMStrength)
	require.Equal(t, 28, *report.GSMStrength)
}

func TestFlexNumber_UnmarshalJSON(t *testing.T) {
	var quoted flexNumber
	require.NoError(t, quoted.UnmarshalJSON([]byte(`"12.97"`)))
	require.Equal(t, 12.97, quoted.Float64())

	var bare flexNumber
	require.NoError(t, bare.UnmarshalJSON([]byte(`40`)))
	require.Equal(t, 40.0, bare.Float64())

	var null flexNumber
	require.NoError(t, null.UnmarshalJSON([]byte(`null`)))
	require.Nil(t, null.FloatPtr())

	var empty flexNumber
	require.NoError(t, empty.UnmarshalJSON([]byte(`""`)))
	require.Nil(t, empty.FloatPtr())

	var invalid flexNumber
	require.Error(t, invalid.UnmarshalJSON([]byte(`"not-a-number"`)))
}

func TestMessageReceiver_IngestHexWrappedJSON(t *testing.T) {
	r := New(zap.NewNop(), nil)
	defer r.Close()

	jsonPayload := []byte(`{"deviceId":"hx1","latitude":1,"longitude":2,"timestamp":"2026-07-29 10:00:00"}`)
	encoded := toHex(jsonPayload)
	require.NoError(t, r.Ingest("fleet/device/hx1/location", []byte(encoded), time.Now()), "decoding hex payload")

	_, ok := r.Stats("hx1")
	require.True(t, ok, "expected hex-decoded device to be tracked")
}

func toHex(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

func TestMessageReceiver_TracksDeviceStats(t *testing.T) {
	r := New(zap.NewNop(), nil)
	defer r.Close()

	payload := []byte(`{"deviceId":"dev-9","imei":"123456789012345","latitude":12.9,"longitude":77.5,"timestamp":"2026-07-29 10:00:00"}`)
	require.NoError(t, r.Ingest("fleet/device/dev-9/location", payload, time.Now()))

	stats, ok := r.Stats("dev-9")
	require.True(t, ok, "expected device stats to be tracked")
	require.EqualValues(t, 1, stats.MessageCount)
}

func TestMessageReceiver_EvictsInactiveDevices(t *testing.T) {
	r := New(zap.NewNop(), nil)
	defer r.Close()

	r.trackDevice("stale-device", time.Now().Add(-48*time.Hour))
	r.evictInactive(time.Now())

	_, ok := r.Stats("stale-device")
	require.False(t, ok, "expected stale device to be evicted")
}
