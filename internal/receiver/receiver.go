// Package receiver implements the inbound path from subscribed MQTT
// topics into the Processor: payload decoding (JSON, CSV, or hex-wrapped
// JSON), deviceId extraction, per-device first/last-seen tracking, and
// size/age-triggered batching.
package receiver

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/models"
	"github.com/fleettrack/ingestion-core/internal/transform"
)

const (
	// BatchSize is the size trigger for flushing the inbound batch queue.
	BatchSize = 100
	// MaxBatchWait is the age trigger for flushing the inbound batch queue.
	MaxBatchWait = 2 * time.Second
	// InactiveDeviceTTL is how long a device may go silent before its
	// tracking entry is evicted.
	InactiveDeviceTTL = 24 * time.Hour
)

// flexNumber decodes a JSON number that may arrive as a bare numeric
// literal or as a quoted string, matching the firmware's inconsistent
// numeric-vs-string encoding of fields like latitude/speed/gsmStrength
// (spec §8's own worked example sends them quoted). A missing, null, or
// empty-string value decodes as "unset" rather than zero.
type flexNumber struct {
	value float64
	set   bool
}

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		n.set = false
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("flexNumber: %w", err)
		}
		s = strings.TrimSpace(unquoted)
		if s == "" {
			n.set = false
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("flexNumber: cannot parse %q as a number: %w", s, err)
	}
	n.value, n.set = v, true
	return nil
}

func flexNumberOf(v float64) flexNumber { return flexNumber{value: v, set: true} }

// Float64 returns the decoded value, or 0 if unset.
func (n flexNumber) Float64() float64 { return n.value }

// FloatPtr returns a pointer to the decoded value, or nil if unset.
func (n flexNumber) FloatPtr() *float64 {
	if !n.set {
		return nil
	}
	v := n.value
	return &v
}

// IntPtr returns a pointer to the decoded value truncated to int, or nil
// if unset.
func (n flexNumber) IntPtr() *int {
	if !n.set {
		return nil
	}
	v := int(n.value)
	return &v
}

// wireReport is the raw JSON shape a device may publish; fields are
// strings/loosely-typed because firmware is inconsistent about
// numeric-vs-string encoding. Latitude/Longitude/Speed/Heading/
// GSMStrength accept either a bare number or a quoted numeric string.
type wireReport struct {
	DeviceID       string     `json:"deviceId"`
	IMEI           string     `json:"imei"`
	Latitude       flexNumber `json:"latitude"`
	Longitude      flexNumber `json:"longitude"`
	Speed          flexNumber `json:"speed"`
	Heading        flexNumber `json:"heading"`
	Ignition       string     `json:"ignition"`
	Status         string     `json:"status"`
	VehicleStatus  string     `json:"vehicleStatus"`
	GSMStrength    flexNumber `json:"gsmStrength"`
	Timestamp      string     `json:"timestamp"`
	AdditionalData string     `json:"additionalData"`
	TimeIntervals  string     `json:"timeIntervals"`
}

// DeviceStats tracks per-device traffic for observability and eviction.
type DeviceStats struct {
	FirstSeen    time.Time
	LastSeen     time.Time
	MessageCount uint64
	announced    bool
}

// BatchHandler receives a flushed batch of decoded reports.
type BatchHandler func(batch []*models.DeviceReport)

// MessageReceiver decodes inbound wire payloads, tracks per-device
// traffic, and batches decoded reports for the Processor.
type MessageReceiver struct {
	logger  *zap.Logger
	onFlush BatchHandler

	mu      sync.Mutex
	queue   []*models.DeviceReport
	oldest  time.Time

	devicesMu sync.Mutex
	devices   map[string]*DeviceStats

	lastMessageAtNanos int64
	hexConversions     uint64
	decodeFailures     uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a MessageReceiver. onFlush is invoked on a new
// goroutine for each flushed batch; callers must treat the batch as
// owned by the callback once received.
func New(logger *zap.Logger, onFlush BatchHandler) *MessageReceiver {
	r := &MessageReceiver{
		logger:  logger,
		onFlush: onFlush,
		devices: make(map[string]*DeviceStats),
		stopCh:  make(chan struct{}),
	}
	r.wg.Add(2)
	go r.flushLoop()
	go r.evictionLoop()
	return r
}

// Ingest decodes one raw inbound payload from topic and enqueues the
// result for batching. Empty payloads are skipped silently.
func (r *MessageReceiver) Ingest(topic string, payload []byte, receivedAt time.Time) error {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return nil
	}

	atomic.StoreInt64(&r.lastMessageAtNanos, receivedAt.UnixNano())

	report, err := r.decode(topic, text)
	if err != nil {
		atomic.AddUint64(&r.decodeFailures, 1)
		return fmt.Errorf("decode payload from topic %q: %w", topic, err)
	}

	r.trackDevice(report.DeviceID, receivedAt)
	r.enqueue(report)
	return nil
}

func (r *MessageReceiver) decode(topic, text string) (*models.DeviceReport, error) {
	if transform.IsHexPayload(text) {
		decoded, err := transform.DecodeHexToASCII(text)
		if err != nil {
			return nil, fmt.Errorf("hex decode: %w", err)
		}
		text = decoded
		atomic.AddUint64(&r.hexConversions, 1)
	}
	text = transform.CleanPayload(text)

	var wr wireReport
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &wr); err != nil {
			return nil, fmt.Errorf("json decode: %w", err)
		}
	} else {
		parsed, err := parseCSV(text)
		if err != nil {
			return nil, err
		}
		wr = *parsed
	}

	deviceID := wr.DeviceID
	if deviceID == "" {
		deviceID = extractDeviceIDFromTopic(topic)
	}
	if deviceID == "" {
		deviceID = sanitizeTopic(topic)
	}

	return &models.DeviceReport{
		DeviceID:       deviceID,
		IMEI:           wr.IMEI,
		Latitude:       wr.Latitude.Float64(),
		Longitude:      wr.Longitude.Float64(),
		Speed:          wr.Speed.FloatPtr(),
		Heading:        wr.Heading.FloatPtr(),
		Ignition:       wr.Ignition,
		Status:         wr.Status,
		VehicleStatus:  wr.VehicleStatus,
		GSMStrength:    wr.GSMStrength.IntPtr(),
		RawTimestamp:   wr.Timestamp,
		AdditionalData: wr.AdditionalData,
		TimeIntervals:  wr.TimeIntervals,
	}, nil
}

// parseCSV parses the custom CSV form: deviceId,lat,lon[,speed,heading,ts]
func parseCSV(line string) (*wireReport, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 3 {
		return nil, fmt.Errorf("csv payload requires at least deviceId,lat,lon, got %d fields", len(fields))
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("csv latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return nil, fmt.Errorf("csv longitude: %w", err)
	}
	wr := &wireReport{DeviceID: strings.TrimSpace(fields[0]), Latitude: flexNumberOf(lat), Longitude: flexNumberOf(lon)}
	if len(fields) > 3 && strings.TrimSpace(fields[3]) != "" {
		speed, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
		if err == nil {
			wr.Speed = flexNumberOf(speed)
		}
	}
	if len(fields) > 4 && strings.TrimSpace(fields[4]) != "" {
		heading, err := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
		if err == nil {
			wr.Heading = flexNumberOf(heading)
		}
	}
	if len(fields) > 5 {
		wr.Timestamp = strings.TrimSpace(fields[5])
	}
	return wr, nil
}

// extractDeviceIDFromTopic pulls a deviceId out of a "device/{id}/..."
// style topic segment.
func extractDeviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		if p == "device" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// sanitizeTopic produces a deviceId-safe fallback out of an entire topic
// string, when no structured deviceId is present anywhere else.
func sanitizeTopic(topic string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(topic)
}

func (r *MessageReceiver) enqueue(report *models.DeviceReport) {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.oldest = time.Now()
	}
	r.queue = append(r.queue, report)
	shouldFlush := len(r.queue) >= BatchSize
	r.mu.Unlock()

	if shouldFlush {
		r.flush()
	}
}

func (r *MessageReceiver) flush() {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	if r.onFlush != nil {
		go r.onFlush(batch)
	}
}

func (r *MessageReceiver) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(MaxBatchWait / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			r.flush()
			return
		case <-ticker.C:
			r.mu.Lock()
			age := time.Since(r.oldest)
			hasItems := len(r.queue) > 0
			r.mu.Unlock()
			if hasItems && age >= MaxBatchWait {
				r.flush()
			}
		}
	}
}

func (r *MessageReceiver) trackDevice(deviceID string, seenAt time.Time) {
	r.devicesMu.Lock()
	defer r.devicesMu.Unlock()

	stats, ok := r.devices[deviceID]
	if !ok {
		stats = &DeviceStats{FirstSeen: seenAt}
		r.devices[deviceID] = stats
	}
	stats.LastSeen = seenAt
	stats.MessageCount++
	if !stats.announced {
		stats.announced = true
		r.logger.Info("new device observed", zap.String("deviceId", deviceID))
	}
}

func (r *MessageReceiver) evictionLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.evictInactive(time.Now())
		}
	}
}

func (r *MessageReceiver) evictInactive(now time.Time) {
	r.devicesMu.Lock()
	defer r.devicesMu.Unlock()
	for id, stats := range r.devices {
		if now.Sub(stats.LastSeen) > InactiveDeviceTTL {
			delete(r.devices, id)
		}
	}
}

// Stats returns a snapshot of a device's traffic counters, or false if
// the device has not been observed (or has been evicted).
func (r *MessageReceiver) Stats(deviceID string) (DeviceStats, bool) {
	r.devicesMu.Lock()
	defer r.devicesMu.Unlock()
	stats, ok := r.devices[deviceID]
	if !ok {
		return DeviceStats{}, false
	}
	return *stats, true
}

// TrackedDeviceCount returns how many devices currently have a tracking
// entry, used by HealthMonitor's active-device checks.
func (r *MessageReceiver) TrackedDeviceCount() int {
	r.devicesMu.Lock()
	defer r.devicesMu.Unlock()
	return len(r.devices)
}

// LastMessageAt returns the receive time of the most recent inbound
// message, or the zero time if none has arrived yet. HealthMonitor uses
// this for the "no message for >5 min" issue check.
func (r *MessageReceiver) LastMessageAt() time.Time {
	nanos := atomic.LoadInt64(&r.lastMessageAtNanos)
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// HexConversions reports how many inbound payloads were hex-decoded
// before parsing, matching scenario 4's hexConversions counter.
func (r *MessageReceiver) HexConversions() uint64 {
	return atomic.LoadUint64(&r.hexConversions)
}

// DecodeFailures reports how many inbound payloads failed to decode as
// JSON, CSV, or hex-wrapped JSON.
func (r *MessageReceiver) DecodeFailures() uint64 {
	return atomic.LoadUint64(&r.decodeFailures)
}

// Close stops the flush and eviction loops, forcing a final flush of
// any queued reports.
func (r *MessageReceiver) Close() {
	close(r.stopCh)
	r.wg.Wait()
}
