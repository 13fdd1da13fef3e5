package models

import "time"

// SessionState enumerates the lifecycle of an MqttSession as owned
// exclusively by the ConnectionPool.
type SessionState string

const (
	SessionUninit       SessionState = "UNINIT"
	SessionConnecting   SessionState = "CONNECTING"
	SessionConnected    SessionState = "CONNECTED"
	SessionDisconnected SessionState = "DISCONNECTED"
	SessionClosed       SessionState = "CLOSED"
)

// MqttSession tracks one pooled broker connection: its identity,
// lifecycle state, subscribed topics, and usage counters. A session is
// borrowed transiently for publish and must never be shared
// concurrently for writes.
type MqttSession struct {
	ClientID          string
	State             SessionState
	SubscribedTopics  []string
	PublishCount      uint64
	FailureCount      uint64
	LastUsedAt        time.Time
	ConnectedAt       time.Time
	AssignedDeviceIDs map[string]struct{}
}

// AlertLevel classifies an AlertEvent's severity.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarn     AlertLevel = "WARN"
	AlertCritical AlertLevel = "CRITICAL"
)

// AlertEvent is emitted by the HealthMonitor and Processor for
// consumption by an external alert sink (out of scope for this core).
type AlertEvent struct {
	Level         AlertLevel
	Category      string
	Message       string
	FirstDetected time.Time
	Metric        string
	Value         float64
	Threshold     float64
}

// LocationUpdate is the abstract broadcast event shape fanned out by
// the Broadcaster to downstream websocket subscribers: one JSON event
// per message, with no further wire framing guarantees.
type LocationUpdate struct {
	VehicleID           string               `json:"vehicleId"`
	DeviceID            string               `json:"deviceId"`
	IMEI                string               `json:"imei"`
	Latitude            float64              `json:"latitude"`
	Longitude           float64              `json:"longitude"`
	Speed               *float64             `json:"speed,omitempty"`
	Heading             *float64             `json:"course,omitempty"`
	Ignition            string               `json:"ignition,omitempty"`
	Status              string               `json:"status,omitempty"`
	VehicleStatus       string               `json:"vehicleStatus,omitempty"`
	GSMStrength         *int                 `json:"gsmStrength,omitempty"`
	AdditionalData      string               `json:"additionalData,omitempty"`
	AdditionalDataFlags *AdditionalDataFlags `json:"additionalDataFlags,omitempty"`
	TimeIntervals       string               `json:"timeIntervals,omitempty"`
	RawTimestamp        string               `json:"timestamp"`
}
