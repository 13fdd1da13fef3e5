// Package mqttpool implements the pooled MQTT connectivity layer:
// ConnectionManager owns a single broker session's lifecycle (connect,
// subscribe, retry-with-backoff, disconnect); ConnectionPool owns a
// scaling set of ConnectionManagers and exposes a single guarded
// Publish surface to the rest of the ingestion core. Both are
// generalized from the teacher's internal/utils.MQTTClient, split along
// the lines the teacher's own comments flagged as missing: one
// reconnect-capable session per pooled slot instead of one global client.
package mqttpool

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/config"
	"github.com/fleettrack/ingestion-core/internal/models"
)

// MessageHandler is invoked for every inbound message a session
// receives on a subscribed topic.
type MessageHandler func(topic string, payload []byte, receivedAt time.Time)

// ConnectionManager owns exactly one MQTT broker session: its paho
// client, retry policy, and subscribed topic set. It is borrowed
// transiently by the ConnectionPool for publish and is never shared
// concurrently for writes to the same underlying session.
type ConnectionManager struct {
	cfg      config.MQTTConfig
	clientID string
	client   mqtt.Client
	logger   *zap.Logger
	handler  MessageHandler

	mu      sync.Mutex
	session models.MqttSession
}

// NewConnectionManager builds a manager around a fresh paho client with
// a unique clientId suffix, auto-reconnect disabled so retry policy
// stays under our control, matching the teacher's SetAutoReconnect(false)
// pattern.
func NewConnectionManager(cfg config.MQTTConfig, logger *zap.Logger, handler MessageHandler) *ConnectionManager {
	clientID := fmt.Sprintf("%s-%s", cfg.ClientIDBase, uuid.NewString())

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(cfg.KeepAliveInterval)
	opts.SetConnectTimeout(cfg.ConnectionTimeout)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetOrderMatters(false)

	cm := &ConnectionManager{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger.With(zap.String("clientId", clientID)),
		handler:  handler,
		session: models.MqttSession{
			ClientID:          clientID,
			State:             models.SessionUninit,
			AssignedDeviceIDs: make(map[string]struct{}),
		},
	}
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				cm.logger.Error("mqtt message handler panicked", zap.Any("panic", r))
			}
		}()
		if cm.handler != nil {
			cm.handler(msg.Topic(), msg.Payload(), time.Now())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		cm.setState(models.SessionDisconnected)
		cm.logger.Warn("mqtt connection lost", zap.Error(err))
	})
	cm.client = mqtt.NewClient(opts)
	return cm
}

const (
	maxConnectAttempts = 5
	initialBackoff     = 1 * time.Second
	maxBackoff         = 32 * time.Second
	backoffMultiplier  = 2
	jitterFactor       = 0.10
)

// Connect dials the broker with bounded retry and jittered exponential
// backoff, then subscribes to the configured topics.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.setState(models.SessionConnecting)

	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		token := cm.client.Connect()
		if !token.WaitTimeout(cm.cfg.ConnectionTimeout) {
			lastErr = fmt.Errorf("connect attempt %d timed out", attempt)
		} else if err := token.Error(); err != nil {
			lastErr = err
		} else {
			lastErr = nil
			break
		}

		if isNonRetryableConnectError(lastErr) {
			cm.setState(models.SessionDisconnected)
			return fmt.Errorf("connect to %s: non-retryable: %w", cm.cfg.BrokerURL, lastErr)
		}

		cm.logger.Warn("mqtt connect attempt failed", zap.Int("attempt", attempt), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitteredBackoff(attempt)):
		}
	}
	if lastErr != nil {
		cm.setState(models.SessionDisconnected)
		return fmt.Errorf("connect to %s failed after %d attempts: %w", cm.cfg.BrokerURL, maxConnectAttempts, lastErr)
	}

	if err := cm.subscribeAll(); err != nil {
		return err
	}
	cm.mu.Lock()
	cm.session.State = models.SessionConnected
	cm.session.ConnectedAt = time.Now()
	cm.mu.Unlock()
	return nil
}

// isNonRetryableConnectError reports whether err represents one of the
// fatal classes the connect retry loop must surface immediately:
// invalid clientId, auth failure, or an unsupported protocol version.
func isNonRetryableConnectError(err error) bool {
	if err == nil {
		return false
	}
	switch err {
	case mqtt.ErrNotConnected:
		return false
	}
	switch msg := strings.ToLower(err.Error()); {
	case strings.Contains(msg, "identifier rejected"),
		strings.Contains(msg, "not authorized"),
		strings.Contains(msg, "bad user name or password"),
		strings.Contains(msg, "unacceptable protocol version"):
		return true
	default:
		return false
	}
}

// jitteredBackoff computes min(INITIAL*MULT^(attempt-1), MAX) with a
// uniform ±JITTER_FACTOR jitter, per the connection manager's retry
// policy.
func jitteredBackoff(attempt int) time.Duration {
	backoff := initialBackoff * time.Duration(math.Pow(backoffMultiplier, float64(attempt-1)))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	jitterRange := float64(backoff) * jitterFactor
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return time.Duration(float64(backoff) + jitter)
}

func (cm *ConnectionManager) subscribeAll() error {
	for _, topic := range cm.cfg.Topics {
		token := cm.client.Subscribe(topic, 1, nil)
		if !token.WaitTimeout(cm.cfg.ConnectionTimeout) {
			return fmt.Errorf("subscribe to %s timed out", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		cm.mu.Lock()
		cm.session.SubscribedTopics = append(cm.session.SubscribedTopics, topic)
		cm.mu.Unlock()
	}
	return nil
}

// Publish sends a non-retained payload with a fixed QoS of 1.
func (cm *ConnectionManager) Publish(topic string, payload []byte) error {
	token := cm.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(cm.cfg.ConnectionTimeout) {
		atomic.AddUint64(&cm.session.FailureCount, 1)
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		atomic.AddUint64(&cm.session.FailureCount, 1)
		return err
	}
	atomic.AddUint64(&cm.session.PublishCount, 1)
	cm.mu.Lock()
	cm.session.LastUsedAt = time.Now()
	cm.mu.Unlock()
	return nil
}

// IsConnected reports the underlying paho client's connection state.
func (cm *ConnectionManager) IsConnected() bool {
	return cm.client.IsConnected()
}

// Disconnect unsubscribes and tears down the session, matching the
// teacher's Disconnect cleanup sequence (unsubscribe, then
// client.Disconnect).
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	topics := append([]string(nil), cm.session.SubscribedTopics...)
	cm.mu.Unlock()

	if cm.client.IsConnected() && len(topics) > 0 {
		token := cm.client.Unsubscribe(topics...)
		token.WaitTimeout(5 * time.Second)
	}
	cm.client.Disconnect(1000)
	cm.setState(models.SessionClosed)
}

func (cm *ConnectionManager) setState(s models.SessionState) {
	cm.mu.Lock()
	cm.session.State = s
	cm.mu.Unlock()
}

// State returns a snapshot of the session's current lifecycle state.
func (cm *ConnectionManager) State() models.SessionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.session.State
}

// Session returns a snapshot copy of the underlying MqttSession.
func (cm *ConnectionManager) Session() models.MqttSession {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	snap := cm.session
	snap.SubscribedTopics = append([]string(nil), cm.session.SubscribedTopics...)
	return snap
}

// AssignDevice records that a deviceId has been routed to this
// connection, for the pool's devices-per-connection scaling heuristic.
func (cm *ConnectionManager) AssignDevice(deviceID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.session.AssignedDeviceIDs == nil {
		cm.session.AssignedDeviceIDs = make(map[string]struct{})
	}
	cm.session.AssignedDeviceIDs[deviceID] = struct{}{}
}

// AssignedDeviceCount reports how many devices are currently routed to
// this connection.
func (cm *ConnectionManager) AssignedDeviceCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.session.AssignedDeviceIDs)
}
