package mqttpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/config"
)

// ErrPoolExhausted is returned when Acquire finds no connected
// ConnectionManager. Acquire does not wait for one to become available;
// AcquireTimeout only bounds the connect attempts made while dialing.
var ErrPoolExhausted = errors.New("mqttpool: no healthy connection available")

// ConnectionPool owns a scaling set of ConnectionManagers and exposes a
// single Publish surface guarded by a gobreaker.CircuitBreaker, the
// generalization of the teacher's single mqtt.Client into the fleet-scale
// pooled design called for by the component design.
type ConnectionPool struct {
	cfg     config.PoolConfig
	mqttCfg config.MQTTConfig
	logger  *zap.Logger
	handler MessageHandler
	breaker *gobreaker.CircuitBreaker

	mu      sync.RWMutex
	conns   []*ConnectionManager
	next    int
	closed  bool

	scaleStop chan struct{}
	scaleWG   sync.WaitGroup

	connectSuccesses  uint64
	connectFailures   uint64
	connectNanosTotal uint64
}

// NewConnectionPool constructs a pool and dials its initial set of
// connections.
func NewConnectionPool(cfg config.PoolConfig, mqttCfg config.MQTTConfig, breakerCfg config.HealthConfig, logger *zap.Logger, handler MessageHandler) (*ConnectionPool, error) {
	p := &ConnectionPool{
		cfg:       cfg,
		mqttCfg:   mqttCfg,
		logger:    logger,
		handler:   handler,
		scaleStop: make(chan struct{}),
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mqtt-publish",
		MaxRequests: uint32(breakerCfg.CBHalfOpenMaxCalls),
		Interval:    0,
		Timeout:     breakerCfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(breakerCfg.CBFailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.AcquireTimeout*time.Duration(cfg.Initial+1))
	defer cancel()
	for i := 0; i < cfg.Initial; i++ {
		cm := NewConnectionManager(mqttCfg, logger, handler)
		start := time.Now()
		if err := cm.Connect(ctx); err != nil {
			p.recordConnectAttempt(false, time.Since(start))
			p.closeAll()
			return nil, fmt.Errorf("initial connection %d/%d: %w", i+1, cfg.Initial, err)
		}
		p.recordConnectAttempt(true, time.Since(start))
		p.conns = append(p.conns, cm)
	}

	p.scaleWG.Add(1)
	go p.scaleLoop()

	return p, nil
}

// Acquire returns the least-loaded healthy ConnectionManager for
// publishing or device assignment.
func (p *ConnectionPool) Acquire() (*ConnectionManager, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || len(p.conns) == 0 {
		return nil, ErrPoolExhausted
	}
	var best *ConnectionManager
	bestLoad := -1
	for _, cm := range p.conns {
		if !cm.IsConnected() {
			continue
		}
		load := cm.AssignedDeviceCount()
		if bestLoad == -1 || load < bestLoad {
			best = cm
			bestLoad = load
		}
	}
	if best == nil {
		return nil, ErrPoolExhausted
	}
	return best, nil
}

// Publish picks a healthy connection and publishes through the shared
// circuit breaker, so repeated broker failures trip mqtt-publish and
// spare the rest of the pipeline further futile attempts.
func (p *ConnectionPool) Publish(topic string, payload []byte) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		cm, acquireErr := p.Acquire()
		if acquireErr != nil {
			return nil, acquireErr
		}
		return nil, cm.Publish(topic, payload)
	})
	return err
}

// BreakerState exposes the mqtt-publish breaker's current state for the
// HealthMonitor.
func (p *ConnectionPool) BreakerState() gobreaker.State {
	return p.breaker.State()
}

// Size returns the current number of pooled connections.
func (p *ConnectionPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// HealthyCount returns how many pooled connections are currently
// connected, used by HealthMonitor's min-healthy-connections check.
func (p *ConnectionPool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, cm := range p.conns {
		if cm.IsConnected() {
			n++
		}
	}
	return n
}

// scaleLoop periodically grows or shrinks the pool by one connection
// per tick: when the average number of assigned devices per connection
// exceeds DevicesPerConn*ScaleUpThreshold, it adds a connection
// (bounded by Max); otherwise, while the pool is above Min, it removes
// one connection that has no assigned devices and is no longer
// connected. No other load signal (available count, message rate) is
// consulted.
func (p *ConnectionPool) scaleLoop() {
	defer p.scaleWG.Done()
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.scaleStop:
			return
		case <-ticker.C:
			p.rebalance()
		}
	}
}

func (p *ConnectionPool) rebalance() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	total := 0
	for _, cm := range p.conns {
		total += cm.AssignedDeviceCount()
	}
	avg := 0
	if len(p.conns) > 0 {
		avg = total / len(p.conns)
	}

	if avg > p.cfg.DevicesPerConn*p.cfg.ScaleUpThreshold && len(p.conns) < p.cfg.Max {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
		defer cancel()
		cm := NewConnectionManager(p.mqttCfg, p.logger, p.handler)
		start := time.Now()
		if err := cm.Connect(ctx); err != nil {
			p.recordConnectAttempt(false, time.Since(start))
			p.logger.Warn("pool scale-up connect failed", zap.Error(err))
			return
		}
		p.recordConnectAttempt(true, time.Since(start))
		p.conns = append(p.conns, cm)
		p.logger.Info("pool scaled up", zap.Int("size", len(p.conns)))
		return
	}

	if len(p.conns) > p.cfg.Min {
		for i, cm := range p.conns {
			if cm.AssignedDeviceCount() == 0 && !cm.IsConnected() {
				cm.Disconnect()
				p.conns = append(p.conns[:i], p.conns[i+1:]...)
				p.logger.Info("pool scaled down", zap.Int("size", len(p.conns)))
				return
			}
		}
	}
}

func (p *ConnectionPool) recordConnectAttempt(success bool, d time.Duration) {
	if success {
		atomic.AddUint64(&p.connectSuccesses, 1)
	} else {
		atomic.AddUint64(&p.connectFailures, 1)
	}
	atomic.AddUint64(&p.connectNanosTotal, uint64(d.Nanoseconds()))
}

// ConnectStats reports the running connect success/failure counts and
// average connect duration, used by HealthMonitor's connection success
// rate and average-connect-time checks.
func (p *ConnectionPool) ConnectStats() (successes, failures uint64, avg time.Duration) {
	successes = atomic.LoadUint64(&p.connectSuccesses)
	failures = atomic.LoadUint64(&p.connectFailures)
	total := successes + failures
	if total == 0 {
		return successes, failures, 0
	}
	avg = time.Duration(atomic.LoadUint64(&p.connectNanosTotal) / total)
	return successes, failures, avg
}

func (p *ConnectionPool) closeAll() {
	for _, cm := range p.conns {
		cm.Disconnect()
	}
	p.conns = nil
}

// Close stops the scaling loop and disconnects every pooled connection.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.scaleStop)
	p.scaleWG.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeAll()
}
