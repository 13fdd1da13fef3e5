// Package config provides configuration loading and validation for the
// ingestion core: MQTT connectivity, connection pool sizing, batching,
// cache sizing, health/circuit-breaker thresholds, and processor alert
// rules. Settings are sourced from environment variables (and an optional
// YAML file) through viper, then aggregated into one frozen Config value.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MQTTConfig carries broker connectivity and session parameters.
type MQTTConfig struct {
	BrokerURL         string
	ClientIDBase      string
	Username          string
	Password          string
	Topics            []string
	KeepAliveInterval time.Duration
	ConnectionTimeout time.Duration
	MaxInflight       int
	Enabled           bool
}

// PoolConfig carries ConnectionPool sizing and scaling parameters.
type PoolConfig struct {
	Initial           int
	Min               int
	Max               int
	ScaleUpThreshold  int
	DevicesPerConn    int
	AcquireTimeout    time.Duration
	ReconnectCooldown time.Duration
	ScaleInterval     time.Duration
}

// BatchConfig carries BatchPersister sizing parameters.
type BatchConfig struct {
	EnqueueCapacity  int
	WorkerBatchSize  int
	FlushInterval    time.Duration
	MaxWait          time.Duration
	ParallelWorkers  int
	OverflowCapacity int
}

// CacheConfig carries VehicleCache sizing and expiry parameters.
type CacheConfig struct {
	MaxSize           int64
	ExpireAfterWrite  time.Duration
	ExpireAfterAccess time.Duration
	LocationExpiry    time.Duration
	MaintenanceTick   time.Duration
}

// HealthConfig carries HealthMonitor thresholds and circuit breaker settings.
type HealthConfig struct {
	CheckInterval         time.Duration
	MessageTimeout        time.Duration
	MinHealthyConnections int
	MaxFailureRate        float64
	MemoryThreshold       float64
	MemoryWarnThreshold   float64
	ThreadWarnThreshold   int
	InvalidMessageRate    float64
	BatchQueueWarnSize    int
	ConnSuccessIssueRate  float64
	ConnSuccessWarnRate   float64
	AvgConnectWarn        time.Duration
	DeviceTimeout         time.Duration
	MinActiveDevices      int
	CBFailureThreshold    int
	CBTimeout             time.Duration
	CBHalfOpenMaxCalls    int
	AlertRateLimit        time.Duration
}

// ProcessorConfig carries Processor alerting parameters.
type ProcessorConfig struct {
	SpeedAlertKMH     float64
	DeviceTimeoutMins int
	QuietHoursStart   int
	QuietHoursEnd     int
}

// DatabaseConfig carries TimescaleDB/pgx connection parameters.
type DatabaseConfig struct {
	Host                  string
	Port                  int
	Database              string
	Username              string
	Password              string
	Schema                string
	MaxConnections        int
	MinConnections        int
	ConnectionTimeout     time.Duration
	MaxConnectionLifetime time.Duration
}

// HTTPConfig carries the operational HTTP surface (health/metrics/ws only).
type HTTPConfig struct {
	Port int
}

// Config is the frozen, fully-validated configuration for the ingestion
// core. It is constructed once at startup by Load, and each component
// constructor receives its own section (Cache, Batch, Health, ...) by
// value; nothing in the core mutates it.
type Config struct {
	MQTT      MQTTConfig
	Pool      PoolConfig
	Batch     BatchConfig
	Cache     CacheConfig
	Health    HealthConfig
	Processor ProcessorConfig
	Database  DatabaseConfig
	HTTP      HTTPConfig
}

// Load reads configuration from the environment (prefix INGEST_) and an
// optional config file, applies documented defaults, validates the
// result, and returns the frozen Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	v.SetConfigName("ingestion")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ingestion-core")
	_ = v.ReadInConfig() // config file is optional; env vars and defaults still apply

	setDefaults(v)

	cfg := &Config{
		MQTT: MQTTConfig{
			BrokerURL:         v.GetString("mqtt.broker-url"),
			ClientIDBase:      v.GetString("mqtt.client-id"),
			Username:          v.GetString("mqtt.username"),
			Password:          v.GetString("mqtt.password"),
			Topics:            v.GetStringSlice("mqtt.topics"),
			KeepAliveInterval: v.GetDuration("mqtt.keep-alive-interval"),
			ConnectionTimeout: v.GetDuration("mqtt.connection.timeout"),
			MaxInflight:       v.GetInt("mqtt.connection.pool.max-inflight"),
			Enabled:           v.GetBool("mqtt.enabled"),
		},
		Pool: PoolConfig{
			Initial:           v.GetInt("pool.initial"),
			Min:               v.GetInt("pool.min"),
			Max:               v.GetInt("pool.max"),
			ScaleUpThreshold:  v.GetInt("pool.scale-up-threshold"),
			DevicesPerConn:    v.GetInt("pool.devices-per-conn"),
			AcquireTimeout:    v.GetDuration("pool.acquire-timeout"),
			ReconnectCooldown: v.GetDuration("pool.reconnect-cooldown"),
			ScaleInterval:     v.GetDuration("pool.scale-interval"),
		},
		Batch: BatchConfig{
			EnqueueCapacity:  v.GetInt("batch.size"),
			WorkerBatchSize:  v.GetInt("batch.worker-batch-size"),
			FlushInterval:    v.GetDuration("batch.flush.interval"),
			MaxWait:          v.GetDuration("batch.max.wait.time"),
			ParallelWorkers:  v.GetInt("batch.parallel.threads"),
			OverflowCapacity: v.GetInt("batch.overflow-capacity"),
		},
		Cache: CacheConfig{
			MaxSize:           v.GetInt64("cache.max-size"),
			ExpireAfterWrite:  v.GetDuration("cache.expire-after-write"),
			ExpireAfterAccess: v.GetDuration("cache.expire-after-access"),
			LocationExpiry:    v.GetDuration("cache.location-expiry"),
			MaintenanceTick:   v.GetDuration("cache.maintenance-tick"),
		},
		Health: HealthConfig{
			CheckInterval:         v.GetDuration("health.check-interval"),
			MessageTimeout:        v.GetDuration("health.message-timeout"),
			MinHealthyConnections: v.GetInt("health.min-connections"),
			MaxFailureRate:        v.GetFloat64("health.max-failure-rate"),
			MemoryThreshold:       v.GetFloat64("health.memory-threshold"),
			MemoryWarnThreshold:   v.GetFloat64("health.memory-warn-threshold"),
			ThreadWarnThreshold:   v.GetInt("health.thread-warn-threshold"),
			InvalidMessageRate:    v.GetFloat64("health.invalid-message-rate"),
			BatchQueueWarnSize:    v.GetInt("health.batch-queue-warn-size"),
			ConnSuccessIssueRate:  v.GetFloat64("health.conn-success-issue-rate"),
			ConnSuccessWarnRate:   v.GetFloat64("health.conn-success-warn-rate"),
			AvgConnectWarn:        v.GetDuration("health.avg-connect-warn"),
			DeviceTimeout:         v.GetDuration("health.device-timeout"),
			MinActiveDevices:      v.GetInt("health.min-active-devices"),
			CBFailureThreshold:    v.GetInt("health.cb-failure-threshold"),
			CBTimeout:             v.GetDuration("health.cb-timeout"),
			CBHalfOpenMaxCalls:    v.GetInt("health.cb-half-open-max"),
			AlertRateLimit:        v.GetDuration("health.alert-rate-limit"),
		},
		Processor: ProcessorConfig{
			SpeedAlertKMH:     v.GetFloat64("processor.speed-alert-kmh"),
			DeviceTimeoutMins: v.GetInt("processor.device-timeout-minutes"),
			QuietHoursStart:   v.GetInt("processor.quiet-hours-start"),
			QuietHoursEnd:     v.GetInt("processor.quiet-hours-end"),
		},
		Database: DatabaseConfig{
			Host:                  v.GetString("db.host"),
			Port:                  v.GetInt("db.port"),
			Database:              v.GetString("db.database"),
			Username:              v.GetString("db.username"),
			Password:              v.GetString("db.password"),
			Schema:                v.GetString("db.schema"),
			MaxConnections:        v.GetInt("db.max-connections"),
			MinConnections:        v.GetInt("db.min-connections"),
			ConnectionTimeout:     v.GetDuration("db.connection-timeout"),
			MaxConnectionLifetime: v.GetDuration("db.max-connection-lifetime"),
		},
		HTTP: HTTPConfig{
			Port: v.GetInt("http.port"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.client-id", "ingestion-core")
	v.SetDefault("mqtt.keep-alive-interval", 45*time.Second)
	v.SetDefault("mqtt.connection.timeout", 20*time.Second)
	v.SetDefault("mqtt.connection.pool.max-inflight", 500)
	v.SetDefault("mqtt.enabled", true)

	v.SetDefault("pool.initial", 15)
	v.SetDefault("pool.min", 10)
	v.SetDefault("pool.max", 35)
	v.SetDefault("pool.scale-up-threshold", 3)
	v.SetDefault("pool.devices-per-conn", 15)
	v.SetDefault("pool.acquire-timeout", 3*time.Second)
	v.SetDefault("pool.reconnect-cooldown", 30*time.Second)
	v.SetDefault("pool.scale-interval", 60*time.Second)

	v.SetDefault("batch.size", 1000)
	v.SetDefault("batch.worker-batch-size", 100)
	v.SetDefault("batch.flush.interval", 500*time.Millisecond)
	v.SetDefault("batch.max.wait.time", 5000*time.Millisecond)
	v.SetDefault("batch.parallel.threads", 4)
	v.SetDefault("batch.overflow-capacity", 10000)

	v.SetDefault("cache.max-size", 10000)
	v.SetDefault("cache.expire-after-write", 60*time.Minute)
	v.SetDefault("cache.expire-after-access", 30*time.Minute)
	v.SetDefault("cache.location-expiry", 10*time.Minute)
	v.SetDefault("cache.maintenance-tick", 5*time.Minute)

	v.SetDefault("health.check-interval", 30*time.Second)
	v.SetDefault("health.message-timeout", 5*time.Minute)
	v.SetDefault("health.min-connections", 3)
	v.SetDefault("health.max-failure-rate", 0.10)
	v.SetDefault("health.memory-threshold", 0.85)
	v.SetDefault("health.memory-warn-threshold", 0.75)
	v.SetDefault("health.thread-warn-threshold", 500)
	v.SetDefault("health.invalid-message-rate", 0.05)
	v.SetDefault("health.batch-queue-warn-size", 1000)
	v.SetDefault("health.conn-success-issue-rate", 0.95)
	v.SetDefault("health.conn-success-warn-rate", 0.98)
	v.SetDefault("health.avg-connect-warn", 5*time.Second)
	v.SetDefault("health.device-timeout", 10*time.Minute)
	v.SetDefault("health.min-active-devices", 10)
	v.SetDefault("health.cb-failure-threshold", 5)
	v.SetDefault("health.cb-timeout", 60*time.Second)
	v.SetDefault("health.cb-half-open-max", 3)
	v.SetDefault("health.alert-rate-limit", 5*time.Minute)

	v.SetDefault("processor.speed-alert-kmh", 120.0)
	v.SetDefault("processor.device-timeout-minutes", 30)
	v.SetDefault("processor.quiet-hours-start", 22)
	v.SetDefault("processor.quiet-hours-end", 6)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.database", "fleettrack")
	v.SetDefault("db.schema", "public")
	v.SetDefault("db.max-connections", 50)
	v.SetDefault("db.min-connections", 2)
	v.SetDefault("db.connection-timeout", 5*time.Second)
	v.SetDefault("db.max-connection-lifetime", 60*time.Minute)

	v.SetDefault("http.port", 8080)
}

// Validate performs comprehensive validation across every config section,
// aggregating every invalid field into a single descriptive error.
func (c *Config) Validate() error {
	var errs []string

	if c.MQTT.Enabled {
		scheme, host, port, err := parseBrokerURL(c.MQTT.BrokerURL)
		if err != nil {
			errs = append(errs, fmt.Sprintf("mqtt broker-url invalid: %v", err))
		} else {
			switch scheme {
			case "tcp", "ssl", "ws", "wss":
			default:
				errs = append(errs, fmt.Sprintf("mqtt broker-url scheme %q not in {tcp,ssl,ws,wss}", scheme))
			}
			if host == "" {
				errs = append(errs, "mqtt broker-url has no host")
			}
			if port <= 0 {
				errs = append(errs, "mqtt broker-url has no positive port")
			}
		}
		if len(c.MQTT.Topics) == 0 {
			errs = append(errs, "mqtt topics must not be empty when mqtt is enabled")
		}
		for _, t := range c.MQTT.Topics {
			if err := validateTopicFilter(t); err != nil {
				errs = append(errs, fmt.Sprintf("mqtt topic %q invalid: %v", t, err))
			}
		}
	}
	if c.MQTT.KeepAliveInterval <= 0 {
		errs = append(errs, "mqtt keep-alive-interval must be positive")
	}
	if c.MQTT.ConnectionTimeout <= 0 {
		errs = append(errs, "mqtt connection timeout must be positive")
	}

	if c.Pool.Min <= 0 || c.Pool.Max < c.Pool.Min || c.Pool.Initial < c.Pool.Min || c.Pool.Initial > c.Pool.Max {
		errs = append(errs, fmt.Sprintf("pool sizing invalid: min=%d initial=%d max=%d", c.Pool.Min, c.Pool.Initial, c.Pool.Max))
	}
	if c.Pool.AcquireTimeout <= 0 {
		errs = append(errs, "pool acquire-timeout must be positive")
	}

	if c.Batch.WorkerBatchSize <= 0 {
		errs = append(errs, "batch worker-batch-size must be positive")
	}
	if c.Batch.ParallelWorkers <= 0 {
		errs = append(errs, "batch parallel.threads must be positive")
	}
	if c.Batch.FlushInterval <= 0 || c.Batch.MaxWait <= 0 {
		errs = append(errs, "batch flush.interval and max.wait.time must be positive")
	}

	if c.Cache.MaxSize <= 0 {
		errs = append(errs, "cache max-size must be positive")
	}

	if c.Health.CBFailureThreshold <= 0 {
		errs = append(errs, "health cb-failure-threshold must be positive")
	}
	if c.Health.CBTimeout <= 0 {
		errs = append(errs, "health cb-timeout must be positive")
	}

	if strings.TrimSpace(c.Database.Host) == "" {
		errs = append(errs, "db host is empty")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Sprintf("db port %d out of range", c.Database.Port))
	}
	if c.Database.MaxConnections < 1 {
		errs = append(errs, "db max-connections must be at least 1")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http port %d out of range", c.HTTP.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n - %s", strings.Join(errs, "\n - "))
	}
	return nil
}

// parseBrokerURL extracts scheme, host, and port without pulling in
// net/url's full generality, since MQTT broker URLs are a constrained
// subset (scheme://host:port).
func parseBrokerURL(raw string) (scheme, host string, port int, err error) {
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return "", "", 0, fmt.Errorf("missing scheme separator in %q", raw)
	}
	scheme = raw[:idx]
	rest := raw[idx+3:]
	hostPort := rest
	if slash := strings.Index(rest, "/"); slash >= 0 {
		hostPort = rest[:slash]
	}
	colon := strings.LastIndex(hostPort, ":")
	if colon < 0 {
		return scheme, "", 0, fmt.Errorf("missing port in %q", raw)
	}
	host = hostPort[:colon]
	portStr := hostPort[colon+1:]
	for _, r := range portStr {
		if r < '0' || r > '9' {
			return scheme, host, 0, fmt.Errorf("non-numeric port %q", portStr)
		}
	}
	p := 0
	for _, r := range portStr {
		p = p*10 + int(r-'0')
	}
	return scheme, host, p, nil
}

// validateTopicFilter enforces the wire constraints from the external
// interfaces spec: no "++" adjacency, "#" only at the end, length <= 255.
func validateTopicFilter(topic string) error {
	if len(topic) == 0 {
		return fmt.Errorf("empty topic")
	}
	if len(topic) > 255 {
		return fmt.Errorf("topic exceeds 255 bytes")
	}
	if strings.Contains(topic, "++") {
		return fmt.Errorf("invalid '+' adjacency")
	}
	if idx := strings.Index(topic, "#"); idx >= 0 && idx != len(topic)-1 {
		return fmt.Errorf("'#' wildcard must be the last character")
	}
	return nil
}
