package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for LaserLink Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Relay     RelayConfig     `yaml:"relay"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Backend   BackendConfig   `yaml:"backend"`
	Security  SecurityConfig  `yaml:"security"`
}

// InstanceConfig identifies this running application instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
	// Role is the discovery role requested at startup: "master" or "slave".
	Role string `yaml:"role"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
// The broker carries the inter-instance discovery channel.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains the local HTTP API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains settings for the API's event websocket.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for device telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is one of "json", "text" or "console".
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// GatewayConfig describes the local firmware gateway used by direct sessions.
type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ClientKey is the PEM encoded public key sent during the control handshake.
	// Empty means "read from ClientKeyFile".
	ClientKey     string `yaml:"client_key"`
	ClientKeyFile string `yaml:"client_key_file"`
	// ConnectTimeout is the handshake timeout in seconds, restarted on "connecting".
	ConnectTimeout int `yaml:"connect_timeout"`
	// KeepAlive is the interval between text pings in seconds.
	KeepAlive int `yaml:"keep_alive"`
}

// RelayConfig describes the local relay server used by relay sessions.
type RelayConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	MaxRetries int    `yaml:"max_retries"`
	// RetryDelay is the delay between reconnect attempts in seconds.
	RetryDelay int `yaml:"retry_delay"`
}

// DiscoveryConfig contains network discovery settings.
// Intervals are in milliseconds to match the protocol's native resolution.
type DiscoveryConfig struct {
	PokeInterval  int    `yaml:"poke_interval_ms"`
	RelayPoll     int    `yaml:"relay_poll_ms"`
	PruneInterval int    `yaml:"prune_interval_ms"`
	Expiry        int    `yaml:"expiry_ms"`
	Throttle      int    `yaml:"throttle_ms"`
	SmartGuess    bool   `yaml:"smart_guess"`
	TCPProbes     bool   `yaml:"tcp_probes"`
	MDNS          bool   `yaml:"mdns"`
	MDNSService   string `yaml:"mdns_service"`
	DefaultPokeIP string `yaml:"default_poke_ip"`
}

// BackendConfig controls supervision of the firmware gateway backend binary.
type BackendConfig struct {
	Managed            bool     `yaml:"managed"`
	Binary             string   `yaml:"binary"`
	Args               []string `yaml:"args"`
	RestartDelay       int      `yaml:"restart_delay"`
	MaxRestartAttempts int      `yaml:"max_restart_attempts"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
	// StoreSecret seals cached device passwords at rest.
	StoreSecret string `yaml:"store_secret"`
}

// JWTConfig contains API token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. A .env file next to the config file, if present (never overrides the real environment)
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: LASERLINK_SECTION_KEY
// For example: LASERLINK_DATABASE_PATH, LASERLINK_GATEWAY_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads a .env file into the process environment.
// A missing file is not an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Instance: InstanceConfig{
			ID:   "laserlink-01",
			Role: "master",
		},
		Database: DatabaseConfig{
			Path:        "./data/laserlink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "laserlink-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8765,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Gateway: GatewayConfig{
			Host:           "127.0.0.1",
			Port:           8000,
			ConnectTimeout: 30,
			KeepAlive:      60,
		},
		Relay: RelayConfig{
			URL:        "ws://localhost:6611",
			MaxRetries: 200,
			RetryDelay: 5,
		},
		Discovery: DiscoveryConfig{
			PokeInterval:  1000,
			RelayPoll:     5000,
			PruneInterval: 5000,
			Expiry:        15000,
			Throttle:      100,
			SmartGuess:    true,
			TCPProbes:     true,
			MDNSService:   "_flux._tcp",
			DefaultPokeIP: "192.168.1.1",
		},
		Backend: BackendConfig{
			RestartDelay:       5,
			MaxRestartAttempts: 10,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LASERLINK_INSTANCE_ROLE"); v != "" {
		cfg.Instance.Role = v
	}
	if v := os.Getenv("LASERLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("LASERLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("LASERLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("LASERLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Gateway
	if v := os.Getenv("LASERLINK_GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("LASERLINK_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}

	if v := os.Getenv("LASERLINK_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("LASERLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Secrets
	if v := os.Getenv("LASERLINK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("LASERLINK_STORE_SECRET"); v != "" {
		cfg.Security.StoreSecret = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	switch c.Instance.Role {
	case "master", "slave":
	default:
		errs = append(errs, "instance.role must be master or slave")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}

	if c.Relay.Enabled && c.Relay.URL == "" {
		errs = append(errs, "relay.url is required when relay is enabled")
	}

	if c.Discovery.Expiry <= c.Discovery.PruneInterval {
		errs = append(errs, "discovery.expiry_ms must be greater than discovery.prune_interval_ms")
	}
	if c.Discovery.PokeInterval <= 0 || c.Discovery.Throttle < 0 {
		errs = append(errs, "discovery intervals must be positive")
	}

	if c.Backend.Managed && c.Backend.Binary == "" {
		errs = append(errs, "backend.binary is required when backend.managed is true")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		// The API drives physical machines; a forgeable token moves a laser head.
		const minJWTSecretLength = 32
		if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters (set LASERLINK_JWT_SECRET)")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GatewayURL returns the base websocket URL of the firmware gateway.
func (c *Config) GatewayURL() string {
	return fmt.Sprintf("ws://%s:%d/ws", c.Gateway.Host, c.Gateway.Port)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// ConnectTimeoutDuration returns the gateway handshake timeout.
func (g GatewayConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(g.ConnectTimeout) * time.Second
}

// KeepAliveDuration returns the gateway keep-alive interval.
func (g GatewayConfig) KeepAliveDuration() time.Duration {
	return time.Duration(g.KeepAlive) * time.Second
}

// RetryDelayDuration returns the relay reconnect delay.
func (r RelayConfig) RetryDelayDuration() time.Duration {
	return time.Duration(r.RetryDelay) * time.Second
}

// Durations converts the millisecond discovery settings.
func (d DiscoveryConfig) Durations() (poke, relayPoll, prune, expiry, throttle time.Duration) {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return ms(d.PokeInterval), ms(d.RelayPoll), ms(d.PruneInterval), ms(d.Expiry), ms(d.Throttle)
}
