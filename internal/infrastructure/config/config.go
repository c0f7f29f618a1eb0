package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Wiser sync service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Statsd   StatsdConfig   `yaml:"statsd"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// SiteConfig identifies the installation.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// GatewayConfig contains the Wiser gateway connection and timing settings.
// Durations are expressed in seconds.
type GatewayConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
	User  string `yaml:"user"`

	RequestTimeout   int `yaml:"request_timeout"`
	HandshakeTimeout int `yaml:"handshake_timeout"`
	PingInterval     int `yaml:"ping_interval"`
	PongTimeout      int `yaml:"pong_timeout"`
	ReconnectDelay   int `yaml:"reconnect_delay"`
	OutageDelay      int `yaml:"outage_delay"`
	OutageThreshold  int `yaml:"outage_threshold"`
	BootstrapRetry   int `yaml:"bootstrap_retry"`
	RefreshInterval  int `yaml:"refresh_interval"`
	RSSIInterval     int `yaml:"rssi_interval"`
	HealthInterval   int `yaml:"health_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// StatsdConfig contains DogStatsD metrics settings.
type StatsdConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Address   string   `yaml:"address"`
	Namespace string   `yaml:"namespace"`
	Tags      []string `yaml:"tags"`
}

// APIConfig contains admin HTTP API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains admin API security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT settings for the admin API.
// An empty secret leaves the API unauthenticated.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// envFileVar names the variable that points at an alternative .env file.
const envFileVar = "WISERSYNC_ENV_FILE"

// minJWTSecretLength is the shortest accepted admin API signing secret.
const minJWTSecretLength = 32

var userPattern = regexp.MustCompile(`^[A-Za-z0-9]{4,}$`)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Variables from a .env file (never replacing variables already set)
//  4. Environment variables WISERSYNC_SECTION_KEY (override file values)
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("loading env file: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads WISERSYNC_ENV_FILE, or ./.env when present.
// A missing default file is not an error.
func loadDotEnv() error {
	path := os.Getenv(envFileVar)
	explicit := path != ""
	if !explicit {
		path = ".env"
	}

	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "home",
			Name: "Wiser",
		},
		Gateway: GatewayConfig{
			Port:             80,
			RequestTimeout:   10,
			HandshakeTimeout: 10,
			PingInterval:     30,
			PongTimeout:      31,
			ReconnectDelay:   5,
			OutageDelay:      300,
			OutageThreshold:  3,
			BootstrapRetry:   60,
			RefreshInterval:  6 * 3600,
			RSSIInterval:     300,
			HealthInterval:   30,
		},
		Database: DatabaseConfig{
			Path:        "./data/wisersync.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled:     true,
			TopicPrefix: "wiser",
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "wisersync",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Statsd: StatsdConfig{
			Address:   "127.0.0.1:8125",
			Namespace: "wisersync.",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 45,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: WISERSYNC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Gateway
	if v := os.Getenv("WISERSYNC_GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("WISERSYNC_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("WISERSYNC_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("WISERSYNC_GATEWAY_USER"); v != "" {
		cfg.Gateway.User = v
	}

	// Database
	if v := os.Getenv("WISERSYNC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("WISERSYNC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("WISERSYNC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("WISERSYNC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("WISERSYNC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Statsd
	if v := os.Getenv("WISERSYNC_STATSD_ADDRESS"); v != "" {
		cfg.Statsd.Address = v
	}

	// API
	if v := os.Getenv("WISERSYNC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("WISERSYNC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors.
// All problems are collected and reported together.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	errs = append(errs, c.Gateway.validate()...)

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.TopicPrefix == "" {
			errs = append(errs, "mqtt.topic_prefix is required")
		}
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Statsd.Enabled && c.Statsd.Address == "" {
		errs = append(errs, "statsd.address is required when statsd is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (g GatewayConfig) validate() []string {
	var errs []string

	if ip := net.ParseIP(g.Host); ip == nil || ip.To4() == nil {
		errs = append(errs, "gateway.host must be an IPv4 address")
	}
	if g.Port < 1 || g.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if _, err := uuid.Parse(g.Token); err != nil {
		errs = append(errs, "gateway.token must be a UUID (obtain one with `wisersync claim`)")
	}
	if g.User != "" && !ValidUser(g.User) {
		errs = append(errs, "gateway.user must be at least 4 alphanumeric characters")
	}
	if g.PingInterval <= 0 || g.PongTimeout <= g.PingInterval {
		errs = append(errs, "gateway.pong_timeout must be greater than gateway.ping_interval")
	}
	if g.ReconnectDelay <= 0 || g.OutageDelay < g.ReconnectDelay {
		errs = append(errs, "gateway.outage_delay must be at least gateway.reconnect_delay")
	}
	if g.RefreshInterval <= 0 || g.BootstrapRetry <= 0 {
		errs = append(errs, "gateway.refresh_interval and gateway.bootstrap_retry must be positive")
	}

	return errs
}

// ValidUser reports whether name is acceptable as a gateway claim user.
func ValidUser(name string) bool {
	return userPattern.MatchString(name)
}

// Address returns the gateway host:port.
func (g GatewayConfig) Address() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Durations returns the gateway timing settings as time.Duration values.
func (g GatewayConfig) Durations() GatewayDurations {
	return GatewayDurations{
		Request:   seconds(g.RequestTimeout),
		Handshake: seconds(g.HandshakeTimeout),
		Ping:      seconds(g.PingInterval),
		Pong:      seconds(g.PongTimeout),
		Reconnect: seconds(g.ReconnectDelay),
		Outage:    seconds(g.OutageDelay),
		Retry:     seconds(g.BootstrapRetry),
		Refresh:   seconds(g.RefreshInterval),
		RSSI:      seconds(g.RSSIInterval),
		Health:    seconds(g.HealthInterval),
	}
}

// GatewayDurations holds converted gateway timings.
type GatewayDurations struct {
	Request, Handshake, Ping, Pong, Reconnect, Outage time.Duration
	Retry, Refresh, RSSI, Health                      time.Duration
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return seconds(c.API.Timeouts.Read)
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return seconds(c.API.Timeouts.Write)
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return seconds(c.API.Timeouts.Idle)
}
