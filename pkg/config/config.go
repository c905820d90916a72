package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig defines the HTTP listener and this node's cluster identity.
type ServerConfig struct {
	ID             string        `mapstructure:"id"`
	ListenAddress  string        `mapstructure:"listen_address"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
}

// RedisConfig defines the shared redis backend used for snapshots and
// cross-server messaging.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig defines JWT verification parameters.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// GatewayConfig tunes per-connection WebSocket behavior.
type GatewayConfig struct {
	SendBuffer      int           `mapstructure:"send_buffer"`
	MessageRate     float64       `mapstructure:"message_rate"`
	MessageBurst    int           `mapstructure:"message_burst"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
}

// SessionConfig tunes session lifecycle management.
type SessionConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SnapshotTTL   time.Duration `mapstructure:"snapshot_ttl"`
}

// DocumentConfig tunes the document store.
type DocumentConfig struct {
	OpsPerMinute  int           `mapstructure:"ops_per_minute"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SnapshotTTL   time.Duration `mapstructure:"snapshot_ttl"`
}

// CoordinationConfig tunes cross-server message delivery.
type CoordinationConfig struct {
	ConfirmTTL      time.Duration `mapstructure:"confirm_ttl"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	ConfirmPoll     time.Duration `mapstructure:"confirm_poll"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// ClusterConfig tunes node membership and session placement.
type ClusterConfig struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	NodeTimeout        time.Duration `mapstructure:"node_timeout"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
	ReplicaCount       int           `mapstructure:"replica_count"`
	MaxSessionsPerNode int           `mapstructure:"max_sessions_per_node"`
}

// Config holds the complete application configuration.
type Config struct {
	Environment  string             `mapstructure:"environment"`
	Server       ServerConfig       `mapstructure:"server"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Session      SessionConfig      `mapstructure:"session"`
	Document     DocumentConfig     `mapstructure:"document"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Cluster      ClusterConfig      `mapstructure:"cluster"`
}

// Load reads configuration from the config file and COLLAB_ prefixed
// environment variables. The file is optional; environment variables alone
// are enough to run.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("COLLAB_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Common Docker environment aliases
	_ = v.BindEnv("redis.address", "REDIS_ADDR")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.AllowEmptyEnv(true)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, statErr := os.Stat(configFile); statErr == nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if config.Server.ID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("no server id configured and hostname lookup failed: %w", err)
		}
		config.Server.ID = hostname
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations that cannot run safely.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" && c.Environment != "dev" {
		return fmt.Errorf("auth.jwt_secret is required outside dev")
	}
	if c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}
	if c.Cluster.ReplicaCount < 0 {
		return fmt.Errorf("cluster.replica_count must not be negative")
	}
	if c.Document.OpsPerMinute <= 0 {
		return fmt.Errorf("document.ops_per_minute must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	// Registered explicitly so the env override is visible to Unmarshal
	v.SetDefault("server.id", "")
	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_grace", 15*time.Second)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("auth.issuer", "graphmemory")

	v.SetDefault("gateway.send_buffer", 64)
	v.SetDefault("gateway.message_rate", 20.0)
	v.SetDefault("gateway.message_burst", 40)
	v.SetDefault("gateway.ping_interval", 30*time.Second)
	v.SetDefault("gateway.write_timeout", 10*time.Second)
	v.SetDefault("gateway.liveness_timeout", 90*time.Second)

	v.SetDefault("session.idle_timeout", time.Hour)
	v.SetDefault("session.sweep_interval", 5*time.Minute)
	v.SetDefault("session.snapshot_ttl", 24*time.Hour)

	v.SetDefault("document.ops_per_minute", 10)
	v.SetDefault("document.flush_interval", 30*time.Second)
	v.SetDefault("document.snapshot_ttl", 24*time.Hour)

	v.SetDefault("coordination.confirm_ttl", 5*time.Minute)
	v.SetDefault("coordination.confirm_timeout", 10*time.Second)
	v.SetDefault("coordination.confirm_poll", 100*time.Millisecond)
	v.SetDefault("coordination.initial_interval", 100*time.Millisecond)
	v.SetDefault("coordination.max_interval", 2*time.Second)

	v.SetDefault("cluster.heartbeat_interval", 5*time.Second)
	v.SetDefault("cluster.node_timeout", 15*time.Second)
	v.SetDefault("cluster.monitor_interval", 5*time.Second)
	v.SetDefault("cluster.replica_count", 2)
	v.SetDefault("cluster.max_sessions_per_node", 500)
}
