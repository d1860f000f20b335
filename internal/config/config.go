// Package config loads the process-level bus configuration from an optional
// YAML file and the environment. A .env file in the working directory is
// loaded first, matching how the bus's edge processes are deployed.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ag1-io/aetherbus/pkg/bus"
	"github.com/ag1-io/aetherbus/pkg/keys"
	"github.com/ag1-io/aetherbus/pkg/observability"
	"github.com/ag1-io/aetherbus/pkg/redis"
)

// Config holds the complete process configuration.
type Config struct {
	Broker  BrokerConfig                `mapstructure:"broker"`
	Bus     BusConfig                   `mapstructure:"bus"`
	Logging observability.LoggingConfig `mapstructure:"logging"`
}

// BrokerConfig holds the broker connection settings.
type BrokerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the broker address in host:port form.
func (b BrokerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// BusConfig holds the bus tunables.
type BusConfig struct {
	// Namespace prefixes every stream name.
	Namespace string `mapstructure:"namespace"`

	// StreamMaxLen is the approximate per-stream entry cap.
	StreamMaxLen int64 `mapstructure:"stream_maxlen"`

	// EnvelopeSizeLimit is the serialised envelope byte limit.
	EnvelopeSizeLimit int `mapstructure:"envelope_size_limit"`

	// BlockMS bounds each blocking broker read, in milliseconds.
	BlockMS int `mapstructure:"block_ms"`

	// DeadLetterMax is the handler failure bound before an entry is
	// acknowledged and dropped.
	DeadLetterMax int `mapstructure:"dead_letter_max"`

	// DiscoveryPollSeconds is the pause between discovery scans.
	DiscoveryPollSeconds int `mapstructure:"discovery_poll_seconds"`
}

// BlockTime returns the blocking read ceiling as a duration.
func (b BusConfig) BlockTime() time.Duration {
	return time.Duration(b.BlockMS) * time.Millisecond
}

// PollDelay returns the discovery rescan pause as a duration.
func (b BusConfig) PollDelay() time.Duration {
	return time.Duration(b.DiscoveryPollSeconds) * time.Second
}

// Load reads configuration from defaults, the optional file named by
// AETHERBUS_CONFIG_FILE and the environment, in increasing precedence.
func Load() (*Config, error) {
	// Optional .env; a missing file is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if configFile := os.Getenv("AETHERBUS_CONFIG_FILE"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Broker defaults
	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 6379)
	v.SetDefault("broker.username", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.db", 0)

	// Bus defaults
	v.SetDefault("bus.namespace", keys.DefaultNamespace)
	v.SetDefault("bus.stream_maxlen", bus.DefaultStreamMaxLen)
	v.SetDefault("bus.envelope_size_limit", bus.DefaultSizeLimit)
	v.SetDefault("bus.block_ms", 1000)
	v.SetDefault("bus.dead_letter_max", bus.DefaultDeadLetterMax)
	v.SetDefault("bus.discovery_poll_seconds", 5)

	// Logging defaults
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.prefix", "aetherbus")
}

// bindEnv binds each key to its published environment name. The names are
// wire-visible operator contract and deliberately not derived from the key
// paths.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("broker.host", "BROKER_HOST")
	_ = v.BindEnv("broker.port", "BROKER_PORT")
	_ = v.BindEnv("broker.username", "BROKER_USERNAME")
	_ = v.BindEnv("broker.password", "BROKER_PASSWORD")
	_ = v.BindEnv("broker.db", "BROKER_DB")
	_ = v.BindEnv("bus.namespace", "NAMESPACE")
	_ = v.BindEnv("bus.stream_maxlen", "BUS_STREAM_MAXLEN")
	_ = v.BindEnv("bus.envelope_size_limit", "ENVELOPE_SIZE_LIMIT")
	_ = v.BindEnv("bus.block_ms", "BUS_BLOCK_MS")
	_ = v.BindEnv("bus.dead_letter_max", "BUS_DEAD_LETTER_MAX")
	_ = v.BindEnv("bus.discovery_poll_seconds", "BUS_DISCOVERY_POLL_SECONDS")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
}

// Validate checks the settings a process cannot start without.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker host must not be empty")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port %d out of range", c.Broker.Port)
	}
	if c.Bus.StreamMaxLen <= 0 {
		return fmt.Errorf("bus stream maxlen must be positive")
	}
	if c.Bus.EnvelopeSizeLimit <= 0 {
		return fmt.Errorf("envelope size limit must be positive")
	}
	if c.Bus.BlockMS <= 0 {
		return fmt.Errorf("bus block ms must be positive")
	}
	return nil
}

// StreamsConfig composes the Redis client settings for the broker.
func (c *Config) StreamsConfig() *redis.StreamsConfig {
	sc := redis.DefaultConfig()
	sc.Addresses = []string{c.Broker.Addr()}
	sc.Username = c.Broker.Username
	sc.Password = c.Broker.Password
	sc.DB = c.Broker.DB
	return sc
}

// PublisherConfig composes the publisher settings.
func (c *Config) PublisherConfig() *bus.PublisherConfig {
	return &bus.PublisherConfig{
		MaxLen:    c.Bus.StreamMaxLen,
		SizeLimit: c.Bus.EnvelopeSizeLimit,
	}
}

// SubscriberConfig composes the subscriber settings for one consumer group.
func (c *Config) SubscriberConfig(group string) *bus.SubscriberConfig {
	return &bus.SubscriberConfig{
		Group:         group,
		BlockTime:     c.Bus.BlockTime(),
		DeadLetterMax: c.Bus.DeadLetterMax,
	}
}

// KeyBuilder returns the stream key builder for the configured namespace.
func (c *Config) KeyBuilder() *keys.Builder {
	return keys.NewBuilder(c.Bus.Namespace)
}

// Logger builds the process logger from the logging settings.
func (c *Config) Logger() observability.Logger {
	return observability.NewLoggerFromConfig(c.Logging)
}
