package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix         = "THERMALSTORE"
	defaultConfigName = "thermalstore"
	defaultConfigDir  = "/etc/thermalstore"
)

// Config holds daemon configuration
type Config struct {
	ConfigFile string          `mapstructure:"-"`
	Retention  RetentionConfig `mapstructure:"retention"`
	Storage    StorageConfig   `mapstructure:"storage"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	MQTT       MQTTConfig      `mapstructure:"mqtt"`
	Log        LogConfig       `mapstructure:"log"`
	Schedule   ScheduleConfig  `mapstructure:"maintenance"`
}

// StorageConfig selects and configures the settings store backend
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Path        string `mapstructure:"path"`
	MaxMemoryMB int64  `mapstructure:"max_memory_mb"`
}

// HTTPConfig configures the API listener
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// MQTTConfig configures sample ingestion over MQTT. Empty broker disables it.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ScheduleConfig configures the maintenance cadence
type ScheduleConfig struct {
	ModelInterval   time.Duration `mapstructure:"model_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// ErrInvalidConfig is returned when configuration values are unusable
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads configuration from flags, environment, an optional .env file
// and a TOML config file, in that priority order.
func Load(args []string) (*Config, *viper.Viper, error) {
	// A missing .env is normal
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet("thermalstore", pflag.ContinueOnError)
	configFile := fs.String("config", "", "Path to TOML config file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	fs.String("http-addr", DefaultHTTPAddr, "HTTP listen address")
	fs.String("storage-backend", DefaultStoreBackend, "Settings store backend (badger, sqlite, memory)")
	fs.String("storage-path", DefaultDataDir, "Settings store path")
	fs.String("mqtt-broker", "", "MQTT broker URL; empty disables MQTT ingestion")
	fs.String("mqtt-topic", "", "MQTT topic carrying JSON samples")
	if err := fs.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	bindings := map[string]string{
		"log.level":       "log-level",
		"http.addr":       "http-addr",
		"storage.backend": "storage-backend",
		"storage.path":    "storage-path",
		"mqtt.broker":     "mqtt-broker",
		"mqtt.topic":      "mqtt-topic",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, nil, fmt.Errorf("%w: bind %s: %v", ErrInvalidConfig, flag, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("toml")
	if path := firstNonEmpty(*configFile, os.Getenv(envPrefix+"_CONFIG")); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultConfigName)
		v.AddConfigPath(defaultConfigDir)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	cfg.Retention = cfg.Retention.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return cfg, v, nil
}

// Validate checks values that cannot be clamped
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "badger", "sqlite", "memory":
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	if c.Storage.Backend != "memory" && c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path is required for %s", ErrInvalidConfig, c.Storage.Backend)
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		return fmt.Errorf("%w: mqtt.topic is required when mqtt.broker is set", ErrInvalidConfig)
	}
	if c.Schedule.ModelInterval <= 0 || c.Schedule.CleanupInterval <= 0 {
		return fmt.Errorf("%w: maintenance intervals must be positive", ErrInvalidConfig)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultRetention()
	v.SetDefault("retention.days", d.RetentionDays)
	v.SetDefault("retention.full_res_days", d.FullResDays)
	v.SetDefault("retention.max_points", d.MaxPoints)
	v.SetDefault("retention.target_kb", d.TargetKB)
	v.SetDefault("storage.backend", DefaultStoreBackend)
	v.SetDefault("storage.path", DefaultDataDir)
	v.SetDefault("storage.max_memory_mb", DefaultMaxMemoryMB)
	v.SetDefault("http.addr", DefaultHTTPAddr)
	v.SetDefault("mqtt.client_id", DefaultMQTTClientID)
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("maintenance.model_interval", ModelUpdateInterval)
	v.SetDefault("maintenance.cleanup_interval", CleanupInterval)
}

func firstNonEmpty(values ...string) string {
	for _, s := range values {
		if s != "" {
			return s
		}
	}
	return ""
}
