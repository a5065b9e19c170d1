// Package config loads the management daemon configuration from mgmt.yaml and MGMT_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/anvil-platform/anvil-mgmt/internal/semver"
)

// EnvPrefix prefixes every environment override, e.g. MGMT_REDIS_ADDRESS.
const EnvPrefix = "MGMT"

type Config struct {
	ListenAddress  string `mapstructure:"listen_address"`
	MetricsAddress string `mapstructure:"metrics_address"`
	ProbeAddress   string `mapstructure:"probe_address"`

	// ModelVersion is the management model version served, checked against
	// SupportedModelVersions and resource types' deprecated-since.
	ModelVersion           string `mapstructure:"model_version"`
	SupportedModelVersions string `mapstructure:"supported_model_versions"`

	ServiceStartTimeout time.Duration `mapstructure:"service_start_timeout"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`

	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the Redis-backed credential stores. An empty Address disables
// them.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_address", ":9990")
	v.SetDefault("metrics_address", ":8080")
	v.SetDefault("probe_address", ":8081")
	v.SetDefault("model_version", "1.8.0")
	v.SetDefault("supported_model_versions", ">=1.0.0 <2.0.0")
	v.SetDefault("service_start_timeout", "30s")
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "mgmt")
}

// Load reads path, or mgmt.yaml from the working directory when path is empty. A
// missing mgmt.yaml is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mgmt")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks addresses, timeouts and that ModelVersion is supported.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address must not be empty")
	}
	if c.ServiceStartTimeout <= 0 {
		return fmt.Errorf("service_start_timeout must be positive, got %s", c.ServiceStartTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	}
	version, err := semver.ParseVersion(c.ModelVersion)
	if err != nil {
		return fmt.Errorf("model_version: %w", err)
	}
	if c.SupportedModelVersions != "" {
		supported, err := semver.ParseConstraint(c.SupportedModelVersions)
		if err != nil {
			return fmt.Errorf("supported_model_versions: %w", err)
		}
		if !semver.Satisfies(version, supported) {
			return fmt.Errorf("model_version %s is outside supported range %q", version, c.SupportedModelVersions)
		}
	}
	if c.Redis.Address != "" && c.Redis.KeyPrefix == "" {
		return fmt.Errorf("redis.key_prefix must not be empty when redis.address is set")
	}
	return nil
}

// Version returns the parsed ModelVersion. Load has already validated it.
func (c *Config) Version() semver.Version {
	v, err := semver.ParseVersion(c.ModelVersion)
	if err != nil {
		return semver.Version{}
	}
	return v
}
