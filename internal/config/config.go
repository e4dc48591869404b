// Package config loads stockyard configuration from flags, environment, and
// config files. Everything is supplied at construction; there is no runtime
// reconfiguration.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildsource/stockyard/pkg/provider"
)

type Config struct {
	Providers     []provider.Provider `mapstructure:"providers"`
	Client        ClientConfig        `mapstructure:"client"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ClientConfig struct {
	Source         string        `mapstructure:"source"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	EventBuffer    int           `mapstructure:"event_buffer"`
}

type CacheConfig struct {
	Backend       string            `mapstructure:"backend"`
	TTL           time.Duration     `mapstructure:"ttl"`
	SweepInterval time.Duration     `mapstructure:"sweep_interval"`
	Config        map[string]string `mapstructure:"config"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stockyard"
	}
	return filepath.Join(home, ".stockyard")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.source", "stockyard-client")
	v.SetDefault("client.default_timeout", "10s")
	v.SetDefault("client.max_concurrent", 32)
	v.SetDefault("client.reconnect_delay", "5s")
	v.SetDefault("client.ping_interval", "30s")
	v.SetDefault("client.event_buffer", 100)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.sweep_interval", "1m")

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "text")
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "stockyard")
	v.SetDefault("observability.service_version", "dev")
}

// BindCommonFlags binds standard CLI flags to viper.
func BindCommonFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("config", "", "config file path")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")
	f.String("metrics-addr", "", "metrics HTTP listen address")
	f.Duration("timeout", 0, "default per-request timeout")
	f.String("cache-backend", "", "cache backend (memory, badger, redis, sqlite)")

	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("client.default_timeout", f.Lookup("timeout"))
	_ = v.BindPFlag("cache.backend", f.Lookup("cache-backend"))
}

// Load reads config from flags, env, and file, returning the merged Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("STOCKYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("stockyard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultConfigDir())
		v.AddConfigPath("/etc/stockyard")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine unless one was named explicitly; a file
		// that exists but fails to parse is always an error.
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
