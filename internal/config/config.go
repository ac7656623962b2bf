// Package config loads the distributor daemon configuration: a YAML file
// with GRID_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Listen   string `mapstructure:"listen"`
	GridURI  string `mapstructure:"grid_uri"`
	LogLevel string `mapstructure:"log_level"`

	Registration struct {
		Secret    string `mapstructure:"secret"`
		UsersFile string `mapstructure:"users_file"`
	} `mapstructure:"registration"`

	Scheduling struct {
		RequestTimeout      time.Duration `mapstructure:"request_timeout"`
		RetryInterval       time.Duration `mapstructure:"retry_interval"`
		HealthcheckInterval time.Duration `mapstructure:"healthcheck_interval"`
		RetryLimit          int           `mapstructure:"retry_limit"`
	} `mapstructure:"scheduling"`

	SessionMap struct {
		Backend   string        `mapstructure:"backend"` // local | etcd
		OrphanTTL time.Duration `mapstructure:"orphan_ttl"`
		Etcd      struct {
			Endpoints []string `mapstructure:"endpoints"`
			Prefix    string   `mapstructure:"prefix"`
		} `mapstructure:"etcd"`
	} `mapstructure:"session_map"`

	Assets struct {
		Backend  string `mapstructure:"backend"` // none | local | minio
		LocalDir string `mapstructure:"local_dir"`
		Minio    struct {
			Endpoint  string `mapstructure:"endpoint"`
			AccessKey string `mapstructure:"access_key"`
			SecretKey string `mapstructure:"secret_key"`
			Bucket    string `mapstructure:"bucket"`
			UseSSL    bool   `mapstructure:"use_ssl"`
		} `mapstructure:"minio"`
	} `mapstructure:"assets"`

	Audit struct {
		Backend string `mapstructure:"backend"` // memory | sqlite
		Path    string `mapstructure:"path"`
	} `mapstructure:"audit"`

	// Node hosts an in-process node when a slots file is given, for
	// single-binary deployments.
	Node struct {
		SlotsFile       string        `mapstructure:"slots_file"`
		URI             string        `mapstructure:"uri"`
		Listen          string        `mapstructure:"listen"`
		DistributorURL  string        `mapstructure:"distributor_url"`
		HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period"`
	} `mapstructure:"node"`
}

// Load reads the config file when path is non-empty, then applies GRID_*
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults double as env-var bindings: viper only surfaces GRID_* values
	// to Unmarshal for keys it already knows about.
	v.SetDefault("registration.secret", "")
	v.SetDefault("registration.users_file", "")
	v.SetDefault("audit.path", "")
	v.SetDefault("node.slots_file", "")
	v.SetDefault("node.uri", "")
	v.SetDefault("node.listen", ":5555")
	v.SetDefault("node.distributor_url", "http://localhost:4444")
	v.SetDefault("assets.local_dir", "")
	v.SetDefault("listen", ":4444")
	v.SetDefault("grid_uri", "http://localhost:4444")
	v.SetDefault("log_level", "info")
	v.SetDefault("scheduling.request_timeout", "60s")
	v.SetDefault("scheduling.retry_interval", "1s")
	v.SetDefault("scheduling.healthcheck_interval", "30s")
	v.SetDefault("scheduling.retry_limit", 3)
	v.SetDefault("session_map.backend", "local")
	v.SetDefault("session_map.orphan_ttl", "5m")
	v.SetDefault("assets.backend", "none")
	v.SetDefault("audit.backend", "memory")
	v.SetDefault("node.heartbeat_period", "10s")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.Registration.Secret == "" {
		return nil, fmt.Errorf("registration.secret is required")
	}
	return &c, nil
}
