// Package peerconfig loads the Peer Node's runtime configuration.
package peerconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Admin configures the shared /metrics, /healthz, /readyz HTTP surface.
type Admin struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// Config captures the peer node's runtime parameters (spec 4.10, 6).
type Config struct {
	DataDir             string        `mapstructure:"data_dir"`
	RelayURL            string        `mapstructure:"relay_url"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Admin               Admin         `mapstructure:"admin"`
}

const (
	defaultDataDir             = "data/peer"
	defaultRelayURL            = "http://localhost:8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAdminReadHeaderTO   = 5 * time.Second
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with CONCORD_ and can
// override file values; CONCORD_DATA_DIR is also recognized unprefixed
// per spec 6 (it is the bare name, not CONCORD_DATA_DIR_DATA_DIR).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CONCORD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("relay_url", defaultRelayURL)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("admin.read_header_timeout", defaultAdminReadHeaderTO.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if d := os.Getenv("CONCORD_DATA_DIR"); d != "" {
		cfg.DataDir = d
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = defaultRelayURL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	if v.IsSet("shutdown_grace_period") {
		dur, err := time.ParseDuration(v.GetString("shutdown_grace_period"))
		if err != nil {
			return Config{}, fmt.Errorf("invalid shutdown_grace_period: %w", err)
		}
		cfg.ShutdownGracePeriod = dur
	} else {
		cfg.ShutdownGracePeriod = defaultShutdownGracePeriod
	}
	if cfg.Admin.ReadHeaderTimeout == 0 {
		cfg.Admin.ReadHeaderTimeout = defaultAdminReadHeaderTO
	}

	return cfg, nil
}
