// Package relayconfig loads the Rendezvous Relay's runtime configuration.
package relayconfig

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

// Config captures the relay's runtime parameters (spec 4.4-4.5, 6).
type Config struct {
	WSPort              int           `mapstructure:"ws_port"`
	HTTPPort            int           `mapstructure:"http_port"`
	RelayHostname       string        `mapstructure:"relay_hostname"`
	DataDir             string        `mapstructure:"data_dir"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Admin               Admin         `mapstructure:"admin"`
}

const (
	defaultWSPort              = 9090
	defaultHTTPPort            = 8080
	defaultRelayHostname       = "relay.example.com"
	defaultDataDir             = "data/relay"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAdminReadHeaderTO   = 5 * time.Second
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with CONCORD_RELAY_ and
// can override file values; WS_PORT, HTTP_PORT and RELAY_HOSTNAME are also
// recognized unprefixed per spec 6.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CONCORD_RELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("ws_port", defaultWSPort)
	v.SetDefault("http_port", defaultHTTPPort)
	v.SetDefault("relay_hostname", defaultRelayHostname)
	v.SetDefault("data_dir", defaultDataDir)
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

	// The bare (unprefixed) names from spec 6 take precedence when set,
	// matching the "environment variables recognized" list verbatim.
	if p := bareInt("WS_PORT"); p != 0 {
		cfg.WSPort = p
	}
	if p := bareInt("HTTP_PORT"); p != 0 {
		cfg.HTTPPort = p
	}
	if h := bareString("RELAY_HOSTNAME"); h != "" {
		cfg.RelayHostname = h
	}

	if cfg.WSPort == 0 {
		cfg.WSPort = defaultWSPort
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = defaultHTTPPort
	}
	if cfg.RelayHostname == "" {
		cfg.RelayHostname = defaultRelayHostname
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
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

// ExternalRelayAddr synthesizes the externally advertised multiaddr per
// spec 4.4's /info and /register responses.
func (c Config) ExternalRelayAddr(relayPeerID string) string {
	return fmt.Sprintf("/dns4/%s/tcp/%d/ws/p2p/%s", c.RelayHostname, c.WSPort, relayPeerID)
}

// split out for testing, matching the reference config's test seam.
var getenv = os.Getenv

func bareInt(name string) int {
	raw := getenv(name)
	if raw == "" {
		return 0
	}
	n := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func bareString(name string) string {
	return getenv(name)
}
