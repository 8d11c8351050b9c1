// Package config loads the service configuration from a YAML file,
// environment variables, and defaults, in that order of precedence.
// Environment variables use the NICSHELL_ prefix with underscores, for
// example NICSHELL_NETWORK_PORT=2323.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nicshell/nicshell/pkg/auth"
	"github.com/nicshell/nicshell/pkg/netproto"
)

// Device backends.
const (
	BackendEmulated = "emulated"
	BackendAFPacket = "afpacket"
)

// Config is the full service configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Accounts []Account      `mapstructure:"accounts" yaml:"accounts"`
	Sessions SessionsConfig `mapstructure:"sessions" yaml:"sessions"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Console  ConsoleConfig  `mapstructure:"console" yaml:"console"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" yaml:"format"`
}

// NetworkConfig describes the device backend and the service's network
// identity.
type NetworkConfig struct {
	// Backend selects the frame transport: emulated or afpacket.
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Interface is the link the afpacket backend binds to.
	Interface string `mapstructure:"interface" yaml:"interface"`

	// MAC is the station address used for the emulated backend and as
	// the source address on replies.
	MAC string `mapstructure:"mac" yaml:"mac"`

	// IP is the service's IPv4 address.
	IP string `mapstructure:"ip" yaml:"ip"`

	// Port is the TCP port the service answers on.
	Port uint16 `mapstructure:"port" yaml:"port"`

	// WireKey is the XOR key applied to inbound payload bytes.
	WireKey uint8 `mapstructure:"wire_key" yaml:"wire_key"`

	// PseudoChecksum enables RFC 793 pseudo-header TCP checksums on
	// replies. Leave off for the native clients.
	PseudoChecksum bool `mapstructure:"pseudo_checksum" yaml:"pseudo_checksum"`
}

// Account is one credential pair loaded into the store at startup.
type Account struct {
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// SessionsConfig controls the idle sweeper.
type SessionsConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	GCInterval  time.Duration `mapstructure:"gc_interval" yaml:"gc_interval"`
}

// APIConfig controls the HTTP management API.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`

	// TLS serves the API over HTTPS on TLSListen with a self-signed
	// certificate generated on first start.
	TLS       bool   `mapstructure:"tls" yaml:"tls"`
	TLSListen string `mapstructure:"tls_listen" yaml:"tls_listen"`

	// Username and Password gate the API with HTTP Basic auth.
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`

	// Keys are static tokens accepted as Bearer or X-API-Key headers,
	// for scripted clients. Empty credentials and keys disable the gate.
	Keys []string `mapstructure:"keys" yaml:"keys"`
}

// ConsoleConfig controls the interactive operator console.
type ConsoleConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns the built-in configuration: emulated backend, the
// standard service identity, and the stock account set.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Network: NetworkConfig{
			Backend: BackendEmulated,
			MAC:     "52:54:00:12:34:56",
			IP:      "10.0.0.2",
			Port:    23,
			WireKey: auth.DefaultWireKey,
		},
		Accounts: []Account{
			{Username: "admin", Password: "admin123"},
			{Username: "user", Password: "password"},
		},
		Sessions: SessionsConfig{
			IdleTimeout: 5 * time.Minute,
			GCInterval:  30 * time.Second,
		},
		API:     APIConfig{Listen: "127.0.0.1:8080"},
		Console: ConsoleConfig{Enabled: true},
	}
}

// Load reads configuration from path (optional), the environment, and
// defaults. A missing file is not an error unless its path was given
// explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NICSHELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("network.backend", def.Network.Backend)
	v.SetDefault("network.mac", def.Network.MAC)
	v.SetDefault("network.ip", def.Network.IP)
	v.SetDefault("network.port", def.Network.Port)
	v.SetDefault("network.wire_key", def.Network.WireKey)
	v.SetDefault("network.pseudo_checksum", def.Network.PseudoChecksum)
	v.SetDefault("accounts", []map[string]any{
		{"username": "admin", "password": "admin123"},
		{"username": "user", "password": "password"},
	})
	v.SetDefault("sessions.idle_timeout", def.Sessions.IdleTimeout)
	v.SetDefault("sessions.gc_interval", def.Sessions.GCInterval)
	v.SetDefault("api.enabled", def.API.Enabled)
	v.SetDefault("api.listen", def.API.Listen)
	v.SetDefault("console.enabled", def.Console.Enabled)
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", cfg.Logging.Format)
	}

	switch cfg.Network.Backend {
	case BackendEmulated:
	case BackendAFPacket:
		if cfg.Network.Interface == "" {
			return fmt.Errorf("config: afpacket backend requires network.interface")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", cfg.Network.Backend)
	}

	if _, err := cfg.Network.HardwareAddr(); err != nil {
		return err
	}
	if _, err := cfg.Network.IPv4(); err != nil {
		return err
	}
	if cfg.Network.Port == 0 {
		return fmt.Errorf("config: network.port must be nonzero")
	}

	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("config: at least one account is required")
	}
	if len(cfg.Accounts) > auth.MaxUsers {
		return fmt.Errorf("config: %d accounts exceed the table capacity of %d",
			len(cfg.Accounts), auth.MaxUsers)
	}
	seen := make(map[string]bool, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		if a.Username == "" {
			return fmt.Errorf("config: account with empty username")
		}
		if seen[a.Username] {
			return fmt.Errorf("config: duplicate account %q", a.Username)
		}
		seen[a.Username] = true
	}

	if cfg.Sessions.IdleTimeout <= 0 {
		return fmt.Errorf("config: sessions.idle_timeout must be positive")
	}
	if cfg.Sessions.GCInterval <= 0 {
		return fmt.Errorf("config: sessions.gc_interval must be positive")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("config: api.listen is required when the API is enabled")
	}
	return nil
}

// HardwareAddr parses the configured MAC into its array form.
func (n *NetworkConfig) HardwareAddr() ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(n.MAC)
	if err != nil || len(hw) != 6 {
		return out, fmt.Errorf("config: bad network.mac %q", n.MAC)
	}
	copy(out[:], hw)
	return out, nil
}

// IPv4 parses the configured address into host-order integer form.
func (n *NetworkConfig) IPv4() (uint32, error) {
	ip := net.ParseIP(n.IP)
	if ip == nil || ip.To4() == nil {
		return 0, fmt.Errorf("config: bad network.ip %q", n.IP)
	}
	return netproto.IPToUint32(ip), nil
}