package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/accessms/doorlink/internal/access"
	"github.com/accessms/doorlink/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	BLE      BLEConfig    `yaml:"ble"`
	Access   AccessConfig `yaml:"access"`
	Store    StoreConfig  `yaml:"store"`
	LogLevel string       `yaml:"log_level"`
}

// BLEConfig holds radio, discovery and framing settings.
type BLEConfig struct {
	ServiceUUID        string        `yaml:"service_uuid"`
	CharacteristicUUID string        `yaml:"characteristic_uuid"`
	InvalidRSSI        int           `yaml:"invalid_rssi"`      // "unmeasured" sentinel reported by the OS
	RSSIFloor          int           `yaml:"rssi_floor"`        // weaker advertisements are ignored
	AutoConnectRSSI    int           `yaml:"auto_connect_rssi"` // bound device must be at least this strong
	NameMarker         string        `yaml:"name_marker"`       // shown during pairing when in the name
	ChunkSize          int           `yaml:"chunk_size"`
	ChunkDelay         time.Duration `yaml:"chunk_delay"`
	RescanDelay        time.Duration `yaml:"rescan_delay"`
	ScanTimeout        time.Duration `yaml:"scan_timeout"` // used by the scan command
}

// AccessConfig holds the controller protocol settings.
type AccessConfig struct {
	Key             string        `yaml:"key"`        // 16-byte AES key shared with the controller
	PairingIV       string        `yaml:"pairing_iv"` // 16-byte IV used for USER:
	CountdownTicks  int           `yaml:"countdown_ticks"`
	Tick            time.Duration `yaml:"tick"`
	MinRemaining    int           `yaml:"min_remaining"`
	RefusalGrace    time.Duration `yaml:"refusal_grace"`
	BackgroundGrace time.Duration `yaml:"background_grace"`
}

// StoreConfig holds the record database settings.
type StoreConfig struct {
	Path       string `yaml:"path"`
	SealSecret string `yaml:"seal_secret"` // optional; seals the credential at rest
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "doorlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. The key and
// pairing IV are deployment secrets and have no default.
func Default() *Config {
	home, _ := os.UserHomeDir()
	link := ble.DefaultLinkOptions()
	session := access.DefaultSessionOptions()

	return &Config{
		BLE: BLEConfig{
			ServiceUUID:        link.ServiceUUID,
			CharacteristicUUID: link.CharacteristicUUID,
			InvalidRSSI:        link.Policy.InvalidRSSI,
			RSSIFloor:          link.Policy.RSSIFloor,
			AutoConnectRSSI:    link.Policy.AutoConnectRSSI,
			NameMarker:         link.Policy.NameMarker,
			ChunkSize:          link.Transport.ChunkSize,
			ChunkDelay:         link.Transport.InterChunkDelay,
			RescanDelay:        link.RescanDelay,
			ScanTimeout:        10 * time.Second,
		},
		Access: AccessConfig{
			CountdownTicks:  session.Countdown.Total,
			Tick:            session.Countdown.Tick,
			MinRemaining:    session.Countdown.MinRemaining,
			RefusalGrace:    session.RefusalGrace,
			BackgroundGrace: session.Countdown.BackgroundGrace,
		},
		Store: StoreConfig{
			Path: filepath.Join(home, ".local", "share", "doorlink", "doorlink.db"),
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.BLE.ServiceUUID == "" || c.BLE.CharacteristicUUID == "" {
		return fmt.Errorf("ble.service_uuid and ble.characteristic_uuid must not be empty")
	}
	if c.BLE.RSSIFloor > c.BLE.AutoConnectRSSI {
		return fmt.Errorf("ble.rssi_floor (%d) must not be above ble.auto_connect_rssi (%d)", c.BLE.RSSIFloor, c.BLE.AutoConnectRSSI)
	}
	if c.BLE.ChunkSize <= 0 {
		return fmt.Errorf("ble.chunk_size must be > 0")
	}
	if c.BLE.ChunkDelay < 0 || c.BLE.RescanDelay < 0 {
		return fmt.Errorf("ble.chunk_delay and ble.rescan_delay must not be negative")
	}

	if c.Access.Key != "" && len(c.Access.Key) != 16 {
		return fmt.Errorf("access.key must be exactly 16 bytes, got %d", len(c.Access.Key))
	}
	if c.Access.PairingIV != "" && len(c.Access.PairingIV) != 16 {
		return fmt.Errorf("access.pairing_iv must be exactly 16 bytes, got %d", len(c.Access.PairingIV))
	}
	if c.Access.CountdownTicks <= 0 {
		return fmt.Errorf("access.countdown_ticks must be > 0")
	}
	if c.Access.Tick <= 0 {
		return fmt.Errorf("access.tick must be > 0")
	}
	if c.Access.MinRemaining < 0 || c.Access.MinRemaining > c.Access.CountdownTicks {
		return fmt.Errorf("access.min_remaining must be between 0 and access.countdown_ticks, got %d", c.Access.MinRemaining)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ErrMissingKey is returned when a command needs the controller key but
// none is configured.
var ErrMissingKey = errors.New("access.key is not set; add it to the config file")

// RequireKey checks that the secrets needed to talk to a controller are set.
// pairing additionally requires the pairing IV.
func (c *Config) RequireKey(pairing bool) error {
	if c.Access.Key == "" {
		return ErrMissingKey
	}
	if pairing && c.Access.PairingIV == "" {
		return errors.New("access.pairing_iv is not set; add it to the config file")
	}
	return nil
}

// LinkOptions converts the ble section for ble.NewLink.
func (b BLEConfig) LinkOptions() ble.LinkOptions {
	opts := ble.DefaultLinkOptions()
	opts.ServiceUUID = b.ServiceUUID
	opts.CharacteristicUUID = b.CharacteristicUUID
	opts.Policy = ble.Policy{
		InvalidRSSI:     b.InvalidRSSI,
		RSSIFloor:       b.RSSIFloor,
		AutoConnectRSSI: b.AutoConnectRSSI,
		NameMarker:      b.NameMarker,
	}
	opts.Transport = ble.Transport{ChunkSize: b.ChunkSize, InterChunkDelay: b.ChunkDelay}
	opts.RescanDelay = b.RescanDelay
	return opts
}

// SessionOptions converts the access section for access.NewAuthenticator.
func (a AccessConfig) SessionOptions() access.SessionOptions {
	return access.SessionOptions{
		Key:          a.Key,
		RefusalGrace: a.RefusalGrace,
		Countdown: access.CountdownOptions{
			Total:           a.CountdownTicks,
			Tick:            a.Tick,
			MinRemaining:    a.MinRemaining,
			BackgroundGrace: a.BackgroundGrace,
		},
	}
}

// PairingOptions converts the access section for access.NewPairer.
func (a AccessConfig) PairingOptions() access.PairingOptions {
	return access.PairingOptions{Key: a.Key, IV: a.PairingIV}
}

// ParseLogLevel maps a config log level to slog. Unknown values are info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# doorlink configuration
#
# access.key and access.pairing_iv must be set to the 16-character values
# programmed into the door controller before pairing or running.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a config already
// existed.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
