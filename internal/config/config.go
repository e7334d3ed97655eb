package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gatt-peripheral/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	DeviceName    string        `yaml:"device_name"`
	Service       ServiceConfig `yaml:"service"`
	Radio         RadioConfig   `yaml:"radio"`
	Bridge        BridgeConfig  `yaml:"bridge"`
	Engine        EngineConfig  `yaml:"engine"`
	AutoAdvertise bool          `yaml:"auto_advertise"`
	LogLevel      string        `yaml:"log_level"`
}

// ServiceConfig describes the service published at startup.
type ServiceConfig struct {
	UUID            string                 `yaml:"uuid"`
	Characteristics []CharacteristicConfig `yaml:"characteristics"`
}

// CharacteristicConfig describes one characteristic of the service.
type CharacteristicConfig struct {
	UUID        string   `yaml:"uuid"`
	Properties  []string `yaml:"properties"`
	Permissions []string `yaml:"permissions"`
	Value       string   `yaml:"value,omitempty"`
	Encoding    string   `yaml:"encoding,omitempty"` // "utf8" (default), "hex" or "base64"
}

// RadioConfig selects the radio backend.
type RadioConfig struct {
	Backend        string `yaml:"backend"` // "hci" or "bluez"
	HCIDevice      int    `yaml:"hci_device"`
	CheckLE        bool   `yaml:"check_le"`
	MaxConnections int    `yaml:"max_connections"`
}

// BridgeConfig holds the HTTP/WebSocket bridge settings. An empty listen
// address disables the bridge.
type BridgeConfig struct {
	Listen       string        `yaml:"listen"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// EngineConfig holds GATT engine tuning.
type EngineConfig struct {
	ResolvedRequestCache int `yaml:"resolved_request_cache"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gatt-peripheral")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		DeviceName: "gatt-peripheral",
		Service: ServiceConfig{
			UUID: "a07498ca-ad5b-474e-940d-16f1fbe7e8cd",
			Characteristics: []CharacteristicConfig{
				{
					UUID:        "51ff12bb-3ed8-46e5-b4f9-d64e2fec021b",
					Properties:  []string{"read", "write", "notify"},
					Permissions: []string{"readable", "writeable"},
					Value:       "hello",
				},
			},
		},
		Radio: RadioConfig{
			Backend:        ble.BackendHCI,
			HCIDevice:      -1,
			CheckLE:        true,
			MaxConnections: 1,
		},
		Bridge: BridgeConfig{
			Listen:       "127.0.0.1:8089",
			WriteTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			ResolvedRequestCache: 256,
		},
		AutoAdvertise: true,
		LogLevel:      "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path. It does nothing and returns "" if the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	header := "# gatt-peripheral configuration\n# properties: read, write, writeWithoutResponse, notify, indicate\n# permissions: readable, writeable\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.DeviceName == "" {
		return fmt.Errorf("device_name must not be empty")
	}

	if _, err := ble.ParseUUID(c.Service.UUID); err != nil {
		return fmt.Errorf("service.uuid: %w", err)
	}
	seen := make(map[ble.UUID]bool)
	for i, ch := range c.Service.Characteristics {
		u, err := ble.ParseUUID(ch.UUID)
		if err != nil {
			return fmt.Errorf("service.characteristics[%d].uuid: %w", i, err)
		}
		if seen[u] {
			return fmt.Errorf("service.characteristics[%d].uuid %s is a duplicate", i, u)
		}
		seen[u] = true
		if _, err := ch.Bytes(); err != nil {
			return fmt.Errorf("service.characteristics[%d].value: %w", i, err)
		}
	}

	switch c.Radio.Backend {
	case ble.BackendHCI, ble.BackendBlueZ:
	default:
		return fmt.Errorf("radio.backend must be %q or %q, got %q", ble.BackendHCI, ble.BackendBlueZ, c.Radio.Backend)
	}
	if c.Radio.MaxConnections < 1 {
		return fmt.Errorf("radio.max_connections must be > 0")
	}

	if c.Bridge.Listen != "" && c.Bridge.WriteTimeout <= 0 {
		return fmt.Errorf("bridge.write_timeout must be > 0")
	}

	if c.Engine.ResolvedRequestCache < 1 {
		return fmt.Errorf("engine.resolved_request_cache must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Bytes decodes the configured initial value.
func (c CharacteristicConfig) Bytes() ([]byte, error) {
	return DecodeValue(c.Value, c.Encoding)
}

// DecodeValue decodes a characteristic value written as text. The encoding
// is "utf8" (or empty), "hex" or "base64".
func DecodeValue(value, encoding string) ([]byte, error) {
	switch encoding {
	case "", "utf8":
		return []byte(value), nil
	case "hex":
		return hex.DecodeString(value)
	case "base64":
		return base64.StdEncoding.DecodeString(value)
	}
	return nil, fmt.Errorf("unknown encoding %q", encoding)
}

// SchemaTarget receives the configured characteristics. Both
// *ble.Peripheral and *ble.SchemaBuilder satisfy it.
type SchemaTarget interface {
	AddCharacteristicValue(serviceUUID, charUUID ble.UUID, props ble.Property, perms ble.Permission, value []byte) (*ble.Characteristic, error)
}

// Seed adds the configured service to t and returns its uuid. The config
// must have passed Validate.
func (c *Config) Seed(t SchemaTarget) (ble.UUID, error) {
	svc, err := ble.ParseUUID(c.Service.UUID)
	if err != nil {
		return ble.UUID{}, err
	}
	for _, ch := range c.Service.Characteristics {
		u, err := ble.ParseUUID(ch.UUID)
		if err != nil {
			return ble.UUID{}, err
		}
		value, err := ch.Bytes()
		if err != nil {
			return ble.UUID{}, fmt.Errorf("characteristic %s: %w", u, err)
		}
		props := ble.ParseProperties(ch.Properties)
		perms := ble.ParsePermissions(ch.Permissions)
		if _, err := t.AddCharacteristicValue(svc, u, props, perms, value); err != nil {
			return ble.UUID{}, err
		}
	}
	return svc, nil
}

// RadioConfig converts the radio section for ble.NewRadio.
func (c *Config) RadioConfig(logger logrus.FieldLogger) ble.RadioConfig {
	return ble.RadioConfig{
		Backend:        c.Radio.Backend,
		HCIDevice:      c.Radio.HCIDevice,
		CheckLE:        c.Radio.CheckLE,
		MaxConnections: c.Radio.MaxConnections,
		Logger:         logger,
	}
}

// ParseLogLevel maps a log_level string to a logrus level, defaulting to
// info.
func ParseLogLevel(s string) logrus.Level {
	switch s {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	}
	return logrus.InfoLevel
}
