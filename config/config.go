// Package config loads the device configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"device-client-coap/board"
)

const (
	BoardSimulated = "simulated"
	BoardSerial    = "serial"
)

type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Cloud   CloudConfig   `yaml:"cloud"`
	Network NetworkConfig `yaml:"network"`
	Sampler SamplerConfig `yaml:"sampler"`
	Queue   QueueConfig   `yaml:"queue"`
	Board   BoardConfig   `yaml:"board"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

type DeviceConfig struct {
	ID string `yaml:"id"`
	// KeyPath is the PEM private key; empty means certificates/<id>.key.
	KeyPath string `yaml:"key_path"`
}

type CloudConfig struct {
	Host              string        `yaml:"host"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	StatePollInterval time.Duration `yaml:"state_poll_interval"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
}

type NetworkConfig struct {
	ProbeHost     string        `yaml:"probe_host"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type SamplerConfig struct {
	Period time.Duration `yaml:"period"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

type BoardConfig struct {
	Mode          string            `yaml:"mode"`
	ButtonPressed bool              `yaml:"button_pressed"`
	Serial        SerialBoardConfig `yaml:"serial"`
}

type SerialBoardConfig struct {
	Port              string `yaml:"port"`
	board.PortOptions `yaml:",inline"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Cloud: CloudConfig{
			Host:              "coap.nrfcloud.com:5684",
			RequestTimeout:    30 * time.Second,
			StatePollInterval: 30 * time.Second,
			TokenTTL:          10 * time.Minute,
		},
		Network: NetworkConfig{
			ProbeHost:     "coap.nrfcloud.com",
			RetryInterval: 2 * time.Second,
		},
		Sampler: SamplerConfig{Period: 3 * time.Second},
		Queue:   QueueConfig{Capacity: 32},
		Board:   BoardConfig{Mode: BoardSimulated},
		Storage: StorageConfig{Path: "device.db"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	clean := filepath.Clean(path)
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", clean, err)
	}
	return cfg, nil
}

// KeyPath resolves the device key location.
func (c *Config) KeyPath() string {
	if c.Device.KeyPath != "" {
		return c.Device.KeyPath
	}
	return filepath.Join("certificates", c.Device.ID+".key")
}

func (c *Config) Validate() error {
	var errs []error
	if c.Cloud.Host == "" {
		errs = append(errs, errors.New("cloud.host must be set"))
	}
	if c.Cloud.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("cloud.request_timeout must be positive, got %v", c.Cloud.RequestTimeout))
	}
	if c.Cloud.StatePollInterval <= 0 {
		errs = append(errs, fmt.Errorf("cloud.state_poll_interval must be positive, got %v", c.Cloud.StatePollInterval))
	}
	if c.Cloud.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("cloud.token_ttl must be positive, got %v", c.Cloud.TokenTTL))
	}
	if c.Network.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("network.retry_interval must be positive, got %v", c.Network.RetryInterval))
	}
	if c.Sampler.Period <= 0 {
		errs = append(errs, fmt.Errorf("sampler.period must be positive, got %v", c.Sampler.Period))
	}
	if c.Queue.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity))
	}
	switch c.Board.Mode {
	case BoardSimulated:
	case BoardSerial:
		if c.Board.Serial.Port == "" {
			errs = append(errs, errors.New("board.serial.port must be set in serial mode"))
		}
		if _, err := c.Board.Serial.SerialMode(); err != nil {
			errs = append(errs, fmt.Errorf("board.serial: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown board.mode %q", c.Board.Mode))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path must be set"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
