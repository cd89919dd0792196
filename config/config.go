// Package config provides YAML-based configuration loading for the HECI
// programs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/softheci/bus"
	"github.com/ardnew/softheci/host"
	"github.com/ardnew/softheci/pkg"
	"github.com/ardnew/softheci/pkg/prof"
	"github.com/ardnew/softheci/transport"
)

// Transport kinds.
const (
	TransportFIFO = "fifo"
	TransportMem  = "mem"
)

// Config is the root configuration.
type Config struct {
	// Bus holds firmware bus limits
	Bus BusConfig `mapstructure:"bus" yaml:"bus"`

	// Host holds host driver settings
	Host HostConfig `mapstructure:"host" yaml:"host"`

	// Transport selects the link between firmware and host
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`

	// Capture controls recording of transport traffic
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log" yaml:"log"`

	// Profile controls runtime profiling
	Profile ProfileConfig `mapstructure:"profile" yaml:"profile"`
}

// BusConfig defines firmware bus limits.
type BusConfig struct {
	MaxClients     int           `mapstructure:"max_clients" yaml:"max_clients"`
	MaxMessageSize int           `mapstructure:"max_message_size" yaml:"max_message_size"`
	CreditTimeout  time.Duration `mapstructure:"credit_timeout" yaml:"credit_timeout"`
	HBMMajor       uint8         `mapstructure:"hbm_major" yaml:"hbm_major"`
	HBMMinor       uint8         `mapstructure:"hbm_minor" yaml:"hbm_minor"`
}

// HostConfig defines host driver settings.
type HostConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ReceiveQueue   int           `mapstructure:"receive_queue" yaml:"receive_queue"`
}

// TransportConfig selects and configures the transport.
type TransportConfig struct {
	// Kind: fifo or mem
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Dir holds the named pipes of the fifo transport
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxPayload is the largest delivery
	MaxPayload int `mapstructure:"max_payload" yaml:"max_payload"`
}

// CaptureConfig controls traffic capture.
type CaptureConfig struct {
	Enable bool   `mapstructure:"enable" yaml:"enable"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// ProfileConfig controls runtime profiling. Profiles are recorded only in
// binaries built with the profile tag.
type ProfileConfig struct {
	Enable bool   `mapstructure:"enable" yaml:"enable"`
	Dir    string `mapstructure:"dir" yaml:"dir"`
	CPU    bool   `mapstructure:"cpu" yaml:"cpu"`
	// Snapshots: heap, allocs, goroutine, threadcreate, block, mutex
	Snapshots     []string `mapstructure:"snapshots" yaml:"snapshots"`
	BlockRate     int      `mapstructure:"block_rate" yaml:"block_rate"`
	MutexFraction int      `mapstructure:"mutex_fraction" yaml:"mutex_fraction"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable" yaml:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config populated with the package defaults.
func Default() *Config {
	bc := bus.DefaultConfig()
	hc := host.DefaultConfig()
	return &Config{
		Bus: BusConfig{
			MaxClients:     bc.MaxClients,
			MaxMessageSize: bc.MaxMessageSize,
			CreditTimeout:  bc.CreditTimeout,
			HBMMajor:       bc.HBMMajor,
			HBMMinor:       bc.HBMMinor,
		},
		Host: HostConfig{
			RequestTimeout: hc.RequestTimeout,
			ReceiveQueue:   hc.ReceiveQueue,
		},
		Transport: TransportConfig{
			Kind:       TransportFIFO,
			Dir:        filepath.Join(os.TempDir(), "softheci"),
			MaxPayload: transport.IPCMaxPayload,
		},
		Capture: CaptureConfig{
			Enable: false,
			Path:   "heci.capture",
		},
		Log: LogConfig{
			Level:   "warn",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Profile: ProfileConfig{
			Enable:    false,
			Dir:       "profiles",
			CPU:       true,
			Snapshots: []string{"heap", "goroutine"},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix HECI and `.`/`-` are replaced with `_`.
// Example: HECI_BUS_MAX_CLIENTS=4
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HECI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("bus.max_clients", cfg.Bus.MaxClients)
	v.SetDefault("bus.max_message_size", cfg.Bus.MaxMessageSize)
	v.SetDefault("bus.credit_timeout", cfg.Bus.CreditTimeout)
	v.SetDefault("bus.hbm_major", cfg.Bus.HBMMajor)
	v.SetDefault("bus.hbm_minor", cfg.Bus.HBMMinor)
	v.SetDefault("host.request_timeout", cfg.Host.RequestTimeout)
	v.SetDefault("host.receive_queue", cfg.Host.ReceiveQueue)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.dir", cfg.Transport.Dir)
	v.SetDefault("transport.max_payload", cfg.Transport.MaxPayload)
	v.SetDefault("capture.enable", cfg.Capture.Enable)
	v.SetDefault("capture.path", cfg.Capture.Path)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("profile.enable", cfg.Profile.Enable)
	v.SetDefault("profile.dir", cfg.Profile.Dir)
	v.SetDefault("profile.cpu", cfg.Profile.CPU)
	v.SetDefault("profile.snapshots", cfg.Profile.Snapshots)
	v.SetDefault("profile.block_rate", cfg.Profile.BlockRate)
	v.SetDefault("profile.mutex_fraction", cfg.Profile.MutexFraction)

	if path == "" {
		if envPath := os.Getenv("HECI_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `heci`
		v.SetConfigName("heci")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".softheci"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes the configuration and rejects out-of-range values.
func (c *Config) Validate() error {
	if err := c.BusConfig().Validate(); err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	if c.Host.RequestTimeout <= 0 {
		return fmt.Errorf("%w: host.request_timeout must be positive", pkg.ErrInvalidParameter)
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case TransportFIFO:
		if c.Transport.Dir == "" {
			return fmt.Errorf("%w: transport.dir is required for fifo", pkg.ErrInvalidParameter)
		}
	case TransportMem:
	default:
		return fmt.Errorf("%w: transport.kind %q", pkg.ErrInvalidParameter, c.Transport.Kind)
	}
	if c.Transport.MaxPayload < bus.HeaderSize+1 || c.Transport.MaxPayload > transport.IPCMaxPayload {
		return fmt.Errorf("%w: transport.max_payload %d not in %d..%d",
			pkg.ErrInvalidParameter, c.Transport.MaxPayload, bus.HeaderSize+1, transport.IPCMaxPayload)
	}

	if c.Capture.Enable && c.Capture.Path == "" {
		return fmt.Errorf("%w: capture.path is required when capture is enabled", pkg.ErrInvalidParameter)
	}

	if c.Profile.Enable {
		if _, err := c.ProfileOptions(); err != nil {
			return fmt.Errorf("profile: %w", err)
		}
	}

	if _, err := pkg.ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	return nil
}

// BusConfig projects the bus section into a [bus.Config].
func (c *Config) BusConfig() bus.Config {
	cfg := bus.DefaultConfig()
	cfg.MaxClients = c.Bus.MaxClients
	cfg.MaxMessageSize = c.Bus.MaxMessageSize
	cfg.CreditTimeout = c.Bus.CreditTimeout
	cfg.HBMMajor = c.Bus.HBMMajor
	cfg.HBMMinor = c.Bus.HBMMinor
	return cfg
}

// HostConfig projects the host section into a [host.Config]. The host shares
// the bus message limit and credit timeout.
func (c *Config) HostConfig() host.Config {
	cfg := host.DefaultConfig()
	cfg.RequestTimeout = c.Host.RequestTimeout
	cfg.ReceiveQueue = c.Host.ReceiveQueue
	cfg.CreditTimeout = c.Bus.CreditTimeout
	cfg.MaxMessageSize = c.Bus.MaxMessageSize
	return cfg
}

// LogOptions projects the log section into [pkg.LogOptions].
func (c *Config) LogOptions() pkg.LogOptions {
	return pkg.LogOptions{
		Level:   c.Log.Level,
		Format:  c.Log.Format,
		Outputs: c.Log.Outputs,
		Rotation: pkg.RotationOptions{
			Enable:     c.Log.Rotation.Enable,
			MaxSizeMB:  c.Log.Rotation.MaxSizeMB,
			MaxBackups: c.Log.Rotation.MaxBackups,
			MaxAgeDays: c.Log.Rotation.MaxAgeDays,
			Compress:   c.Log.Rotation.Compress,
		},
	}
}

// ProfileOptions projects the profile section into [prof.Options].
func (c *Config) ProfileOptions() (prof.Options, error) {
	snaps, err := prof.ParseProfiles(c.Profile.Snapshots)
	if err != nil {
		return prof.Options{}, err
	}
	opts := prof.Options{
		Dir:           c.Profile.Dir,
		CPU:           c.Profile.CPU,
		Snapshots:     snaps,
		BlockRate:     c.Profile.BlockRate,
		MutexFraction: c.Profile.MutexFraction,
	}
	return opts, opts.Validate()
}

// YAML renders the configuration as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
