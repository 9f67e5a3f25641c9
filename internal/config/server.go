// Package config loads loadd server settings from YAML.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerFile is the on-disk server configuration.
type ServerFile struct {
	Bind              string        `yaml:"bind"`
	Port              int           `yaml:"port"`
	Workers           int           `yaml:"workers"`
	FailFast          bool          `yaml:"fail_fast"`
	StrictRequestSize bool          `yaml:"strict_request_size"`
	PaddedLayout      bool          `yaml:"padded_layout"`
	CollectTimeout    time.Duration `yaml:"collect_timeout"`
	MaxDatagramSize   int           `yaml:"max_datagram_size"`
	Banner            *bool         `yaml:"banner"`

	Collector CollectorFile `yaml:"collector"`
	Log       LogFile       `yaml:"log"`
	Telemetry TelemetryFile `yaml:"telemetry"`
	Metrics   MetricsFile   `yaml:"metrics"`
}

// CollectorFile selects where host metrics come from.
type CollectorFile struct {
	LoadFile    string `yaml:"load_file"`
	UsersSource string `yaml:"users_source"`
	WhoPath     string `yaml:"who_path"`
	Serialize   bool   `yaml:"serialize"`
}

type LogFile struct {
	Level string `yaml:"level"`
}

// TelemetryFile configures OpenTelemetry export for traces and metrics.
type TelemetryFile struct {
	Exporter    string            `yaml:"exporter"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	SampleRate  float64           `yaml:"sample_rate"`
	ServiceName string            `yaml:"service_name"`
	Attributes  map[string]string `yaml:"attributes"`
}

// MetricsFile configures the Prometheus scrape endpoint. Empty Listen disables it.
type MetricsFile struct {
	Listen      string        `yaml:"listen"`
	PeerIdleTTL time.Duration `yaml:"peer_idle_ttl"`
	// APIKeys, when set, are required on every endpoint except /healthz.
	APIKeys []string `yaml:"api_keys"`
}

// DefaultServerFile returns the configuration used when no file exists.
func DefaultServerFile() *ServerFile {
	return &ServerFile{
		Bind:            DefaultBindAddress,
		Port:            DefaultPort,
		Workers:         DefaultWorkers,
		CollectTimeout:  DefaultCollectTimeout,
		MaxDatagramSize: DefaultMaxDatagramSize,
		Log:             LogFile{Level: "info"},
		Telemetry:       TelemetryFile{Exporter: "none", SampleRate: 1.0},
		Metrics:         MetricsFile{PeerIdleTTL: DefaultPeerIdleTTL},
	}
}

// BannerEnabled reports whether the startup banner should be printed.
func (f *ServerFile) BannerEnabled() bool {
	return f.Banner == nil || *f.Banner
}

// LoadServerFile reads path. A missing file yields the defaults.
func LoadServerFile(path string) (*ServerFile, error) {
	cfg := DefaultServerFile()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (f *ServerFile) applyDefaults() {
	if f.Bind == "" {
		f.Bind = DefaultBindAddress
	}
	if f.Port == 0 {
		f.Port = DefaultPort
	}
	if f.Workers == 0 {
		f.Workers = DefaultWorkers
	}
	if f.CollectTimeout == 0 {
		f.CollectTimeout = DefaultCollectTimeout
	}
	if f.MaxDatagramSize == 0 {
		f.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if f.Log.Level == "" {
		f.Log.Level = "info"
	}
	if f.Telemetry.Exporter == "" {
		f.Telemetry.Exporter = "none"
	}
	if f.Metrics.PeerIdleTTL == 0 {
		f.Metrics.PeerIdleTTL = DefaultPeerIdleTTL
	}
}

// Validate checks value ranges. It does not check that the port is free.
func (f *ServerFile) Validate() error {
	var errs []error

	addr, err := netip.ParseAddr(f.Bind)
	if err != nil || !addr.Is4() {
		errs = append(errs, fmt.Errorf("bind must be an IPv4 address, got %q", f.Bind))
	}
	if f.Port < 0 || f.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", f.Port))
	}
	if f.Workers < 1 || f.Workers > MaxWorkers {
		errs = append(errs, fmt.Errorf("workers must be between 1 and %d, got %d", MaxWorkers, f.Workers))
	}
	if f.Metrics.PeerIdleTTL < 0 {
		errs = append(errs, fmt.Errorf("metrics.peer_idle_ttl must not be negative"))
	}
	if f.CollectTimeout < 0 {
		errs = append(errs, fmt.Errorf("collect_timeout must not be negative"))
	}
	if f.MaxDatagramSize < 16 || f.MaxDatagramSize > 65507 {
		errs = append(errs, fmt.Errorf("max_datagram_size must be between 16 and 65507, got %d", f.MaxDatagramSize))
	}
	if f.Telemetry.SampleRate < 0 || f.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be within [0,1], got %v", f.Telemetry.SampleRate))
	}
	switch f.Collector.UsersSource {
	case "", "utmp", "who":
	default:
		errs = append(errs, fmt.Errorf("collector.users_source must be utmp or who, got %q", f.Collector.UsersSource))
	}

	return errors.Join(errs...)
}
