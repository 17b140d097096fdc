// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Relay configuration, YAML loading and a thread-safe store with reload
// listeners.

package control

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/internal/logging"
	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"
)

// ScheduleParser accepts five-field cron expressions and descriptors such as
// "@every 30s".
var ScheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config is the full relay configuration.
type Config struct {
	Listen        string         `yaml:"listen"`
	Backlog       int            `yaml:"backlog"`
	Workers       int            `yaml:"workers"`
	MaxConns      int            `yaml:"max_conns"`
	BufferSize    int            `yaml:"buffer_size"`
	MaxPending    int            `yaml:"max_pending"`
	QueueLimit    int            `yaml:"queue_limit"`
	AcceptRate    float64        `yaml:"accept_rate"`
	AcceptBurst   int            `yaml:"accept_burst"`
	LoopCPU       int            `yaml:"loop_cpu"`
	MetricsListen string         `yaml:"metrics_listen"`
	StatsSchedule string         `yaml:"stats_schedule"`
	Log           logging.Config `yaml:"log"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Listen:        api.DefaultListenAddr,
		Backlog:       api.DefaultBacklog,
		Workers:       api.DefaultWorkers,
		MaxConns:      api.DefaultMaxConns,
		BufferSize:    api.DefaultBufferSize,
		MaxPending:    api.DefaultMaxPending,
		LoopCPU:       -1,
		StatsSchedule: "@every 1m",
		Log: logging.Config{
			Level:   "info",
			Console: true,
		},
	}
}

// Validate checks ranges and returns a structured error naming the field.
func (c Config) Validate() error {
	invalid := func(field string, value any) error {
		return api.NewError(api.ErrCodeInvalidArgument, "invalid config value").
			WithContext("field", field).
			WithContext("value", value)
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return invalid("listen", c.Listen)
	}
	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			return invalid("metrics_listen", c.MetricsListen)
		}
	}
	if c.StatsSchedule != "" {
		if _, err := ScheduleParser.Parse(c.StatsSchedule); err != nil {
			return invalid("stats_schedule", c.StatsSchedule)
		}
	}
	switch {
	case c.Workers <= 0:
		return invalid("workers", c.Workers)
	case c.MaxConns <= 0:
		return invalid("max_conns", c.MaxConns)
	case c.BufferSize <= 0:
		return invalid("buffer_size", c.BufferSize)
	case c.MaxPending < 0:
		return invalid("max_pending", c.MaxPending)
	case c.MaxPending > 0 && c.MaxPending < c.BufferSize:
		return invalid("max_pending", c.MaxPending)
	case c.QueueLimit < 0:
		return invalid("queue_limit", c.QueueLimit)
	case c.AcceptRate < 0:
		return invalid("accept_rate", c.AcceptRate)
	case c.AcceptBurst < 0:
		return invalid("accept_burst", c.AcceptBurst)
	case c.Backlog < 0:
		return invalid("backlog", c.Backlog)
	case c.LoopCPU < -1:
		return invalid("loop_cpu", c.LoopCPU)
	}
	return nil
}

// ParseConfig decodes YAML over the defaults. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("yaml decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads path; an empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ConfigStore holds the active configuration and notifies listeners on change.
type ConfigStore struct {
	mu        sync.RWMutex
	config    Config
	listeners []func(old, cur Config)
}

// NewConfigStore initializes a store with cfg.
func NewConfigStore(cfg Config) *ConfigStore {
	return &ConfigStore{config: cfg}
}

// GetSnapshot returns a copy of the active configuration.
func (cs *ConfigStore) GetSnapshot() Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// SetConfig replaces the configuration and runs listeners synchronously.
func (cs *ConfigStore) SetConfig(cfg Config) {
	cs.mu.Lock()
	old := cs.config
	cs.config = cfg
	listeners := append([]func(old, cur Config){}, cs.listeners...)
	cs.mu.Unlock()

	for _, fn := range listeners {
		fn(old, cfg)
	}
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func(old, cur Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
