// Package config loads and watches the engine configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as "900ms" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the engine configuration.
type Config struct {
	Server struct {
		Port     int    `yaml:"port"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`

	Backend struct {
		BaseURL   string `yaml:"base_url"`   // HTTP collaborator
		StreamURL string `yaml:"stream_url"` // push channel websocket
		Token     string `yaml:"token"`
	} `yaml:"backend"`

	DataDir string `yaml:"data_dir"`

	Steering struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"steering"`

	Tuning Tunables `yaml:"tuning"`
}

// Tunables are liveness timing parameters. None of them are correctness
// invariants; the defaults match observed backend behavior.
type Tunables struct {
	PushFreshness    Duration `yaml:"push_freshness"`     // trust push this long before pulling
	PushMemory       Duration `yaml:"push_memory"`        // anti-flicker hysteresis window
	WatchdogInterval Duration `yaml:"watchdog_interval"`  // interrupt watchdog tick
	RetryCooldownMin Duration `yaml:"retry_cooldown_min"` // per-key interrupt retry throttle
	RetryCooldownMax Duration `yaml:"retry_cooldown_max"`
	SingleShot       bool     `yaml:"single_shot"` // suppress interrupt retries
	PromotionDelay   Duration `yaml:"promotion_delay"`
	HealDelay        Duration `yaml:"heal_delay"`
	ReconcileFast    Duration `yaml:"reconcile_fast"`
	ReconcileIdle    Duration `yaml:"reconcile_idle"`
	SweepInterval    Duration `yaml:"sweep_interval"`
	StallCeiling     Duration `yaml:"stall_ceiling"`
	BannerTTL        Duration `yaml:"banner_ttl"`
}

// DefaultTunables returns the default timing parameters.
func DefaultTunables() Tunables {
	return Tunables{
		PushFreshness:    Duration(2500 * time.Millisecond),
		PushMemory:       Duration(10 * time.Minute),
		WatchdogInterval: Duration(900 * time.Millisecond),
		RetryCooldownMin: Duration(250 * time.Millisecond),
		RetryCooldownMax: Duration(450 * time.Millisecond),
		PromotionDelay:   Duration(500 * time.Millisecond),
		HealDelay:        Duration(1200 * time.Millisecond),
		ReconcileFast:    Duration(3 * time.Second),
		ReconcileIdle:    Duration(30 * time.Second),
		SweepInterval:    Duration(15 * time.Second),
		StallCeiling:     Duration(10 * time.Minute),
		BannerTTL:        Duration(6 * time.Second),
	}
}

// Default returns a config with all defaults applied.
func Default() Config {
	var c Config
	c.Server.Port = 27610
	c.Server.LogLevel = "info"
	c.Backend.BaseURL = "http://localhost:8135"
	c.Backend.StreamURL = "ws://localhost:8135/stream"
	c.DataDir = "./data"
	c.Steering.Enabled = true
	c.Tuning = DefaultTunables()
	return c
}

// Load reads a YAML config file with environment variable expansion.
// A missing file is not an error; defaults are returned.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML config bytes with env expansion over defaults.
func LoadFromBytes(data []byte) (Config, error) {
	c := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	c.applyFloors()
	return c, nil
}

// applyFloors guards against zeroed tunables from partial config files.
func (c *Config) applyFloors() {
	def := DefaultTunables()
	t := &c.Tuning
	if t.PushFreshness <= 0 {
		t.PushFreshness = def.PushFreshness
	}
	if t.PushMemory <= 0 {
		t.PushMemory = def.PushMemory
	}
	if t.WatchdogInterval <= 0 {
		t.WatchdogInterval = def.WatchdogInterval
	}
	if t.RetryCooldownMin <= 0 {
		t.RetryCooldownMin = def.RetryCooldownMin
	}
	if t.RetryCooldownMax < t.RetryCooldownMin {
		t.RetryCooldownMax = t.RetryCooldownMin
	}
	if t.PromotionDelay <= 0 {
		t.PromotionDelay = def.PromotionDelay
	}
	if t.HealDelay <= 0 {
		t.HealDelay = def.HealDelay
	}
	if t.ReconcileFast <= 0 {
		t.ReconcileFast = def.ReconcileFast
	}
	if t.ReconcileIdle <= 0 {
		t.ReconcileIdle = def.ReconcileIdle
	}
	if t.SweepInterval <= 0 {
		t.SweepInterval = def.SweepInterval
	}
	if t.StallCeiling <= 0 {
		t.StallCeiling = def.StallCeiling
	}
	if t.BannerTTL <= 0 {
		t.BannerTTL = def.BannerTTL
	}
}
