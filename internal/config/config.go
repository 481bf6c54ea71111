// Package config loads the application configuration: one YAML file tying
// together the per-component configs, overlaid on their defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openrange/orbit/internal/broker"
	"github.com/openrange/orbit/internal/engine"
	"github.com/openrange/orbit/internal/exec"
	"github.com/openrange/orbit/internal/features"
	"github.com/openrange/orbit/internal/playbook"
	"github.com/openrange/orbit/internal/regime"
	"github.com/openrange/orbit/internal/risk"
)

// App is the full application configuration.
type App struct {
	LogLevel     string        `yaml:"log_level"`
	HTTPAddr     string        `yaml:"http_addr"`
	SessionsPath string        `yaml:"sessions_path"`
	RvolBaseline string        `yaml:"rvol_baseline"` // volume profile YAML, empty means neutral rvol
	EventLog     string        `yaml:"event_log"`     // JSONL path, empty disables
	PostgresDSN  string        `yaml:"postgres_dsn"`  // empty disables the DB sink
	InitialCash  float64       `yaml:"initial_cash"`  // paper account funding
	DBTimeout    time.Duration `yaml:"db_timeout"`

	Engine   engine.Config          `yaml:"engine"`
	Features features.Config        `yaml:"features"`
	Regime   regime.Config          `yaml:"regime"`
	Playbook playbook.Config        `yaml:"playbook"`
	Risk     risk.Config            `yaml:"risk"`
	Exec     exec.Config            `yaml:"exec"`
	Broker   broker.ResilientConfig `yaml:"broker"`
}

// Default returns the configuration used when a field is not set in the
// file.
func Default() App {
	return App{
		LogLevel:     "info",
		HTTPAddr:     ":8080",
		SessionsPath: "config/sessions.yaml",
		RvolBaseline: "config/rvol_baseline.yaml",
		EventLog:     "orbit_events.jsonl",
		InitialCash:  25000,
		DBTimeout:    5 * time.Second,
		Engine:       engine.DefaultConfig(),
		Features:     features.DefaultConfig(),
		Regime:       regime.DefaultConfig(),
		Playbook:     playbook.DefaultConfig(),
		Risk:         risk.DefaultConfig(),
		Exec:         exec.DefaultConfig(),
		Broker:       broker.DefaultResilientConfig(),
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (App, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c App) validate() error {
	if len(c.Engine.Symbols) == 0 {
		return fmt.Errorf("engine.symbols must not be empty")
	}
	if c.Risk.RiskPerTrade <= 0 {
		return fmt.Errorf("risk.risk_per_trade must be positive")
	}
	for trigger, proxy := range c.Engine.ExecutionMap {
		if trigger == "" || proxy == "" {
			return fmt.Errorf("execution_map entries must name both symbols")
		}
	}
	return nil
}
