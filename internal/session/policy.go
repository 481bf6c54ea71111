// Package session loads the declarative trading-session policy: named time
// windows mapped to per-setup enable flags and threshold overrides. The
// policy file is reloadable without restarting the engine.
package session

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the normalized rule set for one named session window.
type Policy struct {
	Name        string
	Start       ClockTime
	End         ClockTime
	AllowSetups map[string]bool
	BanSetups   map[string]bool
	RvolMin     float64
	SlopeMin    float64
	SlopeMax    float64
	TimeStopSec int
	MaxTrades   int
	ETFOnly     bool
}

// AllowsSetup reports whether a setup may fire during this session. A ban
// always wins; an allow list, when present, is exclusive.
func (p *Policy) AllowsSetup(setup string) bool {
	setup = strings.ToUpper(strings.TrimSpace(setup))
	if setup == "" {
		return false
	}
	if p.BanSetups[setup] {
		return false
	}
	if len(p.AllowSetups) > 0 && !p.AllowSetups[setup] {
		return false
	}
	return true
}

// Contains reports whether the wall-clock moment falls inside the window.
func (p *Policy) Contains(moment time.Time, loc *time.Location) bool {
	local := moment.In(loc)
	now := local.Hour()*60 + local.Minute()
	return p.Start.Minutes() <= now && now <= p.End.Minutes()
}

// ClockTime is an HH:MM wall-clock time.
type ClockTime struct {
	Hour   int
	Minute int
}

// Minutes returns the time as minutes after midnight.
func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// ParseClockTime parses "HH:MM".
func ParseClockTime(raw string) (ClockTime, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	if len(parts) != 2 {
		return ClockTime{}, fmt.Errorf("invalid time %q, want HH:MM", raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return ClockTime{}, fmt.Errorf("invalid hour in %q", raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("invalid minute in %q", raw)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

type policyYAML struct {
	TimeWindow  []string `yaml:"time_window"`
	AllowSetups []string `yaml:"allow_setups"`
	BanSetups   []string `yaml:"ban_setups"`
	RvolMin     float64  `yaml:"rvol_min"`
	SlopeMin    float64  `yaml:"ema_slope_min"`
	SlopeMax    float64  `yaml:"ema_slope_max"`
	TimeStopSec int      `yaml:"time_stop_sec"`
	MaxTrades   int      `yaml:"max_trades"`
	ETFOnly     bool     `yaml:"etf_only"`
}

type configYAML struct {
	Timezone string                `yaml:"timezone"`
	Sessions map[string]policyYAML `yaml:"sessions"`
}

// Config holds every session policy plus the market timezone. Reload swaps
// the whole table atomically, so in-flight reads never see a half-applied
// policy file.
type Config struct {
	path string

	mu       sync.RWMutex
	sessions []*Policy
	loc      *time.Location
}

// Load reads and validates a session policy file.
func Load(path string) (*Config, error) {
	c := &Config{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the policy file. On failure the previous table stays in
// effect.
func (c *Config) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read session policy: %w", err)
	}

	var raw configYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse session policy: %w", err)
	}
	if len(raw.Sessions) == 0 {
		return fmt.Errorf("session policy %s has no sessions", c.path)
	}

	tz := raw.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("invalid session timezone %q: %w", tz, err)
	}

	sessions := make([]*Policy, 0, len(raw.Sessions))
	for name, py := range raw.Sessions {
		p, err := buildPolicy(name, py)
		if err != nil {
			return err
		}
		sessions = append(sessions, p)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Start.Minutes() != sessions[j].Start.Minutes() {
			return sessions[i].Start.Minutes() < sessions[j].Start.Minutes()
		}
		return sessions[i].End.Minutes() < sessions[j].End.Minutes()
	})

	c.mu.Lock()
	c.sessions = sessions
	c.loc = loc
	c.mu.Unlock()
	return nil
}

// Current returns the policy whose window contains the moment, or nil when
// no session is active.
func (c *Config) Current(moment time.Time) *Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.sessions {
		if p.Contains(moment, c.loc) {
			return p
		}
	}
	return nil
}

// Location returns the market timezone.
func (c *Config) Location() *time.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loc
}

// Sessions returns the ordered policy table.
func (c *Config) Sessions() []*Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions
}

func buildPolicy(name string, raw policyYAML) (*Policy, error) {
	if len(raw.TimeWindow) != 2 {
		return nil, fmt.Errorf("session %s requires time_window [start, end]", name)
	}
	start, err := ParseClockTime(raw.TimeWindow[0])
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", name, err)
	}
	end, err := ParseClockTime(raw.TimeWindow[1])
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", name, err)
	}
	if end.Minutes() < start.Minutes() {
		return nil, fmt.Errorf("session %s window ends before it starts", name)
	}

	return &Policy{
		Name:        strings.ToUpper(name),
		Start:       start,
		End:         end,
		AllowSetups: normalizeSet(raw.AllowSetups),
		BanSetups:   normalizeSet(raw.BanSetups),
		RvolMin:     raw.RvolMin,
		SlopeMin:    raw.SlopeMin,
		SlopeMax:    raw.SlopeMax,
		TimeStopSec: raw.TimeStopSec,
		MaxTrades:   raw.MaxTrades,
		ETFOnly:     raw.ETFOnly,
	}, nil
}

func normalizeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out[s] = true
		}
	}
	return out
}
