package features

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StaticBaseline is a fixed per-symbol volume profile keyed by half-hour
// slot in UTC ("14:30" covers 14:30 to 14:59). Values are the expected
// cumulative session volume by the end of the slot.
type StaticBaseline map[string]map[string]float64

// LoadBaseline reads a volume profile from a YAML file:
//
//	SPY:
//	  "13:30": 12000000
//	  "14:00": 18000000
func LoadBaseline(path string) (StaticBaseline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rvol baseline: %w", err)
	}
	var b StaticBaseline
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("parse rvol baseline %s: %w", path, err)
	}
	return b, nil
}

// Baseline implements BaselineProvider.
func (b StaticBaseline) Baseline(symbol string, at time.Time) (float64, bool) {
	prof, ok := b[symbol]
	if !ok {
		return 0, false
	}
	slot := at.UTC().Format("15") + ":" + halfHour(at)
	v, ok := prof[slot]
	return v, ok
}

func halfHour(t time.Time) string {
	if t.UTC().Minute() < 30 {
		return "00"
	}
	return "30"
}
