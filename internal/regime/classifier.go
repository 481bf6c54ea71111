// Package regime classifies each symbol's session as trending or
// range-bound. The opening classification comes from prior-session
// statistics and is blended intraday with live relative volume and EMA
// slope at a fixed cadence.
package regime

import (
	"math"
	"sync"
	"time"

	"github.com/openrange/orbit/internal/features"
)

// Classification is the discrete regime bucket.
type Classification int

const (
	Consolidation Classification = iota
	Trend
)

func (c Classification) String() string {
	switch c {
	case Trend:
		return "trend"
	case Consolidation:
		return "consolidation"
	default:
		return "unknown"
	}
}

// Label is the regime verdict for one symbol-day. Score is continuous in
// [0,1]; values above the configured threshold classify as Trend.
type Label struct {
	Symbol         string         `json:"symbol"`
	Day            string         `json:"day"`
	Score          float64        `json:"score"`
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence"`
	AsOf           time.Time      `json:"as_of"`
	NextRefresh    time.Time      `json:"next_refresh"`
}

// PriorStats summarizes the previous session, supplied externally.
type PriorStats struct {
	RealizedRange float64 `json:"realized_range"` // prior-session high minus low
	ATR           float64 `json:"atr"`            // prior-session average true range
	Compression   float64 `json:"compression"`    // prior range / trailing average range
}

// Config holds classifier thresholds.
type Config struct {
	TrendThreshold  float64       `yaml:"trend_threshold"`  // Score above this is Trend, default 0.6
	RefreshInterval time.Duration `yaml:"refresh_interval"` // Intraday re-blend cadence, default 1h
	LiveWeight      float64       `yaml:"live_weight"`      // Weight of live blend vs opening, default 0.35
	RangeATRTarget  float64       `yaml:"range_atr_target"` // Realized range at this many ATRs scores 1.0, default 2.0
}

// DefaultConfig returns production classifier settings.
func DefaultConfig() Config {
	return Config{
		TrendThreshold:  0.6,
		RefreshInterval: time.Hour,
		LiveWeight:      0.35,
		RangeATRTarget:  2.0,
	}
}

// Classifier owns the per-symbol regime labels. Strategies reference the
// current label; they never mutate it.
type Classifier struct {
	cfg Config

	mu     sync.RWMutex
	labels map[string]Label
	opens  map[string]float64 // opening score, the anchor for intraday blends
}

// NewClassifier builds a classifier.
func NewClassifier(cfg Config) *Classifier {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Hour
	}
	return &Classifier{
		cfg:    cfg,
		labels: make(map[string]Label),
		opens:  make(map[string]float64),
	}
}

// Open computes the session-start classification from prior-session stats.
// A missing prior defaults to consolidation at low confidence so downstream
// gating takes the conservative branch.
func (c *Classifier) Open(symbol string, day time.Time, prior *PriorStats) Label {
	dayKey := day.UTC().Format("2006-01-02")

	label := Label{
		Symbol:      symbol,
		Day:         dayKey,
		Score:       0.35,
		Confidence:  0.25,
		AsOf:        day,
		NextRefresh: day.Add(c.cfg.RefreshInterval),
	}

	if prior != nil && prior.ATR > 0 {
		// Trend evidence: how many ATRs the prior session actually traveled.
		expansion := clamp01(prior.RealizedRange / (prior.ATR * c.cfg.RangeATRTarget))
		// Consolidation evidence: range compression versus the trailing norm.
		breakoutRoom := clamp01(prior.Compression)
		label.Score = 0.6*expansion + 0.4*breakoutRoom
		label.Confidence = 0.7
	}
	label.Classification = c.bucket(label.Score)

	c.mu.Lock()
	c.labels[symbol] = label
	c.opens[symbol] = label.Score
	c.mu.Unlock()
	return label
}

// Refresh re-blends the label from a live snapshot when the refresh cadence
// has elapsed. Outside the cadence the stored label is returned unchanged.
func (c *Classifier) Refresh(symbol string, snap features.Snapshot) Label {
	c.mu.Lock()
	defer c.mu.Unlock()

	label, ok := c.labels[symbol]
	if !ok {
		// No opening classification ran for this symbol; stay conservative.
		label = Label{
			Symbol:         symbol,
			Day:            snap.Timestamp.UTC().Format("2006-01-02"),
			Score:          0.35,
			Classification: Consolidation,
			Confidence:     0.25,
			AsOf:           snap.Timestamp,
			NextRefresh:    snap.Timestamp.Add(c.cfg.RefreshInterval),
		}
		c.labels[symbol] = label
		c.opens[symbol] = label.Score
		return label
	}
	if snap.Timestamp.Before(label.NextRefresh) || snap.Cold {
		return label
	}

	// Live evidence: elevated participation and a directional fast EMA both
	// argue for trend; their absence argues for chop.
	live := 0.5
	live += clampAbs(snap.EMASlope*25, 0.3)
	live += clampAbs((snap.RelativeVolume-1.0)*0.4, 0.2)
	live = clamp01(live)

	open := c.opens[symbol]
	label.Score = (1-c.cfg.LiveWeight)*open + c.cfg.LiveWeight*live
	label.Classification = c.bucket(label.Score)
	label.Confidence = math.Min(1.0, label.Confidence+0.1)
	label.AsOf = snap.Timestamp
	label.NextRefresh = snap.Timestamp.Add(c.cfg.RefreshInterval)
	c.labels[symbol] = label
	return label
}

// Current returns the stored label, or the conservative default when the
// symbol has never been classified.
func (c *Classifier) Current(symbol string) Label {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if label, ok := c.labels[symbol]; ok {
		return label
	}
	return Label{Symbol: symbol, Score: 0.35, Classification: Consolidation, Confidence: 0.25}
}

func (c *Classifier) bucket(score float64) Classification {
	if score >= c.cfg.TrendThreshold {
		return Trend
	}
	return Consolidation
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func clampAbs(v, bound float64) float64 {
	return math.Max(-bound, math.Min(bound, v))
}
