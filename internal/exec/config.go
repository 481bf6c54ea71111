package exec

import "time"

// Config controls entry tactics and exit passes.
type Config struct {
	// EntrySpreadBps pegs the entry as a limit order when the quoted
	// spread is at or under this width. Zero disables limit entries.
	EntrySpreadBps float64 `yaml:"entry_spread_bps"`
	// LimitOffsetBps shades the limit below the midpoint.
	LimitOffsetBps float64 `yaml:"limit_offset_bps"`
	// LimitWaitBars is how many bars an unfilled limit entry rests before
	// it is canceled and resubmitted as a market order.
	LimitWaitBars int `yaml:"limit_wait_bars"`
	// StaleEntry cancels any entry still unconfirmed after this long and
	// releases its exposure reservation.
	StaleEntry time.Duration `yaml:"stale_entry"`

	// PartialExitPct is the fraction of the original quantity sold at the
	// first target.
	PartialExitPct float64 `yaml:"partial_exit_pct"`
	// TrailActivation arms the trailing stop once the high-water mark
	// exceeds entry by this fraction.
	TrailActivation float64 `yaml:"trail_activation"`
	// TrailPct exits when price falls this fraction below the high-water
	// mark, once armed.
	TrailPct float64 `yaml:"trail_pct"`
	// TimeStop flattens a position held longer than this. A per-trade
	// time stop from the session policy overrides it.
	TimeStop time.Duration `yaml:"time_stop"`
	// EMAExit enables the cross-down exit pass.
	EMAExit bool `yaml:"ema_exit"`

	// UseBracket places stop and final target as venue-held OTOCO legs
	// instead of software passes. Trailing, timeout, and EMA exits are
	// disabled in this mode; the venue owns the exits.
	UseBracket bool `yaml:"use_bracket"`
}

// DefaultConfig returns the exit discipline used in paper trading.
func DefaultConfig() Config {
	return Config{
		EntrySpreadBps:  3,
		LimitOffsetBps:  1,
		LimitWaitBars:   2,
		StaleEntry:      5 * time.Minute,
		PartialExitPct:  0.5,
		TrailActivation: 0.004,
		TrailPct:        0.0025,
		TimeStop:        90 * time.Minute,
		EMAExit:         true,
	}
}
