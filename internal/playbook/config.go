package playbook

// Params are the injected tunables for one play. State machine logic never
// hard-codes thresholds; everything numeric arrives here.
type Params struct {
	Enabled       bool    `yaml:"enabled"`
	CooldownSec   int     `yaml:"cooldown_sec"`    // Fired -> Cooldown duration
	ArmExpiryBars int     `yaml:"arm_expiry_bars"` // Armed bars before reverting to Idle
	MinRvol       float64 `yaml:"min_rvol"`        // relative volume floor for confirmation
	ProximityBps  float64 `yaml:"proximity_bps"`   // "near a level" distance
	DiscountBps   float64 `yaml:"discount_bps"`    // VWAP_REVERT: depth below VWAP to arm
	PullbackBps   float64 `yaml:"pullback_bps"`    // HOD_FAIL: retreat from the high to arm
	RangeMinutes  int     `yaml:"range_minutes"`   // ORB: minutes that define the opening range
	FireMinutes   int     `yaml:"fire_minutes"`    // ORB: breakout must occur before this minute
	MinRegime     float64 `yaml:"min_regime"`      // TREND_PULLBACK: regime score floor
	SingleShot    bool    `yaml:"single_shot"`     // at most one signal per session
	PowerHourOnly bool    `yaml:"power_hour_only"` // VWAP_RECLAIM: restrict to the POWER_HOUR session

	// ATR multipliers for the stop/target metadata attached to signals.
	StopATR    float64 `yaml:"stop_atr"`
	Target1ATR float64 `yaml:"target1_atr"`
	Target2ATR float64 `yaml:"target2_atr"`
}

// Config is the playbook registry configuration, keyed by setup name.
type Config struct {
	Plays map[string]Params `yaml:"plays"`
}

// DefaultConfig enables the full playbook with production thresholds.
func DefaultConfig() Config {
	base := Params{
		Enabled:       true,
		CooldownSec:   300,
		ArmExpiryBars: 5,
		MinRvol:       1.1,
		ProximityBps:  15,
		StopATR:       1.2,
		Target1ATR:    1.0,
		Target2ATR:    2.0,
	}

	emaCross := base
	emaCross.CooldownSec = 600

	vwapReclaim := base

	sigmaFade := base
	sigmaFade.StopATR = 1.0

	hodFail := base
	hodFail.PullbackBps = 20

	orb := base
	orb.RangeMinutes = 15
	orb.FireMinutes = 30
	orb.ArmExpiryBars = 15
	orb.SingleShot = true
	orb.MinRvol = 1.2

	trendPullback := base
	trendPullback.MinRegime = 0.6

	vwapRevert := base
	vwapRevert.DiscountBps = 40
	vwapRevert.StopATR = 1.0

	return Config{Plays: map[string]Params{
		SetupEMACross:      emaCross,
		SetupVWAPReclaim:   vwapReclaim,
		SetupSigmaFade:     sigmaFade,
		SetupHODFail:       hodFail,
		SetupORB:           orb,
		SetupTrendPullback: trendPullback,
		SetupVWAPRevert:    vwapRevert,
	}}
}
