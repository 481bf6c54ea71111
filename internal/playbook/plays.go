package playbook

import (
	"math"

	"github.com/openrange/orbit/internal/model"
	"github.com/openrange/orbit/internal/regime"
)

// Setup names, stable across config, events, and metrics.
const (
	SetupEMACross      = "EMA_CROSS"
	SetupVWAPReclaim   = "VWAP_RECLAIM"
	SetupSigmaFade     = "SIGMA_FADE"
	SetupHODFail       = "HOD_FAIL"
	SetupORB           = "ORB"
	SetupTrendPullback = "TREND_PULLBACK"
	SetupVWAPRevert    = "VWAP_REVERT"
)

func allPlays() []Play {
	return []Play{
		emaCrossPlay{},
		vwapReclaimPlay{},
		sigmaFadePlay{},
		hodFailPlay{},
		openingRangePlay{},
		trendPullbackPlay{},
		vwapRevertPlay{},
	}
}

// bpsBelow returns how far price sits below level, in basis points of the
// level. Negative when price is above.
func bpsBelow(level, price float64) float64 {
	if level <= 0 {
		return 0
	}
	return (level - price) / level * 10000
}

func strength(ctx *Context) float64 {
	s := 0.5 + 0.25*(ctx.Snap.RelativeVolume-1.0) + 10*ctx.Snap.EMASlope
	return math.Max(0, math.Min(1, s))
}

// emaCrossPlay fires when the fast EMA crosses above the slow EMA and price
// confirms above the slow line.
type emaCrossPlay struct{}

func (emaCrossPlay) Name() string { return SetupEMACross }

func (p emaCrossPlay) Evaluate(ctx *Context) *model.Signal {
	snap, st := ctx.Snap, ctx.State

	if st.State == Idle {
		if snap.EMAFastPrev == 0 || snap.EMASlowPrev == 0 {
			return nil
		}
		diffPrev := snap.EMAFastPrev - snap.EMASlowPrev
		diffNow := snap.EMAFast - snap.EMASlow
		if diffPrev <= 0 && diffNow > 0 {
			st.State = Armed
			st.ArmedBars = 0
			st.ArmRef = snap.EMASlow
		}
	}
	if st.State != Armed {
		return nil
	}
	if snap.LastPrice > snap.EMASlow {
		return newSignal(ctx, SetupEMACross, "ema_cross_up", strength(ctx))
	}
	return nil
}

// vwapReclaimPlay arms when price trades below VWAP within the proximity
// band and fires on a close back above VWAP with sufficient participation.
type vwapReclaimPlay struct{}

func (vwapReclaimPlay) Name() string { return SetupVWAPReclaim }

func (p vwapReclaimPlay) Evaluate(ctx *Context) *model.Signal {
	snap, st := ctx.Snap, ctx.State

	if ctx.Params.PowerHourOnly && (ctx.Session == nil || ctx.Session.Name != "POWER_HOUR") {
		return nil
	}

	if st.State == Idle {
		below := bpsBelow(snap.VWAP, snap.LastPrice)
		if below > 0 && below <= ctx.Params.ProximityBps {
			st.State = Armed
			st.ArmedBars = 0
			st.ArmRef = snap.VWAP
		}
	}
	if st.State != Armed {
		return nil
	}
	if snap.LastPrice > snap.VWAP && snap.RelativeVolume >= ctx.Params.MinRvol {
		return newSignal(ctx, SetupVWAPReclaim, "vwap_reclaim", strength(ctx))
	}
	return nil
}

// sigmaFadePlay buys a sweep of the lower sigma band once slope and volume
// turn supportive. Requires a trend regime: fading bands in chop is the
// losing side of the same trade.
type sigmaFadePlay struct{}

func (sigmaFadePlay) Name() string { return SetupSigmaFade }

func (p sigmaFadePlay) Evaluate(ctx *Context) *model.Signal {
	snap, st := ctx.Snap, ctx.State

	if ctx.Regime.Classification != regime.Trend {
		return nil
	}

	if st.State == Idle {
		if snap.SigmaLower > 0 && snap.LastPrice <= snap.SigmaLower {
			st.State = Armed
			st.ArmedBars = 0
			st.ArmRef = snap.SigmaLower
		}
	}
	if st.State != Armed {
		return nil
	}
	if snap.LastPrice > st.ArmRef && snap.EMASlope >= 0 && snap.RelativeVolume >= ctx.Params.MinRvol {
		return newSignal(ctx, SetupSigmaFade, "sigma_band_sweep", strength(ctx))
	}
	return nil
}

// hodFailPlay arms on a fresh high of day and fires when the pullback holds
// above VWAP with a still-positive slope.
type hodFailPlay struct{}

func (hodFailPlay) Name() string { return SetupHODFail }

func (p hodFailPlay) Evaluate(ctx *Context) *model.Signal {
	snap, st := ctx.Snap, ctx.State

	// First observation seeds the watermark; a fresh high is only an
	// extension beyond a level we have already seen.
	if st.HighWater == 0 {
		st.HighWater = snap.HighOfDay
	} else if snap.HighOfDay > st.HighWater {
		st.HighWater = snap.HighOfDay
		if st.State == Idle {
			st.State = Armed
			st.ArmedBars = 0
			st.ArmRef = snap.HighOfDay
		}
	}
	if st.State != Armed {
		return nil
	}
	pulledBack := bpsBelow(st.ArmRef, snap.LastPrice) >= ctx.Params.PullbackBps
	if pulledBack && snap.LastPrice > snap.VWAP && snap.EMASlope > 0 {
		return newSignal(ctx, SetupHODFail, "hod_pullback_hold", strength(ctx))
	}
	return nil
}

// openingRangePlay builds the opening range during the first RangeMinutes
// of the session, then fires on a volume-backed breakout before
// FireMinutes. Single-shot per session by configuration.
type openingRangePlay struct{}

func (openingRangePlay) Name() string { return SetupORB }

func (p openingRangePlay) Evaluate(ctx *Context) *model.Signal {
	snap, st := ctx.Snap, ctx.State

	minutes := snap.Timestamp.Sub(st.DayStart).Minutes()
	if minutes < float64(ctx.Params.RangeMinutes) {
		if snap.LastPrice > st.ORHigh {
			st.ORHigh = snap.LastPrice
		}
		if snap.LastPrice < st.ORLow || st.ORLow == 0 {
			st.ORLow = snap.LastPrice
		}
		return nil
	}
	if minutes > float64(ctx.Params.FireMinutes) {
		st.State = Idle
		return nil
	}

	if st.State == Idle && st.ORHigh > 0 {
		st.State = Armed
		st.ArmedBars = 0
		st.ArmRef = st.ORHigh
	}
	if st.State != Armed {
		return nil
	}
	if snap.LastPrice > st.ORHigh && snap.RelativeVolume >= ctx.Params.MinRvol {
		return newSignal(ctx, SetupORB, "opening_range_breakout", strength(ctx))
	}
	return nil
}

// trendPullbackPlay buys a pullback to the fast EMA inside an established
// uptrend. Both the intraday trend (fast above slow, rising) and the
// session regime must agree.
type trendPullbackPlay struct{}

func (trendPullbackPlay) Name() string { return SetupTrendPullback }

func (p trendPullbackPlay) Evaluate(ctx *Context) *model.Signal {
	snap, st := ctx.Snap, ctx.State

	if ctx.Regime.Classification != regime.Trend || ctx.Regime.Score < ctx.Params.MinRegime {
		return nil
	}
	uptrend := snap.EMAFast > snap.EMASlow && snap.EMASlope > 0

	if st.State == Idle {
		nearFast := math.Abs(bpsBelow(snap.EMAFast, snap.LastPrice)) <= ctx.Params.ProximityBps
		if uptrend && nearFast {
			st.State = Armed
			st.ArmedBars = 0
			st.ArmRef = snap.EMAFast
		}
	}
	if st.State != Armed {
		return nil
	}
	if uptrend && snap.LastPrice > snap.EMAFast {
		return newSignal(ctx, SetupTrendPullback, "trend_pullback_bounce", strength(ctx))
	}
	return nil
}

// vwapRevertPlay buys a deep discount below VWAP once price recovers above
// the discount line. Preferred in consolidation, where reversion to VWAP is
// the base case.
type vwapRevertPlay struct{}

func (vwapRevertPlay) Name() string { return SetupVWAPRevert }

func (p vwapRevertPlay) Evaluate(ctx *Context) *model.Signal {
	snap, st := ctx.Snap, ctx.State

	if ctx.Regime.Classification != regime.Consolidation {
		return nil
	}

	if st.State == Idle {
		if bpsBelow(snap.VWAP, snap.LastPrice) >= ctx.Params.DiscountBps {
			st.State = Armed
			st.ArmedBars = 0
			st.ArmRef = snap.LastPrice
		}
	}
	if st.State != Armed {
		return nil
	}
	if snap.LastPrice > st.ArmRef && snap.LastPrice < snap.VWAP && snap.RelativeVolume >= ctx.Params.MinRvol {
		return newSignal(ctx, SetupVWAPRevert, "vwap_discount_revert", strength(ctx))
	}
	return nil
}
