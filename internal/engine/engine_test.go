package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrange/orbit/internal/broker"
	"github.com/openrange/orbit/internal/events"
	"github.com/openrange/orbit/internal/exec"
	"github.com/openrange/orbit/internal/features"
	"github.com/openrange/orbit/internal/model"
	"github.com/openrange/orbit/internal/playbook"
	"github.com/openrange/orbit/internal/regime"
	"github.com/openrange/orbit/internal/risk"
	"github.com/openrange/orbit/internal/session"
)

type memorySink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *memorySink) Emit(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) byType(t events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testSessions(t *testing.T) *session.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timezone: America/New_York
sessions:
  regular:
    time_window: ["09:31", "15:55"]
    max_trades: 5
`), 0o644))
	cfg, err := session.Load(path)
	require.NoError(t, err)
	return cfg
}

// 10:31 ET on a weekday.
var start = time.Date(2025, 6, 10, 14, 31, 0, 0, time.UTC)

func indexBar(i int, close float64) model.PriceBar {
	return model.PriceBar{
		Symbol:    "SPX",
		Timestamp: start.Add(time.Duration(i) * time.Minute),
		Open:      close,
		High:      close + 0.2,
		Low:       close - 0.2,
		Close:     close,
		Volume:    1000,
	}
}

type harness struct {
	engine  *Engine
	paper   *broker.Paper
	manager *exec.Manager
	sink    *memorySink
}

func newHarness(t *testing.T, gateCfg risk.Config) *harness {
	t.Helper()

	featCfg := features.Config{
		EMAFastPeriod: 3,
		EMASlowPeriod: 10,
		ATRPeriod:     14,
		SlopeLookback: 5,
		SigmaWidth:    1.0,
		WarmupBars:    5,
	}
	feat := features.NewEngine(featCfg, nil)

	pbCfg := playbook.Config{Plays: map[string]playbook.Params{
		playbook.SetupEMACross: {
			Enabled:       true,
			CooldownSec:   600,
			ArmExpiryBars: 5,
			StopATR:       1.2,
			Target1ATR:    1.0,
			Target2ATR:    2.0,
		},
	}}
	book := playbook.NewBook(pbCfg)

	sessions := testSessions(t)
	paper := broker.NewPaper(100000)
	sink := &memorySink{}

	gate := risk.NewGate(gateCfg, sessions, nil, nil)
	manager := exec.NewManager(exec.DefaultConfig(), paper, gate.Ledger(), sink, zerolog.Nop())
	gate.SetPortfolio(manager)

	classifier := regime.NewClassifier(regime.DefaultConfig())

	cfg := DefaultConfig()
	cfg.Symbols = []string{"SPX", "SPY"}
	cfg.ExecutionMap = map[string]string{"SPX": "SPY"}

	eng := New(cfg, feat, classifier, book, gate, manager, sessions, sink, zerolog.Nop())
	return &harness{engine: eng, paper: paper, manager: manager, sink: sink}
}

// driveCross feeds flat warm-up bars then one bar that lifts the fast EMA
// through the slow.
func (h *harness) driveCross(ctx context.Context) {
	for i := 0; i < 12; i++ {
		h.engine.Process(ctx, indexBar(i, 100.0))
	}
	h.engine.Process(ctx, indexBar(12, 101.0))
}

func TestCrossSignalExecutesOnProxySymbol(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	h.paper.SetPrice("SPY", 101.0)
	h.driveCross(ctx)

	generated := h.sink.byType(events.SignalGenerated)
	require.Len(t, generated, 1)
	assert.Equal(t, "SPX", generated[0].Symbol)
	assert.Equal(t, playbook.SetupEMACross, generated[0].Setup)

	approved := h.sink.byType(events.SignalApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, "SPY", approved[0].Symbol)

	// The proxy's own bar confirms the fill.
	h.engine.Process(ctx, model.PriceBar{
		Symbol:    "SPY",
		Timestamp: start.Add(13 * time.Minute),
		Open:      101, High: 101.2, Low: 100.8, Close: 101,
		Volume: 1000,
	})

	positions := h.manager.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "SPY", positions[0].Symbol)
	assert.Equal(t, "SPX", positions[0].SourceSymbol)
	assert.Equal(t, model.PositionOpen, positions[0].Status)
	assert.Positive(t, positions[0].OpenQuantity)
}

func TestDeniedSymbolIsBlocked(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.Deny = []string{"SPY"}
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.paper.SetPrice("SPY", 101.0)
	h.driveCross(ctx)

	blocked := h.sink.byType(events.SignalBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, string(model.BlockSymbolDenied), blocked[0].Reason)
	assert.Empty(t, h.sink.byType(events.SignalApproved))
	assert.Equal(t, 0, h.engine.manager.OpenPositions())
}

func TestSessionMaxTradesBlocks(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	crossAt := start.Add(12 * time.Minute)
	pol := h.engine.sessions.Current(crossAt)
	require.NotNil(t, pol)
	pol.MaxTrades = 1
	h.engine.tradeCounts[h.engine.sessionKey(crossAt, pol.Name)] = 1

	h.paper.SetPrice("SPY", 101.0)
	h.driveCross(ctx)

	blocked := h.sink.byType(events.SignalBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, "session_max_trades", blocked[0].Reason)
}

func TestStaleBarIsDroppedSilently(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	h.engine.Process(ctx, indexBar(5, 100.0))
	h.engine.Process(ctx, indexBar(2, 105.0))

	assert.Empty(t, h.sink.byType(events.SignalGenerated))
}

func TestDayRollAnchorsTrendRegime(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	// A strongly expanding first session: the realized range dwarfs ATR.
	for i := 0; i < 20; i++ {
		h.engine.Process(ctx, indexBar(i, 100.0+float64(i)))
	}

	// First bar of the next day triggers the opening classification from
	// the completed session's stats.
	h.engine.Process(ctx, model.PriceBar{
		Symbol:    "SPX",
		Timestamp: start.Add(24 * time.Hour),
		Open:      119, High: 119.2, Low: 118.8, Close: 119,
		Volume: 1000,
	})

	label := h.engine.classifier.Current("SPX")
	assert.Equal(t, regime.Trend, label.Classification)
	assert.GreaterOrEqual(t, label.Score, 0.6)
}

func TestDayRollQuietSessionStaysConsolidation(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	// Flat session: realized range equals a single bar's range.
	for i := 0; i < 20; i++ {
		h.engine.Process(ctx, indexBar(i, 100.0))
	}
	h.engine.Process(ctx, model.PriceBar{
		Symbol:    "SPX",
		Timestamp: start.Add(24 * time.Hour),
		Open:      100, High: 100.2, Low: 99.8, Close: 100,
		Volume: 1000,
	})

	label := h.engine.classifier.Current("SPX")
	assert.Equal(t, regime.Consolidation, label.Classification)
}

func TestRunSubmitProcessesLanes(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	// Run sets started asynchronously; wait for it.
	require.Eventually(t, func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		return h.engine.started
	}, time.Second, time.Millisecond)

	h.paper.SetPrice("SPY", 101.0)
	for i := 0; i < 12; i++ {
		h.engine.Submit(indexBar(i, 100.0))
	}
	h.engine.Submit(indexBar(12, 101.0))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// Queued bars are drained before Run returns, so the entry is at
	// least pending.
	assert.Equal(t, 1, h.engine.manager.OpenPositions())
}
