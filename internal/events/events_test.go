package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSinkAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	first := New(SignalGenerated)
	first.Symbol = "SPY"
	first.Setup = "EMA_CROSS"
	first.SignalID = "sig-1"
	second := New(PositionClosed)
	second.Symbol = "SPY"
	second.PositionID = "pos-1"
	second.Reason = "trailing_stop"
	second.Quantity = 10
	second.Price = 101.25

	require.NoError(t, sink.Emit(context.Background(), first))
	require.NoError(t, sink.Emit(context.Background(), second))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, SignalGenerated, got[0].Type)
	assert.Equal(t, "sig-1", got[0].SignalID)
	assert.Equal(t, PositionClosed, got[1].Type)
	assert.Equal(t, "trailing_stop", got[1].Reason)
	assert.Equal(t, 101.25, got[1].Price)
}

func TestFileSinkReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	sink, err := NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Emit(context.Background(), New(SignalGenerated)))
	require.NoError(t, sink.Close())

	sink, err = NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Emit(context.Background(), New(SignalApproved)))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}

type failingSink struct{ err error }

func (f *failingSink) Emit(context.Context, Event) error { return f.err }
func (f *failingSink) Close() error                      { return nil }

type countingSink struct{ emitted int }

func (c *countingSink) Emit(context.Context, Event) error { c.emitted++; return nil }
func (c *countingSink) Close() error                      { return nil }

func TestMultiDeliversToAllSinksDespiteFailure(t *testing.T) {
	boom := errors.New("sink down")
	failing := &failingSink{err: boom}
	counting := &countingSink{}

	multi := NewMulti(failing, counting)
	err := multi.Emit(context.Background(), New(OrderFilled))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, counting.emitted, "healthy sink must still receive the event")
}

func TestLogSinkEmit(t *testing.T) {
	sink := NewLogSink(zerolog.Nop())
	ev := New(StateDrift)
	ev.Symbol = "QQQ"
	ev.Reason = "broker quantity mismatch"
	assert.NoError(t, sink.Emit(context.Background(), ev))
	assert.NoError(t, sink.Close())
}
