// Package replay drives the pipeline from recorded CSV bars against the
// paper broker.
package replay

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange/orbit/internal/broker"
	"github.com/openrange/orbit/internal/model"
)

// Bar CSV layout: timestamp,symbol,open,high,low,close,volume[,bid,ask].
// Timestamps are RFC3339 and must be non-decreasing per symbol.

// Processor consumes one bar. The engine satisfies it.
type Processor interface {
	Process(ctx context.Context, bar model.PriceBar)
}

// Load parses a bar file. A header row is detected and skipped.
func Load(path string) ([]model.PriceBar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bars %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var bars []model.PriceBar
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read bars %s: %w", path, err)
		}
		line++
		if line == 1 && record[0] == "timestamp" {
			continue
		}
		bar, err := parseBar(record)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseBar(record []string) (model.PriceBar, error) {
	if len(record) < 7 {
		return model.PriceBar{}, fmt.Errorf("expected at least 7 fields, got %d", len(record))
	}
	ts, err := time.Parse(time.RFC3339, record[0])
	if err != nil {
		return model.PriceBar{}, fmt.Errorf("bad timestamp %q: %w", record[0], err)
	}
	bar := model.PriceBar{Symbol: record[1], Timestamp: ts}

	dst := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
	if len(record) >= 9 {
		dst = append(dst, &bar.Bid, &bar.Ask)
	}
	for i, d := range dst {
		v, err := strconv.ParseFloat(record[i+2], 64)
		if err != nil {
			return model.PriceBar{}, fmt.Errorf("bad field %d %q: %w", i+2, record[i+2], err)
		}
		*d = v
	}
	return bar, nil
}

// Runner replays bars through a processor, marking the paper broker with
// each close so fills track the tape.
type Runner struct {
	Processor Processor
	Paper     *broker.Paper
	Log       zerolog.Logger
}

// Run replays the bars in file order and returns the count processed.
func (r *Runner) Run(ctx context.Context, bars []model.PriceBar) int {
	n := 0
	for _, bar := range bars {
		select {
		case <-ctx.Done():
			r.Log.Info().Int("bars", n).Msg("replay interrupted")
			return n
		default:
		}
		if r.Paper != nil {
			r.Paper.SetPrice(bar.Symbol, bar.Close)
		}
		r.Processor.Process(ctx, bar)
		n++
	}
	r.Log.Info().Int("bars", n).Msg("replay complete")
	return n
}
