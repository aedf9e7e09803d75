package collect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/narrativelabs/driftwatch/rategate"
	"github.com/narrativelabs/driftwatch/sources"
	"github.com/narrativelabs/driftwatch/state"
)

// DefaultMarketChangeThreshold triggers a MarketEvent at a 5% move.
const DefaultMarketChangeThreshold = 0.05

// marketEndpoint keys the rate gate for the quote source.
const marketEndpoint = "quotes"

// historyTailLen bounds the bars carried in event metadata.
const historyTailLen = 12

// MarketCollector polls a quote source for a fixed watchlist and emits a
// MarketEvent when the 24h change clears the threshold.
type MarketCollector struct {
	src       sources.QuoteSource
	gate      *rategate.Gate
	watchlist []string
	threshold float64
	log       *zap.Logger
	now       func() time.Time
}

// NewMarketCollector builds the collector. A non-positive threshold uses
// the 5% default.
func NewMarketCollector(src sources.QuoteSource, gate *rategate.Gate, watchlist []string, threshold float64, log *zap.Logger) *MarketCollector {
	if threshold <= 0 {
		threshold = DefaultMarketChangeThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MarketCollector{
		src:       src,
		gate:      gate,
		watchlist: watchlist,
		threshold: threshold,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Name implements Collector.
func (c *MarketCollector) Name() string { return "market" }

// Collect implements Collector. Per-symbol failures are joined and
// returned after the full pass so one bad symbol does not starve the rest.
func (c *MarketCollector) Collect(ctx context.Context, st *state.UnifiedState) error {
	var errs []error
	for _, symbol := range c.watchlist {
		if err := c.collectSymbol(ctx, st, symbol); err != nil {
			c.log.Warn("market symbol failed", zap.String("symbol", symbol), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
		}
	}
	return errors.Join(errs...)
}

func (c *MarketCollector) collectSymbol(ctx context.Context, st *state.UnifiedState, symbol string) error {
	if err := c.gate.WaitContext(ctx, marketEndpoint); err != nil {
		return err
	}
	quote, err := c.src.PriceNow(ctx, symbol)
	if err != nil {
		return err
	}

	if err := c.gate.WaitContext(ctx, marketEndpoint); err != nil {
		return err
	}
	bars, err := c.src.History(ctx, symbol, 24*time.Hour)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil
	}

	now := c.now()
	change, volume24h, vwap := summarize(quote.Price, bars, now)

	if abs(change) <= c.threshold {
		return nil
	}

	tail := bars
	if len(tail) > historyTailLen {
		tail = tail[len(tail)-historyTailLen:]
	}

	ev := state.MarketEvent{
		Symbol: symbol,
		Price:  quote.Price,
		Volume: quote.Volume,
		Indicators: map[string]float64{
			"price_change_24h": change,
			"volume_24h":       volume24h,
			"vwap_24h":         vwap,
		},
		Timestamp: now,
		Metadata:  map[string]any{"historical_tail": tail},
	}
	st.AppendMarketEvent(ev)
	c.log.Info("market event",
		zap.String("symbol", symbol),
		zap.Float64("price", quote.Price),
		zap.Float64("change_24h", change))
	return nil
}

// summarize derives the 24h percentage change, 24h volume, and
// volume-weighted average price from minute bars.
//
// The baseline is the earliest bar at or after the 24h-ago mark; when the
// whole history is older than that, the earliest bar available serves.
func summarize(price float64, bars []sources.Bar, now time.Time) (change, volume24h, vwap float64) {
	cutoff := now.Add(-24 * time.Hour)

	baseline := bars[0]
	found := false
	var volSum, pvSum float64
	for _, b := range bars {
		if b.Start.Before(cutoff) {
			continue
		}
		if !found {
			baseline = b
			found = true
		}
		volSum += b.Volume
		pvSum += b.Close * b.Volume
	}

	if baseline.Close != 0 {
		change = (price - baseline.Close) / baseline.Close
	}
	if volSum > 0 {
		vwap = pvSum / volSum
	}
	return change, volSum, vwap
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
