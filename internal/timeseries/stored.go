package timeseries

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

// BarChannel is the signal bus channel on which live bars of a series are
// published.
func BarChannel(series string) string { return "bars:" + series }

// QuoteChannel is the signal bus channel carrying live quotes.
const QuoteChannel = "quotes"

// StoredBars serves history from the bar store, current prices from the
// price cache, and pushes live bars received on the signal bus.
type StoredBars struct {
	name   string
	bars   domain.BarStore
	prices domain.PriceCache
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewStoredBars creates a bar series backed by persistent storage.
func NewStoredBars(name string, bars domain.BarStore, prices domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *StoredBars {
	return &StoredBars{
		name:   name,
		bars:   bars,
		prices: prices,
		bus:    bus,
		logger: logger.With(slog.String("component", "series"), slog.String("series", name)),
	}
}

func (s *StoredBars) Name() string { return s.name }
func (s *StoredBars) IsBar() bool  { return true }

// History loads bars from the bar store.
func (s *StoredBars) History(ctx context.Context, q Query) ([]domain.MarketData, error) {
	bars, err := s.bars.History(ctx, domain.BarQuery{Series: s.name, Codes: q.Codes, Start: q.Start, End: q.End})
	if err != nil {
		return nil, fmt.Errorf("timeseries: %s history: %w", s.name, err)
	}
	rows := make([]domain.MarketData, 0, len(bars))
	for _, b := range bars {
		rows = append(rows, b)
	}
	SortRows(rows)
	return rows, nil
}

// CurrentPrice reads historical closes when at is set, otherwise the live
// price cache.
func (s *StoredBars) CurrentPrice(ctx context.Context, codes []string, at *time.Time) (map[string]domain.CurrentPrice, error) {
	out := make(map[string]domain.CurrentPrice, len(codes))
	if at != nil || s.prices == nil {
		ts := time.Now()
		if at != nil {
			ts = *at
		}
		for _, code := range codes {
			b, err := s.bars.Latest(ctx, s.name, code, ts)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("timeseries: %s latest bar %s: %w", s.name, code, err)
			}
			out[code] = BarPrice(b)
		}
	} else {
		prices, err := s.prices.GetCurrentPrices(ctx, codes)
		if err != nil {
			return nil, fmt.Errorf("timeseries: %s current price: %w", s.name, err)
		}
		out = prices
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("timeseries: %s current price: %w", s.name, domain.ErrNoData)
	}
	return out, nil
}

// Subscribe listens on the series bar channel.
func (s *StoredBars) Subscribe(ctx context.Context, codes []string, h Handler) (Subscription, error) {
	return subscribeBus(ctx, s.bus, BarChannel(s.name), codes, s.logger, func(payload []byte) (domain.MarketData, error) {
		var b domain.Bar
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, err
		}
		return b, nil
	}, h)
}

// Quotes is a non-bar series of CurrentPrice updates fed by the quote feed.
type Quotes struct {
	name   string
	prices domain.PriceCache
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewQuotes creates a quote series.
func NewQuotes(name string, prices domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *Quotes {
	return &Quotes{
		name:   name,
		prices: prices,
		bus:    bus,
		logger: logger.With(slog.String("component", "series"), slog.String("series", name)),
	}
}

func (q *Quotes) Name() string { return q.name }
func (q *Quotes) IsBar() bool  { return false }

// History is not kept for quotes.
func (q *Quotes) History(_ context.Context, _ Query) ([]domain.MarketData, error) {
	return nil, fmt.Errorf("timeseries: %s history: %w", q.name, domain.ErrNoData)
}

// CurrentPrice reads the price cache. Point-in-time lookups are not supported.
func (q *Quotes) CurrentPrice(ctx context.Context, codes []string, at *time.Time) (map[string]domain.CurrentPrice, error) {
	if at != nil {
		return nil, fmt.Errorf("timeseries: %s has no point-in-time prices: %w", q.name, domain.ErrNoData)
	}
	prices, err := q.prices.GetCurrentPrices(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("timeseries: %s current price: %w", q.name, err)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("timeseries: %s current price: %w", q.name, domain.ErrNoData)
	}
	return prices, nil
}

// Subscribe listens on the quote channel.
func (q *Quotes) Subscribe(ctx context.Context, codes []string, h Handler) (Subscription, error) {
	return subscribeBus(ctx, q.bus, QuoteChannel, codes, q.logger, func(payload []byte) (domain.MarketData, error) {
		var p domain.CurrentPrice
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	}, h)
}

// subscribeBus starts a goroutine that decodes bus messages and hands the
// matching ones to h until the subscription is stopped.
func subscribeBus(
	ctx context.Context,
	bus domain.SignalBus,
	channel string,
	codes []string,
	logger *slog.Logger,
	decode func([]byte) (domain.MarketData, error),
	h Handler,
) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := bus.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("timeseries: subscribe %s: %w", channel, err)
	}
	want := codeSet(codes)

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				data, err := decode(payload)
				if err != nil {
					logger.Debug("drop undecodable message",
						slog.String("channel", channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				if want != nil && !want[data.Symbol()] {
					continue
				}
				h(subCtx, data)
			}
		}
	}()

	return NewSubscription(cancel), nil
}

var (
	_ Series = (*StoredBars)(nil)
	_ Series = (*Quotes)(nil)
)
