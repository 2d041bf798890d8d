package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/quantbot/internal/bargain"
	"github.com/alanyoungcy/quantbot/internal/engine"
	"github.com/alanyoungcy/quantbot/internal/event"
	"github.com/alanyoungcy/quantbot/internal/order"
)

const (
	defaultBargainDelta   = 0.01
	defaultBargainFreq    = 2 * time.Second
	defaultBargainTimeout = 10 * time.Minute
)

// BargainEntry enters each code with a limit buy that a bargainer walks
// toward the market, and exits like OpenClose.
type BargainEntry struct {
	cfg    Config
	logger *slog.Logger
}

// NewBargainEntry creates a BargainEntry strategy. The following keys are read
// from cfg.Params:
//
//   - "delta" (float64): improvement over the best bid. Defaults to 0.01.
//   - "freq" (duration string): pause between re-prices. Defaults to "2s".
//   - "max_deviation" (float64): bound around the entry quote. Zero disables it.
//   - "timeout" (duration string): cancel the entry after this long.
//     Defaults to "10m".
func NewBargainEntry(cfg Config, logger *slog.Logger) *BargainEntry {
	return &BargainEntry{
		cfg:    cfg,
		logger: logger.With(slog.String("strategy", "bargain_entry")),
	}
}

// Name returns the strategy identifier.
func (s *BargainEntry) Name() string { return "bargain_entry" }

// Initialize registers the entry and exit clocks.
func (s *BargainEntry) Initialize(_ context.Context, e *engine.Engine) error {
	if len(s.cfg.Codes) == 0 || s.cfg.Quantity <= 0 {
		return fmt.Errorf("bargain_entry: codes and a positive quantity are required")
	}
	entry := event.NewTimeDefinition(event.MarketOpen{Offset: s.cfg.EntryOffset}, 0)
	if err := e.RegisterEvent(entry, s.enter); err != nil {
		return err
	}
	exit := event.NewTimeDefinition(event.MarketClose{Offset: -s.cfg.ExitOffset}, 0)
	return e.RegisterEvent(exit, func(ctx context.Context, _ event.Event, ec *engine.Context) error {
		return flatten(ctx, ec, s.cfg.Codes, s.logger)
	})
}

func (s *BargainEntry) bargainConfig(now time.Time) bargain.Config {
	return bargain.Config{
		Freq:         paramDuration(s.cfg.Params, "freq", defaultBargainFreq),
		MaxDeviation: paramFloat(s.cfg.Params, "max_deviation", 0),
		Timeout:      now.Add(paramDuration(s.cfg.Params, "timeout", defaultBargainTimeout)),
	}
}

func (s *BargainEntry) enter(ctx context.Context, _ event.Event, ec *engine.Context) error {
	now := ec.Portal.Now()
	algo := bargain.DefaultAlgo{Delta: paramFloat(s.cfg.Params, "delta", defaultBargainDelta)}
	for _, code := range s.cfg.Codes {
		if ec.Account.Position(code) != 0 {
			continue
		}
		quote, err := ec.Portal.CurrentPrice(ctx, code)
		if err != nil {
			return fmt.Errorf("bargain_entry: quote %s: %w", code, err)
		}
		o, err := order.NewLimit(code, order.Buy, s.cfg.Quantity, quote.Price, now)
		if err != nil {
			return err
		}
		b, err := bargain.New(o, ec.Account, ec.Portal, algo, s.bargainConfig(now), s.logger)
		if err != nil {
			return err
		}
		if err := b.Prepare(ctx); err != nil {
			return err
		}
		if err := ec.Account.PlaceOrder(ctx, o); err != nil {
			return fmt.Errorf("bargain_entry: enter %s: %w", code, err)
		}
		s.logger.Info("entry placed",
			slog.String("code", code),
			slog.Float64("ideal", o.IdealPrice),
			slog.Float64("limit", o.LimitPrice()),
		)
	}
	return nil
}

// OnOrderStatusChange logs fills and cancellations.
func (s *BargainEntry) OnOrderStatusChange(_ context.Context, o *order.Order, _, to order.Status) {
	switch to {
	case order.Filled:
		s.logger.Info("entry filled",
			slog.String("code", o.Code),
			slog.Float64("avg_price", o.FilledAvgPrice()),
		)
	case order.Canceled, order.Failed:
		s.logger.Warn("order closed unfilled",
			slog.String("code", o.Code),
			slog.String("status", to.String()),
			slog.String("reason", o.Reason()),
		)
	}
}

var _ Strategy = (*BargainEntry)(nil)
