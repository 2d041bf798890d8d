package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/engine"
	"github.com/alanyoungcy/quantbot/internal/event"
	"github.com/alanyoungcy/quantbot/internal/order"
)

const (
	defaultStdDevThreshold = 2.0
	defaultLookbackWindow  = 30 * time.Minute
	defaultBarSeries       = "1m"
)

// MeanReversion buys when a bar closes significantly below the trailing mean
// and sells the position once price reverts. "Significantly" is measured in
// multiples of the trailing standard deviation.
type MeanReversion struct {
	cfg    Config
	logger *slog.Logger
}

// NewMeanReversion creates a MeanReversion strategy. The following keys are
// read from cfg.Params:
//
//   - "series" (string): bar series to watch. Defaults to "1m".
//   - "lookback_window" (duration string): window for mean and volatility.
//     Defaults to "30m".
//   - "std_dev_threshold" (float64): entry distance below the mean.
//     Defaults to 2.0.
//   - "exit_threshold" (float64): exit once the close is this many standard
//     deviations above the mean. Defaults to 0.
func NewMeanReversion(cfg Config, logger *slog.Logger) *MeanReversion {
	return &MeanReversion{
		cfg:    cfg,
		logger: logger.With(slog.String("strategy", "mean_reversion")),
	}
}

// Name returns the strategy identifier.
func (mr *MeanReversion) Name() string { return "mean_reversion" }

// Initialize subscribes to the bar series for the configured codes.
func (mr *MeanReversion) Initialize(_ context.Context, e *engine.Engine) error {
	if mr.cfg.Quantity <= 0 {
		return fmt.Errorf("mean_reversion: quantity must be positive")
	}
	series, _ := mr.cfg.Params["series"].(string)
	if series == "" {
		series = defaultBarSeries
	}
	def := event.NewDataDefinition(series, mr.cfg.Codes, true, 0)
	return e.RegisterEvent(def, func(ctx context.Context, ev event.Event, ec *engine.Context) error {
		return mr.onBar(ctx, series, ev, ec)
	})
}

func (mr *MeanReversion) onBar(ctx context.Context, series string, ev event.Event, ec *engine.Context) error {
	bar, ok := ev.Data.(domain.Bar)
	if !ok {
		return nil
	}
	for _, o := range ec.Account.OpenOrders() {
		if o.Code == bar.Code {
			return nil
		}
	}

	lookback := paramDuration(mr.cfg.Params, "lookback_window", defaultLookbackWindow)
	rows, err := ec.Portal.History(ctx, series, []string{bar.Code}, lookback)
	if err != nil {
		return fmt.Errorf("mean_reversion: history %s: %w", bar.Code, err)
	}
	closes := make([]float64, 0, len(rows))
	for _, r := range rows {
		if b, ok := r.(domain.Bar); ok {
			closes = append(closes, b.Close)
		}
	}
	avg, vol := meanStdDev(closes)
	if vol == 0 {
		// Not enough data yet.
		return nil
	}
	deviation := (bar.Close - avg) / vol
	held := ec.Account.Position(bar.Code)

	var dir order.Direction
	var qty float64
	switch {
	case held == 0 && deviation <= -paramFloat(mr.cfg.Params, "std_dev_threshold", defaultStdDevThreshold):
		dir, qty = order.Buy, mr.cfg.Quantity
	case held > 0 && deviation >= paramFloat(mr.cfg.Params, "exit_threshold", 0):
		dir, qty = order.Sell, held
	default:
		return nil
	}

	o, err := order.NewMarket(bar.Code, dir, qty, ec.Portal.Now())
	if err != nil {
		return err
	}
	mr.logger.Info("mean reversion signal",
		slog.String("code", bar.Code),
		slog.String("side", dir.String()),
		slog.Float64("close", bar.Close),
		slog.Float64("avg", avg),
		slog.Float64("deviation", deviation),
	)
	return ec.Account.PlaceOrder(ctx, o)
}

// OnOrderStatusChange is a no-op.
func (mr *MeanReversion) OnOrderStatusChange(context.Context, *order.Order, order.Status, order.Status) {
}

// meanStdDev returns the mean and population standard deviation of xs. The
// deviation is 0 for fewer than two points.
func meanStdDev(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(len(xs)))
}

var _ Strategy = (*MeanReversion)(nil)
