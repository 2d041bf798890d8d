// Package bargain chases the market with a resting limit order: a
// background loop re-prices the order from live quotes until it fills, is
// cancelled, or times out.
package bargain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/order"
)

// pricePlaces is the price granularity orders are rounded to.
const pricePlaces = 2

// Config controls one bargainer.
type Config struct {
	// Freq is the pause between quote checks.
	Freq time.Duration
	// MaxDeviation bounds re-pricing to IdealPrice*(1±MaxDeviation). Zero
	// disables the bound.
	MaxDeviation float64
	// Timeout is the instant after which the algorithm's timeout hook runs.
	// Zero means never.
	Timeout time.Time
}

// PriceChange records one re-price.
type PriceChange struct {
	Time  time.Time
	Pre   float64
	After float64
	Quote domain.CurrentPrice
}

// Trader is the part of an account a bargainer drives.
type Trader interface {
	UpdateOrderPrice(ctx context.Context, o *order.Order, price float64) error
	CancelOrder(ctx context.Context, o *order.Order) error
}

// QuoteSource returns the latest quote for a code.
type QuoteSource interface {
	CurrentPrice(ctx context.Context, code string) (domain.CurrentPrice, error)
}

// Algo decides prices. Returning false from InitialPrice or Propose leaves
// the price unchanged.
type Algo interface {
	InitialPrice(o *order.Order, q domain.CurrentPrice) (float64, bool)
	Propose(o *order.Order, q domain.CurrentPrice, history []PriceChange) (float64, bool)
	OnTimeout(ctx context.Context, b *Bargainer) error
}

// Bargainer is bound to exactly one limit order.
type Bargainer struct {
	order  *order.Order
	trader Trader
	quotes QuoteSource
	algo   Algo
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	seen    []domain.CurrentPrice
	changes []PriceChange
}

// New binds a bargainer to o and registers it as the order's runner, so
// placing the order starts the loop.
func New(o *order.Order, trader Trader, quotes QuoteSource, algo Algo, cfg Config, logger *slog.Logger) (*Bargainer, error) {
	if o.Kind != order.Limit {
		return nil, fmt.Errorf("bargain: order %s: %w", o.ID, domain.ErrNotLimitOrder)
	}
	if cfg.Freq <= 0 {
		return nil, fmt.Errorf("bargain: frequency must be positive, got %s", cfg.Freq)
	}
	if algo == nil {
		algo = DefaultAlgo{}
	}
	b := &Bargainer{
		order:  o,
		trader: trader,
		quotes: quotes,
		algo:   algo,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "bargainer"), slog.String("order_id", o.ID)),
		now:    time.Now,
	}
	limit := o.LimitPrice()
	b.changes = []PriceChange{{Time: b.now(), Pre: limit, After: limit}}
	o.SetRunner(b)
	return b, nil
}

// Order returns the bound order.
func (b *Bargainer) Order() *order.Order { return b.order }

// Cancel cancels the bound order through the trader.
func (b *Bargainer) Cancel(ctx context.Context) error {
	return b.trader.CancelOrder(ctx, b.order)
}

// Prepare sets the order's starting price from the algorithm. Call it before
// placing the order.
func (b *Bargainer) Prepare(ctx context.Context) error {
	q, err := b.quotes.CurrentPrice(ctx, b.order.Code)
	if err != nil {
		return fmt.Errorf("bargain: initial quote for %s: %w", b.order.Code, err)
	}
	b.record(q)
	p, ok := b.algo.InitialPrice(b.order, q)
	if !ok {
		return nil
	}
	p = b.clamp(p)
	pre := b.order.LimitPrice()
	if err := b.order.SetLimitPrice(p); err != nil {
		return fmt.Errorf("bargain: initial price: %w", err)
	}
	b.mu.Lock()
	b.changes = []PriceChange{{Time: b.now(), Pre: pre, After: p, Quote: q}}
	b.mu.Unlock()
	return nil
}

// Run loops until the order leaves the open states or ctx ends.
func (b *Bargainer) Run(ctx context.Context) {
	b.logger.Info("bargaining started",
		slog.String("code", b.order.Code),
		slog.Float64("limit", b.order.LimitPrice()),
	)
	for {
		if !b.sleep(ctx) {
			return
		}
		if !b.order.Status().Open() {
			b.logger.Info("bargaining finished", slog.String("status", b.order.Status().String()))
			return
		}
		if b.safeStep(ctx) {
			return
		}
	}
}

func (b *Bargainer) sleep(ctx context.Context) bool {
	t := time.NewTimer(b.cfg.Freq)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (b *Bargainer) safeStep(ctx context.Context) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bargain tick panicked", slog.Any("panic", r))
			done = false
		}
	}()
	return b.step(ctx)
}

// step runs one iteration and reports whether the loop should stop.
func (b *Bargainer) step(ctx context.Context) bool {
	q, qerr := b.quotes.CurrentPrice(ctx, b.order.Code)
	if qerr == nil {
		b.record(q)
	}

	if !b.cfg.Timeout.IsZero() && b.now().After(b.cfg.Timeout) {
		b.logger.Info("bargain timed out", slog.Time("timeout", b.cfg.Timeout))
		if err := b.algo.OnTimeout(ctx, b); err != nil {
			b.logger.Warn("timeout hook failed", slog.String("error", err.Error()))
		}
		return true
	}

	if qerr != nil {
		b.logger.Warn("fetch quote", slog.String("error", qerr.Error()))
		return false
	}

	p, ok := b.algo.Propose(b.order, q, b.PriceChanges())
	if !ok {
		return false
	}
	// A fill may have landed while the algorithm was deciding.
	if !b.order.Status().Open() {
		return true
	}
	p = b.clamp(p)
	pre := b.order.LimitPrice()
	if p == pre {
		return false
	}
	if err := b.trader.UpdateOrderPrice(ctx, b.order, p); err != nil {
		b.logger.Warn("update order price",
			slog.Float64("price", p),
			slog.String("error", err.Error()),
		)
		return false
	}
	b.mu.Lock()
	b.changes = append(b.changes, PriceChange{Time: b.now(), Pre: pre, After: p, Quote: q})
	b.mu.Unlock()
	b.logger.Debug("re-priced", slog.Float64("from", pre), slog.Float64("to", p))
	return false
}

// clamp bounds p around the ideal price and rounds it to the price
// granularity. Buys are capped above, sells floored below.
func (b *Bargainer) clamp(p float64) float64 {
	d := decimal.NewFromFloat(p).Round(pricePlaces)
	if b.cfg.MaxDeviation <= 0 || b.order.IdealPrice <= 0 {
		return d.InexactFloat64()
	}
	ideal := decimal.NewFromFloat(b.order.IdealPrice)
	dev := decimal.NewFromFloat(b.cfg.MaxDeviation)
	if b.order.Direction == order.Buy {
		limit := ideal.Mul(decimal.NewFromInt(1).Add(dev)).RoundFloor(pricePlaces)
		if d.GreaterThan(limit) {
			d = limit
		}
	} else {
		limit := ideal.Mul(decimal.NewFromInt(1).Sub(dev)).RoundCeil(pricePlaces)
		if d.LessThan(limit) {
			d = limit
		}
	}
	return d.InexactFloat64()
}

func (b *Bargainer) record(q domain.CurrentPrice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = append(b.seen, q)
}

// CurrentPrices returns every quote the bargainer has seen.
func (b *Bargainer) CurrentPrices() []domain.CurrentPrice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.CurrentPrice(nil), b.seen...)
}

// PriceChanges returns the re-price history. The last entry's After is the
// order's active limit price.
func (b *Bargainer) PriceChanges() []PriceChange {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PriceChange(nil), b.changes...)
}

var _ order.Runner = (*Bargainer)(nil)
