// Package paper is a simulated broker. Orders rest in memory and fill
// asynchronously against the latest cached quote, so a live engine can run
// end to end without an exchange.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/quantbot/internal/account"
	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/order"
)

const (
	// IDPrefix marks broker order ids.
	IDPrefix = "paper-"

	defaultInterval = 500 * time.Millisecond
	rateLimitKey    = "paper:submit"
)

// Sink receives the broker's asynchronous reports. *account.Account
// satisfies it.
type Sink interface {
	OrderFilled(ctx context.Context, o *order.Order, execs ...order.Execution) error
	OrderCancelled(ctx context.Context, o *order.Order, reason, realID string) error
	OrderFailed(ctx context.Context, o *order.Order, reason, realID string) error
}

// Config tunes the simulation.
type Config struct {
	// Interval is how often resting orders are checked against quotes.
	Interval time.Duration
	// FeeRate is charged on traded notional.
	FeeRate float64
	// RejectUnknown fails orders for codes with no cached quote.
	RejectUnknown bool
	// RateLimit caps submissions per second. Zero disables the limiter.
	RateLimit int
}

type resting struct {
	realID string
	order  *order.Order
	seq    int
}

// Broker is a paper trading venue.
type Broker struct {
	cfg     Config
	prices  domain.PriceCache
	limiter domain.RateLimiter
	logger  *slog.Logger

	mu      sync.Mutex
	sink    Sink
	resting map[string]*resting
	seq     int
}

// New creates a paper broker quoting from prices. limiter may be nil.
func New(cfg Config, prices domain.PriceCache, limiter domain.RateLimiter, logger *slog.Logger) *Broker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Broker{
		cfg:     cfg,
		prices:  prices,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "paper_broker")),
		resting: make(map[string]*resting),
	}
}

// SetSink sets where fills, cancels and rejects are reported. It must be
// called before Run.
func (b *Broker) SetSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = s
}

// Submit accepts o and returns its paper id.
func (b *Broker) Submit(ctx context.Context, o *order.Order) (string, error) {
	if b.limiter != nil && b.cfg.RateLimit > 0 {
		ok, err := b.limiter.Allow(ctx, rateLimitKey, b.cfg.RateLimit, time.Second)
		if err != nil {
			return "", fmt.Errorf("paper: rate limiter: %w", err)
		}
		if !ok {
			return "", domain.ErrRateLimited
		}
	}
	id := IDPrefix + uuid.NewString()
	b.mu.Lock()
	b.seq++
	b.resting[id] = &resting{realID: id, order: o, seq: b.seq}
	b.mu.Unlock()
	b.logger.Debug("order accepted",
		slog.String("order_id", o.ID),
		slog.String("real_id", id),
		slog.String("code", o.Code),
	)
	return id, nil
}

// Cancel removes a resting order and reports the cancellation.
func (b *Broker) Cancel(ctx context.Context, realID string) error {
	b.mu.Lock()
	r, ok := b.resting[realID]
	delete(b.resting, realID)
	sink := b.sink
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("paper: order %s: %w", realID, domain.ErrNotFound)
	}
	if sink == nil {
		return nil
	}
	return sink.OrderCancelled(ctx, r.order, "cancelled", realID)
}

// Modify re-prices a resting limit order in place.
func (b *Broker) Modify(_ context.Context, realID string, price float64) error {
	b.mu.Lock()
	r, ok := b.resting[realID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("paper: order %s: %w", realID, domain.ErrNotFound)
	}
	return r.order.SetLimitPrice(price)
}

// Resting returns the number of orders waiting for a fill.
func (b *Broker) Resting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.resting)
}

// Run checks resting orders every Interval until ctx ends.
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Step(ctx)
		}
	}
}

// Step matches every resting order once, oldest first.
func (b *Broker) Step(ctx context.Context) {
	b.mu.Lock()
	sink := b.sink
	pending := make([]*resting, 0, len(b.resting))
	for _, r := range b.resting {
		pending = append(pending, r)
	}
	b.mu.Unlock()
	if sink == nil {
		return
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	for _, r := range pending {
		if r.order.Status().Terminal() {
			b.forget(r.realID)
			continue
		}
		q, err := b.prices.GetCurrentPrice(ctx, r.order.Code)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) && b.cfg.RejectUnknown {
				b.forget(r.realID)
				if err := sink.OrderFailed(ctx, r.order, "no quote for "+r.order.Code, r.realID); err != nil {
					b.logger.Warn("report rejection", slog.String("real_id", r.realID), slog.String("error", err.Error()))
				}
			}
			continue
		}
		exec, ok := r.order.MatchPrice(quoteSide(r.order, q))
		if !ok {
			continue
		}
		exec.ID = r.realID + "-1"
		exec.RealOrderID = r.realID
		exec.Time = time.Now().UTC()
		exec.Fee = decimal.NewFromFloat(exec.Quantity).
			Mul(decimal.NewFromFloat(exec.Price)).
			Mul(decimal.NewFromFloat(b.cfg.FeeRate)).
			Round(4).InexactFloat64()
		b.forget(r.realID)
		if err := sink.OrderFilled(ctx, r.order, exec); err != nil {
			b.logger.Error("report fill",
				slog.String("order_id", r.order.ID),
				slog.String("real_id", r.realID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (b *Broker) forget(realID string) {
	b.mu.Lock()
	delete(b.resting, realID)
	b.mu.Unlock()
}

// quoteSide prices buys at the ask and sells at the bid when the quote has
// them.
func quoteSide(o *order.Order, q domain.CurrentPrice) domain.CurrentPrice {
	if o.Direction == order.Buy && q.AskPrice > 0 {
		q.Price = q.AskPrice
	}
	if o.Direction == order.Sell && q.BidPrice > 0 {
		q.Price = q.BidPrice
	}
	return q
}

var (
	_ account.Broker   = (*Broker)(nil)
	_ account.Modifier = (*Broker)(nil)
	_ Sink             = (*account.Account)(nil)
)
