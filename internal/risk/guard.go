// Package risk provides pre-trade checks that sit between an account and
// its live broker.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/quantbot/internal/account"
	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/order"
)

// Config holds the tunable limits. A zero limit is not enforced.
type Config struct {
	// MaxPositions caps the number of codes held at once. Orders that would
	// open another code are rejected; orders on held codes always pass.
	MaxPositions int
	// MaxOrderNotional caps price times quantity of a single order.
	MaxOrderNotional float64
	// MaxSlippageBps caps how far a limit price may sit beyond the last
	// trade, against the order's own side.
	MaxSlippageBps float64
}

// Positions reports current holdings. *account.Account satisfies it.
type Positions interface {
	Positions() map[string]float64
}

// Guard wraps a broker and rejects submissions that break the limits.
// Rejections wrap domain.ErrRiskRejected, so the account fails the order
// with the reason.
type Guard struct {
	next   account.Broker
	prices domain.PriceCache
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	positions Positions
}

// NewGuard creates a Guard in front of next. prices may be nil, which skips
// the notional check for market orders and the slippage check.
func NewGuard(next account.Broker, prices domain.PriceCache, cfg Config, logger *slog.Logger) *Guard {
	return &Guard{
		next:   next,
		prices: prices,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "risk")),
	}
}

// SetPositions sets the holdings source. The account is usually built
// after its backend, hence the setter.
func (g *Guard) SetPositions(p Positions) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions = p
}

// Submit checks o and forwards it when every limit holds.
func (g *Guard) Submit(ctx context.Context, o *order.Order) (string, error) {
	if err := g.Check(ctx, o); err != nil {
		g.logger.WarnContext(ctx, "order rejected",
			slog.String("order_id", o.ID),
			slog.String("code", o.Code),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	return g.next.Submit(ctx, o)
}

// Cancel forwards to the wrapped broker.
func (g *Guard) Cancel(ctx context.Context, realID string) error {
	return g.next.Cancel(ctx, realID)
}

// Modify re-prices in place when the wrapped broker can.
func (g *Guard) Modify(ctx context.Context, realID string, price float64) error {
	m, ok := g.next.(account.Modifier)
	if !ok {
		return fmt.Errorf("risk: modify %s: %w", realID, errors.ErrUnsupported)
	}
	return m.Modify(ctx, realID, price)
}

// Check runs the position, notional and slippage checks in that order and
// returns the first failure.
func (g *Guard) Check(ctx context.Context, o *order.Order) error {
	if err := g.checkPositions(o); err != nil {
		return err
	}

	var last *domain.CurrentPrice
	if g.prices != nil && (g.cfg.MaxOrderNotional > 0 || g.cfg.MaxSlippageBps > 0) {
		cp, err := g.prices.GetCurrentPrice(ctx, o.Code)
		if err != nil {
			g.logger.WarnContext(ctx, "no quote for risk check",
				slog.String("code", o.Code),
				slog.String("error", err.Error()),
			)
		} else {
			last = &cp
		}
	}

	if g.cfg.MaxOrderNotional > 0 {
		if price := orderPrice(o, last); price > 0 {
			if notional := price * o.Quantity; notional > g.cfg.MaxOrderNotional {
				return fmt.Errorf("risk: %s notional %.2f exceeds max %.2f: %w",
					o.Code, notional, g.cfg.MaxOrderNotional, domain.ErrRiskRejected)
			}
		}
	}

	if g.cfg.MaxSlippageBps > 0 && o.Kind == order.Limit && last != nil && last.Price > 0 {
		bps := (o.LimitPrice() - last.Price) / last.Price * 10_000 * o.Direction.Sign()
		if bps > g.cfg.MaxSlippageBps {
			return fmt.Errorf("risk: %s limit %.4f is %.1f bps through last %.4f, max %.1f: %w",
				o.Code, o.LimitPrice(), bps, last.Price, g.cfg.MaxSlippageBps, domain.ErrRiskRejected)
		}
	}
	return nil
}

func (g *Guard) checkPositions(o *order.Order) error {
	g.mu.RLock()
	src := g.positions
	g.mu.RUnlock()
	if g.cfg.MaxPositions <= 0 || src == nil {
		return nil
	}
	held := src.Positions()
	if held[o.Code] != 0 {
		return nil
	}
	open := 0
	for _, qty := range held {
		if qty != 0 {
			open++
		}
	}
	if open >= g.cfg.MaxPositions {
		return fmt.Errorf("risk: max positions reached (%d/%d): %w", open, g.cfg.MaxPositions, domain.ErrRiskRejected)
	}
	return nil
}

// orderPrice is the limit price of a limit order, otherwise the side of the
// quote a market order would take.
func orderPrice(o *order.Order, last *domain.CurrentPrice) float64 {
	if o.Kind == order.Limit {
		return o.LimitPrice()
	}
	if last == nil {
		return 0
	}
	switch {
	case o.Direction == order.Buy && last.AskPrice > 0:
		return last.AskPrice
	case o.Direction == order.Sell && last.BidPrice > 0:
		return last.BidPrice
	}
	return last.Price
}
