package bargain

import (
	"context"

	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/order"
)

// DefaultAlgo joins the best bid (buys) or best ask (sells), improved by
// Delta, and only ever moves toward the market.
type DefaultAlgo struct {
	Delta float64
}

func (a DefaultAlgo) target(o *order.Order, q domain.CurrentPrice) (float64, bool) {
	if o.Direction == order.Buy {
		bid := q.BidPrice
		if bid <= 0 {
			bid = q.Price
		}
		if bid <= 0 {
			return 0, false
		}
		return bid + a.Delta, true
	}
	ask := q.AskPrice
	if ask <= 0 {
		ask = q.Price
	}
	if ask <= 0 {
		return 0, false
	}
	return ask - a.Delta, true
}

// InitialPrice is bid+Delta for buys and ask-Delta for sells.
func (a DefaultAlgo) InitialPrice(o *order.Order, q domain.CurrentPrice) (float64, bool) {
	return a.target(o, q)
}

// Propose re-prices only when the new target is strictly more aggressive
// than the resting price.
func (a DefaultAlgo) Propose(o *order.Order, q domain.CurrentPrice, _ []PriceChange) (float64, bool) {
	p, ok := a.target(o, q)
	if !ok {
		return 0, false
	}
	current := o.LimitPrice()
	if o.Direction == order.Buy && p > current {
		return p, true
	}
	if o.Direction == order.Sell && p < current {
		return p, true
	}
	return 0, false
}

// OnTimeout cancels the order.
func (a DefaultAlgo) OnTimeout(ctx context.Context, b *Bargainer) error {
	return b.Cancel(ctx)
}

var _ Algo = DefaultAlgo{}
