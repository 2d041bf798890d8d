package account

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/quantbot/internal/order"
)

// BacktestBackend accepts every order and leaves it resting; fills come from
// Account.Match.
type BacktestBackend struct{}

func (BacktestBackend) PlaceOrder(_ context.Context, o *order.Order) error {
	return o.Submitted()
}

func (BacktestBackend) CancelOrder(_ context.Context, o *order.Order) error {
	return o.Cancelled("cancelled", "")
}

func (BacktestBackend) UpdateOrderPrice(_ context.Context, o *order.Order, price float64) error {
	return o.SetLimitPrice(price)
}

func (BacktestBackend) Backtest() bool { return true }

// Broker is a live execution venue. Fills, cancels and rejects arrive
// asynchronously and are fed back through the account's OrderFilled,
// OrderCancelled and OrderFailed.
type Broker interface {
	// Submit sends o and returns the broker's id for it.
	Submit(ctx context.Context, o *order.Order) (string, error)
	Cancel(ctx context.Context, realID string) error
}

// Modifier is implemented by brokers that can re-price an order in place.
type Modifier interface {
	Modify(ctx context.Context, realID string, price float64) error
}

// BrokerBackend adapts a Broker to the Backend contract.
type BrokerBackend struct {
	broker Broker
	logger *slog.Logger
}

// NewBrokerBackend wraps broker.
func NewBrokerBackend(broker Broker, logger *slog.Logger) *BrokerBackend {
	return &BrokerBackend{broker: broker, logger: logger.With(slog.String("component", "broker_backend"))}
}

func (b *BrokerBackend) PlaceOrder(ctx context.Context, o *order.Order) error {
	realID, err := b.broker.Submit(ctx, o)
	if err != nil {
		return err
	}
	o.AddRealOrderID(realID)
	return o.Submitted()
}

// CancelOrder cancels every broker order backing o. The final state arrives
// through OrderCancelled.
func (b *BrokerBackend) CancelOrder(ctx context.Context, o *order.Order) error {
	ids := o.RealOrderIDs()
	if len(ids) == 0 {
		return fmt.Errorf("order %s has no broker id", o.ID)
	}
	for _, id := range ids {
		if err := b.broker.Cancel(ctx, id); err != nil {
			return fmt.Errorf("cancel %s: %w", id, err)
		}
	}
	return nil
}

// UpdateOrderPrice modifies in place when the broker supports it, otherwise
// submits a replacement at the new price and cancels the old broker order.
func (b *BrokerBackend) UpdateOrderPrice(ctx context.Context, o *order.Order, price float64) error {
	ids := o.RealOrderIDs()
	if len(ids) == 0 {
		return fmt.Errorf("order %s has no broker id", o.ID)
	}
	current := ids[len(ids)-1]

	if m, ok := b.broker.(Modifier); ok {
		if err := m.Modify(ctx, current, price); err != nil {
			return err
		}
		return o.SetLimitPrice(price)
	}

	previous := o.LimitPrice()
	if err := o.SetLimitPrice(price); err != nil {
		return err
	}
	newID, err := b.broker.Submit(ctx, o)
	if err != nil {
		_ = o.SetLimitPrice(previous)
		return fmt.Errorf("submit replacement: %w", err)
	}
	o.AddRealOrderID(newID)
	if err := b.broker.Cancel(ctx, current); err != nil {
		b.logger.Warn("cancel replaced order",
			slog.String("order_id", o.ID),
			slog.String("real_order_id", current),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (b *BrokerBackend) Backtest() bool { return false }

var (
	_ Backend = BacktestBackend{}
	_ Backend = (*BrokerBackend)(nil)
)
