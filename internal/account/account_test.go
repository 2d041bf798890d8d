package account

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/order"
)

var t0 = time.Date(2024, 1, 8, 9, 30, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memOrders struct {
	mu    sync.Mutex
	saved map[string]domain.OrderRecord
}

func (m *memOrders) Save(_ context.Context, rec domain.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]domain.OrderRecord)
	}
	m.saved[rec.ID] = rec
	return nil
}

func (m *memOrders) GetByID(_ context.Context, id string) (domain.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.saved[id]
	if !ok {
		return domain.OrderRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (m *memOrders) ListOpen(context.Context, string) ([]domain.OrderRecord, error) { return nil, nil }

func bar(open, high, low, close float64) domain.Bar {
	return domain.Bar{Code: "AAPL", Start: t0, End: t0.Add(time.Minute), Open: open, High: high, Low: low, Close: close}
}

func TestMarketBuyScenario(t *testing.T) {
	ctx := context.Background()
	store := &memOrders{}
	acct := New("bt", 10000, BacktestBackend{}, Persistence{Orders: store}, testLogger())

	o, err := order.NewMarket("AAPL", order.Buy, 100, t0)
	if err != nil {
		t.Fatal(err)
	}
	if err := acct.PlaceOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	if o.Status() != order.Submitted {
		t.Fatalf("status after placement = %s", o.Status())
	}

	if n := acct.Match(ctx, bar(50, 51, 49, 50.5)); n != 1 {
		t.Fatalf("fills = %d, want 1", n)
	}
	if acct.Cash() != 5000 {
		t.Fatalf("cash = %v, want 5000", acct.Cash())
	}
	if acct.Position("AAPL") != 100 {
		t.Fatalf("position = %v, want 100", acct.Position("AAPL"))
	}
	if o.Status() != order.Filled || o.FilledAvgPrice() != 50 {
		t.Fatalf("order = %s @ %v", o.Status(), o.FilledAvgPrice())
	}
	if rec, err := store.GetByID(ctx, o.ID); err != nil || rec.Status != "FILLED" {
		t.Fatalf("persisted record = %+v, err = %v", rec, err)
	}

	value := acct.CalcNetValue(ctx, t0.Add(time.Minute), map[string]domain.CurrentPrice{"AAPL": {Code: "AAPL", Price: 52}})
	if value != 10200 {
		t.Fatalf("net value = %v, want 10200", value)
	}
}

func TestClosingPositionRemovesEntry(t *testing.T) {
	ctx := context.Background()
	acct := New("bt", 1000, BacktestBackend{}, Persistence{}, testLogger())
	buy, _ := order.NewMarket("AAPL", order.Buy, 10, t0)
	sell, _ := order.NewMarket("AAPL", order.Sell, 10, t0)
	for _, o := range []*order.Order{buy, sell} {
		if err := acct.PlaceOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	if err := acct.OrderFilled(ctx, buy, order.Execution{ID: "b", Version: 1, Quantity: 10, Price: 10, Fee: 1}); err != nil {
		t.Fatal(err)
	}
	if err := acct.OrderFilled(ctx, sell, order.Execution{ID: "s", Version: 1, Quantity: 10, Price: 12, Fee: 1}); err != nil {
		t.Fatal(err)
	}
	if _, ok := acct.Positions()["AAPL"]; ok {
		t.Fatal("flat position still listed")
	}
	if acct.Cash() != 1018 {
		t.Fatalf("cash = %v, want 1018", acct.Cash())
	}

	// Re-delivery books nothing.
	if err := acct.OrderFilled(ctx, sell, order.Execution{ID: "s", Version: 1, Quantity: 10, Price: 12, Fee: 1}); err != nil {
		t.Fatal(err)
	}
	if acct.Cash() != 1018 {
		t.Fatalf("re-delivery changed cash to %v", acct.Cash())
	}
}

func TestReplaceOrderFilledBooksDifference(t *testing.T) {
	ctx := context.Background()
	acct := New("bt", 10000, BacktestBackend{}, Persistence{}, testLogger())
	o, _ := order.NewLimit("AAPL", order.Buy, 200, 11, t0)
	if err := acct.PlaceOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := acct.OrderFilled(ctx, o, order.Execution{ID: "e1", Version: 1, Quantity: 50, Price: 10}); err != nil {
		t.Fatal(err)
	}
	err := acct.ReplaceOrderFilled(ctx, o, []order.Execution{
		{ID: "e1", Version: 1, Quantity: 50, Price: 10},
		{ID: "e1", Version: 2, Quantity: 100, Price: 10.5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if acct.Cash() != 8950 || acct.Position("AAPL") != 100 {
		t.Fatalf("cash = %v position = %v", acct.Cash(), acct.Position("AAPL"))
	}
	if o.Status() != order.PartialFilled {
		t.Fatalf("status = %s", o.Status())
	}
}

func TestReplaceOrderFilledIgnoresStaleVersion(t *testing.T) {
	ctx := context.Background()
	acct := New("bt", 10000, BacktestBackend{}, Persistence{}, testLogger())
	o, _ := order.NewLimit("AAPL", order.Buy, 200, 11, t0)
	if err := acct.PlaceOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := acct.OrderFilled(ctx, o, order.Execution{ID: "e1", Version: 2, Quantity: 100, Price: 10.5}); err != nil {
		t.Fatal(err)
	}
	err := acct.ReplaceOrderFilled(ctx, o, []order.Execution{{ID: "e1", Version: 1, Quantity: 50, Price: 10}})
	if err != nil {
		t.Fatal(err)
	}
	if acct.Cash() != 8950 || acct.Position("AAPL") != 100 {
		t.Fatalf("cash = %v position = %v", acct.Cash(), acct.Position("AAPL"))
	}
}

func TestCashStaysExact(t *testing.T) {
	ctx := context.Background()
	acct := New("bt", 10000, BacktestBackend{}, Persistence{}, testLogger())
	o, _ := order.NewLimit("AAPL", order.Buy, 10, 11, t0)
	if err := acct.PlaceOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := acct.OrderFilled(ctx, o, order.Execution{ID: "e1", Version: 1, Quantity: 1, Price: 10.1}); err != nil {
		t.Fatal(err)
	}
	if err := acct.OrderFilled(ctx, o, order.Execution{ID: "e2", Version: 1, Quantity: 2, Price: 10.2}); err != nil {
		t.Fatal(err)
	}
	want := decimal.RequireFromString("9969.5")
	acct.mu.Lock()
	cash := acct.cash
	acct.mu.Unlock()
	if !cash.Equal(want) {
		t.Fatalf("cash = %s, want %s", cash, want)
	}
}

func TestMatchSettlesStopsFirst(t *testing.T) {
	ctx := context.Background()
	acct := New("bt", 0, BacktestBackend{}, Persistence{}, testLogger())

	var filled []order.Kind
	acct.SetStatusListener(func(o *order.Order, _, to order.Status) {
		if to == order.Filled {
			filled = append(filled, o.Kind)
		}
	})

	takeProfit, _ := order.NewLimit("AAPL", order.Sell, 10, 55, t0)
	stopLoss, _ := order.NewStop("AAPL", order.Sell, 10, 45, t0)
	for _, o := range []*order.Order{takeProfit, stopLoss} {
		if err := acct.PlaceOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	if n := acct.Match(ctx, bar(50, 56, 44, 50)); n != 2 {
		t.Fatalf("fills = %d, want 2", n)
	}
	if len(filled) != 2 || filled[0] != order.Stop || filled[1] != order.Limit {
		t.Fatalf("fill order = %v", filled)
	}
}

func TestUpdateOrderPriceRequiresLimit(t *testing.T) {
	ctx := context.Background()
	acct := New("bt", 0, BacktestBackend{}, Persistence{}, testLogger())
	m, _ := order.NewMarket("AAPL", order.Buy, 1, t0)
	_ = acct.PlaceOrder(ctx, m)
	if err := acct.UpdateOrderPrice(ctx, m, 10); !errors.Is(err, domain.ErrNotLimitOrder) {
		t.Fatalf("err = %v, want ErrNotLimitOrder", err)
	}
	l, _ := order.NewLimit("AAPL", order.Buy, 1, 10, t0)
	_ = acct.PlaceOrder(ctx, l)
	if err := acct.UpdateOrderPrice(ctx, l, 10.5); err != nil || l.LimitPrice() != 10.5 {
		t.Fatalf("err = %v limit = %v", err, l.LimitPrice())
	}
	if err := acct.CancelOrder(ctx, l); err != nil || l.Status() != order.Canceled {
		t.Fatalf("cancel err = %v status = %s", err, l.Status())
	}
	if err := acct.UpdateOrderPrice(ctx, l, 11); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("update after cancel err = %v", err)
	}
}

type fakeBroker struct {
	mu        sync.Mutex
	acct      *Account
	next      int
	submitErr error
	rejectAll bool
	cancelled []string
	orders    map[string]*order.Order
}

func (b *fakeBroker) Submit(_ context.Context, o *order.Order) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.next++
	id := fmt.Sprintf("r%d", b.next)
	if b.orders == nil {
		b.orders = make(map[string]*order.Order)
	}
	b.orders[id] = o
	if b.rejectAll {
		go func() { _ = b.acct.OrderFailed(context.Background(), o, "insufficient margin", id) }()
	}
	return id, nil
}

func (b *fakeBroker) Cancel(_ context.Context, realID string) error {
	b.mu.Lock()
	o := b.orders[realID]
	b.cancelled = append(b.cancelled, realID)
	b.mu.Unlock()
	return b.acct.OrderCancelled(context.Background(), o, "cancelled", realID)
}

func TestLivePlacementDetectsAsyncRejection(t *testing.T) {
	broker := &fakeBroker{rejectAll: true}
	acct := New("live", 1000, NewBrokerBackend(broker, testLogger()), Persistence{}, testLogger())
	broker.acct = acct
	acct.SetPlacementPoll(20, 5*time.Millisecond)

	o, _ := order.NewMarket("AAPL", order.Buy, 1, t0)
	if err := acct.PlaceOrder(context.Background(), o); err == nil {
		t.Fatal("expected asynchronous rejection to surface")
	}
	if o.Status() != order.Failed || o.Reason() != "insufficient margin" {
		t.Fatalf("status = %s reason = %q", o.Status(), o.Reason())
	}
}

func TestLivePlacementSubmitError(t *testing.T) {
	broker := &fakeBroker{submitErr: errors.New("connection refused")}
	acct := New("live", 1000, NewBrokerBackend(broker, testLogger()), Persistence{}, testLogger())
	broker.acct = acct
	acct.SetPlacementPoll(0, time.Millisecond)

	o, _ := order.NewMarket("AAPL", order.Buy, 1, t0)
	if err := acct.PlaceOrder(context.Background(), o); err == nil {
		t.Fatal("expected error")
	}
	if o.Status() != order.Failed || o.Reason() != "connection refused" {
		t.Fatalf("status = %s reason = %q", o.Status(), o.Reason())
	}
}

func TestCancelAndReplaceKeepsOrderAlive(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	acct := New("live", 1000, NewBrokerBackend(broker, testLogger()), Persistence{}, testLogger())
	broker.acct = acct
	acct.SetPlacementPoll(0, time.Millisecond)

	o, _ := order.NewLimit("AAPL", order.Buy, 1, 10, t0)
	if err := acct.PlaceOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := acct.UpdateOrderPrice(ctx, o, 10.2); err != nil {
		t.Fatal(err)
	}
	if o.Status() != order.Submitted || o.LimitPrice() != 10.2 {
		t.Fatalf("status = %s limit = %v", o.Status(), o.LimitPrice())
	}
	ids := o.RealOrderIDs()
	if len(ids) != 1 || ids[0] != "r2" {
		t.Fatalf("real ids = %v, want [r2]", ids)
	}
}
