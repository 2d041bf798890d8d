package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/order"
)

type fakeBroker struct {
	submitted int
	modified  int
}

func (b *fakeBroker) Submit(context.Context, *order.Order) (string, error) {
	b.submitted++
	return "real-1", nil
}

func (b *fakeBroker) Cancel(context.Context, string) error { return nil }

func (b *fakeBroker) Modify(context.Context, string, float64) error {
	b.modified++
	return nil
}

type fakePrices map[string]domain.CurrentPrice

func (p fakePrices) SetCurrentPrice(context.Context, domain.CurrentPrice) error { return nil }

func (p fakePrices) GetCurrentPrice(_ context.Context, code string) (domain.CurrentPrice, error) {
	cp, ok := p[code]
	if !ok {
		return domain.CurrentPrice{}, domain.ErrNotFound
	}
	return cp, nil
}

func (p fakePrices) GetCurrentPrices(ctx context.Context, codes []string) (map[string]domain.CurrentPrice, error) {
	out := make(map[string]domain.CurrentPrice)
	for _, c := range codes {
		if cp, err := p.GetCurrentPrice(ctx, c); err == nil {
			out[c] = cp
		}
	}
	return out, nil
}

type holdings map[string]float64

func (h holdings) Positions() map[string]float64 { return h }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var placed = time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)

func mustLimit(t *testing.T, code string, dir order.Direction, qty, limit float64) *order.Order {
	t.Helper()
	o, err := order.NewLimit(code, dir, qty, limit, placed)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func mustMarket(t *testing.T, code string, dir order.Direction, qty float64) *order.Order {
	t.Helper()
	o, err := order.NewMarket(code, dir, qty, placed)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestGuardMaxPositions(t *testing.T) {
	b := &fakeBroker{}
	g := NewGuard(b, nil, Config{MaxPositions: 1}, testLogger())
	g.SetPositions(holdings{"AAPL": 100, "MSFT": 0})

	if _, err := g.Submit(context.Background(), mustMarket(t, "AAPL", order.Sell, 100)); err != nil {
		t.Fatalf("held code rejected: %v", err)
	}
	_, err := g.Submit(context.Background(), mustMarket(t, "MSFT", order.Buy, 10))
	if !errors.Is(err, domain.ErrRiskRejected) {
		t.Fatalf("err = %v, want ErrRiskRejected", err)
	}
	if b.submitted != 1 {
		t.Fatalf("submitted = %d, want 1", b.submitted)
	}
}

func TestGuardNotional(t *testing.T) {
	prices := fakePrices{"AAPL": {Code: "AAPL", Price: 100, BidPrice: 99, AskPrice: 101}}
	g := NewGuard(&fakeBroker{}, prices, Config{MaxOrderNotional: 10_000}, testLogger())

	tests := []struct {
		name   string
		order  *order.Order
		reject bool
	}{
		{"market buy at ask", mustMarket(t, "AAPL", order.Buy, 99), false},
		{"market buy over", mustMarket(t, "AAPL", order.Buy, 100), true},
		{"market sell at bid", mustMarket(t, "AAPL", order.Sell, 100), false},
		{"limit uses limit price", mustLimit(t, "AAPL", order.Buy, 200, 50), false},
		{"limit over", mustLimit(t, "AAPL", order.Buy, 200, 51), true},
		{"unknown code passes", mustMarket(t, "MSFT", order.Buy, 1e6), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Check(context.Background(), tt.order)
			if got := errors.Is(err, domain.ErrRiskRejected); got != tt.reject {
				t.Fatalf("rejected = %v (err %v), want %v", got, err, tt.reject)
			}
		})
	}
}

func TestGuardSlippage(t *testing.T) {
	prices := fakePrices{"AAPL": {Code: "AAPL", Price: 100}}
	g := NewGuard(&fakeBroker{}, prices, Config{MaxSlippageBps: 50}, testLogger())

	tests := []struct {
		name   string
		order  *order.Order
		reject bool
	}{
		{"buy below last", mustLimit(t, "AAPL", order.Buy, 1, 99), false},
		{"buy within", mustLimit(t, "AAPL", order.Buy, 1, 100.25), false},
		{"buy through", mustLimit(t, "AAPL", order.Buy, 1, 101), true},
		{"sell above last", mustLimit(t, "AAPL", order.Sell, 1, 101), false},
		{"sell through", mustLimit(t, "AAPL", order.Sell, 1, 99), true},
		{"market ignored", mustMarket(t, "AAPL", order.Buy, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Check(context.Background(), tt.order)
			if got := errors.Is(err, domain.ErrRiskRejected); got != tt.reject {
				t.Fatalf("rejected = %v (err %v), want %v", got, err, tt.reject)
			}
		})
	}
}

func TestGuardModify(t *testing.T) {
	b := &fakeBroker{}
	g := NewGuard(b, nil, Config{}, testLogger())
	if err := g.Modify(context.Background(), "real-1", 10); err != nil {
		t.Fatal(err)
	}
	if b.modified != 1 {
		t.Fatalf("modified = %d, want 1", b.modified)
	}

	g = NewGuard(noModifyBroker{}, nil, Config{}, testLogger())
	if err := g.Modify(context.Background(), "real-1", 10); !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

type noModifyBroker struct{}

func (noModifyBroker) Submit(context.Context, *order.Order) (string, error) { return "x", nil }
func (noModifyBroker) Cancel(context.Context, string) error { return nil }
