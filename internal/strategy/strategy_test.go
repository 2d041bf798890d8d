package strategy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/quantbot/internal/account"
	"github.com/alanyoungcy/quantbot/internal/calendar"
	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/engine"
	"github.com/alanyoungcy/quantbot/internal/order"
	"github.com/alanyoungcy/quantbot/internal/timeseries"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func at(h, m int) time.Time {
	return time.Date(2024, 1, 8, h, m, 0, 0, time.UTC)
}

func bar(end time.Time, open, close float64) domain.Bar {
	high, low := open, close
	if close > open {
		high, low = close, open
	}
	return domain.Bar{Code: "AAPL", Start: end.Add(-time.Minute), End: end, Open: open, High: high, Low: low, Close: close}
}

func runBacktest(t *testing.T, s Strategy, bars []domain.Bar) (*engine.Report, *account.Account) {
	t.Helper()
	acct := account.New("bt", 10000, account.BacktestBackend{}, account.Persistence{}, testLogger())
	cal := calendar.MustExchange(time.UTC, "09:30", "16:00")
	e := engine.New(engine.Config{MatchSeries: "1m"}, cal, timeseries.NewRegistry(timeseries.NewMemoryBars("1m", bars)), acct, testLogger())
	report, err := e.RunBacktest(context.Background(), s, at(9, 30), at(16, 0))
	if err != nil {
		t.Fatal(err)
	}
	return report, acct
}

func dayBars() []domain.Bar {
	return []domain.Bar{
		bar(at(9, 31), 50, 51),
		bar(at(15, 59), 60, 61),
		bar(at(16, 0), 61, 62),
	}
}

func TestOpenCloseRoundTrip(t *testing.T) {
	s := NewOpenClose(Config{
		Codes:       []string{"AAPL"},
		Quantity:    100,
		EntryOffset: time.Minute,
		ExitOffset:  time.Minute,
	}, testLogger())

	report, acct := runBacktest(t, s, dayBars())
	if acct.Position("AAPL") != 0 {
		t.Fatalf("position = %v, want flat", acct.Position("AAPL"))
	}
	if acct.Cash() != 11000 {
		t.Fatalf("cash = %v, want 11000", acct.Cash())
	}
	if report.FinalNetValue != 11000 || len(report.Orders) != 2 {
		t.Fatalf("report = %+v", report)
	}
	for _, o := range acct.Orders() {
		if o.Status() != order.Filled {
			t.Fatalf("order %s status = %s", o.ID, o.Status())
		}
	}
}

func TestOpenCloseRequiresCodes(t *testing.T) {
	acct := account.New("bt", 10000, account.BacktestBackend{}, account.Persistence{}, testLogger())
	cal := calendar.MustExchange(time.UTC, "09:30", "16:00")
	e := engine.New(engine.Config{MatchSeries: "1m"}, cal, timeseries.NewRegistry(timeseries.NewMemoryBars("1m", nil)), acct, testLogger())
	if _, err := e.RunBacktest(context.Background(), NewOpenClose(Config{Quantity: 1}, testLogger()), at(9, 30), at(16, 0)); err == nil {
		t.Fatal("expected error without codes")
	}
}

func TestBargainEntryFillsAtLimit(t *testing.T) {
	s := NewBargainEntry(Config{
		Codes:       []string{"AAPL"},
		Quantity:    100,
		EntryOffset: time.Minute,
		ExitOffset:  time.Minute,
		Params:      map[string]any{"delta": 0.01, "freq": "1s"},
	}, testLogger())

	_, acct := runBacktest(t, s, dayBars())
	orders := acct.Orders()
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(orders))
	}
	entry := orders[0]
	if entry.Kind != order.Limit || entry.LimitPrice() != 51.01 || entry.IdealPrice != 51 {
		t.Fatalf("entry = %s limit %v ideal %v", entry.Kind, entry.LimitPrice(), entry.IdealPrice)
	}
	if entry.FilledAvgPrice() != 51 {
		t.Fatalf("entry avg = %v, want 51", entry.FilledAvgPrice())
	}
	if acct.Cash() != 10900 || acct.Position("AAPL") != 0 {
		t.Fatalf("cash = %v position = %v", acct.Cash(), acct.Position("AAPL"))
	}
}

func TestMeanReversionBuysDipAndSellsReversion(t *testing.T) {
	s := NewMeanReversion(Config{
		Codes:    []string{"AAPL"},
		Quantity: 100,
		Params:   map[string]any{"std_dev_threshold": 1.5, "lookback_window": "30m"},
	}, testLogger())

	bars := []domain.Bar{
		bar(at(9, 31), 50, 50),
		bar(at(9, 32), 50, 50),
		bar(at(9, 33), 50, 50),
		bar(at(9, 34), 50, 50),
		bar(at(9, 35), 40, 40),
		bar(at(9, 36), 50, 50),
		bar(at(9, 37), 50, 50),
	}
	_, acct := runBacktest(t, s, bars)

	orders := acct.Orders()
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(orders))
	}
	if orders[0].Direction != order.Buy || orders[0].FilledAvgPrice() != 40 {
		t.Fatalf("entry = %s at %v", orders[0].Direction, orders[0].FilledAvgPrice())
	}
	if orders[1].Direction != order.Sell || orders[1].FilledAvgPrice() != 50 {
		t.Fatalf("exit = %s at %v", orders[1].Direction, orders[1].FilledAvgPrice())
	}
	if acct.Cash() != 11000 {
		t.Fatalf("cash = %v, want 11000", acct.Cash())
	}
}

func TestMeanStdDev(t *testing.T) {
	m, s := meanStdDev([]float64{50, 50, 50, 50, 40})
	if m != 48 || s != 4 {
		t.Fatalf("mean, std = %v, %v", m, s)
	}
	if _, s := meanStdDev([]float64{1}); s != 0 {
		t.Fatalf("single point std = %v", s)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewOpenClose(Config{}, testLogger())); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(NewMeanReversion(Config{}, testLogger())); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(NewOpenClose(Config{}, testLogger())); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate err = %v", err)
	}
	if _, err := r.Get("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
	names := r.List()
	if len(names) != 2 || names[0] != "mean_reversion" || names[1] != "open_close" {
		t.Fatalf("names = %v", names)
	}
}

func TestParamHelpers(t *testing.T) {
	p := map[string]any{"f": 1.5, "i": int64(3), "d": "30s", "bad": "x"}
	if paramFloat(p, "f", 0) != 1.5 || paramFloat(p, "i", 0) != 3 || paramFloat(p, "missing", 7) != 7 {
		t.Fatal("paramFloat")
	}
	if paramDuration(p, "d", 0) != 30*time.Second || paramDuration(p, "bad", time.Minute) != time.Minute {
		t.Fatal("paramDuration")
	}
}
