package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/quantbot/internal/account"
	"github.com/alanyoungcy/quantbot/internal/calendar"
	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/event"
	"github.com/alanyoungcy/quantbot/internal/order"
	"github.com/alanyoungcy/quantbot/internal/timeseries"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func at(h, m int) time.Time {
	return time.Date(2024, 1, 8, h, m, 0, 0, time.UTC)
}

func minuteBar(end time.Time, open, close float64) domain.Bar {
	high, low := open, close
	if close > open {
		high, low = close, open
	}
	return domain.Bar{Code: "AAPL", Start: end.Add(-time.Minute), End: end, Open: open, High: high, Low: low, Close: close}
}

type scripted struct {
	log      []string
	statuses []order.Status
	init     func(ctx context.Context, s *scripted, e *Engine) error
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Initialize(ctx context.Context, e *Engine) error { return s.init(ctx, s, e) }

func (s *scripted) OnOrderStatusChange(_ context.Context, _ *order.Order, _, to order.Status) {
	s.statuses = append(s.statuses, to)
}

func newBacktest(t *testing.T) (*Engine, *account.Account) {
	t.Helper()
	bars := timeseries.NewMemoryBars("1m", []domain.Bar{
		minuteBar(at(9, 31), 50, 51),
		minuteBar(at(9, 32), 51, 52),
		minuteBar(at(16, 0), 54, 55),
	})
	acct := account.New("bt", 10000, account.BacktestBackend{}, account.Persistence{}, testLogger())
	cal := calendar.MustExchange(time.UTC, "09:30", "16:00")
	e := New(Config{MatchSeries: "1m"}, cal, timeseries.NewRegistry(bars), acct, testLogger())
	return e, acct
}

type memBlob struct {
	puts map[string][]byte
}

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if m.puts == nil {
		m.puts = make(map[string][]byte)
	}
	m.puts[path] = b
	return nil
}

func (m *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func TestBacktestBuyAtOpen(t *testing.T) {
	e, acct := newBacktest(t)
	blob := &memBlob{}
	e.SetReportWriter(NewReportWriter(blob, "reports"))

	strat := &scripted{init: func(_ context.Context, s *scripted, e *Engine) error {
		bars := event.NewDataDefinition("1m", []string{"AAPL"}, true, 0)
		if err := e.RegisterEvent(bars, func(_ context.Context, ev event.Event, _ *Context) error {
			s.log = append(s.log, "bar "+ev.VisibleTime.Format("15:04"))
			return nil
		}); err != nil {
			return err
		}
		open := event.NewTimeDefinition(event.MarketOpen{Offset: time.Minute}, 0)
		return e.RegisterEvent(open, func(ctx context.Context, ev event.Event, ec *Context) error {
			s.log = append(s.log, "open "+ev.VisibleTime.Format("15:04"))
			if got := ec.Portal.Now(); !got.Equal(ev.VisibleTime) {
				t.Errorf("portal time = %v, want %v", got, ev.VisibleTime)
			}
			o, err := order.NewMarket("AAPL", order.Buy, 100, ec.Portal.Now())
			if err != nil {
				return err
			}
			return ec.Account.PlaceOrder(ctx, o)
		})
	}}

	report, err := e.RunBacktest(context.Background(), strat, at(9, 30), at(16, 0))
	if err != nil {
		t.Fatal(err)
	}

	if len(strat.log) < 2 || strat.log[0] != "bar 09:31" || strat.log[1] != "open 09:31" {
		t.Fatalf("dispatch order = %v", strat.log)
	}
	if acct.Cash() != 5000 || acct.Position("AAPL") != 100 {
		t.Fatalf("cash = %v position = %v", acct.Cash(), acct.Position("AAPL"))
	}
	want := []order.Status{order.Submitted, order.Filled}
	if len(strat.statuses) != 2 || strat.statuses[0] != want[0] || strat.statuses[1] != want[1] {
		t.Fatalf("statuses = %v, want %v", strat.statuses, want)
	}

	if report.FinalNetValue != 10500 {
		t.Fatalf("final net value = %v, want 10500", report.FinalNetValue)
	}
	if len(report.NetValues) != 1 || !report.NetValues[0].Time.Equal(at(16, 0)) {
		t.Fatalf("net values = %v", report.NetValues)
	}
	if report.Location == "" {
		t.Fatal("report not uploaded")
	}
	var stored Report
	if err := json.NewDecoder(bytes.NewReader(blob.puts[report.Location])).Decode(&stored); err != nil {
		t.Fatal(err)
	}
	if stored.FinalNetValue != 10500 || len(stored.Orders) != 1 {
		t.Fatalf("stored report = %+v", stored)
	}
}

func TestBacktestSurvivesFailingCallbacks(t *testing.T) {
	e, _ := newBacktest(t)
	calls := 0
	strat := &scripted{init: func(_ context.Context, _ *scripted, e *Engine) error {
		return e.RegisterEvent(event.NewDataDefinition("1m", nil, true, 0), func(context.Context, event.Event, *Context) error {
			calls++
			switch calls {
			case 1:
				return errors.New("bad bar")
			case 2:
				panic("worse bar")
			}
			return nil
		})
	}}

	report, err := e.RunBacktest(context.Background(), strat, at(9, 30), at(16, 0))
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if report.Failures != 2 {
		t.Fatalf("failures = %d, want 2", report.Failures)
	}
}

func TestRegisterEventRejections(t *testing.T) {
	e, _ := newBacktest(t)
	noop := func(context.Context, event.Event, *Context) error { return nil }

	def := event.NewTimeDefinition(event.MarketClose{}, 0)
	if err := e.RegisterEvent(def, noop); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterEvent(def, noop); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate err = %v", err)
	}
	if err := e.RegisterEvent(event.NewDataDefinition("unknown", nil, false, 0), noop); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown series err = %v", err)
	}
	if err := e.RegisterEvent(&event.Definition{Type: event.TypeTime}, noop); !errors.Is(err, domain.ErrInvalidDefinition) {
		t.Fatalf("malformed err = %v", err)
	}
}

func TestPortalHasNoLookahead(t *testing.T) {
	e, _ := newBacktest(t)
	p := e.Portal()
	p.setBacktest(true)
	p.setNow(at(9, 31))

	cp, err := p.CurrentPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Price != 51 {
		t.Fatalf("price = %v, want 51", cp.Price)
	}
	rows, err := p.History(context.Background(), "1m", []string{"AAPL"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("history rows = %d, want 1", len(rows))
	}

	p.setNow(at(9, 0))
	if _, err := p.CurrentPrice(context.Background(), "AAPL"); !errors.Is(err, domain.ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
}
