package event

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/quantbot/internal/calendar"
	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/timeseries"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCalendar() *calendar.Exchange {
	return calendar.MustExchange(time.UTC, "09:30", "16:00")
}

func at(h, m int) time.Time {
	return time.Date(2024, 1, 8, h, m, 0, 0, time.UTC)
}

func TestLessOrdering(t *testing.T) {
	data := NewDataDefinition("1m", nil, true, 0)
	clock := NewTimeDefinition(MarketOpen{Offset: time.Minute}, 0)
	match := &Definition{Type: TypeData, Series: "1m", IsBar: true, System: true, Order: 0}
	netValue := &Definition{Type: TypeTime, Rule: MarketClose{}, System: true, Order: 1}

	t0 := at(9, 31)
	events := []Event{
		{Def: netValue, VisibleTime: t0},
		{Def: match, VisibleTime: t0},
		{Def: clock, VisibleTime: t0},
		{Def: data, VisibleTime: t0.Add(time.Minute)},
		{Def: data, VisibleTime: t0},
	}
	Sort(events)

	want := []*Definition{data, clock, match, netValue, data}
	for i, ev := range events {
		if ev.Def != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, ev.Def, want[i])
		}
	}
	if !events[4].VisibleTime.After(events[3].VisibleTime) {
		t.Fatal("later event sorted before earlier one")
	}
}

func TestSortKeepsInsertionOrderForTies(t *testing.T) {
	def := NewDataDefinition("1m", nil, true, 0)
	t0 := at(9, 31)
	a := Event{Def: def, VisibleTime: t0, Data: domain.Bar{Code: "A", End: t0}}
	b := Event{Def: def, VisibleTime: t0, Data: domain.Bar{Code: "B", End: t0}}
	merged := Merge([]Event{a}, []Event{b})
	if merged[0].Data.Symbol() != "A" || merged[1].Data.Symbol() != "B" {
		t.Fatalf("tie order not stable: %v", merged)
	}
}

func TestDefinitionValidate(t *testing.T) {
	cases := []struct {
		name string
		def  *Definition
		ok   bool
	}{
		{"time", NewTimeDefinition(MarketOpen{}, 0), true},
		{"data", NewDataDefinition("1m", nil, true, 0), true},
		{"time without rule", &Definition{Type: TypeTime}, false},
		{"time with series", &Definition{Type: TypeTime, Rule: MarketOpen{}, Series: "1m"}, false},
		{"data with rule", &Definition{Type: TypeData, Series: "1m", Rule: MarketOpen{}}, false},
		{"negative open offset", NewTimeDefinition(MarketOpen{Offset: -time.Minute}, 0), false},
		{"zero interval", NewTimeDefinition(Every{}, 0), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.def.Validate()
			if c.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !c.ok && !errors.Is(err, domain.ErrInvalidDefinition) {
				t.Fatalf("err = %v, want ErrInvalidDefinition", err)
			}
		})
	}
}

func TestRulesNext(t *testing.T) {
	cal := testCalendar()
	friday := time.Date(2024, 1, 5, 15, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		rule  Rule
		after time.Time
		want  time.Time
	}{
		{"open same day", MarketOpen{Offset: 5 * time.Minute}, at(8, 0), at(9, 35)},
		{"open rolls over weekend", MarketOpen{}, friday, at(9, 30)},
		{"close", MarketClose{Offset: -5 * time.Minute}, at(12, 0), at(15, 55)},
		{"close exactly at trigger moves on", MarketClose{}, at(16, 0), time.Date(2024, 1, 9, 16, 0, 0, 0, time.UTC)},
		{"every first slot", Every{Interval: 30 * time.Minute}, at(9, 30), at(10, 0)},
		{"every mid session", Every{Interval: 30 * time.Minute}, at(10, 10), at(10, 30)},
		{"every after last slot", Every{Interval: 30 * time.Minute}, at(16, 0), time.Date(2024, 1, 9, 10, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := c.rule.Next(cal, c.after)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !got.Equal(c.want) {
				t.Fatalf("Next = %v, want %v", got, c.want)
			}
		})
	}
}

func TestTriggerDue(t *testing.T) {
	tr := NewTrigger(MarketOpen{Offset: time.Minute}, testCalendar())
	if err := tr.Reset(at(9, 0)); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok, _ := tr.Due(at(9, 30)); ok {
		t.Fatal("fired before trigger time")
	}
	fired, ok, err := tr.Due(at(9, 31))
	if err != nil || !ok || !fired.Equal(at(9, 31)) {
		t.Fatalf("Due = %v %v %v", fired, ok, err)
	}
	if _, ok, _ := tr.Due(at(9, 32)); ok {
		t.Fatal("fired twice")
	}
	if want := time.Date(2024, 1, 9, 9, 31, 0, 0, time.UTC); !tr.Next().Equal(want) {
		t.Fatalf("next = %v, want %v", tr.Next(), want)
	}
}

func TestTimeProducerHistory(t *testing.T) {
	p := NewTimeProducer(testCalendar(), 0, testLogger())
	open := NewTimeDefinition(MarketOpen{Offset: time.Minute}, 0)
	closing := NewTimeDefinition(MarketClose{}, 0)
	if err := p.Register(open); err != nil {
		t.Fatal(err)
	}
	if err := p.Register(closing); err != nil {
		t.Fatal(err)
	}
	if err := p.Register(open); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate register err = %v", err)
	}
	if err := p.Register(NewDataDefinition("1m", nil, true, 0)); !errors.Is(err, domain.ErrInvalidDefinition) {
		t.Fatalf("data definition err = %v", err)
	}

	// Monday 9:31 through Tuesday 9:31 inclusive.
	events, err := p.HistoryEvents(context.Background(), at(9, 31), time.Date(2024, 1, 9, 9, 31, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3: %v", len(events), events)
	}
	if events[0].Def != open || events[1].Def != closing || events[2].Def != open {
		t.Fatalf("unexpected order")
	}
}

func TestTimeProducerLiveFiresAndSurvivesPanics(t *testing.T) {
	p := NewTimeProducer(testCalendar(), time.Millisecond, testLogger())
	def := NewTimeDefinition(Every{Interval: time.Minute}, 0)
	if err := p.Register(def); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	clock := at(10, 0)
	p.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	}

	fired := make(chan time.Time, 4)
	calls := 0
	err := p.Start(context.Background(), func(_ context.Context, ev Event) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		fired <- ev.VisibleTime
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	advance(time.Minute)

	select {
	case got := <-fired:
		if !got.Equal(at(10, 2)) {
			t.Fatalf("fired at %v, want %v", got, at(10, 2))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("clock stopped after a panicking handler")
	}
}

func TestDataProducer(t *testing.T) {
	t0 := at(9, 31)
	bars := timeseries.NewMemoryBars("1m", []domain.Bar{
		{Code: "A", Start: t0.Add(-time.Minute), End: t0, Close: 1},
		{Code: "A", Start: t0, End: t0.Add(time.Minute), Close: 2},
	})
	quotes := timeseries.NewMemory("quotes", false)
	p := NewDataProducer(timeseries.NewRegistry(bars, quotes), testLogger())

	if err := p.Register(NewDataDefinition("missing", nil, false, 0)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown series err = %v", err)
	}
	if err := p.Register(NewDataDefinition("quotes", nil, true, 0)); !errors.Is(err, domain.ErrInvalidDefinition) {
		t.Fatalf("bar def on quote series err = %v", err)
	}

	barDef := NewDataDefinition("1m", []string{"A"}, true, 0)
	quoteDef := NewDataDefinition("quotes", []string{"A"}, false, 0)
	if err := p.Register(barDef); err != nil {
		t.Fatal(err)
	}
	if err := p.Register(quoteDef); err != nil {
		t.Fatal(err)
	}

	events, err := p.HistoryEvents(context.Background(), t0, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || !events[0].VisibleTime.Equal(t0) {
		t.Fatalf("history = %v", events)
	}

	var got []Event
	if err := p.Start(context.Background(), func(_ context.Context, ev Event) { got = append(got, ev) }); err != nil {
		t.Fatal(err)
	}
	quotes.Publish(domain.CurrentPrice{Code: "A", Time: t0, Price: 1})
	p.Stop()
	quotes.Publish(domain.CurrentPrice{Code: "A", Time: t0, Price: 2})

	if len(got) != 1 || got[0].Def != quoteDef {
		t.Fatalf("live events = %v", got)
	}
}
