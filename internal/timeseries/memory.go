package timeseries

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

// Memory is an in-process series. Backtests load it from the bar store or a
// fixture; live tests push into it with Publish.
type Memory struct {
	name  string
	isBar bool

	mu     sync.RWMutex
	rows   []domain.MarketData
	subs   map[int]memorySub
	nextID int
}

type memorySub struct {
	ctx   context.Context
	codes map[string]bool
	h     Handler
}

// NewMemory creates an empty in-memory series.
func NewMemory(name string, isBar bool) *Memory {
	return &Memory{name: name, isBar: isBar, subs: make(map[int]memorySub)}
}

// NewMemoryBars creates a bar series preloaded with bars.
func NewMemoryBars(name string, bars []domain.Bar) *Memory {
	m := NewMemory(name, true)
	for _, b := range bars {
		m.rows = append(m.rows, b)
	}
	SortRows(m.rows)
	return m
}

func (m *Memory) Name() string { return m.name }
func (m *Memory) IsBar() bool  { return m.isBar }

// Append stores rows without notifying subscribers.
func (m *Memory) Append(rows ...domain.MarketData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	SortRows(m.rows)
}

// Publish stores a row and pushes it to every matching subscriber.
func (m *Memory) Publish(data domain.MarketData) {
	m.mu.Lock()
	m.rows = append(m.rows, data)
	SortRows(m.rows)
	subs := make([]memorySub, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		if s.ctx.Err() != nil {
			continue
		}
		if s.codes != nil && !s.codes[data.Symbol()] {
			continue
		}
		s.h(s.ctx, data)
	}
}

// History returns rows with Start <= visible time <= End.
func (m *Memory) History(_ context.Context, q Query) ([]domain.MarketData, error) {
	codes := codeSet(q.Codes)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.MarketData
	for _, r := range m.rows {
		vt := r.Visible()
		if !q.Start.IsZero() && vt.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && vt.After(q.End) {
			continue
		}
		if codes != nil && !codes[r.Symbol()] {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// CurrentPrice returns the last row per code visible at or before at.
func (m *Memory) CurrentPrice(_ context.Context, codes []string, at *time.Time) (map[string]domain.CurrentPrice, error) {
	want := codeSet(codes)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.CurrentPrice)
	for _, r := range m.rows {
		if at != nil && r.Visible().After(*at) {
			break
		}
		if want != nil && !want[r.Symbol()] {
			continue
		}
		if p, ok := AsCurrentPrice(r); ok {
			out[r.Symbol()] = p
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("timeseries: %s current price: %w", m.name, domain.ErrNoData)
	}
	return out, nil
}

// Subscribe registers h for future Publish calls.
func (m *Memory) Subscribe(ctx context.Context, codes []string, h Handler) (Subscription, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = memorySub{ctx: ctx, codes: codeSet(codes), h: h}
	m.mu.Unlock()

	return NewSubscription(func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}), nil
}

var _ Series = (*Memory)(nil)
