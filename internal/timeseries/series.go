// Package timeseries is the uniform data access layer: history is pulled,
// live data is pushed to subscribers. Engines and producers only ever see the
// Series interface; concrete series are injected through a Registry.
package timeseries

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

// Query selects rows of one series. Rows are returned ordered by
// (visible time, code).
type Query struct {
	Codes []string
	Start time.Time
	End   time.Time
}

// Handler receives pushed data. It is invoked on the series' own goroutine.
type Handler func(ctx context.Context, data domain.MarketData)

// Subscription is the handle returned by Subscribe. Stop ends delivery and
// releases the background task; it is safe to call more than once.
type Subscription interface {
	Stop()
}

// Series is the contract every data source fulfils.
type Series interface {
	Name() string
	IsBar() bool
	History(ctx context.Context, q Query) ([]domain.MarketData, error)
	// CurrentPrice returns the latest price per code as of at, or as of now
	// when at is nil. Codes with no data are omitted; an empty result is
	// reported as domain.ErrNoData.
	CurrentPrice(ctx context.Context, codes []string, at *time.Time) (map[string]domain.CurrentPrice, error)
	Subscribe(ctx context.Context, codes []string, h Handler) (Subscription, error)
}

// Registry maps series names to implementations. It is built once at startup
// and passed to whoever needs data.
type Registry struct {
	mu     sync.RWMutex
	series map[string]Series
}

// NewRegistry returns a Registry holding the given series.
func NewRegistry(series ...Series) *Registry {
	r := &Registry{series: make(map[string]Series, len(series))}
	for _, s := range series {
		r.series[s.Name()] = s
	}
	return r
}

// Register adds a series. Registering the same name twice is an error.
func (r *Registry) Register(s Series) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.series[s.Name()]; ok {
		return fmt.Errorf("timeseries: series %q: %w", s.Name(), domain.ErrAlreadyExists)
	}
	r.series[s.Name()] = s
	return nil
}

// Get returns the named series.
func (r *Registry) Get(name string) (Series, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.series[name]
	if !ok {
		return nil, fmt.Errorf("timeseries: series %q: %w", name, domain.ErrNotFound)
	}
	return s, nil
}

// Names returns the registered series names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.series))
	for n := range r.series {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SortRows orders rows by visible time, then code.
func SortRows(rows []domain.MarketData) {
	sort.SliceStable(rows, func(i, j int) bool {
		ti, tj := rows[i].Visible(), rows[j].Visible()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return rows[i].Symbol() < rows[j].Symbol()
	})
}

// BarPrice converts a bar into the CurrentPrice it implies at its visible time.
func BarPrice(b domain.Bar) domain.CurrentPrice {
	return domain.CurrentPrice{
		Code:     b.Code,
		Time:     b.End,
		Price:    b.Close,
		BidPrice: b.Close,
		AskPrice: b.Close,
	}
}

// AsCurrentPrice extracts a CurrentPrice from any market data point.
func AsCurrentPrice(data domain.MarketData) (domain.CurrentPrice, bool) {
	switch v := data.(type) {
	case domain.CurrentPrice:
		return v, true
	case domain.Bar:
		return BarPrice(v), true
	case domain.Tick:
		return domain.CurrentPrice{Code: v.Code, Time: v.Time, Price: v.Price, BidPrice: v.Price, AskPrice: v.Price}, true
	default:
		return domain.CurrentPrice{}, false
	}
}

type stopFunc struct {
	once sync.Once
	fn   func()
}

func (s *stopFunc) Stop() { s.once.Do(s.fn) }

// NewSubscription wraps a cancel function in a Subscription.
func NewSubscription(fn func()) Subscription {
	return &stopFunc{fn: fn}
}

func codeSet(codes []string) map[string]bool {
	if len(codes) == 0 {
		return nil
	}
	m := make(map[string]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}
