package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/timeseries"
)

// DataPortal is the strategy's window onto market data. During a backtest
// its clock is the visible time of the event being dispatched, so nothing
// after that instant can be read.
type DataPortal struct {
	series      *timeseries.Registry
	priceSeries string

	mu       sync.RWMutex
	backtest bool
	now      time.Time
}

// NewDataPortal creates a portal that prices instruments from priceSeries.
func NewDataPortal(series *timeseries.Registry, priceSeries string) *DataPortal {
	return &DataPortal{series: series, priceSeries: priceSeries}
}

func (p *DataPortal) setBacktest(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backtest = on
}

func (p *DataPortal) setNow(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = t
}

// Now is the simulated time in a backtest and the wall clock live.
func (p *DataPortal) Now() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.backtest {
		return p.now
	}
	return time.Now()
}

func (p *DataPortal) asOf() *time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.backtest {
		return nil
	}
	t := p.now
	return &t
}

// CurrentPrices returns the latest price of each code known at Now.
func (p *DataPortal) CurrentPrices(ctx context.Context, codes []string) (map[string]domain.CurrentPrice, error) {
	s, err := p.series.Get(p.priceSeries)
	if err != nil {
		return nil, fmt.Errorf("engine: price series: %w", err)
	}
	return s.CurrentPrice(ctx, codes, p.asOf())
}

// CurrentPrice returns the latest price of code known at Now.
func (p *DataPortal) CurrentPrice(ctx context.Context, code string) (domain.CurrentPrice, error) {
	prices, err := p.CurrentPrices(ctx, []string{code})
	if err != nil {
		return domain.CurrentPrice{}, err
	}
	cp, ok := prices[code]
	if !ok {
		return domain.CurrentPrice{}, fmt.Errorf("engine: price of %s: %w", code, domain.ErrNoData)
	}
	return cp, nil
}

// History returns rows of the named series visible in (Now-lookback, Now].
func (p *DataPortal) History(ctx context.Context, series string, codes []string, lookback time.Duration) ([]domain.MarketData, error) {
	s, err := p.series.Get(series)
	if err != nil {
		return nil, fmt.Errorf("engine: history: %w", err)
	}
	end := p.Now()
	rows, err := s.History(ctx, timeseries.Query{Codes: codes, Start: end.Add(-lookback).Add(time.Nanosecond), End: end})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
