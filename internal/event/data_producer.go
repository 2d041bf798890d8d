package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/timeseries"
)

// DataProducer emits events for data definitions from the series registry.
type DataProducer struct {
	series *timeseries.Registry
	logger *slog.Logger

	mu   sync.Mutex
	defs []*Definition
	subs []timeseries.Subscription
}

// NewDataProducer creates a DataProducer over the given registry.
func NewDataProducer(series *timeseries.Registry, logger *slog.Logger) *DataProducer {
	return &DataProducer{
		series: series,
		logger: logger.With(slog.String("component", "data_producer")),
	}
}

// Register adds a data definition. The series must exist and, for bar
// definitions, must be a bar series.
func (p *DataProducer) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.Type != TypeData {
		return fmt.Errorf("event: data producer cannot serve %s: %w", def, domain.ErrInvalidDefinition)
	}
	s, err := p.series.Get(def.Series)
	if err != nil {
		return fmt.Errorf("event: register %s: %w", def, err)
	}
	if def.IsBar && !s.IsBar() {
		return fmt.Errorf("event: series %q does not carry bars: %w", def.Series, domain.ErrInvalidDefinition)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.defs {
		if d == def {
			return fmt.Errorf("event: %s: %w", def, domain.ErrAlreadyExists)
		}
	}
	p.defs = append(p.defs, def)
	return nil
}

// HistoryEvents pulls rows for every definition and wraps them as events.
func (p *DataProducer) HistoryEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	p.mu.Lock()
	defs := append([]*Definition(nil), p.defs...)
	p.mu.Unlock()

	var out []Event
	for _, def := range defs {
		s, err := p.series.Get(def.Series)
		if err != nil {
			return nil, err
		}
		rows, err := s.History(ctx, timeseries.Query{Codes: def.Codes, Start: start, End: end})
		if err != nil {
			return nil, fmt.Errorf("event: history for %s: %w", def, err)
		}
		for _, row := range rows {
			if def.IsBar {
				if _, ok := row.(domain.Bar); !ok {
					continue
				}
			}
			out = append(out, Event{Def: def, VisibleTime: row.Visible(), Data: row})
		}
	}
	Sort(out)
	return out, nil
}

// Start subscribes to every registered series.
func (p *DataProducer) Start(ctx context.Context, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.subs) > 0 {
		return fmt.Errorf("event: data producer already started")
	}
	for _, def := range p.defs {
		s, err := p.series.Get(def.Series)
		if err != nil {
			p.stopLocked()
			return err
		}
		sub, err := s.Subscribe(ctx, def.Codes, p.deliver(def, h))
		if err != nil {
			p.stopLocked()
			return fmt.Errorf("event: subscribe %s: %w", def, err)
		}
		p.subs = append(p.subs, sub)
	}
	p.logger.Info("subscriptions started", slog.Int("definitions", len(p.defs)))
	return nil
}

func (p *DataProducer) deliver(def *Definition, h Handler) timeseries.Handler {
	return func(ctx context.Context, data domain.MarketData) {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("data event panicked",
					slog.String("definition", def.String()),
					slog.Any("panic", r),
				)
			}
		}()
		if def.IsBar {
			if _, ok := data.(domain.Bar); !ok {
				return
			}
		}
		h(ctx, Event{Def: def, VisibleTime: data.Visible(), Data: data})
	}
}

// Stop cancels every subscription.
func (p *DataProducer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *DataProducer) stopLocked() {
	for _, s := range p.subs {
		s.Stop()
	}
	p.subs = nil
}

var _ Producer = (*DataProducer)(nil)
