// Package engine binds strategy callbacks to event definitions and drives
// them, either by replaying a sorted history (backtest) or from live
// producers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/quantbot/internal/account"
	"github.com/alanyoungcy/quantbot/internal/calendar"
	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/event"
	"github.com/alanyoungcy/quantbot/internal/order"
	"github.com/alanyoungcy/quantbot/internal/timeseries"
)

// Context is handed to every callback.
type Context struct {
	Account *account.Account
	Portal  *DataPortal
}

// Callback handles one event. Returned errors are logged; they never stop
// the engine.
type Callback func(ctx context.Context, ev event.Event, ec *Context) error

// Strategy is implemented by trading strategies.
type Strategy interface {
	Name() string
	// Initialize registers the strategy's events.
	Initialize(ctx context.Context, e *Engine) error
	OnOrderStatusChange(ctx context.Context, o *order.Order, from, to order.Status)
}

// Config tunes the engine.
type Config struct {
	// MatchSeries is the series whose rows drive backtest matching.
	MatchSeries string
	// PriceSeries prices instruments for the portal and net value. Defaults
	// to MatchSeries.
	PriceSeries string
	// PollInterval is the live clock resolution.
	PollInterval time.Duration
	// NetValueRule schedules net value snapshots. Defaults to the session
	// close.
	NetValueRule event.Rule
}

// Engine dispatches events for one strategy and one account.
type Engine struct {
	cfg     Config
	cal     calendar.Calendar
	series  *timeseries.Registry
	acct    *account.Account
	portal  *DataPortal
	timeP   *event.TimeProducer
	dataP   *event.DataProducer
	reports *ReportWriter
	logger  *slog.Logger

	mu       sync.Mutex
	handlers map[*event.Definition]Callback
	ec       *Context

	// dispatchMu serialises live callbacks arriving from different
	// producer goroutines.
	dispatchMu sync.Mutex
}

// New creates an Engine.
func New(cfg Config, cal calendar.Calendar, series *timeseries.Registry, acct *account.Account, logger *slog.Logger) *Engine {
	if cfg.PriceSeries == "" {
		cfg.PriceSeries = cfg.MatchSeries
	}
	if cfg.NetValueRule == nil {
		cfg.NetValueRule = event.MarketClose{}
	}
	portal := NewDataPortal(series, cfg.PriceSeries)
	return &Engine{
		cfg:      cfg,
		cal:      cal,
		series:   series,
		acct:     acct,
		portal:   portal,
		timeP:    event.NewTimeProducer(cal, cfg.PollInterval, logger),
		dataP:    event.NewDataProducer(series, logger),
		logger:   logger.With(slog.String("component", "engine")),
		handlers: make(map[*event.Definition]Callback),
		ec:       &Context{Account: acct, Portal: portal},
	}
}

// SetReportWriter enables uploading backtest reports.
func (e *Engine) SetReportWriter(w *ReportWriter) { e.reports = w }

// Account returns the engine's account.
func (e *Engine) Account() *account.Account { return e.acct }

// Portal returns the engine's data portal.
func (e *Engine) Portal() *DataPortal { return e.portal }

// Calendar returns the trading calendar.
func (e *Engine) Calendar() calendar.Calendar { return e.cal }

// RegisterEvent binds cb to def. The definition is validated by its
// producer now; registering the same definition twice is an error.
func (e *Engine) RegisterEvent(def *event.Definition, cb Callback) error {
	if cb == nil {
		return fmt.Errorf("engine: nil callback for %s", def)
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("engine: register: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[def]; ok {
		return fmt.Errorf("engine: %s: %w", def, domain.ErrAlreadyExists)
	}
	var err error
	switch def.Type {
	case event.TypeTime:
		err = e.timeP.Register(def)
	default:
		err = e.dataP.Register(def)
	}
	if err != nil {
		return fmt.Errorf("engine: register: %w", err)
	}
	e.handlers[def] = cb
	return nil
}

func (e *Engine) handler(def *event.Definition) (Callback, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cb, ok := e.handlers[def]
	return cb, ok
}

// dispatch runs the callback for ev. Errors and panics are contained.
func (e *Engine) dispatch(ctx context.Context, ev event.Event) (err error) {
	cb, ok := e.handler(ev.Def)
	if !ok {
		return fmt.Errorf("engine: no callback for %s", ev.Def)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: callback for %s panicked: %v", ev.Def, r)
		}
	}()
	return cb(ctx, ev, e.ec)
}

func (e *Engine) bindStrategy(ctx context.Context, strat Strategy) error {
	e.acct.SetStatusListener(func(o *order.Order, from, to order.Status) {
		strat.OnOrderStatusChange(ctx, o, from, to)
	})
	if err := strat.Initialize(ctx, e); err != nil {
		return fmt.Errorf("engine: initialize %s: %w", strat.Name(), err)
	}
	netValue := &event.Definition{Type: event.TypeTime, Rule: e.cfg.NetValueRule, System: true, Order: 1}
	if err := e.RegisterEvent(netValue, e.onNetValue); err != nil {
		return err
	}
	return nil
}

// RunBacktest replays [start, end] for strat and returns the report.
func (e *Engine) RunBacktest(ctx context.Context, strat Strategy, start, end time.Time) (*Report, error) {
	if !e.acct.Backtest() {
		return nil, errors.New("engine: backtest needs a backtest account")
	}
	e.portal.setBacktest(true)
	if err := e.bindStrategy(ctx, strat); err != nil {
		return nil, err
	}
	ms, err := e.series.Get(e.cfg.MatchSeries)
	if err != nil {
		return nil, fmt.Errorf("engine: match series: %w", err)
	}
	match := &event.Definition{Type: event.TypeData, Series: ms.Name(), IsBar: ms.IsBar(), System: true, Order: 0}
	if err := e.RegisterEvent(match, e.onMatch); err != nil {
		return nil, err
	}

	timeEvents, err := e.timeP.HistoryEvents(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("engine: time events: %w", err)
	}
	dataEvents, err := e.dataP.HistoryEvents(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("engine: data events: %w", err)
	}
	timeline := event.Merge(dataEvents, timeEvents)

	e.logger.Info("backtest started",
		slog.String("strategy", strat.Name()),
		slog.Time("start", start),
		slog.Time("end", end),
		slog.Int("events", len(timeline)),
	)
	began := time.Now()

	failures := 0
	for _, ev := range timeline {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.portal.setNow(ev.VisibleTime)
		if err := e.dispatch(ctx, ev); err != nil {
			failures++
			e.logger.Error("event failed",
				slog.String("definition", ev.Def.String()),
				slog.Time("visible_time", ev.VisibleTime),
				slog.String("error", err.Error()),
			)
		}
	}

	e.acct.Save(ctx)
	report := BuildReport(strat.Name(), e.acct, start, end, len(timeline), failures)
	e.logger.Info("backtest finished",
		slog.String("strategy", strat.Name()),
		slog.Float64("final_net_value", report.FinalNetValue),
		slog.Float64("return", report.Return),
		slog.Int("failures", failures),
		slog.Duration("elapsed", time.Since(began)),
	)

	if e.reports != nil {
		key, err := e.reports.Write(ctx, report)
		if err != nil {
			e.logger.Error("upload report", slog.String("error", err.Error()))
		} else {
			report.Location = key
		}
	}
	return report, nil
}

// Run trades strat live until ctx is cancelled. Dispatch happens on the
// producers' goroutines.
func (e *Engine) Run(ctx context.Context, strat Strategy) error {
	if e.acct.Backtest() {
		return errors.New("engine: live run needs a broker-backed account")
	}
	e.portal.setBacktest(false)
	if err := e.bindStrategy(ctx, strat); err != nil {
		return err
	}
	if err := e.timeP.Start(ctx, e.onEvent); err != nil {
		return fmt.Errorf("engine: start clock: %w", err)
	}
	if err := e.dataP.Start(ctx, e.onEvent); err != nil {
		e.timeP.Stop()
		return fmt.Errorf("engine: start subscriptions: %w", err)
	}
	e.logger.Info("live trading started", slog.String("strategy", strat.Name()))

	<-ctx.Done()

	e.dataP.Stop()
	e.timeP.Stop()
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	e.acct.Save(saveCtx)
	e.logger.Info("live trading stopped", slog.String("strategy", strat.Name()))
	return nil
}

// onEvent is the live push callback.
func (e *Engine) onEvent(ctx context.Context, ev event.Event) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	if err := e.dispatch(ctx, ev); err != nil {
		e.logger.Error("event failed",
			slog.String("definition", ev.Def.String()),
			slog.Time("visible_time", ev.VisibleTime),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) onMatch(ctx context.Context, ev event.Event, ec *Context) error {
	if ev.Data == nil {
		return nil
	}
	ec.Account.Match(ctx, ev.Data)
	return nil
}

func (e *Engine) onNetValue(ctx context.Context, ev event.Event, ec *Context) error {
	positions := ec.Account.Positions()
	codes := make([]string, 0, len(positions))
	for code := range positions {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	prices := map[string]domain.CurrentPrice{}
	if len(codes) > 0 {
		p, err := ec.Portal.CurrentPrices(ctx, codes)
		if err != nil && !errors.Is(err, domain.ErrNoData) {
			return fmt.Errorf("engine: net value prices: %w", err)
		}
		if p != nil {
			prices = p
		}
	}
	value := ec.Account.CalcNetValue(ctx, ev.VisibleTime, prices)
	e.logger.Debug("net value", slog.Time("at", ev.VisibleTime), slog.Float64("value", value))
	return nil
}
