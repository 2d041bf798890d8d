package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/quantbot/internal/account"
	"github.com/alanyoungcy/quantbot/internal/broker/paper"
	"github.com/alanyoungcy/quantbot/internal/calendar"
	"github.com/alanyoungcy/quantbot/internal/config"
	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/engine"
	"github.com/alanyoungcy/quantbot/internal/feed"
	"github.com/alanyoungcy/quantbot/internal/pipeline"
	"github.com/alanyoungcy/quantbot/internal/risk"
	"github.com/alanyoungcy/quantbot/internal/server"
	"github.com/alanyoungcy/quantbot/internal/server/handler"
	"github.com/alanyoungcy/quantbot/internal/server/ws"
	"github.com/alanyoungcy/quantbot/internal/strategy"
	"github.com/alanyoungcy/quantbot/internal/timeseries"
)

const feedHandshakeTimeout = 10 * time.Second

// BacktestMode replays the configured window against a simulated account
// and logs the resulting report.
func (a *App) BacktestMode(ctx context.Context, deps *Dependencies) error {
	start, end, err := a.cfg.BacktestWindow()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	strat, err := a.selectStrategy()
	if err != nil {
		return err
	}
	cal, err := a.newCalendar()
	if err != nil {
		return err
	}

	acct := account.New(a.cfg.Account.Name, a.cfg.Account.Cash, account.BacktestBackend{}, account.Persistence{
		Orders:   deps.OrderStore,
		Accounts: deps.AccountStore,
		Audit:    deps.AuditStore,
	}, a.logger)

	e := engine.New(a.engineConfig(), cal, a.newSeriesRegistry(deps), acct, a.logger)
	if a.cfg.Backtest.UploadReport {
		if deps.BlobWriter == nil {
			return fmt.Errorf("app: report upload needs s3")
		}
		e.SetReportWriter(engine.NewReportWriter(deps.BlobWriter, a.cfg.Backtest.ReportPrefix))
	}

	report, err := e.RunBacktest(ctx, strat, start, end)
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}
	a.logger.Info("backtest report",
		slog.String("strategy", report.Strategy),
		slog.Float64("initial_cash", report.InitialCash),
		slog.Float64("final_net_value", report.FinalNetValue),
		slog.Float64("return", report.Return),
		slog.Float64("max_drawdown", report.MaxDrawdown),
		slog.Int("orders", len(report.Orders)),
		slog.Int("failures", report.Failures),
		slog.String("location", report.Location),
	)
	return nil
}

// LiveMode trades the strategy against the paper broker until ctx is
// cancelled. The account is locked in Redis for the whole run.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	strat, err := a.selectStrategy()
	if err != nil {
		return err
	}
	cal, err := a.newCalendar()
	if err != nil {
		return err
	}

	lockKey := "account:" + a.cfg.Account.Name
	deps.LockManager.OnLost(a.lockLostAlert(ctx, deps.Notifier))
	unlock, err := deps.LockManager.Acquire(ctx, lockKey, a.cfg.Account.LockTTL.Duration)
	if err != nil {
		return fmt.Errorf("app: lock account: %w", err)
	}
	a.closers = append(a.closers, unlock)

	broker := paper.New(paper.Config{
		Interval:      a.cfg.Paper.Interval.Duration,
		FeeRate:       a.cfg.Paper.FeeRate,
		RejectUnknown: a.cfg.Paper.RejectUnknown,
		RateLimit:     a.cfg.Paper.RateLimit,
	}, deps.PriceCache, deps.RateLimiter, a.logger)
	guard := risk.NewGuard(broker, deps.PriceCache, risk.Config{
		MaxPositions:     a.cfg.Risk.MaxPositions,
		MaxOrderNotional: a.cfg.Risk.MaxOrderNotional,
		MaxSlippageBps:   a.cfg.Risk.MaxSlippageBps,
	}, a.logger)

	acct := account.New(a.cfg.Account.Name, a.cfg.Account.Cash, account.NewBrokerBackend(guard, a.logger), account.Persistence{
		Orders:   deps.OrderStore,
		Accounts: deps.AccountStore,
		Audit:    deps.AuditStore,
		Bus:      deps.SignalBus,
		Alerter:  deps.Notifier,
	}, a.logger)
	acct.SetPlacementPoll(a.cfg.Account.PlacementPolls, a.cfg.Account.PlacementInterval.Duration)
	broker.SetSink(acct)
	guard.SetPositions(acct)

	if a.cfg.Account.Restore {
		if err := a.restoreAccount(ctx, deps.AccountStore, acct); err != nil {
			return err
		}
	}

	e := engine.New(a.engineConfig(), cal, a.newSeriesRegistry(deps), acct, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Run(ctx, strat)
	})
	g.Go(func() error {
		return broker.Run(ctx)
	})

	if a.cfg.Feed.Enabled {
		qf := feed.New(feed.Config{
			URL:              a.cfg.Feed.URL,
			Codes:            a.cfg.FeedCodes(),
			HandshakeTimeout: feedHandshakeTimeout,
			MinBackoff:       a.cfg.Feed.MinBackoff.Duration,
			MaxBackoff:       a.cfg.Feed.MaxBackoff.Duration,
		}, deps.PriceCache, deps.SignalBus, deps.BarStore, deps.Notifier, a.logger)
		g.Go(func() error {
			return qf.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, acct, strat.Name())
	}

	a.logger.Info("live mode running",
		slog.String("strategy", strat.Name()),
		slog.String("account", acct.Name()),
		slog.Bool("feed", a.cfg.Feed.Enabled),
		slog.Bool("server", a.cfg.Server.Enabled),
	)
	return g.Wait()
}

// ImportMode loads bar CSV files from object storage into Postgres.
func (a *App) ImportMode(ctx context.Context, deps *Dependencies) error {
	importer := pipeline.NewBarImporter(deps.BlobReader, deps.BarStore, a.cfg.Import.BatchSize, a.logger)
	n, err := importer.ImportPrefix(ctx, a.cfg.Import.Series, a.cfg.Import.Prefix)
	if err != nil {
		return fmt.Errorf("app: import: %w", err)
	}
	a.logger.Info("import finished",
		slog.String("series", a.cfg.Import.Series),
		slog.String("prefix", a.cfg.Import.Prefix),
		slog.Int("bars", n),
	)
	return nil
}

// startHTTPServer adds the status API and WebSocket hub to g. Both stop when
// ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, acct *account.Account, strategyName string) {
	statusH := handler.NewStatusHandler(a.cfg.Mode, strategyName, acct.Name())

	hub := ws.NewHub(deps.SignalBus, ws.Config{
		Channels: ws.DefaultChannels,
		Status: func() any {
			return map[string]any{
				"mode":     a.cfg.Mode,
				"strategy": strategyName,
				"account":  acct.Snapshot(),
			}
		},
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Health, a.logger),
		Status:  statusH,
		Account: handler.NewAccountHandler(acct, deps.PriceCache, deps.AccountStore, a.logger),
		Orders:  handler.NewOrderHandler(acct, a.logger),
	}, hub, deps.RateLimiter, a.logger)
	g.Go(func() error {
		return srv.Run(ctx)
	})
}

// lockLostAlert returns the hook run when the account lock can no longer be
// renewed.
func (a *App) lockLostAlert(ctx context.Context, alerter account.Alerter) func(key string) {
	return func(key string) {
		err := alerter.Notify(context.WithoutCancel(ctx), "lock_lost", "Account lock lost",
			fmt.Sprintf("lock %s expired or was taken over", key))
		if err != nil {
			a.logger.Warn("alert failed", slog.String("event", "lock_lost"), slog.String("error", err.Error()))
		}
	}
}

// restoreAccount loads the last saved cash and positions. A missing snapshot
// means a first run.
func (a *App) restoreAccount(ctx context.Context, store domain.AccountStore, acct *account.Account) error {
	snap, err := store.Get(ctx, acct.Name())
	if errors.Is(err, domain.ErrNotFound) {
		a.logger.Info("no saved account state", slog.String("account", acct.Name()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("app: restore account: %w", err)
	}
	acct.Restore(snap)
	a.logger.Info("account restored",
		slog.String("account", acct.Name()),
		slog.Float64("cash", snap.Cash),
		slog.Int("positions", len(snap.Positions)),
	)
	return nil
}

func (a *App) newCalendar() (calendar.Calendar, error) {
	cal, err := calendar.NewExchange(a.cfg.Location(), a.cfg.Calendar.Open, a.cfg.Calendar.Close, a.cfg.Calendar.Holidays)
	if err != nil {
		return nil, fmt.Errorf("app: calendar: %w", err)
	}
	return cal, nil
}

func (a *App) engineConfig() engine.Config {
	return engine.Config{
		MatchSeries:  a.cfg.Engine.MatchSeries,
		PriceSeries:  a.cfg.Engine.PriceSeries,
		PollInterval: a.cfg.Engine.PollInterval.Duration,
	}
}

// newSeriesRegistry builds every configured series. Without Redis the
// series serve history only.
func (a *App) newSeriesRegistry(deps *Dependencies) *timeseries.Registry {
	series := make([]timeseries.Series, 0, len(a.cfg.Engine.Series))
	for _, sc := range a.cfg.Engine.Series {
		switch sc.Kind {
		case "quotes":
			series = append(series, timeseries.NewQuotes(sc.Name, deps.PriceCache, deps.SignalBus, a.logger))
		default:
			series = append(series, timeseries.NewStoredBars(sc.Name, deps.BarStore, deps.PriceCache, deps.SignalBus, a.logger))
		}
	}
	return timeseries.NewRegistry(series...)
}

func (a *App) selectStrategy() (strategy.Strategy, error) {
	reg, err := a.newStrategyRegistry()
	if err != nil {
		return nil, err
	}
	strat, err := reg.Get(a.cfg.Strategy.Name)
	if err != nil {
		return nil, fmt.Errorf("app: strategy %q (available: %v): %w", a.cfg.Strategy.Name, reg.List(), err)
	}
	return strat, nil
}

// newStrategyRegistry registers the built-in strategies, each configured
// from the strategy section. Bargain settings fill params the strategy
// section leaves unset.
func (a *App) newStrategyRegistry() (*strategy.Registry, error) {
	cfg := strategyConfig(a.cfg)
	reg := strategy.NewRegistry()
	for _, s := range []strategy.Strategy{
		strategy.NewOpenClose(cfg, a.logger),
		strategy.NewBargainEntry(cfg, a.logger),
		strategy.NewMeanReversion(cfg, a.logger),
	} {
		if err := reg.Register(s); err != nil {
			return nil, fmt.Errorf("app: register strategy: %w", err)
		}
	}
	return reg, nil
}

func strategyConfig(cfg *config.Config) strategy.Config {
	bargainDefaults := map[string]any{
		"delta":         cfg.Bargain.Delta,
		"freq":          cfg.Bargain.Freq.String(),
		"max_deviation": cfg.Bargain.MaxDeviation,
		"timeout":       cfg.Bargain.Timeout.String(),
	}
	return strategy.Config{
		Name:        cfg.Strategy.Name,
		Codes:       cfg.Strategy.Codes,
		Quantity:    cfg.Strategy.Quantity,
		EntryOffset: cfg.Strategy.EntryOffset.Duration,
		ExitOffset:  cfg.Strategy.ExitOffset.Duration,
		Params:      mergeParams(bargainDefaults, cfg.Strategy.Params),
	}
}

func mergeParams(base map[string]any, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
