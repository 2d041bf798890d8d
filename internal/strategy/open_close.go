package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/quantbot/internal/engine"
	"github.com/alanyoungcy/quantbot/internal/event"
	"github.com/alanyoungcy/quantbot/internal/order"
)

// OpenClose buys every configured code with a market order shortly after the
// session opens and flattens the book shortly before it closes.
type OpenClose struct {
	cfg    Config
	logger *slog.Logger
}

// NewOpenClose creates an OpenClose strategy.
func NewOpenClose(cfg Config, logger *slog.Logger) *OpenClose {
	return &OpenClose{
		cfg:    cfg,
		logger: logger.With(slog.String("strategy", "open_close")),
	}
}

// Name returns the strategy identifier.
func (s *OpenClose) Name() string { return "open_close" }

// Initialize registers the entry and exit clocks.
func (s *OpenClose) Initialize(_ context.Context, e *engine.Engine) error {
	if len(s.cfg.Codes) == 0 || s.cfg.Quantity <= 0 {
		return fmt.Errorf("open_close: codes and a positive quantity are required")
	}
	entry := event.NewTimeDefinition(event.MarketOpen{Offset: s.cfg.EntryOffset}, 0)
	if err := e.RegisterEvent(entry, s.enter); err != nil {
		return err
	}
	exit := event.NewTimeDefinition(event.MarketClose{Offset: -s.cfg.ExitOffset}, 0)
	return e.RegisterEvent(exit, func(ctx context.Context, _ event.Event, ec *engine.Context) error {
		return flatten(ctx, ec, s.cfg.Codes, s.logger)
	})
}

func (s *OpenClose) enter(ctx context.Context, _ event.Event, ec *engine.Context) error {
	for _, code := range s.cfg.Codes {
		if ec.Account.Position(code) != 0 {
			continue
		}
		o, err := order.NewMarket(code, order.Buy, s.cfg.Quantity, ec.Portal.Now())
		if err != nil {
			return err
		}
		if err := ec.Account.PlaceOrder(ctx, o); err != nil {
			return fmt.Errorf("open_close: enter %s: %w", code, err)
		}
	}
	return nil
}

// OnOrderStatusChange logs terminal order states.
func (s *OpenClose) OnOrderStatusChange(_ context.Context, o *order.Order, _, to order.Status) {
	if to.Terminal() {
		s.logger.Info("order finished",
			slog.String("order_id", o.ID),
			slog.String("code", o.Code),
			slog.String("status", to.String()),
		)
	}
}

// flatten cancels open orders on codes and sells any long positions.
func flatten(ctx context.Context, ec *engine.Context, codes []string, logger *slog.Logger) error {
	want := make(map[string]bool, len(codes))
	for _, c := range codes {
		want[c] = true
	}
	for _, o := range ec.Account.OpenOrders() {
		if !want[o.Code] {
			continue
		}
		if err := ec.Account.CancelOrder(ctx, o); err != nil {
			logger.Warn("cancel before exit",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, code := range codes {
		qty := ec.Account.Position(code)
		if qty <= 0 {
			continue
		}
		o, err := order.NewMarket(code, order.Sell, qty, ec.Portal.Now())
		if err != nil {
			return err
		}
		if err := ec.Account.PlaceOrder(ctx, o); err != nil {
			return fmt.Errorf("exit %s: %w", code, err)
		}
	}
	return nil
}

var _ Strategy = (*OpenClose)(nil)
