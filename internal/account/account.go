// Package account holds cash and positions, places orders through a backend
// and applies fills. In backtests it also matches resting orders against
// incoming market data.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/order"
)

// OrderChannel is the signal bus channel and stream carrying order events.
const OrderChannel = "orders"

const (
	defaultPlacementPolls    = 5
	defaultPlacementInterval = 100 * time.Millisecond
	persistTimeout           = 5 * time.Second
)

// Backend talks to whatever executes orders: the backtest matcher or a
// broker.
type Backend interface {
	PlaceOrder(ctx context.Context, o *order.Order) error
	CancelOrder(ctx context.Context, o *order.Order) error
	UpdateOrderPrice(ctx context.Context, o *order.Order, price float64) error
	Backtest() bool
}

// Alerter delivers best-effort operator notifications. notify.Notifier
// satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Persistence groups the optional collaborators of an account. Nil members
// are skipped.
type Persistence struct {
	Orders   domain.OrderStore
	Accounts domain.AccountStore
	Audit    domain.AuditStore
	Bus      domain.SignalBus
	Alerter  Alerter
}

// StatusListener is told about every order status edge after the account has
// processed it.
type StatusListener func(o *order.Order, from, to order.Status)

// Account is a single trading account.
type Account struct {
	name    string
	backend Backend
	persist Persistence
	logger  *slog.Logger

	polls        int
	pollInterval time.Duration

	mu          sync.Mutex
	cash        decimal.Decimal
	initialCash decimal.Decimal
	positions   map[string]decimal.Decimal
	netValues   []domain.NetValuePoint
	orders      []*order.Order
	listener    StatusListener
}

// New creates an account with the given starting cash.
func New(name string, cash float64, backend Backend, persist Persistence, logger *slog.Logger) *Account {
	c := decimal.NewFromFloat(cash)
	return &Account{
		name:         name,
		backend:      backend,
		persist:      persist,
		logger:       logger.With(slog.String("component", "account"), slog.String("account", name)),
		polls:        defaultPlacementPolls,
		pollInterval: defaultPlacementInterval,
		cash:         c,
		initialCash:  c,
		positions:    make(map[string]decimal.Decimal),
	}
}

// Restore loads cash and positions from a stored snapshot.
func (a *Account) Restore(snap domain.AccountSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cash = decimal.NewFromFloat(snap.Cash)
	a.initialCash = decimal.NewFromFloat(snap.InitialCash)
	a.positions = make(map[string]decimal.Decimal, len(snap.Positions))
	for code, qty := range snap.Positions {
		if qty != 0 {
			a.positions[code] = decimal.NewFromFloat(qty)
		}
	}
}

// SetPlacementPoll configures how long live placement waits for an
// asynchronous rejection.
func (a *Account) SetPlacementPoll(polls int, interval time.Duration) {
	if polls >= 0 {
		a.polls = polls
	}
	if interval > 0 {
		a.pollInterval = interval
	}
}

// SetStatusListener registers the strategy's order status callback.
func (a *Account) SetStatusListener(l StatusListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listener = l
}

func (a *Account) Name() string { return a.name }

// Backtest reports whether the account matches orders itself.
func (a *Account) Backtest() bool { return a.backend.Backtest() }

func (a *Account) Cash() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash.InexactFloat64()
}

func (a *Account) InitialCash() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialCash.InexactFloat64()
}

// Position returns the signed quantity held in code.
func (a *Account) Position(code string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positions[code].InexactFloat64()
}

// Positions returns a copy of all non-zero positions.
func (a *Account) Positions() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.positions))
	for code, qty := range a.positions {
		out[code] = qty.InexactFloat64()
	}
	return out
}

// NetValues returns the recorded net value curve.
func (a *Account) NetValues() []domain.NetValuePoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.NetValuePoint(nil), a.netValues...)
}

// Orders returns every order placed through the account, in placement order.
func (a *Account) Orders() []*order.Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*order.Order(nil), a.orders...)
}

// OpenOrders returns the orders currently resting.
func (a *Account) OpenOrders() []*order.Order {
	var open []*order.Order
	for _, o := range a.Orders() {
		if o.Status().Open() {
			open = append(open, o)
		}
	}
	return open
}

// Snapshot returns the persisted form of the account.
func (a *Account) Snapshot() domain.AccountSnapshot {
	return domain.AccountSnapshot{
		Name:        a.name,
		Cash:        a.Cash(),
		InitialCash: a.InitialCash(),
		Positions:   a.Positions(),
		UpdatedAt:   time.Now().UTC(),
	}
}

// PlaceOrder submits o. A backend error fails the order and is returned.
// Live placement then polls briefly for an asynchronous rejection and starts
// any runner bound to the order.
func (a *Account) PlaceOrder(ctx context.Context, o *order.Order) error {
	o.Bind(a.name, a.onStatus)
	a.mu.Lock()
	a.orders = append(a.orders, o)
	a.mu.Unlock()

	a.audit(ctx, "order_placed", o, nil)

	if err := a.backend.PlaceOrder(ctx, o); err != nil {
		if !o.Status().Terminal() {
			if ferr := o.Failed(err.Error(), ""); ferr != nil {
				a.logger.Warn("mark order failed",
					slog.String("order_id", o.ID),
					slog.String("error", ferr.Error()),
				)
			}
		}
		return fmt.Errorf("account: place %s: %w", o.ID, err)
	}

	if !a.backend.Backtest() {
		for i := 0; i < a.polls; i++ {
			if o.Status() == order.Failed {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.pollInterval):
			}
		}
		if o.Status() == order.Failed {
			return fmt.Errorf("account: place %s: rejected: %s", o.ID, o.Reason())
		}
	}

	a.saveOrder(ctx, o)
	// Runners poll on the wall clock, so they only make sense live.
	if r := o.Runner(); r != nil && !a.backend.Backtest() && o.Status().Open() {
		go r.Run(ctx)
	}
	return nil
}

// CancelOrder asks the backend to cancel a resting order.
func (a *Account) CancelOrder(ctx context.Context, o *order.Order) error {
	if st := o.Status(); !st.Open() {
		return fmt.Errorf("account: cancel %s in %s: %w", o.ID, st, domain.ErrIllegalTransition)
	}
	if err := a.backend.CancelOrder(ctx, o); err != nil {
		return fmt.Errorf("account: cancel %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrderPrice re-prices a resting limit order.
func (a *Account) UpdateOrderPrice(ctx context.Context, o *order.Order, price float64) error {
	if o.Kind != order.Limit {
		return fmt.Errorf("account: update price of %s: %w", o.ID, domain.ErrNotLimitOrder)
	}
	if st := o.Status(); !st.Open() {
		return fmt.Errorf("account: update price of %s in %s: %w", o.ID, st, domain.ErrIllegalTransition)
	}
	if err := a.backend.UpdateOrderPrice(ctx, o, price); err != nil {
		return fmt.Errorf("account: update price of %s: %w", o.ID, err)
	}
	a.saveOrder(ctx, o)
	return nil
}

// OrderFilled applies executions to o and moves their cash and position
// effect into the account atomically. Status listeners run after the
// account lock is released.
func (a *Account) OrderFilled(ctx context.Context, o *order.Order, execs ...order.Execution) error {
	var changes []order.FillChange
	a.mu.Lock()
	for _, e := range execs {
		ch, err := o.ApplyExecution(e)
		if err != nil {
			a.mu.Unlock()
			a.notifyEdges(o, changes)
			return fmt.Errorf("account: fill %s: %w", o.ID, err)
		}
		a.applyLocked(o, ch)
		changes = append(changes, ch)
	}
	a.mu.Unlock()

	a.saveOrder(ctx, o)
	a.notifyEdges(o, changes)
	return nil
}

// ReplaceOrderFilled replaces the executions of o with the set reported by
// the broker and books the difference.
func (a *Account) ReplaceOrderFilled(ctx context.Context, o *order.Order, execs []order.Execution) error {
	a.mu.Lock()
	ch, err := o.ReplaceExecutions(execs)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("account: replace fills of %s: %w", o.ID, err)
	}
	a.applyLocked(o, ch)
	a.mu.Unlock()

	a.saveOrder(ctx, o)
	a.notifyEdges(o, []order.FillChange{ch})
	return nil
}

// applyLocked books the cash and position delta between the before and
// after fill state.
func (a *Account) applyLocked(o *order.Order, ch order.FillChange) {
	if !ch.Changed {
		return
	}
	sign := decimal.NewFromFloat(o.Direction.Sign())
	qty := decimal.NewFromFloat(ch.After.Quantity).Sub(decimal.NewFromFloat(ch.Before.Quantity))
	cost := ch.After.Cost().Sub(ch.Before.Cost())
	fee := decimal.NewFromFloat(ch.After.Fee).Sub(decimal.NewFromFloat(ch.Before.Fee))

	a.cash = a.cash.Sub(sign.Mul(cost)).Sub(fee)
	pos := a.positions[o.Code].Add(sign.Mul(qty))
	if pos.IsZero() {
		delete(a.positions, o.Code)
	} else {
		a.positions[o.Code] = pos
	}
}

func (a *Account) notifyEdges(o *order.Order, changes []order.FillChange) {
	for _, ch := range changes {
		if ch.Transitioned() {
			o.Notify(ch.From, ch.To)
		}
	}
}

// OrderCancelled records a cancellation reported by the broker.
func (a *Account) OrderCancelled(_ context.Context, o *order.Order, reason, realID string) error {
	if err := o.Cancelled(reason, realID); err != nil {
		return fmt.Errorf("account: cancel notification for %s: %w", o.ID, err)
	}
	return nil
}

// OrderFailed records a rejection reported by the broker.
func (a *Account) OrderFailed(_ context.Context, o *order.Order, reason, realID string) error {
	if err := o.Failed(reason, realID); err != nil {
		return fmt.Errorf("account: failure notification for %s: %w", o.ID, err)
	}
	return nil
}

// Match fills open orders against one data point. Stop orders settle first.
// It returns the number of fills applied.
func (a *Account) Match(ctx context.Context, data domain.MarketData) int {
	type fill struct {
		o *order.Order
		e order.Execution
	}
	var fills []fill
	for _, o := range a.OpenOrders() {
		var (
			e  order.Execution
			ok bool
		)
		switch v := data.(type) {
		case domain.Bar:
			e, ok = o.MatchBar(v)
		case domain.CurrentPrice:
			e, ok = o.MatchPrice(v)
		case domain.Tick:
			e, ok = o.MatchPrice(domain.CurrentPrice{Code: v.Code, Time: v.Time, Price: v.Price, BidPrice: v.Price, AskPrice: v.Price})
		}
		if ok {
			fills = append(fills, fill{o: o, e: e})
		}
	}
	if len(fills) > 1 {
		a.logger.Warn("multiple orders filled on one data point",
			slog.String("code", data.Symbol()),
			slog.Time("visible_time", data.Visible()),
			slog.Int("fills", len(fills)),
		)
	}
	sort.SliceStable(fills, func(i, j int) bool {
		return fills[i].o.Kind == order.Stop && fills[j].o.Kind != order.Stop
	})

	applied := 0
	for _, f := range fills {
		if err := a.OrderFilled(ctx, f.o, f.e); err != nil {
			a.logger.Error("apply backtest fill",
				slog.String("order_id", f.o.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		applied++
	}
	return applied
}

// NetValue values the account at the given prices. Positions without a
// price are valued at zero and reported in missing.
func (a *Account) NetValue(prices map[string]domain.CurrentPrice) (value float64, missing []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := a.cash
	for code, qty := range a.positions {
		p, ok := prices[code]
		if !ok {
			missing = append(missing, code)
			continue
		}
		total = total.Add(qty.Mul(decimal.NewFromFloat(p.Price)))
	}
	sort.Strings(missing)
	return total.InexactFloat64(), missing
}

// CalcNetValue values the account, appends the point to the net value curve
// and persists it.
func (a *Account) CalcNetValue(ctx context.Context, at time.Time, prices map[string]domain.CurrentPrice) float64 {
	value, missing := a.NetValue(prices)
	if len(missing) > 0 {
		a.logger.Warn("net value without price",
			slog.Any("codes", missing),
			slog.Time("at", at),
		)
	}
	point := domain.NetValuePoint{Time: at, Value: value}
	a.mu.Lock()
	a.netValues = append(a.netValues, point)
	a.mu.Unlock()

	if a.persist.Accounts != nil {
		if err := a.persist.Accounts.AppendNetValue(ctx, a.name, point); err != nil {
			a.logger.Error("persist net value", slog.String("error", err.Error()))
		}
	}
	return value
}

// Save persists the account snapshot. Failures are logged.
func (a *Account) Save(ctx context.Context) {
	if a.persist.Accounts == nil {
		return
	}
	if err := a.persist.Accounts.Save(ctx, a.Snapshot()); err != nil {
		a.logger.Error("persist account", slog.String("error", err.Error()))
	}
}

func (a *Account) saveOrder(ctx context.Context, o *order.Order) {
	if a.persist.Orders == nil {
		return
	}
	if err := a.persist.Orders.Save(ctx, o.Snapshot()); err != nil {
		a.logger.Error("persist order",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}

// onStatus is bound to every order placed through the account.
func (a *Account) onStatus(o *order.Order, from, to order.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	a.logger.Info("order status",
		slog.String("order_id", o.ID),
		slog.String("code", o.Code),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	a.saveOrder(ctx, o)
	a.publish(ctx, o, to)

	switch to {
	case order.Filled, order.Canceled:
		a.audit(ctx, "order_"+to.String(), o, nil)
	case order.Failed:
		a.audit(ctx, "order_failed", o, map[string]any{"reason": o.Reason()})
		a.alert(ctx, "order_failed", fmt.Sprintf("Order failed: %s", o.Code),
			fmt.Sprintf("%s %s %v %s: %s", a.name, o.Direction, o.Quantity, o.Code, o.Reason()))
	}

	a.mu.Lock()
	l := a.listener
	a.mu.Unlock()
	if l != nil {
		l(o, from, to)
	}
}

func (a *Account) publish(ctx context.Context, o *order.Order, to order.Status) {
	if a.persist.Bus == nil {
		return
	}
	ev := domain.OrderEvent{
		Event:          "order_status",
		OrderID:        o.ID,
		Account:        a.name,
		Code:           o.Code,
		Direction:      o.Direction.String(),
		Status:         to.String(),
		FilledQuantity: o.FilledQuantity(),
		FilledAvgPrice: o.FilledAvgPrice(),
		Reason:         o.Reason(),
		Timestamp:      time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		a.logger.Error("marshal order event", slog.String("error", err.Error()))
		return
	}
	if err := a.persist.Bus.Publish(ctx, OrderChannel, payload); err != nil {
		a.logger.Warn("publish order event", slog.String("error", err.Error()))
	}
	if err := a.persist.Bus.StreamAppend(ctx, OrderChannel, payload); err != nil {
		a.logger.Warn("append order stream", slog.String("error", err.Error()))
	}
}

func (a *Account) audit(ctx context.Context, event string, o *order.Order, extra map[string]any) {
	if a.persist.Audit == nil {
		return
	}
	detail := map[string]any{
		"account":   a.name,
		"order_id":  o.ID,
		"code":      o.Code,
		"kind":      o.Kind.String(),
		"direction": o.Direction.String(),
		"quantity":  o.Quantity,
	}
	for k, v := range extra {
		detail[k] = v
	}
	if err := a.persist.Audit.Log(ctx, event, detail); err != nil {
		a.logger.Warn("audit log", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (a *Account) alert(ctx context.Context, event, title, message string) {
	if a.persist.Alerter == nil {
		return
	}
	go func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := a.persist.Alerter.Notify(actx, event, title, message); err != nil {
			a.logger.Warn("alert failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	}()
}

// Alert sends an operator notification without blocking the caller.
func (a *Account) Alert(ctx context.Context, event, title, message string) {
	a.alert(ctx, event, title, message)
}
