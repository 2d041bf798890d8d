// Package order models an order's lifecycle: placement, fills, cancellation
// and failure, plus the backtest matching rules of every order kind.
package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

// Kind is the closed set of order variants.
type Kind int

const (
	Market Kind = iota
	Limit
	Stop
	DelayedMarket
	CrossMarket
)

func (k Kind) String() string {
	switch k {
	case Market:
		return "MKT"
	case Limit:
		return "LMT"
	case Stop:
		return "STP"
	case DelayedMarket:
		return "DELAYED_MKT"
	case CrossMarket:
		return "CROSS_MKT"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Direction is the side of an order.
type Direction int

const (
	Buy Direction = iota
	Sell
)

func (d Direction) String() string {
	if d == Sell {
		return "SELL"
	}
	return "BUY"
}

// Sign is +1 for buys and -1 for sells.
func (d Direction) Sign() float64 {
	if d == Sell {
		return -1
	}
	return 1
}

// CrossDirection selects which way a cross-market order waits for the price
// to move.
type CrossDirection int

const (
	Up CrossDirection = iota
	Down
)

func (c CrossDirection) String() string {
	if c == Down {
		return "DOWN"
	}
	return "UP"
}

// Status is the lifecycle state of an order.
type Status int

const (
	Created Status = iota
	Submitted
	PartialFilled
	Filled
	Canceled
	Failed
)

func (s Status) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Submitted:
		return "SUBMITTED"
	case PartialFilled:
		return "PARTIAL_FILLED"
	case Filled:
		return "FILLED"
	case Canceled:
		return "CANCELED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == Filled || s == Canceled || s == Failed
}

// Open reports whether the order is resting at the broker.
func (s Status) Open() bool {
	return s == Submitted || s == PartialFilled
}

// Execution is one fill. A higher Version of the same ID supersedes a lower
// one.
type Execution struct {
	ID          string
	Version     int
	Quantity    float64
	Price       float64
	Fee         float64
	Time        time.Time
	RealOrderID string
}

// Listener is called once per status edge, outside the order's lock.
type Listener func(o *Order, from, to Status)

// Runner is a background task bound to an order, started once the order is
// placed. Bargainers implement it.
type Runner interface {
	Run(ctx context.Context)
}

// Order is a single logical order. Parameters fixed at construction are
// exported fields; everything that changes over the lifecycle is behind the
// order's lock and read through methods.
type Order struct {
	ID             string
	Code           string
	Kind           Kind
	Direction      Direction
	Quantity       float64
	PlaceTime      time.Time
	StopPrice      float64
	Delay          time.Duration
	CrossPrice     float64
	CrossDirection CrossDirection
	// IdealPrice is the price the strategy wanted; bargaining never strays
	// further than the configured deviation from it.
	IdealPrice   float64
	ExtendedTime bool

	mu             sync.Mutex
	account        string
	status         Status
	reason         string
	limitPrice     float64
	executions     map[string]Execution
	filledQuantity float64
	filledAvgPrice float64
	filledNotional decimal.Decimal
	fee            float64
	filledStart    *time.Time
	filledEnd      *time.Time
	realOrderIDs   []string
	listener       Listener
	runner         Runner
}

func newOrder(kind Kind, code string, dir Direction, qty float64, placeTime time.Time) (*Order, error) {
	if code == "" {
		return nil, fmt.Errorf("order: empty code: %w", domain.ErrInvalidOrder)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("order: quantity %v must be positive: %w", qty, domain.ErrInvalidOrder)
	}
	return &Order{
		ID:         uuid.NewString(),
		Code:       code,
		Kind:       kind,
		Direction:  dir,
		Quantity:   qty,
		PlaceTime:  placeTime,
		executions: make(map[string]Execution),
	}, nil
}

func requirePrice(name string, p float64) error {
	if p <= 0 {
		return fmt.Errorf("order: %s %v must be positive: %w", name, p, domain.ErrInvalidOrder)
	}
	return nil
}

// NewMarket creates a market order.
func NewMarket(code string, dir Direction, qty float64, placeTime time.Time) (*Order, error) {
	return newOrder(Market, code, dir, qty, placeTime)
}

// NewLimit creates a limit order. The ideal price defaults to the limit.
func NewLimit(code string, dir Direction, qty, limit float64, placeTime time.Time) (*Order, error) {
	if err := requirePrice("limit price", limit); err != nil {
		return nil, err
	}
	o, err := newOrder(Limit, code, dir, qty, placeTime)
	if err != nil {
		return nil, err
	}
	o.limitPrice = limit
	o.IdealPrice = limit
	return o, nil
}

// NewStop creates a stop order that becomes a market order once triggered.
func NewStop(code string, dir Direction, qty, stop float64, placeTime time.Time) (*Order, error) {
	if err := requirePrice("stop price", stop); err != nil {
		return nil, err
	}
	o, err := newOrder(Stop, code, dir, qty, placeTime)
	if err != nil {
		return nil, err
	}
	o.StopPrice = stop
	return o, nil
}

// NewDelayedMarket creates a market order that may not fill before
// placeTime+delay.
func NewDelayedMarket(code string, dir Direction, qty float64, delay time.Duration, placeTime time.Time) (*Order, error) {
	if delay < 0 {
		return nil, fmt.Errorf("order: negative delay %s: %w", delay, domain.ErrInvalidOrder)
	}
	o, err := newOrder(DelayedMarket, code, dir, qty, placeTime)
	if err != nil {
		return nil, err
	}
	o.Delay = delay
	return o, nil
}

// NewCrossMarket creates an order that fills at cross once the price crosses
// it in direction cd.
func NewCrossMarket(code string, dir Direction, qty, cross float64, cd CrossDirection, placeTime time.Time) (*Order, error) {
	if err := requirePrice("cross price", cross); err != nil {
		return nil, err
	}
	o, err := newOrder(CrossMarket, code, dir, qty, placeTime)
	if err != nil {
		return nil, err
	}
	o.CrossPrice = cross
	o.CrossDirection = cd
	return o, nil
}

// Bind attaches the order to an account and its status listener.
func (o *Order) Bind(account string, l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.account = account
	o.listener = l
}

// SetRunner binds a background task started after placement.
func (o *Order) SetRunner(r Runner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runner = r
}

// Runner returns the bound background task, if any.
func (o *Order) Runner() Runner {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runner
}

func (o *Order) Account() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.account
}

func (o *Order) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Order) Reason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

func (o *Order) LimitPrice() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.limitPrice
}

// SetLimitPrice changes the resting price of a limit order.
func (o *Order) SetLimitPrice(p float64) error {
	if o.Kind != Limit {
		return fmt.Errorf("order: %s: %w", o.ID, domain.ErrNotLimitOrder)
	}
	if err := requirePrice("limit price", p); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.limitPrice = p
	return nil
}

func (o *Order) FilledQuantity() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filledQuantity
}

func (o *Order) FilledAvgPrice() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filledAvgPrice
}

func (o *Order) Fee() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fee
}

// FilledWindow returns the times of the first and last execution.
func (o *Order) FilledWindow() (start, end *time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filledStart, o.filledEnd
}

// Executions returns the executions ordered by time, then id.
func (o *Order) Executions() []Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sortedExecutionsLocked()
}

func (o *Order) sortedExecutionsLocked() []Execution {
	out := make([]Execution, 0, len(o.executions))
	for _, e := range o.executions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AddRealOrderID records a broker-side order id for this logical order.
func (o *Order) AddRealOrderID(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, existing := range o.realOrderIDs {
		if existing == id {
			return
		}
	}
	o.realOrderIDs = append(o.realOrderIDs, id)
}

// RealOrderIDs returns the broker-side order ids.
func (o *Order) RealOrderIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.realOrderIDs...)
}

// Snapshot returns the persisted form of the order.
func (o *Order) Snapshot() domain.OrderRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec := domain.OrderRecord{
		ID:              o.ID,
		Account:         o.account,
		Code:            o.Code,
		Kind:            o.Kind.String(),
		Direction:       o.Direction.String(),
		Quantity:        o.Quantity,
		Status:          o.status.String(),
		Reason:          o.reason,
		LimitPrice:      o.limitPrice,
		StopPrice:       o.StopPrice,
		CrossPrice:      o.CrossPrice,
		IdealPrice:      o.IdealPrice,
		FilledQuantity:  o.filledQuantity,
		FilledAvgPrice:  o.filledAvgPrice,
		Fee:             o.fee,
		RealOrderIDs:    append([]string(nil), o.realOrderIDs...),
		ExtendedTime:    o.ExtendedTime,
		PlaceTime:       o.PlaceTime,
		FilledStartTime: o.filledStart,
		FilledEndTime:   o.filledEnd,
	}
	for _, e := range o.sortedExecutionsLocked() {
		rec.Executions = append(rec.Executions, domain.ExecutionRecord{
			ID:          e.ID,
			OrderID:     o.ID,
			Version:     e.Version,
			Quantity:    e.Quantity,
			Price:       e.Price,
			Fee:         e.Fee,
			RealOrderID: e.RealOrderID,
			Time:        e.Time,
		})
	}
	return rec
}

func (o *Order) String() string {
	return fmt.Sprintf("%s %s %s %v %s", o.ID, o.Kind, o.Direction, o.Quantity, o.Code)
}
