package order

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

// BacktestExecutionPrefix marks executions synthesised by backtest matching.
const BacktestExecutionPrefix = "bt-"

func (o *Order) execution(price float64, at time.Time) Execution {
	return Execution{
		ID:       BacktestExecutionPrefix + uuid.NewString(),
		Version:  1,
		Quantity: o.Quantity - o.FilledQuantity(),
		Price:    price,
		Time:     at,
	}
}

// MatchBar returns the execution bar b would produce for the order, if any.
// Only open orders match.
func (o *Order) MatchBar(b domain.Bar) (Execution, bool) {
	if !o.Status().Open() || b.Code != o.Code {
		return Execution{}, false
	}
	buy := o.Direction == Buy
	switch o.Kind {
	case Market:
		return o.execution(b.Open, b.End), true
	case Limit:
		limit := o.LimitPrice()
		if buy && b.Low <= limit {
			return o.execution(math.Min(b.High, limit), b.End), true
		}
		if !buy && b.High >= limit {
			return o.execution(math.Max(b.Low, limit), b.End), true
		}
	case Stop:
		if buy && b.High >= o.StopPrice {
			return o.execution(math.Max(b.Low, o.StopPrice), b.End), true
		}
		if !buy && b.Low <= o.StopPrice {
			return o.execution(math.Min(b.High, o.StopPrice), b.End), true
		}
	case DelayedMarket:
		threshold := o.PlaceTime.Add(o.Delay)
		if !b.Start.Before(threshold) {
			return o.execution(b.Open, b.End), true
		}
		if !b.End.Before(threshold) {
			return o.execution(b.Close, b.End), true
		}
	case CrossMarket:
		if o.CrossDirection == Up && b.High >= o.CrossPrice {
			return o.execution(o.CrossPrice, b.End), true
		}
		if o.CrossDirection == Down && b.Low <= o.CrossPrice {
			return o.execution(o.CrossPrice, b.End), true
		}
	}
	return Execution{}, false
}

// MatchPrice returns the execution a quote would produce for the order, if
// any.
func (o *Order) MatchPrice(p domain.CurrentPrice) (Execution, bool) {
	if !o.Status().Open() || p.Code != o.Code || p.Price <= 0 {
		return Execution{}, false
	}
	buy := o.Direction == Buy
	switch o.Kind {
	case Market:
		return o.execution(p.Price, p.Time), true
	case Limit:
		limit := o.LimitPrice()
		if (buy && p.Price <= limit) || (!buy && p.Price >= limit) {
			return o.execution(p.Price, p.Time), true
		}
	case Stop:
		if (buy && p.Price >= o.StopPrice) || (!buy && p.Price <= o.StopPrice) {
			return o.execution(p.Price, p.Time), true
		}
	case DelayedMarket:
		if !p.Time.Before(o.PlaceTime.Add(o.Delay)) {
			return o.execution(p.Price, p.Time), true
		}
	case CrossMarket:
		if (o.CrossDirection == Up && p.Price >= o.CrossPrice) || (o.CrossDirection == Down && p.Price <= o.CrossPrice) {
			return o.execution(o.CrossPrice, p.Time), true
		}
	}
	return Execution{}, false
}
