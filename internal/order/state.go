package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

// Fill is the aggregate fill state of an order. Notional is the exact sum
// of quantity times price over the executions.
type Fill struct {
	Quantity float64
	AvgPrice float64
	Fee      float64
	Notional decimal.Decimal
}

// Cost is the gross traded value.
func (f Fill) Cost() decimal.Decimal {
	return f.Notional
}

// FillChange describes the effect of applying executions. Changed is false
// when the executions were already known. From and To differ only when the
// status moved.
type FillChange struct {
	Before  Fill
	After   Fill
	From    Status
	To      Status
	Changed bool
}

// Transitioned reports whether the status moved.
func (c FillChange) Transitioned() bool { return c.From != c.To }

func (o *Order) fillLocked() Fill {
	return Fill{Quantity: o.filledQuantity, AvgPrice: o.filledAvgPrice, Fee: o.fee, Notional: o.filledNotional}
}

func illegal(o *Order, op string, from Status) error {
	return fmt.Errorf("order: %s %s from %s: %w", o.ID, op, from, domain.ErrIllegalTransition)
}

// Notify invokes the status listener for an edge. Fills are reported by the
// account after it has applied their cash and position effects.
func (o *Order) Notify(from, to Status) {
	o.mu.Lock()
	l := o.listener
	o.mu.Unlock()
	if l != nil && from != to {
		l(o, from, to)
	}
}

// Submitted marks a created order as accepted by the broker. An order that
// was already filled, partially filled or rejected by an asynchronous
// notification is left untouched.
func (o *Order) Submitted() error {
	o.mu.Lock()
	from := o.status
	switch from {
	case Created:
		o.status = Submitted
	case PartialFilled, Filled, Failed:
		o.mu.Unlock()
		return nil
	default:
		o.mu.Unlock()
		return illegal(o, "submit", from)
	}
	o.mu.Unlock()
	o.Notify(from, Submitted)
	return nil
}

// dropRealOrderLocked removes realID when other broker orders still back this
// logical order. It reports whether the id was dropped.
func (o *Order) dropRealOrderLocked(realID string) bool {
	if realID == "" || len(o.realOrderIDs) < 2 {
		return false
	}
	for i, id := range o.realOrderIDs {
		if id == realID {
			o.realOrderIDs = append(o.realOrderIDs[:i], o.realOrderIDs[i+1:]...)
			return true
		}
	}
	return false
}

// Failed marks the order rejected. When realID names one of several broker
// orders, only that sub-order is dropped.
func (o *Order) Failed(reason, realID string) error {
	return o.finish("fail", Failed, reason, realID, Created, Submitted)
}

// Cancelled marks the order cancelled, with the same sub-order rule as
// Failed.
func (o *Order) Cancelled(reason, realID string) error {
	return o.finish("cancel", Canceled, reason, realID, Submitted, PartialFilled)
}

func (o *Order) finish(op string, to Status, reason, realID string, legal ...Status) error {
	o.mu.Lock()
	from := o.status
	ok := false
	for _, s := range legal {
		if from == s {
			ok = true
			break
		}
	}
	if !ok {
		o.mu.Unlock()
		return illegal(o, op, from)
	}
	if o.dropRealOrderLocked(realID) {
		o.mu.Unlock()
		return nil
	}
	o.status = to
	o.reason = reason
	o.mu.Unlock()
	o.Notify(from, to)
	return nil
}

// ApplyExecution merges one execution. Re-delivery of a known id with a
// version no higher than the stored one changes nothing.
func (o *Order) ApplyExecution(e Execution) (FillChange, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	before := o.fillLocked()
	from := o.status
	if cur, ok := o.executions[e.ID]; ok && cur.Version >= e.Version {
		return FillChange{Before: before, After: before, From: from, To: from}, nil
	}
	if from.Terminal() {
		return FillChange{}, illegal(o, "fill", from)
	}
	if e.Quantity <= 0 {
		return FillChange{}, fmt.Errorf("order: %s execution %s quantity %v: %w", o.ID, e.ID, e.Quantity, domain.ErrInvalidOrder)
	}

	merged := make(map[string]Execution, len(o.executions)+1)
	for id, x := range o.executions {
		merged[id] = x
	}
	merged[e.ID] = e
	return o.commitLocked(merged, before, from, false)
}

// ReplaceExecutions swaps the whole execution set for the one reported by
// the broker during reconciliation. Ids missing from execs are dropped. An
// id that is present keeps the highest version seen, whether it came from
// execs or was already held. The status is recomputed from the result and
// may move backwards.
func (o *Order) ReplaceExecutions(execs []Execution) (FillChange, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	merged := make(map[string]Execution, len(execs))
	for _, e := range execs {
		if cur, ok := merged[e.ID]; ok && cur.Version >= e.Version {
			continue
		}
		if held, ok := o.executions[e.ID]; ok && held.Version >= e.Version {
			e = held
		}
		merged[e.ID] = e
	}
	before := o.fillLocked()
	if sameExecutions(o.executions, merged) {
		return FillChange{Before: before, After: before, From: o.status, To: o.status}, nil
	}
	return o.commitLocked(merged, before, o.status, true)
}

func sameExecutions(a, b map[string]Execution) bool {
	if len(a) != len(b) {
		return false
	}
	for id, x := range a {
		if y, ok := b[id]; !ok || y.Version != x.Version {
			return false
		}
	}
	return true
}

// commitLocked validates the candidate execution set, then replaces the
// order's fill state with it.
func (o *Order) commitLocked(execs map[string]Execution, before Fill, from Status, resync bool) (FillChange, error) {
	qty := decimal.Zero
	notional := decimal.Zero
	fee := decimal.Zero
	var start, end *time.Time
	for _, e := range execs {
		q := decimal.NewFromFloat(e.Quantity)
		qty = qty.Add(q)
		notional = notional.Add(q.Mul(decimal.NewFromFloat(e.Price)))
		fee = fee.Add(decimal.NewFromFloat(e.Fee))
		t := e.Time
		if start == nil || t.Before(*start) {
			start = &t
		}
		if end == nil || t.After(*end) {
			end = &t
		}
	}
	total := decimal.NewFromFloat(o.Quantity)
	if qty.GreaterThan(total) {
		return FillChange{}, fmt.Errorf("order: %s filled %s of %s: %w", o.ID, qty, total, domain.ErrOverfill)
	}

	avg := decimal.Zero
	if qty.IsPositive() {
		avg = notional.Div(qty)
	}
	o.executions = execs
	o.filledQuantity = qty.InexactFloat64()
	o.filledAvgPrice = avg.InexactFloat64()
	o.filledNotional = notional
	o.fee = fee.InexactFloat64()
	o.filledStart, o.filledEnd = start, end

	to := from
	switch {
	case qty.Equal(total):
		to = Filled
	case qty.IsPositive():
		if from != Canceled {
			to = PartialFilled
		}
	case resync && (from == PartialFilled || from == Filled):
		to = Submitted
	}
	o.status = to

	return FillChange{
		Before:  before,
		After:   o.fillLocked(),
		From:    from,
		To:      to,
		Changed: true,
	}, nil
}
