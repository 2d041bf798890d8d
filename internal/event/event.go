// Package event defines the events that drive a strategy and the producers
// that emit them, either as a sorted history (backtest) or live.
package event

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

// Type distinguishes clock-driven events from data-driven events.
type Type int

const (
	TypeData Type = iota
	TypeTime
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeTime:
		return "time"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Definition describes what makes an event fire. A time definition carries a
// Rule; a data definition names a series. Definitions are compared by pointer:
// the same *Definition registered twice is a duplicate.
type Definition struct {
	Type   Type
	Rule   Rule
	Series string
	Codes  []string
	// Order breaks ties between events with the same visible time. Lower
	// fires first.
	Order int
	IsBar bool
	// System marks events the engine schedules for itself (matching, net
	// value). They sort after strategy events at the same instant.
	System bool
}

// NewTimeDefinition returns a definition fired by rule.
func NewTimeDefinition(rule Rule, order int) *Definition {
	return &Definition{Type: TypeTime, Rule: rule, Order: order}
}

// NewDataDefinition returns a definition fired by every row of series for the
// given codes. An empty code list means all codes.
func NewDataDefinition(series string, codes []string, isBar bool, order int) *Definition {
	return &Definition{Type: TypeData, Series: series, Codes: codes, IsBar: isBar, Order: order}
}

// Validate checks that exactly one of Rule and Series is set and that it
// matches Type.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("event: nil definition: %w", domain.ErrInvalidDefinition)
	}
	switch d.Type {
	case TypeTime:
		if d.Rule == nil || d.Series != "" {
			return fmt.Errorf("event: time definition needs a rule and no series: %w", domain.ErrInvalidDefinition)
		}
		if err := d.Rule.Validate(); err != nil {
			return fmt.Errorf("event: rule %s: %w", d.Rule, err)
		}
	case TypeData:
		if d.Series == "" || d.Rule != nil {
			return fmt.Errorf("event: data definition needs a series and no rule: %w", domain.ErrInvalidDefinition)
		}
	default:
		return fmt.Errorf("event: unknown type %s: %w", d.Type, domain.ErrInvalidDefinition)
	}
	return nil
}

func (d *Definition) String() string {
	var b strings.Builder
	if d.System {
		b.WriteString("system:")
	}
	switch d.Type {
	case TypeTime:
		fmt.Fprintf(&b, "time:%s", d.Rule)
	default:
		fmt.Fprintf(&b, "data:%s", d.Series)
		if len(d.Codes) > 0 {
			fmt.Fprintf(&b, "[%s]", strings.Join(d.Codes, ","))
		}
	}
	return b.String()
}

// class ranks events sharing a visible time: strategy data, then strategy
// time, then system events.
func (d *Definition) class() int {
	switch {
	case d.System:
		return 2
	case d.Type == TypeTime:
		return 1
	default:
		return 0
	}
}

// Event is one occurrence of a definition. Data is nil for time events.
type Event struct {
	Def         *Definition
	VisibleTime time.Time
	Data        domain.MarketData
}

// Less reports whether a is dispatched before b. Events it considers equal
// keep their relative order under Sort.
func Less(a, b Event) bool {
	if !a.VisibleTime.Equal(b.VisibleTime) {
		return a.VisibleTime.Before(b.VisibleTime)
	}
	if ca, cb := a.Def.class(), b.Def.class(); ca != cb {
		return ca < cb
	}
	return a.Def.Order < b.Def.Order
}

// Sort orders events in place by Less, keeping insertion order for ties.
func Sort(events []Event) {
	sort.SliceStable(events, func(i, j int) bool { return Less(events[i], events[j]) })
}

// Merge concatenates the lists in argument order and sorts the result.
func Merge(lists ...[]Event) []Event {
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	out := make([]Event, 0, n)
	for _, l := range lists {
		out = append(out, l...)
	}
	Sort(out)
	return out
}
