package event

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/quantbot/internal/calendar"
	"github.com/alanyoungcy/quantbot/internal/domain"
)

// maxSessionHops bounds how many sessions a rule looks ahead.
const maxSessionHops = 400

// Rule computes trigger times against a trading calendar.
type Rule interface {
	// Next returns the first trigger strictly after after.
	Next(cal calendar.Calendar, after time.Time) (time.Time, error)
	Validate() error
	String() string
}

// MarketOpen fires Offset after each session open.
type MarketOpen struct {
	Offset time.Duration
}

func (r MarketOpen) Validate() error {
	if r.Offset < 0 {
		return fmt.Errorf("market open offset %s is negative: %w", r.Offset, domain.ErrInvalidDefinition)
	}
	return nil
}

func (r MarketOpen) Next(cal calendar.Calendar, after time.Time) (time.Time, error) {
	return nextInSessions(cal, after, func(open, _ time.Time) []time.Time {
		return []time.Time{open.Add(r.Offset)}
	})
}

func (r MarketOpen) String() string { return "market_open+" + r.Offset.String() }

// MarketClose fires Offset relative to each session close. Offset is zero or
// negative ("5 minutes before the close").
type MarketClose struct {
	Offset time.Duration
}

func (r MarketClose) Validate() error {
	if r.Offset > 0 {
		return fmt.Errorf("market close offset %s is after the close: %w", r.Offset, domain.ErrInvalidDefinition)
	}
	return nil
}

func (r MarketClose) Next(cal calendar.Calendar, after time.Time) (time.Time, error) {
	return nextInSessions(cal, after, func(_, close time.Time) []time.Time {
		return []time.Time{close.Add(r.Offset)}
	})
}

func (r MarketClose) String() string { return "market_close" + r.Offset.String() }

// Every fires at open+Interval, open+2*Interval, ... up to and including the
// close of each session.
type Every struct {
	Interval time.Duration
}

func (r Every) Validate() error {
	if r.Interval <= 0 {
		return fmt.Errorf("interval %s must be positive: %w", r.Interval, domain.ErrInvalidDefinition)
	}
	return nil
}

func (r Every) Next(cal calendar.Calendar, after time.Time) (time.Time, error) {
	return nextInSessions(cal, after, func(open, close time.Time) []time.Time {
		// Jump straight to the slot after "after" instead of walking the day.
		k := int64(1)
		if after.After(open) {
			k = int64(after.Sub(open)/r.Interval) + 1
		}
		t := open.Add(time.Duration(k) * r.Interval)
		if t.After(close) {
			return nil
		}
		return []time.Time{t}
	})
}

func (r Every) String() string { return "every_" + r.Interval.String() }

// nextInSessions walks sessions from after and returns the first candidate
// strictly after it.
func nextInSessions(cal calendar.Calendar, after time.Time, candidates func(open, close time.Time) []time.Time) (time.Time, error) {
	cursor := after
	for i := 0; i < maxSessionHops; i++ {
		open, close := cal.NextSession(cursor)
		if open.IsZero() {
			break
		}
		for _, t := range candidates(open, close) {
			if t.After(after) {
				return t, nil
			}
		}
		cursor = close
	}
	return time.Time{}, fmt.Errorf("event: no trigger after %s: %w", after.Format(time.RFC3339), domain.ErrNoData)
}

// Trigger caches the next firing time of a rule so live polling does not
// recompute it every tick.
type Trigger struct {
	rule Rule
	cal  calendar.Calendar
	next time.Time
}

// NewTrigger binds rule to cal. Call Reset before the first Due.
func NewTrigger(rule Rule, cal calendar.Calendar) *Trigger {
	return &Trigger{rule: rule, cal: cal}
}

// Reset schedules the first trigger strictly after now.
func (t *Trigger) Reset(now time.Time) error {
	next, err := t.rule.Next(t.cal, now)
	if err != nil {
		return err
	}
	t.next = next
	return nil
}

// Next returns the cached trigger time.
func (t *Trigger) Next() time.Time { return t.next }

// Due reports whether the cached trigger has been reached. When it has, the
// trigger time is returned and the cache advances past now; missed triggers
// are not replayed.
func (t *Trigger) Due(now time.Time) (time.Time, bool, error) {
	if t.next.IsZero() {
		if err := t.Reset(now); err != nil {
			return time.Time{}, false, err
		}
		return time.Time{}, false, nil
	}
	if now.Before(t.next) {
		return time.Time{}, false, nil
	}
	fired := t.next
	if err := t.Reset(now); err != nil {
		t.next = time.Time{}
		return fired, true, err
	}
	return fired, true, nil
}
