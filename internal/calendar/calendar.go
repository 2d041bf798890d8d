// Package calendar describes exchange trading sessions. Time rules use it to
// turn "N minutes after the open" into concrete timestamps.
package calendar

import (
	"fmt"
	"time"
)

// Calendar answers session questions for a single exchange.
type Calendar interface {
	Location() *time.Location
	IsTradingDay(t time.Time) bool
	// Open and Close return the session boundaries of the calendar day that
	// contains t (in the calendar's location).
	Open(t time.Time) time.Time
	Close(t time.Time) time.Time
	// NextSession returns the first session whose close is strictly after t.
	NextSession(after time.Time) (open, close time.Time)
}

// Exchange is a weekday calendar with a fixed session and a holiday list.
type Exchange struct {
	loc      *time.Location
	open     time.Duration
	close    time.Duration
	holidays map[string]bool
}

// maxScanDays bounds the search for the next trading day.
const maxScanDays = 366

// NewExchange builds an Exchange calendar. open and close are wall-clock times
// in "15:04" form; holidays are dates in "2006-01-02" form.
func NewExchange(loc *time.Location, open, close string, holidays []string) (*Exchange, error) {
	if loc == nil {
		loc = time.UTC
	}
	o, err := parseClock(open)
	if err != nil {
		return nil, fmt.Errorf("calendar: open: %w", err)
	}
	c, err := parseClock(close)
	if err != nil {
		return nil, fmt.Errorf("calendar: close: %w", err)
	}
	if c <= o {
		return nil, fmt.Errorf("calendar: close %s must be after open %s", close, open)
	}
	h := make(map[string]bool, len(holidays))
	for _, d := range holidays {
		if _, err := time.ParseInLocation("2006-01-02", d, loc); err != nil {
			return nil, fmt.Errorf("calendar: holiday %q: %w", d, err)
		}
		h[d] = true
	}
	return &Exchange{loc: loc, open: o, close: c, holidays: h}, nil
}

// MustExchange is NewExchange for static configuration in tests and defaults.
func MustExchange(loc *time.Location, open, close string, holidays ...string) *Exchange {
	ex, err := NewExchange(loc, open, close, holidays)
	if err != nil {
		panic(err)
	}
	return ex
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Location returns the exchange time zone.
func (e *Exchange) Location() *time.Location { return e.loc }

// IsTradingDay reports whether the calendar day containing t has a session.
func (e *Exchange) IsTradingDay(t time.Time) bool {
	t = t.In(e.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !e.holidays[t.Format("2006-01-02")]
}

func (e *Exchange) midnight(t time.Time) time.Time {
	t = t.In(e.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, e.loc)
}

// Open returns the session open of the day containing t.
func (e *Exchange) Open(t time.Time) time.Time { return e.midnight(t).Add(e.open) }

// Close returns the session close of the day containing t.
func (e *Exchange) Close(t time.Time) time.Time { return e.midnight(t).Add(e.close) }

// NextSession returns the first session whose close is strictly after t.
func (e *Exchange) NextSession(after time.Time) (time.Time, time.Time) {
	day := e.midnight(after)
	for i := 0; i < maxScanDays; i++ {
		if e.IsTradingDay(day) {
			cl := day.Add(e.close)
			if cl.After(after) {
				return day.Add(e.open), cl
			}
		}
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, e.loc)
	}
	return time.Time{}, time.Time{}
}

// InSession reports whether t falls within [open, close] of a trading day.
func InSession(cal Calendar, t time.Time) bool {
	if !cal.IsTradingDay(t) {
		return false
	}
	return !t.Before(cal.Open(t)) && !t.After(cal.Close(t))
}

var _ Calendar = (*Exchange)(nil)
