package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/quantbot/internal/calendar"
	"github.com/alanyoungcy/quantbot/internal/domain"
)

// DefaultPollInterval is how often the live clock re-evaluates time rules.
const DefaultPollInterval = time.Second

type timeEntry struct {
	def     *Definition
	trigger *Trigger
}

// TimeProducer emits events for time definitions.
type TimeProducer struct {
	cal    calendar.Calendar
	poll   time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries []*timeEntry
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTimeProducer creates a TimeProducer. A non-positive poll interval falls
// back to DefaultPollInterval.
func NewTimeProducer(cal calendar.Calendar, poll time.Duration, logger *slog.Logger) *TimeProducer {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &TimeProducer{
		cal:    cal,
		poll:   poll,
		logger: logger.With(slog.String("component", "time_producer")),
		now:    time.Now,
	}
}

// Register adds a time definition.
func (p *TimeProducer) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.Type != TypeTime {
		return fmt.Errorf("event: time producer cannot serve %s: %w", def, domain.ErrInvalidDefinition)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.def == def {
			return fmt.Errorf("event: %s: %w", def, domain.ErrAlreadyExists)
		}
	}
	p.entries = append(p.entries, &timeEntry{def: def, trigger: NewTrigger(def.Rule, p.cal)})
	return nil
}

// HistoryEvents steps every rule through [start, end].
func (p *TimeProducer) HistoryEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	p.mu.Lock()
	entries := append([]*timeEntry(nil), p.entries...)
	p.mu.Unlock()

	var out []Event
	for _, e := range entries {
		cursor := start.Add(-time.Nanosecond)
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			t, err := e.def.Rule.Next(p.cal, cursor)
			if err != nil {
				if errors.Is(err, domain.ErrNoData) {
					break
				}
				return nil, fmt.Errorf("event: history for %s: %w", e.def, err)
			}
			if t.After(end) {
				break
			}
			out = append(out, Event{Def: e.def, VisibleTime: t})
			cursor = t
		}
	}
	Sort(out)
	return out, nil
}

// Start launches the clock goroutine.
func (p *TimeProducer) Start(ctx context.Context, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("event: time producer already started")
	}
	now := p.now()
	for _, e := range p.entries {
		if err := e.trigger.Reset(now); err != nil {
			return fmt.Errorf("event: schedule %s: %w", e.def, err)
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(runCtx, h, p.done)
	p.logger.Info("clock started",
		slog.Int("rules", len(p.entries)),
		slog.String("poll", p.poll.String()),
	)
	return nil
}

// Stop halts the clock and waits for it to exit.
func (p *TimeProducer) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *TimeProducer) loop(ctx context.Context, h Handler, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, h)
		}
	}
}

// tick evaluates every rule once. A failing rule or handler is logged and
// the remaining rules still run.
func (p *TimeProducer) tick(ctx context.Context, h Handler) {
	p.mu.Lock()
	entries := append([]*timeEntry(nil), p.entries...)
	p.mu.Unlock()

	now := p.now()
	for _, e := range entries {
		p.fire(ctx, h, e, now)
	}
}

func (p *TimeProducer) fire(ctx context.Context, h Handler, e *timeEntry, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("time event panicked",
				slog.String("definition", e.def.String()),
				slog.Any("panic", r),
			)
		}
	}()
	fired, ok, err := e.trigger.Due(now)
	if err != nil {
		p.logger.Warn("reschedule time rule failed",
			slog.String("definition", e.def.String()),
			slog.String("error", err.Error()),
		)
	}
	if !ok {
		return
	}
	h(ctx, Event{Def: e.def, VisibleTime: fired})
}

var _ Producer = (*TimeProducer)(nil)
