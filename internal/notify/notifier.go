// Package notify delivers operator alerts (order failures, lock loss, feed
// outages) to chat channels. Alerts are filtered by event type and repeated
// alerts are suppressed for a short window.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Config controls filtering.
type Config struct {
	// Events lists the event types forwarded by Notify. Empty allows all.
	Events []string
	// Dedupe suppresses an identical event and title seen within this window.
	Dedupe time.Duration
}

// Notifier fans alerts out to every sender.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	dedupe  time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewNotifier creates a Notifier delivering to senders.
func NewNotifier(senders []Sender, cfg Config, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		dedupe:  cfg.Dedupe,
		logger:  logger.With(slog.String("component", "notifier")),
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
}

// Notify forwards an alert of the given event type unless it is filtered
// out or a duplicate.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.duplicate(event + "\x00" + title) {
		n.logger.DebugContext(ctx, "duplicate suppressed", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends regardless of event filter and dedupe.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) duplicate(key string) bool {
	if n.dedupe <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	for k, t := range n.seen {
		if now.Sub(t) >= n.dedupe {
			delete(n.seen, k)
		}
	}
	if _, ok := n.seen[key]; ok {
		return true
	}
	n.seen[key] = now
	return false
}

// dispatch delivers to every sender; one failing sender does not stop the
// rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}
