package event

import (
	"context"
	"time"
)

// Handler receives live events. It runs on the producer's goroutine.
type Handler func(ctx context.Context, ev Event)

// Producer materialises events from registered definitions.
type Producer interface {
	// Register validates def and adds it. Malformed definitions are rejected
	// here, never at dispatch time.
	Register(def *Definition) error
	// HistoryEvents returns every event in [start, end], sorted.
	HistoryEvents(ctx context.Context, start, end time.Time) ([]Event, error)
	// Start begins live delivery to h and returns once delivery is running.
	Start(ctx context.Context, h Handler) error
	// Stop ends live delivery and waits for background work to exit.
	Stop()
}
