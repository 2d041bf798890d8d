package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists orders together with their executions.
type OrderStore interface {
	Save(ctx context.Context, order OrderRecord) error
	GetByID(ctx context.Context, id string) (OrderRecord, error)
	ListOpen(ctx context.Context, account string) ([]OrderRecord, error)
}

// AccountStore persists account snapshots and the net value curve.
type AccountStore interface {
	Save(ctx context.Context, snap AccountSnapshot) error
	Get(ctx context.Context, name string) (AccountSnapshot, error)
	AppendNetValue(ctx context.Context, account string, point NetValuePoint) error
	ListNetValues(ctx context.Context, account string, opts ListOpts) ([]NetValuePoint, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// BarQuery selects historical bars of one series.
type BarQuery struct {
	Series string
	Codes  []string
	Start  time.Time
	End    time.Time
}

// BarStore reads and writes historical bars.
type BarStore interface {
	History(ctx context.Context, q BarQuery) ([]Bar, error)
	InsertBatch(ctx context.Context, series string, bars []Bar) error
	Latest(ctx context.Context, series, code string, at time.Time) (Bar, error)
}
