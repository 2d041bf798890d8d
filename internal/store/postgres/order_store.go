package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL. Executions live
// in their own table keyed by (order_id, id).
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Save upserts the order row and its executions in one transaction.
func (s *OrderStore) Save(ctx context.Context, o domain.OrderRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save order %s: %w", o.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
		INSERT INTO orders (
			id, account, code, kind, direction, quantity,
			status, reason, limit_price, stop_price, cross_price, ideal_price,
			filled_quantity, filled_avg_price, fee, real_order_ids, extended_time,
			place_time, filled_start_time, filled_end_time, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			limit_price = EXCLUDED.limit_price,
			filled_quantity = EXCLUDED.filled_quantity,
			filled_avg_price = EXCLUDED.filled_avg_price,
			fee = EXCLUDED.fee,
			real_order_ids = EXCLUDED.real_order_ids,
			filled_start_time = EXCLUDED.filled_start_time,
			filled_end_time = EXCLUDED.filled_end_time,
			updated_at = NOW()`

	realIDs := o.RealOrderIDs
	if realIDs == nil {
		realIDs = []string{}
	}
	if _, err := tx.Exec(ctx, upsert,
		o.ID, o.Account, o.Code, o.Kind, o.Direction, o.Quantity,
		o.Status, o.Reason, o.LimitPrice, o.StopPrice, o.CrossPrice, o.IdealPrice,
		o.FilledQuantity, o.FilledAvgPrice, o.Fee, realIDs, o.ExtendedTime,
		o.PlaceTime, o.FilledStartTime, o.FilledEndTime,
	); err != nil {
		return fmt.Errorf("postgres: save order %s: %w", o.ID, err)
	}

	if len(o.Executions) > 0 {
		const execUpsert = `
			INSERT INTO executions (id, order_id, version, quantity, price, fee, real_order_id, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (order_id, id) DO UPDATE SET
				version = EXCLUDED.version,
				quantity = EXCLUDED.quantity,
				price = EXCLUDED.price,
				fee = EXCLUDED.fee,
				real_order_id = EXCLUDED.real_order_id,
				ts = EXCLUDED.ts
			WHERE executions.version < EXCLUDED.version`

		batch := &pgx.Batch{}
		for _, e := range o.Executions {
			batch.Queue(execUpsert, e.ID, o.ID, e.Version, e.Quantity, e.Price, e.Fee, e.RealOrderID, e.Time)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range o.Executions {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("postgres: save execution %d of %s: %w", i, o.ID, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("postgres: close execution batch of %s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit order %s: %w", o.ID, err)
	}
	return nil
}

const orderSelectCols = `id, account, code, kind, direction, quantity,
	status, reason, limit_price, stop_price, cross_price, ideal_price,
	filled_quantity, filled_avg_price, fee, real_order_ids, extended_time,
	place_time, filled_start_time, filled_end_time`

func scanOrderFromRow(scanner interface{ Scan(dest ...any) error }) (domain.OrderRecord, error) {
	var o domain.OrderRecord
	err := scanner.Scan(
		&o.ID, &o.Account, &o.Code, &o.Kind, &o.Direction, &o.Quantity,
		&o.Status, &o.Reason, &o.LimitPrice, &o.StopPrice, &o.CrossPrice, &o.IdealPrice,
		&o.FilledQuantity, &o.FilledAvgPrice, &o.Fee, &o.RealOrderIDs, &o.ExtendedTime,
		&o.PlaceTime, &o.FilledStartTime, &o.FilledEndTime,
	)
	return o, err
}

// GetByID retrieves a single order with its executions.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.OrderRecord, error) {
	o, err := scanOrderFromRow(s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderRecord{}, domain.ErrNotFound
		}
		return domain.OrderRecord{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	if o.Executions, err = s.executions(ctx, id); err != nil {
		return domain.OrderRecord{}, err
	}
	return o, nil
}

// ListOpen returns the account's orders that are not yet in a terminal state,
// oldest first.
func (s *OrderStore) ListOpen(ctx context.Context, account string) ([]domain.OrderRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE account = $1 AND status IN ('CREATED', 'SUBMITTED', 'PARTIAL_FILLED')
		 ORDER BY place_time ASC`, account)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	var orders []domain.OrderRecord
	for rows.Next() {
		o, err := scanOrderFromRow(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan open order: %w", err)
		}
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open orders rows: %w", err)
	}

	for i := range orders {
		if orders[i].Executions, err = s.executions(ctx, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (s *OrderStore) executions(ctx context.Context, orderID string) ([]domain.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, version, quantity, price, fee, real_order_id, ts
		 FROM executions WHERE order_id = $1 ORDER BY ts ASC, id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions of %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		var e domain.ExecutionRecord
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Version, &e.Quantity, &e.Price, &e.Fee, &e.RealOrderID, &e.Time); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ domain.OrderStore = (*OrderStore)(nil)
