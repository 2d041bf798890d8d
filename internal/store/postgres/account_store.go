package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

// AccountStore implements domain.AccountStore using PostgreSQL.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore backed by the given connection pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// Save upserts the account snapshot. Positions are stored as JSONB.
func (s *AccountStore) Save(ctx context.Context, snap domain.AccountSnapshot) error {
	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return fmt.Errorf("postgres: marshal positions of %s: %w", snap.Name, err)
	}
	const query = `
		INSERT INTO accounts (name, cash, initial_cash, positions, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			cash = EXCLUDED.cash,
			positions = EXCLUDED.positions,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, snap.Name, snap.Cash, snap.InitialCash, positions, snap.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: save account %s: %w", snap.Name, err)
	}
	return nil
}

// Get loads an account snapshot by name.
func (s *AccountStore) Get(ctx context.Context, name string) (domain.AccountSnapshot, error) {
	var snap domain.AccountSnapshot
	var positions []byte
	err := s.pool.QueryRow(ctx,
		`SELECT name, cash, initial_cash, positions, updated_at FROM accounts WHERE name = $1`, name,
	).Scan(&snap.Name, &snap.Cash, &snap.InitialCash, &positions, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AccountSnapshot{}, domain.ErrNotFound
		}
		return domain.AccountSnapshot{}, fmt.Errorf("postgres: get account %s: %w", name, err)
	}
	snap.Positions = make(map[string]float64)
	if len(positions) > 0 {
		if err := json.Unmarshal(positions, &snap.Positions); err != nil {
			return domain.AccountSnapshot{}, fmt.Errorf("postgres: unmarshal positions of %s: %w", name, err)
		}
	}
	return snap, nil
}

// AppendNetValue records one point of the net value curve. Re-recording the
// same instant overwrites it.
func (s *AccountStore) AppendNetValue(ctx context.Context, account string, p domain.NetValuePoint) error {
	const query = `
		INSERT INTO net_values (account, ts, value) VALUES ($1, $2, $3)
		ON CONFLICT (account, ts) DO UPDATE SET value = EXCLUDED.value`
	if _, err := s.pool.Exec(ctx, query, account, p.Time, p.Value); err != nil {
		return fmt.Errorf("postgres: append net value of %s: %w", account, err)
	}
	return nil
}

// ListNetValues returns the account's net value curve in time order.
func (s *AccountStore) ListNetValues(ctx context.Context, account string, opts domain.ListOpts) ([]domain.NetValuePoint, error) {
	query, args := listClauses(`SELECT ts, value FROM net_values WHERE account = $1`, []any{account}, 2, "ts", opts, "ASC")
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list net values of %s: %w", account, err)
	}
	defer rows.Close()

	var out []domain.NetValuePoint
	for rows.Next() {
		var p domain.NetValuePoint
		if err := rows.Scan(&p.Time, &p.Value); err != nil {
			return nil, fmt.Errorf("postgres: scan net value: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

var _ domain.AccountStore = (*AccountStore)(nil)
