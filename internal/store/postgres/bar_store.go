package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

// BarStore implements domain.BarStore using PostgreSQL.
type BarStore struct {
	pool *pgxpool.Pool
}

// NewBarStore creates a new BarStore backed by the given connection pool.
func NewBarStore(pool *pgxpool.Pool) *BarStore {
	return &BarStore{pool: pool}
}

const barSelectCols = `code, start, "end", open, high, low, close, volume`

func scanBar(scanner interface{ Scan(dest ...any) error }) (domain.Bar, error) {
	var b domain.Bar
	err := scanner.Scan(&b.Code, &b.Start, &b.End, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume)
	return b, err
}

// InsertBatch inserts bars using a pgx Batch. Bars already stored for the
// same (series, code, end) are overwritten.
func (s *BarStore) InsertBatch(ctx context.Context, series string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	const query = `
		INSERT INTO bars (series, code, start, "end", open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (series, code, "end") DO UPDATE SET
			start = EXCLUDED.start,
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume`

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(query, series, b.Code, b.Start, b.End, b.Open, b.High, b.Low, b.Close, b.Volume)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range bars {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert bar batch item %d: %w", i, err)
		}
	}
	return nil
}

// History returns the series' bars whose end lies in [q.Start, q.End], in
// end-time order. An empty code list selects every code.
func (s *BarStore) History(ctx context.Context, q domain.BarQuery) ([]domain.Bar, error) {
	query := `SELECT ` + barSelectCols + ` FROM bars WHERE series = $1`
	args := []any{q.Series}
	next := 2
	if !q.Start.IsZero() {
		query += fmt.Sprintf(` AND "end" >= $%d`, next)
		args = append(args, q.Start)
		next++
	}
	if !q.End.IsZero() {
		query += fmt.Sprintf(` AND "end" <= $%d`, next)
		args = append(args, q.End)
		next++
	}
	if len(q.Codes) > 0 {
		query += fmt.Sprintf(` AND code = ANY($%d)`, next)
		args = append(args, q.Codes)
	}
	query += ` ORDER BY "end" ASC, code ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: bar history %s: %w", q.Series, err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// Latest returns the last bar of code visible at at.
func (s *BarStore) Latest(ctx context.Context, series, code string, at time.Time) (domain.Bar, error) {
	b, err := scanBar(s.pool.QueryRow(ctx,
		`SELECT `+barSelectCols+` FROM bars
		 WHERE series = $1 AND code = $2 AND "end" <= $3
		 ORDER BY "end" DESC LIMIT 1`, series, code, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bar{}, domain.ErrNotFound
		}
		return domain.Bar{}, fmt.Errorf("postgres: latest bar %s/%s: %w", series, code, err)
	}
	return b, nil
}

var _ domain.BarStore = (*BarStore)(nil)
