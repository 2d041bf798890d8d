// Package pipeline loads historical bars from object storage into the bar
// store so backtests can replay them.
package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

const defaultBatchSize = 1000

// BarImporter reads CSV bar files and batch-inserts them. Each row is
// code,start,end,open,high,low,close[,volume] with RFC 3339 times; a header
// row starting with "code" is skipped.
type BarImporter struct {
	blobs     domain.BlobReader
	bars      domain.BarStore
	batchSize int
	logger    *slog.Logger
}

// NewBarImporter creates a BarImporter.
func NewBarImporter(blobs domain.BlobReader, bars domain.BarStore, batchSize int, logger *slog.Logger) *BarImporter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &BarImporter{
		blobs:     blobs,
		bars:      bars,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "bar_importer")),
	}
}

// ImportPrefix imports every .csv object under prefix into series and
// returns the number of bars stored.
func (p *BarImporter) ImportPrefix(ctx context.Context, series, prefix string) (int, error) {
	objects, err := p.blobs.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("pipeline: list %s: %w", prefix, err)
	}
	total := 0
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Path, ".csv") {
			continue
		}
		n, err := p.importObject(ctx, series, obj.Path)
		total += n
		if err != nil {
			return total, err
		}
	}
	p.logger.Info("bar import complete",
		slog.String("series", series),
		slog.String("prefix", prefix),
		slog.Int("files", len(objects)),
		slog.Int("bars", total),
	)
	return total, nil
}

func (p *BarImporter) importObject(ctx context.Context, series, path string) (int, error) {
	body, err := p.blobs.Get(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("pipeline: open %s: %w", path, err)
	}
	defer body.Close()

	n, err := p.Import(ctx, series, body)
	if err != nil {
		return n, fmt.Errorf("pipeline: import %s: %w", path, err)
	}
	p.logger.Info("imported bar file", slog.String("path", path), slog.Int("bars", n))
	return n, nil
}

// Import reads CSV rows from r into series. Malformed rows are logged and
// skipped.
func (p *BarImporter) Import(ctx context.Context, series string, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	batch := make([]domain.Bar, 0, p.batchSize)
	stored := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.bars.InsertBatch(ctx, series, batch); err != nil {
			return fmt.Errorf("insert %d bars: %w", len(batch), err)
		}
		stored += len(batch)
		batch = batch[:0]
		return nil
	}

	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stored, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(record[0]), "code") {
			continue
		}
		bar, err := ParseBar(record)
		if err != nil {
			p.logger.Warn("skipping bar row", slog.Int("line", line), slog.String("error", err.Error()))
			continue
		}
		batch = append(batch, bar)
		if len(batch) == p.batchSize {
			if err := flush(); err != nil {
				return stored, err
			}
		}
	}
	return stored, flush()
}

// ParseBar converts one CSV record into a bar.
func ParseBar(record []string) (domain.Bar, error) {
	if len(record) < 7 {
		return domain.Bar{}, fmt.Errorf("want at least 7 fields, got %d", len(record))
	}
	b := domain.Bar{Code: strings.TrimSpace(record[0])}
	if b.Code == "" {
		return domain.Bar{}, errors.New("empty code")
	}
	var err error
	if b.Start, err = time.Parse(time.RFC3339, strings.TrimSpace(record[1])); err != nil {
		return domain.Bar{}, fmt.Errorf("start: %w", err)
	}
	if b.End, err = time.Parse(time.RFC3339, strings.TrimSpace(record[2])); err != nil {
		return domain.Bar{}, fmt.Errorf("end: %w", err)
	}
	if !b.End.After(b.Start) {
		return domain.Bar{}, fmt.Errorf("end %s not after start %s", record[2], record[1])
	}
	fields := []*float64{&b.Open, &b.High, &b.Low, &b.Close}
	if len(record) > 7 {
		fields = append(fields, &b.Volume)
	}
	for i, dst := range fields {
		if *dst, err = strconv.ParseFloat(strings.TrimSpace(record[3+i]), 64); err != nil {
			return domain.Bar{}, fmt.Errorf("field %d: %w", 3+i, err)
		}
	}
	if b.Low > b.High || b.Open < b.Low || b.Open > b.High || b.Close < b.Low || b.Close > b.High {
		return domain.Bar{}, fmt.Errorf("inconsistent OHLC %v/%v/%v/%v", b.Open, b.High, b.Low, b.Close)
	}
	return b, nil
}
