package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memBars struct {
	batches [][]domain.Bar
}

func (m *memBars) History(context.Context, domain.BarQuery) ([]domain.Bar, error) { return nil, nil }

func (m *memBars) InsertBatch(_ context.Context, _ string, bars []domain.Bar) error {
	m.batches = append(m.batches, append([]domain.Bar(nil), bars...))
	return nil
}

func (m *memBars) Latest(context.Context, string, string, time.Time) (domain.Bar, error) {
	return domain.Bar{}, domain.ErrNotFound
}

type memBlobs map[string]string

func (m memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	s, ok := m[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(s)), nil
}

func (m memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p := range m {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p})
		}
	}
	return out, nil
}

const sample = `code,start,end,open,high,low,close,volume
AAPL,2024-01-08T14:30:00Z,2024-01-08T14:31:00Z,185.1,185.6,185.0,185.5,1200
AAPL,2024-01-08T14:31:00Z,2024-01-08T14:32:00Z,185.5,185.9,185.4,185.8,900
AAPL,not-a-time,2024-01-08T14:33:00Z,1,1,1,1,1
AAPL,2024-01-08T14:33:00Z,2024-01-08T14:34:00Z,185.8,185.9,185.7,185.75
`

func TestImportBatchesAndSkipsBadRows(t *testing.T) {
	store := &memBars{}
	imp := NewBarImporter(nil, store, 2, testLogger())

	n, err := imp.Import(context.Background(), "1m", strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("stored = %d, want 3", n)
	}
	if len(store.batches) != 2 || len(store.batches[0]) != 2 || len(store.batches[1]) != 1 {
		t.Fatalf("batches = %v", store.batches)
	}
	first := store.batches[0][0]
	if first.Code != "AAPL" || first.Close != 185.5 || first.Volume != 1200 {
		t.Fatalf("first bar = %+v", first)
	}
	if last := store.batches[1][0]; last.Volume != 0 || last.Close != 185.75 {
		t.Fatalf("bar without volume = %+v", last)
	}
}

func TestImportPrefixReadsOnlyCSV(t *testing.T) {
	store := &memBars{}
	blobs := memBlobs{
		"bars/1m/a.csv":  sample,
		"bars/1m/readme": "ignored",
		"other/1m/b.csv": sample,
	}
	imp := NewBarImporter(blobs, store, 0, testLogger())

	n, err := imp.ImportPrefix(context.Background(), "1m", "bars/")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("stored = %d, want 3", n)
	}
}

func TestParseBarRejects(t *testing.T) {
	cases := map[string][]string{
		"short":        {"AAPL", "2024-01-08T14:30:00Z"},
		"empty code":   {"", "2024-01-08T14:30:00Z", "2024-01-08T14:31:00Z", "1", "1", "1", "1"},
		"end<=start":   {"AAPL", "2024-01-08T14:31:00Z", "2024-01-08T14:31:00Z", "1", "1", "1", "1"},
		"bad number":   {"AAPL", "2024-01-08T14:30:00Z", "2024-01-08T14:31:00Z", "x", "1", "1", "1"},
		"close > high": {"AAPL", "2024-01-08T14:30:00Z", "2024-01-08T14:31:00Z", "1", "2", "1", "3"},
	}
	for name, rec := range cases {
		if _, err := ParseBar(rec); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
