package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/quantbot/internal/account"
	"github.com/alanyoungcy/quantbot/internal/domain"
)

// multipartThreshold is the report size above which uploads go multipart.
const multipartThreshold = 8 * 1024 * 1024

// Report summarises a finished backtest.
type Report struct {
	Strategy      string                 `json:"strategy"`
	Account       string                 `json:"account"`
	Start         time.Time              `json:"start"`
	End           time.Time              `json:"end"`
	InitialCash   float64                `json:"initial_cash"`
	FinalCash     float64                `json:"final_cash"`
	FinalNetValue float64                `json:"final_net_value"`
	Return        float64                `json:"return"`
	MaxDrawdown   float64                `json:"max_drawdown"`
	Events        int                    `json:"events"`
	Failures      int                    `json:"failures"`
	Positions     map[string]float64     `json:"positions"`
	NetValues     []domain.NetValuePoint `json:"net_values"`
	Orders        []domain.OrderRecord   `json:"orders"`
	Location      string                 `json:"location,omitempty"`
}

// BuildReport collects the account's final state.
func BuildReport(strategy string, acct *account.Account, start, end time.Time, events, failures int) *Report {
	r := &Report{
		Strategy:    strategy,
		Account:     acct.Name(),
		Start:       start,
		End:         end,
		InitialCash: acct.InitialCash(),
		FinalCash:   acct.Cash(),
		Events:      events,
		Failures:    failures,
		Positions:   acct.Positions(),
		NetValues:   acct.NetValues(),
	}
	for _, o := range acct.Orders() {
		r.Orders = append(r.Orders, o.Snapshot())
	}

	r.FinalNetValue = r.FinalCash
	if n := len(r.NetValues); n > 0 {
		r.FinalNetValue = r.NetValues[n-1].Value
	}
	if r.InitialCash != 0 {
		r.Return = r.FinalNetValue/r.InitialCash - 1
	}
	peak := r.InitialCash
	for _, p := range r.NetValues {
		if p.Value > peak {
			peak = p.Value
		}
		if peak > 0 {
			if dd := (peak - p.Value) / peak; dd > r.MaxDrawdown {
				r.MaxDrawdown = dd
			}
		}
	}
	return r
}

// ReportWriter uploads reports to blob storage.
type ReportWriter struct {
	blob   domain.BlobWriter
	prefix string
}

// NewReportWriter stores reports under prefix.
func NewReportWriter(blob domain.BlobWriter, prefix string) *ReportWriter {
	return &ReportWriter{blob: blob, prefix: prefix}
}

// Write uploads r as JSON and returns its key.
func (w *ReportWriter) Write(ctx context.Context, r *Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("engine: marshal report: %w", err)
	}
	key := fmt.Sprintf("%s/%s/%s.json", w.prefix, r.Strategy, time.Now().UTC().Format("20060102T150405Z"))
	if len(data) > multipartThreshold {
		err = w.blob.PutMultipart(ctx, key, bytes.NewReader(data), 0)
	} else {
		err = w.blob.Put(ctx, key, bytes.NewReader(data), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("engine: upload report: %w", err)
	}
	return key, nil
}
