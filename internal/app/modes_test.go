package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/quantbot/internal/config"
)

func testApp(cfg config.Config) *App {
	return New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStrategyConfigMergesBargainDefaults(t *testing.T) {
	cfg := config.Defaults()
	cfg.Strategy.Params = map[string]any{"delta": 0.05}

	sc := strategyConfig(&cfg)
	if sc.Params["delta"] != 0.05 {
		t.Fatalf("delta = %v, want override 0.05", sc.Params["delta"])
	}
	if sc.Params["freq"] != "2s" {
		t.Fatalf("freq = %v, want 2s", sc.Params["freq"])
	}
	if sc.Params["timeout"] != "10m0s" {
		t.Fatalf("timeout = %v, want 10m0s", sc.Params["timeout"])
	}
	if sc.EntryOffset != time.Minute || sc.Quantity != 100 {
		t.Fatalf("strategy config = %+v", sc)
	}
}

func TestSelectStrategy(t *testing.T) {
	for _, name := range []string{"open_close", "bargain_entry", "mean_reversion"} {
		cfg := config.Defaults()
		cfg.Strategy.Name = name
		strat, err := testApp(cfg).selectStrategy()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if strat.Name() != name {
			t.Fatalf("got %s, want %s", strat.Name(), name)
		}
	}

	cfg := config.Defaults()
	cfg.Strategy.Name = "martingale"
	if _, err := testApp(cfg).selectStrategy(); err == nil {
		t.Fatal("unknown strategy selected")
	}
}

func TestMergeParamsLeavesInputs(t *testing.T) {
	base := map[string]any{"a": 1, "b": 2}
	over := map[string]any{"b": 3}
	out := mergeParams(base, over)
	if out["a"] != 1 || out["b"] != 3 {
		t.Fatalf("merged = %v", out)
	}
	if base["b"] != 2 {
		t.Fatal("base modified")
	}
}

type failingAlerter struct{ events []string }

func (f *failingAlerter) Notify(_ context.Context, event, _, _ string) error {
	f.events = append(f.events, event)
	return errors.New("webhook down")
}

func TestLockLostAlertLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Defaults()
	a := New(&cfg, slog.New(slog.NewTextHandler(&buf, nil)))
	alerter := &failingAlerter{}

	a.lockLostAlert(context.Background(), alerter)("account:main")

	if len(alerter.events) != 1 || alerter.events[0] != "lock_lost" {
		t.Fatalf("events = %v", alerter.events)
	}
	if out := buf.String(); !strings.Contains(out, "alert failed") || !strings.Contains(out, "webhook down") {
		t.Fatalf("log = %q", out)
	}
}
