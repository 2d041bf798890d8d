package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/quantbot/internal/account"
	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/order"
	"github.com/alanyoungcy/quantbot/internal/server/handler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedPrices map[string]float64

func (f fixedPrices) GetCurrentPrices(_ context.Context, codes []string) (map[string]domain.CurrentPrice, error) {
	out := make(map[string]domain.CurrentPrice)
	for _, c := range codes {
		if p, ok := f[c]; ok {
			out[c] = domain.CurrentPrice{Code: c, Price: p, BidPrice: p, AskPrice: p}
		}
	}
	return out, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }
func (denyAll) Wait(context.Context, string) error                               { return nil }

func newTestServer(t *testing.T, cfg Config, limiter domain.RateLimiter, checks map[string]handler.Checker) (*Server, *account.Account) {
	t.Helper()
	logger := testLogger()
	acct := account.New("live", 1000, account.BacktestBackend{}, account.Persistence{}, logger)
	acct.Restore(domain.AccountSnapshot{Name: "live", Cash: 1000, InitialCash: 1000, Positions: map[string]float64{"AAPL": 10}})
	handlers := Handlers{
		Health:  handler.NewHealthHandler(checks, logger),
		Status:  handler.NewStatusHandler("live", "open_close", "live"),
		Account: handler.NewAccountHandler(acct, fixedPrices{"AAPL": 50}, nil, logger),
		Orders:  handler.NewOrderHandler(acct, logger),
	}
	return NewServer(cfg, handlers, nil, limiter, logger), acct
}

func do(t *testing.T, h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAccountEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, nil, nil)
	rec := do(t, srv.Handler(), http.MethodGet, "/api/account", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var body struct {
		Cash     float64            `json:"cash"`
		NetValue float64            `json:"net_value"`
		Pos      map[string]float64 `json:"positions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Cash != 1000 || body.NetValue != 1500 || body.Pos["AAPL"] != 10 {
		t.Fatalf("body = %+v", body)
	}
}

func TestOrderListAndCancel(t *testing.T) {
	srv, acct := newTestServer(t, Config{}, nil, nil)
	o, err := order.NewLimit("AAPL", order.Buy, 1, 49, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := acct.PlaceOrder(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/orders?open=true", nil)
	var list struct {
		Orders []domain.OrderRecord `json:"orders"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Orders) != 1 || list.Orders[0].ID != o.ID || list.Orders[0].Status != order.Submitted.String() {
		t.Fatalf("open orders = %+v", list.Orders)
	}

	if rec := do(t, h, http.MethodGet, "/api/orders/"+o.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/orders/"+o.ID, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d body = %s", rec.Code, rec.Body)
	}
	if o.Status() != order.Canceled {
		t.Fatalf("order status = %v", o.Status())
	}
	if rec := do(t, h, http.MethodDelete, "/api/orders/"+o.ID, nil); rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/orders/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing order status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/orders", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d", rec.Code)
	}
}

func TestAuthSkipsHealth(t *testing.T) {
	srv, _ := newTestServer(t, Config{APIKey: "secret"}, nil, nil)
	h := srv.Handler()

	if rec := do(t, h, http.MethodGet, "/api/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/status", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/status", map[string]string{"Authorization": "Bearer secret"}); rec.Code != http.StatusOK {
		t.Fatalf("bearer status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/status", map[string]string{"X-API-Key": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", rec.Code)
	}
}

func TestHealthReportsFailingCheck(t *testing.T) {
	checks := map[string]handler.Checker{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}
	srv, _ := newTestServer(t, Config{}, nil, checks)
	rec := do(t, srv.Handler(), http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Checks["postgres"] != "ok" || body.Checks["redis"] != "connection refused" {
		t.Fatalf("checks = %v", body.Checks)
	}
}

func TestRateLimitAndCORS(t *testing.T) {
	srv, _ := newTestServer(t, Config{RateLimit: 1, RateWindow: 2 * time.Second, CORSOrigins: []string{"https://ui.example"}}, denyAll{}, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/status", map[string]string{"Origin": "https://ui.example"})
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("status = %d retry-after = %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://ui.example" {
		t.Fatal("missing CORS header")
	}
	if rec := do(t, h, http.MethodOptions, "/api/status", map[string]string{"Origin": "https://other.example"}); rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("preflight status = %d", rec.Code)
	}
}
