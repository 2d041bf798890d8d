package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/timeseries"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memPrices struct {
	mu     sync.Mutex
	prices map[string]domain.CurrentPrice
}

func (m *memPrices) SetCurrentPrice(_ context.Context, p domain.CurrentPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prices == nil {
		m.prices = make(map[string]domain.CurrentPrice)
	}
	m.prices[p.Code] = p
	return nil
}

func (m *memPrices) GetCurrentPrice(_ context.Context, code string) (domain.CurrentPrice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[code]
	if !ok {
		return domain.CurrentPrice{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memPrices) GetCurrentPrices(ctx context.Context, codes []string) (map[string]domain.CurrentPrice, error) {
	out := make(map[string]domain.CurrentPrice)
	for _, c := range codes {
		if p, err := m.GetCurrentPrice(ctx, c); err == nil {
			out[c] = p
		}
	}
	return out, nil
}

type memBus struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent == nil {
		b.sent = make(map[string][][]byte)
	}
	b.sent[channel] = append(b.sent[channel], payload)
	return nil
}

func (b *memBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent[channel])
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *memBus) StreamAppend(context.Context, string, []byte) error     { return nil }
func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestDecodeMessages(t *testing.T) {
	msgs, err := decodeMessages([]byte(`{"type":"quote","code":"AAPL","bid":10,"ask":10.5}`))
	if err != nil {
		t.Fatal(err)
	}
	q := msgs[0].quote()
	if q.Price != 10.25 || q.BidPrice != 10 || q.AskPrice != 10.5 || q.Time.IsZero() {
		t.Fatalf("quote = %+v", q)
	}

	msgs, err = decodeMessages([]byte(` [{"type":"heartbeat"},{"type":"quote","code":"MSFT","price":400}]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d", len(msgs))
	}
	if q := msgs[1].quote(); q.BidPrice != 400 || q.AskPrice != 400 {
		t.Fatalf("one-sided quote = %+v", q)
	}

	if _, err := decodeMessages([]byte(`{"type":"quote","price":1}`)); err == nil {
		t.Fatal("expected error for quote without code")
	}
	if _, err := decodeMessages([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestBarMessage(t *testing.T) {
	start := time.Date(2024, 1, 8, 14, 30, 0, 0, time.UTC)
	m := message{Type: "bar", Code: "AAPL", Series: "1m", Start: start, End: start.Add(time.Minute), Close: 185}
	b, err := m.bar()
	if err != nil {
		t.Fatal(err)
	}
	if b.Close != 185 || !b.End.Equal(start.Add(time.Minute)) {
		t.Fatalf("bar = %+v", b)
	}
	m.Series = ""
	if _, err := m.bar(); err == nil {
		t.Fatal("expected error without series")
	}
}

func TestNextBackoff(t *testing.T) {
	d := 500 * time.Millisecond
	var got []time.Duration
	for i := 0; i < 4; i++ {
		d = nextBackoff(d, 3*time.Second)
		got = append(got, d)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff = %v, want %v", got, want)
		}
	}
}

func TestFeedStreamsQuotesAndBars(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeCmd, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var cmd subscribeCmd
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subscribed <- cmd
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"quote","code":"AAPL","price":185.5,"bid":185.4,"ask":185.6}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`[{"type":"bar","series":"1m","code":"AAPL","start":"2024-01-08T14:30:00Z","end":"2024-01-08T14:31:00Z","open":185,"high":186,"low":184,"close":185.5}]`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	prices := &memPrices{}
	bus := &memBus{}
	f := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Codes: []string{"AAPL"}}, prices, bus, nil, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	select {
	case cmd := <-subscribed:
		if cmd.Action != "subscribe" || len(cmd.Codes) != 1 || cmd.Codes[0] != "AAPL" {
			t.Fatalf("subscribe = %+v", cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription")
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.Received() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if f.Received() != 2 {
		t.Fatalf("received = %d", f.Received())
	}
	cp, err := prices.GetCurrentPrice(context.Background(), "AAPL")
	if err != nil || cp.AskPrice != 185.6 {
		t.Fatalf("cached = %+v err = %v", cp, err)
	}
	if bus.count(timeseries.QuoteChannel) != 1 || bus.count(timeseries.BarChannel("1m")) != 1 {
		t.Fatalf("published = %v", bus.sent)
	}
	var published domain.CurrentPrice
	if err := json.Unmarshal(bus.sent[timeseries.QuoteChannel][0], &published); err != nil || published.Price != 185.5 {
		t.Fatalf("published quote = %+v err = %v", published, err)
	}
}
