package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

type chanBus struct {
	chans map[string]chan []byte
}

func newChanBus(names ...string) *chanBus {
	b := &chanBus{chans: make(map[string]chan []byte)}
	for _, n := range names {
		b.chans[n] = make(chan []byte, 8)
	}
	return b
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.chans[channel] <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.chans[channel], nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestEncodeFrame(t *testing.T) {
	frame, err := encodeFrame("orders", []byte(`{"order_id":"o1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(frame) != `{"channel":"orders","data":{"order_id":"o1"}}` {
		t.Fatalf("frame = %s", frame)
	}
	if _, err := encodeFrame("orders", []byte("not json")); err == nil {
		t.Fatal("expected error for non-JSON payload")
	}
}

func TestIsSubscribed(t *testing.T) {
	c := &client{subs: map[string]bool{"orders": true, "quotes:*": true}}
	for ch, want := range map[string]bool{
		"orders":      true,
		"quotes:AAPL": true,
		"quotes":      false,
		"status":      false,
	} {
		if got := c.isSubscribed(ch); got != want {
			t.Errorf("isSubscribed(%q) = %v, want %v", ch, got, want)
		}
	}
	c.apply(subscribeMsg{Action: "unsubscribe", Channels: []string{"orders"}})
	if c.isSubscribed("orders") {
		t.Fatal("still subscribed after unsubscribe")
	}
}

func TestHubBridgesBusToClient(t *testing.T) {
	bus := newChanBus("orders", "quotes")
	hub := NewHub(bus, Config{Status: func() any { return map[string]string{"mode": "live"} }},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Channel != "status" {
		t.Fatalf("first frame channel = %q, want status", env.Channel)
	}

	bus.Publish(ctx, "orders", []byte(`{"order_id":"o1","status":"FILLED"}`))
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	var ev domain.OrderEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if env.Channel != "orders" || ev.OrderID != "o1" || ev.Status != "FILLED" {
		t.Fatalf("frame = %+v event = %+v", env, ev)
	}
}
