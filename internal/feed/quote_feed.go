// Package feed streams live market data from a WebSocket vendor into the
// price cache and onto the signal bus, where the live series pick it up.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/timeseries"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	// alertAfter consecutive failed connections raise an operator alert.
	alertAfter = 3
)

// Alerter receives feed outage alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config configures a QuoteFeed.
type Config struct {
	URL              string
	Codes            []string
	HandshakeTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
}

// QuoteFeed keeps one vendor connection alive, reconnecting with
// exponential backoff.
type QuoteFeed struct {
	cfg     Config
	prices  domain.PriceCache
	bus     domain.SignalBus
	bars    domain.BarStore
	alerter Alerter
	logger  *slog.Logger

	mu       sync.Mutex
	received int64
}

// New creates a QuoteFeed. bars and alerter may be nil; without bars,
// streamed bars are published but not stored.
func New(cfg Config, prices domain.PriceCache, bus domain.SignalBus, bars domain.BarStore, alerter Alerter, logger *slog.Logger) *QuoteFeed {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.MinBackoff)
	}
	return &QuoteFeed{
		cfg:     cfg,
		prices:  prices,
		bus:     bus,
		bars:    bars,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "quote_feed")),
	}
}

// Received returns the number of messages applied so far.
func (f *QuoteFeed) Received() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

// Run connects and streams until ctx is cancelled.
func (f *QuoteFeed) Run(ctx context.Context) error {
	if f.cfg.URL == "" {
		return errors.New("feed: no url configured")
	}
	if len(f.cfg.Codes) == 0 {
		f.logger.Info("no codes to subscribe, exiting")
		return nil
	}

	backoff := f.cfg.MinBackoff
	failures := 0
	for {
		before := f.Received()
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if f.Received() > before {
			backoff, failures = f.cfg.MinBackoff, 0
		}
		failures++
		f.logger.Warn("disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff),
			slog.Int("failures", failures),
		)
		if failures == alertAfter && f.alerter != nil {
			f.alerter.Notify(ctx, "feed_down", "Quote feed down",
				fmt.Sprintf("%d consecutive connection failures: %s", failures, errString(err)))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, f.cfg.MaxBackoff)
	}
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

// nextBackoff doubles d up to limit.
func nextBackoff(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}

type subscribeCmd struct {
	Action string   `json:"action"`
	Codes  []string `json:"codes"`
}

func (f *QuoteFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeCmd{Action: "subscribe", Codes: f.cfg.Codes}); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("subscribed", slog.String("url", f.cfg.URL), slog.Int("codes", len(f.cfg.Codes)))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.keepAlive(connCtx, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if connCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := f.handle(ctx, raw); err != nil {
			f.logger.Debug("drop message", slog.String("error", err.Error()), slog.Int("len", len(raw)))
		}
	}
}

// keepAlive pings the vendor and closes the connection when ctx ends so the
// blocked read returns.
func (f *QuoteFeed) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (f *QuoteFeed) handle(ctx context.Context, raw []byte) error {
	msgs, err := decodeMessages(raw)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		switch m.Type {
		case "quote":
			if err := f.applyQuote(ctx, m.quote()); err != nil {
				return err
			}
		case "bar":
			bar, err := m.bar()
			if err != nil {
				return err
			}
			if err := f.applyBar(ctx, m.Series, bar); err != nil {
				return err
			}
		default:
			continue
		}
		f.mu.Lock()
		f.received++
		f.mu.Unlock()
	}
	return nil
}

func (f *QuoteFeed) applyQuote(ctx context.Context, q domain.CurrentPrice) error {
	if err := f.prices.SetCurrentPrice(ctx, q); err != nil {
		return fmt.Errorf("feed: cache %s: %w", q.Code, err)
	}
	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("feed: encode %s: %w", q.Code, err)
	}
	if err := f.bus.Publish(ctx, timeseries.QuoteChannel, payload); err != nil {
		return fmt.Errorf("feed: publish %s: %w", q.Code, err)
	}
	return nil
}

func (f *QuoteFeed) applyBar(ctx context.Context, series string, b domain.Bar) error {
	if f.bars != nil {
		if err := f.bars.InsertBatch(ctx, series, []domain.Bar{b}); err != nil {
			return fmt.Errorf("feed: store bar %s: %w", b.Code, err)
		}
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("feed: encode bar %s: %w", b.Code, err)
	}
	if err := f.bus.Publish(ctx, timeseries.BarChannel(series), payload); err != nil {
		return fmt.Errorf("feed: publish bar %s: %w", b.Code, err)
	}
	return nil
}

// message is the vendor wire format. A frame holds one message or an array.
type message struct {
	Type    string    `json:"type"`
	Code    string    `json:"code"`
	Time    time.Time `json:"time"`
	Price   float64   `json:"price"`
	Bid     float64   `json:"bid"`
	Ask     float64   `json:"ask"`
	BidSize float64   `json:"bid_size"`
	AskSize float64   `json:"ask_size"`
	Series  string    `json:"series"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Open    float64   `json:"open"`
	High    float64   `json:"high"`
	Low     float64   `json:"low"`
	Close   float64   `json:"close"`
	Volume  float64   `json:"volume"`
}

func decodeMessages(raw []byte) ([]message, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var msgs []message
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil, fmt.Errorf("feed: decode: %w", err)
		}
		return msgs, validate(msgs)
	}
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("feed: decode: %w", err)
	}
	return []message{m}, validate([]message{m})
}

func validate(msgs []message) error {
	for _, m := range msgs {
		if (m.Type == "quote" || m.Type == "bar") && m.Code == "" {
			return fmt.Errorf("feed: %s message without code", m.Type)
		}
	}
	return nil
}

// quote fills missing sides from the last price and stamps missing times.
func (m message) quote() domain.CurrentPrice {
	q := domain.CurrentPrice{
		Code:     m.Code,
		Time:     m.Time,
		Price:    m.Price,
		BidPrice: m.Bid,
		AskPrice: m.Ask,
		BidSize:  m.BidSize,
		AskSize:  m.AskSize,
	}
	if q.Price == 0 && q.BidPrice > 0 && q.AskPrice > 0 {
		q.Price = (q.BidPrice + q.AskPrice) / 2
	}
	if q.BidPrice == 0 {
		q.BidPrice = q.Price
	}
	if q.AskPrice == 0 {
		q.AskPrice = q.Price
	}
	if q.Time.IsZero() {
		q.Time = time.Now().UTC()
	}
	return q
}

func (m message) bar() (domain.Bar, error) {
	if m.Series == "" {
		return domain.Bar{}, fmt.Errorf("feed: bar %s without series", m.Code)
	}
	if !m.End.After(m.Start) {
		return domain.Bar{}, fmt.Errorf("feed: bar %s ends before it starts", m.Code)
	}
	return domain.Bar{
		Code: m.Code, Start: m.Start, End: m.End,
		Open: m.Open, High: m.High, Low: m.Low, Close: m.Close, Volume: m.Volume,
	}, nil
}
