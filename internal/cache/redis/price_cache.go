package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each code's
// quote is stored at "price:{code}" with fields price, bid, ask, bid_size,
// ask_size and ts (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. Quotes
// expire after ttl; zero keeps them forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func priceKey(code string) string {
	return "price:" + code
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// SetCurrentPrice stores the latest quote for p.Code.
func (pc *PriceCache) SetCurrentPrice(ctx context.Context, p domain.CurrentPrice) error {
	key := priceKey(p.Code)
	fields := map[string]any{
		"price":    formatFloat(p.Price),
		"bid":      formatFloat(p.BidPrice),
		"ask":      formatFloat(p.AskPrice),
		"bid_size": formatFloat(p.BidSize),
		"ask_size": formatFloat(p.AskSize),
		"ts":       strconv.FormatInt(p.Time.UnixNano(), 10),
	}
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", p.Code, err)
	}
	return nil
}

// GetCurrentPrice returns the latest quote for code, or domain.ErrNotFound.
func (pc *PriceCache) GetCurrentPrice(ctx context.Context, code string) (domain.CurrentPrice, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(code)).Result()
	if err != nil {
		return domain.CurrentPrice{}, fmt.Errorf("redis: get price %s: %w", code, err)
	}
	p, err := decodePrice(code, vals)
	if err != nil {
		return domain.CurrentPrice{}, err
	}
	return p, nil
}

// GetCurrentPrices fetches several quotes in one pipeline. Codes without a
// quote are omitted.
func (pc *PriceCache) GetCurrentPrices(ctx context.Context, codes []string) (map[string]domain.CurrentPrice, error) {
	if len(codes) == 0 {
		return map[string]domain.CurrentPrice{}, nil
	}
	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(codes))
	for _, code := range codes {
		cmds[code] = pipe.HGetAll(ctx, priceKey(code))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]domain.CurrentPrice, len(codes))
	for code, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if p, err := decodePrice(code, vals); err == nil {
			result[code] = p
		}
	}
	return result, nil
}

func decodePrice(code string, vals map[string]string) (domain.CurrentPrice, error) {
	if len(vals) == 0 {
		return domain.CurrentPrice{}, domain.ErrNotFound
	}
	p := domain.CurrentPrice{Code: code}
	for field, dst := range map[string]*float64{
		"price":    &p.Price,
		"bid":      &p.BidPrice,
		"ask":      &p.AskPrice,
		"bid_size": &p.BidSize,
		"ask_size": &p.AskSize,
	} {
		s, ok := vals[field]
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return domain.CurrentPrice{}, fmt.Errorf("redis: parse %s of %s: %w", field, code, err)
		}
		*dst = f
	}
	if ts, ok := vals["ts"]; ok {
		n, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return domain.CurrentPrice{}, fmt.Errorf("redis: parse ts of %s: %w", code, err)
		}
		p.Time = time.Unix(0, n).UTC()
	}
	return p, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
