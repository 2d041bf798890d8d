// Package config defines the top-level configuration for quantbot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Modes accepted by Config.Mode.
const (
	ModeBacktest = "backtest"
	ModeLive     = "live"
	ModeImport   = "import"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by QUANTBOT_* environment variables.
type Config struct {
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	Account  AccountConfig  `toml:"account"`
	Engine   EngineConfig   `toml:"engine"`
	Calendar CalendarConfig `toml:"calendar"`
	Backtest BacktestConfig `toml:"backtest"`
	Bargain  BargainConfig  `toml:"bargain"`
	Strategy StrategyConfig `toml:"strategy"`
	Feed     FeedConfig     `toml:"feed"`
	Paper    PaperConfig    `toml:"paper"`
	Risk     RiskConfig     `toml:"risk"`
	Import   ImportConfig   `toml:"import"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Notify   NotifyConfig   `toml:"notify"`
	Server   ServerConfig   `toml:"server"`
}

// AccountConfig describes the trading account.
type AccountConfig struct {
	Name string  `toml:"name"`
	Cash float64 `toml:"cash"`
	// Restore loads cash and positions from the account store on live start.
	Restore           bool     `toml:"restore"`
	PlacementPolls    int      `toml:"placement_polls"`
	PlacementInterval duration `toml:"placement_interval"`
	// LockTTL is the lease on the live account lock; it is refreshed while
	// the process runs.
	LockTTL duration `toml:"lock_ttl"`
}

// SeriesConfig registers one time series.
type SeriesConfig struct {
	Name string `toml:"name"`
	// Kind is "bars" (Postgres history, bus push) or "quotes" (price cache,
	// bus push).
	Kind string `toml:"kind"`
}

// EngineConfig tunes the event engine.
type EngineConfig struct {
	MatchSeries  string         `toml:"match_series"`
	PriceSeries  string         `toml:"price_series"`
	PollInterval duration       `toml:"poll_interval"`
	Series       []SeriesConfig `toml:"series"`
}

// CalendarConfig describes the exchange session.
type CalendarConfig struct {
	Timezone string   `toml:"timezone"`
	Open     string   `toml:"open"`
	Close    string   `toml:"close"`
	Holidays []string `toml:"holidays"`
}

// BacktestConfig bounds the replay window. Start and End accept RFC 3339
// or a calendar date (2006-01-02) in the calendar's timezone; a date-only
// End covers the whole day.
type BacktestConfig struct {
	Start        string `toml:"start"`
	End          string `toml:"end"`
	UploadReport bool   `toml:"upload_report"`
	ReportPrefix string `toml:"report_prefix"`
}

// BargainConfig supplies defaults for strategies that chase limit orders.
type BargainConfig struct {
	Delta        float64  `toml:"delta"`
	Freq         duration `toml:"freq"`
	MaxDeviation float64  `toml:"max_deviation"`
	Timeout      duration `toml:"timeout"`
}

// StrategyConfig selects and parameterises the strategy.
type StrategyConfig struct {
	Name        string         `toml:"name"`
	Codes       []string       `toml:"codes"`
	Quantity    float64        `toml:"quantity"`
	EntryOffset duration       `toml:"entry_offset"`
	ExitOffset  duration       `toml:"exit_offset"`
	Params      map[string]any `toml:"params"`
}

// FeedConfig configures the live quote websocket.
type FeedConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	// Codes defaults to the strategy codes.
	Codes      []string `toml:"codes"`
	MinBackoff duration `toml:"min_backoff"`
	MaxBackoff duration `toml:"max_backoff"`
}

// PaperConfig configures the simulated live broker.
type PaperConfig struct {
	Interval      duration `toml:"interval"`
	FeeRate       float64  `toml:"fee_rate"`
	RejectUnknown bool     `toml:"reject_unknown"`
	RateLimit     int      `toml:"rate_limit"`
}

// RiskConfig holds pre-trade limits for live orders. Zero disables a limit.
type RiskConfig struct {
	MaxPositions     int     `toml:"max_positions"`
	MaxOrderNotional float64 `toml:"max_order_notional"`
	MaxSlippageBps   float64 `toml:"max_slippage_bps"`
}

// ImportConfig configures bar import from object storage.
type ImportConfig struct {
	Series    string `toml:"series"`
	Prefix    string `toml:"prefix"`
	BatchSize int    `toml:"batch_size"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	PriceTTL     duration `toml:"price_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Dedupe            duration `toml:"dedupe"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "-30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Mode:     ModeBacktest,
		LogLevel: "info",
		Account: AccountConfig{
			Name:              "default",
			Cash:              100_000,
			PlacementPolls:    5,
			PlacementInterval: duration{100 * time.Millisecond},
			LockTTL:           duration{30 * time.Second},
		},
		Engine: EngineConfig{
			MatchSeries:  "1m",
			PollInterval: duration{time.Second},
			Series: []SeriesConfig{
				{Name: "1m", Kind: "bars"},
				{Name: "quotes", Kind: "quotes"},
			},
		},
		Calendar: CalendarConfig{
			Timezone: "America/New_York",
			Open:     "09:30",
			Close:    "16:00",
		},
		Backtest: BacktestConfig{
			ReportPrefix: "reports",
		},
		Bargain: BargainConfig{
			Delta:   0.01,
			Freq:    duration{2 * time.Second},
			Timeout: duration{10 * time.Minute},
		},
		Strategy: StrategyConfig{
			Name:        "open_close",
			Quantity:    100,
			EntryOffset: duration{time.Minute},
			ExitOffset:  duration{time.Minute},
			Params:      map[string]any{},
		},
		Feed: FeedConfig{
			MinBackoff: duration{500 * time.Millisecond},
			MaxBackoff: duration{30 * time.Second},
		},
		Paper: PaperConfig{
			Interval:      duration{500 * time.Millisecond},
			RejectUnknown: true,
			RateLimit:     10,
		},
		Import: ImportConfig{
			Series:    "1m",
			Prefix:    "bars/",
			BatchSize: 1000,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "quantbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Notify: NotifyConfig{
			Events: []string{"order_failed", "feed_down", "lock_lost"},
			Dedupe: duration{time.Minute},
		},
		Server: ServerConfig{
			Enabled:    true,
			Port:       8000,
			RateLimit:  120,
			RateWindow: duration{time.Minute},
		},
	}
}

var validModes = map[string]bool{
	ModeBacktest: true,
	ModeLive:     true,
	ModeImport:   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSeriesKinds = map[string]bool{
	"bars":   true,
	"quotes": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: backtest, live, import)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres backs every mode.
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	if mode == ModeImport {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required for import mode")
		}
		if c.Import.Series == "" {
			errs = append(errs, "import: series must not be empty")
		}
		if len(errs) > 0 {
			return joinErrors(errs)
		}
		return nil
	}

	// Engine and strategy.
	if c.Account.Name == "" {
		errs = append(errs, "account: name must not be empty")
	}
	if c.Account.Cash < 0 {
		errs = append(errs, "account: cash must be >= 0")
	}
	if c.Engine.MatchSeries == "" {
		errs = append(errs, "engine: match_series must not be empty")
	}
	names := make(map[string]bool, len(c.Engine.Series))
	for _, s := range c.Engine.Series {
		if s.Name == "" || names[s.Name] {
			errs = append(errs, fmt.Sprintf("engine: series name %q empty or duplicated", s.Name))
		}
		names[s.Name] = true
		if !validSeriesKinds[s.Kind] {
			errs = append(errs, fmt.Sprintf("engine: series %q has unknown kind %q (valid: bars, quotes)", s.Name, s.Kind))
		}
	}
	if !names[c.Engine.MatchSeries] {
		errs = append(errs, fmt.Sprintf("engine: match_series %q is not a configured series", c.Engine.MatchSeries))
	}
	if c.Engine.PriceSeries != "" && !names[c.Engine.PriceSeries] {
		errs = append(errs, fmt.Sprintf("engine: price_series %q is not a configured series", c.Engine.PriceSeries))
	}
	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("calendar: timezone: %v", err))
	}
	if c.Strategy.Name == "" {
		errs = append(errs, "strategy: name must not be empty")
	}
	if c.Strategy.Quantity <= 0 {
		errs = append(errs, "strategy: quantity must be > 0")
	}

	switch mode {
	case ModeBacktest:
		if c.Backtest.Start == "" || c.Backtest.End == "" {
			errs = append(errs, "backtest: start and end are required")
		}
		if c.Backtest.UploadReport && c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required when backtest.upload_report is set")
		}
	case ModeLive:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Account.LockTTL.Duration < time.Second {
			errs = append(errs, "account: lock_ttl must be at least 1s")
		}
		if c.Feed.Enabled && c.Feed.URL == "" {
			errs = append(errs, "feed: url is required when enabled")
		}
		if c.Paper.FeeRate < 0 {
			errs = append(errs, "paper: fee_rate must be >= 0")
		}
		if c.Risk.MaxPositions < 0 || c.Risk.MaxOrderNotional < 0 || c.Risk.MaxSlippageBps < 0 {
			errs = append(errs, "risk: limits must be >= 0")
		}
		if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return joinErrors(errs)
	}
	return nil
}

func joinErrors(errs []string) error {
	return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
}

// Location returns the calendar timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Calendar.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BacktestWindow parses the backtest start and end in the calendar timezone.
func (c *Config) BacktestWindow() (start, end time.Time, err error) {
	loc := c.Location()
	if start, err = parseInstant(c.Backtest.Start, loc, false); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("config: backtest start: %w", err)
	}
	if end, err = parseInstant(c.Backtest.End, loc, true); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("config: backtest end: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("config: backtest end %s is not after start %s", end, start)
	}
	return start, end, nil
}

// parseInstant accepts RFC 3339 or a date. A date used as an end bound
// extends to the following midnight.
func parseInstant(s string, loc *time.Location, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	if endOfDay {
		d = d.AddDate(0, 0, 1)
	}
	return d, nil
}

// FeedCodes is the feed's code list, defaulting to the strategy's.
func (c *Config) FeedCodes() []string {
	if len(c.Feed.Codes) > 0 {
		return c.Feed.Codes
	}
	return c.Strategy.Codes
}
