package strategy

import (
	"time"

	"github.com/alanyoungcy/quantbot/internal/engine"
)

// Strategy defines the contract for trading strategies.
type Strategy = engine.Strategy

// Config holds strategy configuration.
type Config struct {
	Name     string
	Codes    []string
	Quantity float64
	// EntryOffset is the delay after the session open before entering.
	EntryOffset time.Duration
	// ExitOffset is how long before the session close positions are flat.
	ExitOffset time.Duration
	Params     map[string]any
}

// paramFloat reads a float parameter, accepting TOML integers too.
func paramFloat(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

// paramDuration reads a duration parameter written as a string ("30s").
func paramDuration(params map[string]any, key string, def time.Duration) time.Duration {
	if s, ok := params[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	if d, ok := params[key].(time.Duration); ok {
		return d
	}
	return def
}
