package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"roostoo-bot/internal/errs"
)

// Config holds environment-driven settings for the bot.
type Config struct {
	Port string

	// Roostoo
	BaseURL   string
	APIKey    string
	SecretKey string

	// Market data
	Symbols        []string
	PollInterval   time.Duration
	FeedStaleAfter int

	// Risk
	MaxPosition      map[string]float64
	MaxCapitalAtRisk float64
	MinOrderQty      float64
	MaxOrderQty      float64
	FeeBuffer        float64

	// Strategies
	StrategiesFile string
	Strategies     []string // enabled strategy ids; empty means every active entry

	// Execution
	DryRun            bool
	DryRunBalance     float64
	DryRunPrices      map[string]float64 // paper exchange seed prices
	DryRunWalk        float64            // max fractional price step per poll
	ExecutionWorkers  int
	RequestTimeout    time.Duration
	RateLimitRPS      float64
	ReconcileInterval time.Duration
	BalanceInterval   time.Duration
	OrderTTL          time.Duration

	// Storage
	DBPath    string
	RecordDir string // empty disables tick recording

	// Auth / logging
	JWTSecret         string
	AdminPasswordHash string // bcrypt hash accepted by POST /api/auth/login
	LogLevel          string
	LogFile           string
}

// Load reads environment variables (optionally via .env) into Config and
// validates it. Any missing or malformed mandatory value is a ConfigError.
func Load() (*Config, error) {
	// Ignore error so the bot still starts when .env is missing.
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		BaseURL:           strings.TrimRight(getEnv("ROOSTOO_BASE_URL", "https://mock-api.roostoo.com"), "/"),
		APIKey:            os.Getenv("ROOSTOO_API_KEY"),
		SecretKey:         os.Getenv("ROOSTOO_SECRET_KEY"),
		Symbols:           splitAndTrim(os.Getenv("SYMBOLS")),
		PollInterval:      p.duration("POLL_INTERVAL", 5*time.Second),
		FeedStaleAfter:    p.int("FEED_STALE_AFTER", 3),
		MaxPosition:       p.limits("MAX_POSITION"),
		MaxCapitalAtRisk:  p.float("MAX_CAPITAL_AT_RISK", 0),
		MinOrderQty:       p.float("MIN_ORDER_QTY", 0),
		MaxOrderQty:       p.float("MAX_ORDER_QTY", 0),
		FeeBuffer:         p.float("FEE_BUFFER", 0.001),
		StrategiesFile:    getEnv("STRATEGIES_FILE", "./strategies.yaml"),
		Strategies:        splitAndTrim(os.Getenv("STRATEGIES")),
		DryRun:            p.bool("DRY_RUN", false),
		DryRunBalance:     p.float("DRY_RUN_BALANCE", 50000),
		DryRunPrices:      p.limits("DRY_RUN_PRICES"),
		DryRunWalk:        p.float("DRY_RUN_WALK", 0.002),
		ExecutionWorkers:  p.int("EXECUTION_WORKERS", 4),
		RequestTimeout:    p.duration("REQUEST_TIMEOUT", 10*time.Second),
		RateLimitRPS:      p.float("RATE_LIMIT_RPS", 5),
		ReconcileInterval: p.duration("RECONCILE_INTERVAL", 30*time.Second),
		BalanceInterval:   p.duration("BALANCE_INTERVAL", 30*time.Second),
		OrderTTL:          p.duration("ORDER_TTL", 15*time.Minute),
		DBPath:            getEnv("DB_PATH", "./data/bot.db"),
		RecordDir:         os.Getenv("RECORD_DIR"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           os.Getenv("LOG_FILE"),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks mandatory settings. Exchange credentials are only required
// when trading against the real exchange.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.BaseURL == "" {
			return errs.Config("ROOSTOO_BASE_URL is required")
		}
		if c.APIKey == "" || c.SecretKey == "" {
			return errs.Config("ROOSTOO_API_KEY and ROOSTOO_SECRET_KEY are required")
		}
	}
	if len(c.Symbols) == 0 {
		return errs.Config("SYMBOLS is required")
	}
	for _, s := range c.Symbols {
		if !strings.Contains(s, "/") {
			return errs.Config("symbol %q must look like COIN/USD", s)
		}
	}
	if c.MaxCapitalAtRisk <= 0 {
		return errs.Config("MAX_CAPITAL_AT_RISK must be > 0")
	}
	for sym := range c.MaxPosition {
		if !c.Allowed(sym) {
			return errs.Config("MAX_POSITION references %s which is not in SYMBOLS", sym)
		}
	}
	if c.MaxOrderQty > 0 && c.MinOrderQty > c.MaxOrderQty {
		return errs.Config("MIN_ORDER_QTY %.8f exceeds MAX_ORDER_QTY %.8f", c.MinOrderQty, c.MaxOrderQty)
	}
	if c.PollInterval <= 0 || c.ReconcileInterval <= 0 || c.BalanceInterval <= 0 {
		return errs.Config("intervals must be positive")
	}
	if c.FeedStaleAfter < 1 {
		return errs.Config("FEED_STALE_AFTER must be >= 1")
	}
	if c.DryRunWalk < 0 || c.DryRunWalk >= 1 {
		return errs.Config("DRY_RUN_WALK must be in [0, 1)")
	}
	if c.AdminPasswordHash != "" && c.JWTSecret == "" {
		return errs.Config("ADMIN_PASSWORD_HASH requires JWT_SECRET")
	}
	if c.ExecutionWorkers < 1 {
		return errs.Config("EXECUTION_WORKERS must be >= 1")
	}
	return nil
}

// SeedPrice returns the dry-run starting price for symbol, 100 when unset.
func (c *Config) SeedPrice(symbol string) float64 {
	if p, ok := c.DryRunPrices[symbol]; ok && p > 0 {
		return p
	}
	return 100
}

// Allowed reports whether symbol is in the instrument allow-list.
func (c *Config) Allowed(symbol string) bool {
	for _, s := range c.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parser records the first malformed value instead of silently falling back
// to the default.
type parser struct {
	err error
}

func (p *parser) fail(key, val string, err error) {
	if p.err == nil {
		p.err = errs.Config("malformed %s=%q: %v", key, val, err)
	}
}

func (p *parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return i
}

func (p *parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

// limits parses "BTC/USD=1,ETH/USD=10".
func (p *parser) limits(key string) map[string]float64 {
	out := make(map[string]float64)
	v := os.Getenv(key)
	for _, part := range splitAndTrim(v) {
		sym, raw, ok := strings.Cut(part, "=")
		if !ok {
			p.fail(key, v, fmt.Errorf("entry %q lacks '='", part))
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || f < 0 {
			p.fail(key, v, fmt.Errorf("entry %q has invalid limit", part))
			continue
		}
		out[strings.TrimSpace(sym)] = f
	}
	return out
}
