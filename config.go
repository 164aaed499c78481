package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"rebalance-bot/execution"
	"rebalance-bot/strategy"

	"github.com/shopspring/decimal"
)

// BotConfig holds everything one rebalancer process needs
type BotConfig struct {
	Exchange *execution.Config `json:"exchange"`
	Strategy *strategy.Config  `json:"strategy"`

	// Operation
	DryRun  bool          `json:"dry_run"`
	Every   time.Duration `json:"every"` // 0 runs a single pass
	LockTTL time.Duration `json:"lock_ttl"`
	LogDir  string        `json:"log_dir"`

	// Infrastructure
	RedisAddr     string `json:"redis_addr"` // empty uses an in-process lock
	RedisPassword string `json:"-"`
	MetricsAddr   string `json:"metrics_addr"`
}

// Default configuration for the rebalancer
func DefaultBotConfig() *BotConfig {
	return &BotConfig{
		Exchange: execution.DefaultConfig(),
		Strategy: strategy.DefaultConfig(),
		LockTTL:  2 * time.Minute,
		LogDir:   "logs",
	}
}

// Validate rejects configurations the bot cannot run with.
func (c *BotConfig) Validate() error {
	if c.Exchange.APIKey == "" {
		return execution.ErrMissingAPIKey
	}
	if c.Exchange.APISecret == "" {
		return execution.ErrMissingSecret
	}
	if c.Exchange.Timeout <= 0 {
		return fmt.Errorf("http timeout must be positive, got %s", c.Exchange.Timeout)
	}
	if err := c.Strategy.Validate(); err != nil {
		return err
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock ttl must be positive, got %s", c.LockTTL)
	}
	if c.Every < 0 {
		return fmt.Errorf("pass interval must not be negative, got %s", c.Every)
	}
	return nil
}

// Load configuration from environment variables
func loadConfigFromEnv() (*BotConfig, error) {
	config := DefaultBotConfig()

	if apiKey := os.Getenv("BITKUB_API_KEY"); apiKey != "" {
		config.Exchange.APIKey = trimSecret(apiKey)
	}

	if secret := os.Getenv("BITKUB_API_SECRET"); secret != "" {
		config.Exchange.APISecret = trimSecret(secret)
	}

	if baseURL := os.Getenv("BITKUB_BASE_URL"); baseURL != "" {
		config.Exchange.BaseURL = baseURL
	}

	if timeout := os.Getenv("HTTP_TIMEOUT_MS"); timeout != "" {
		ms, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid HTTP_TIMEOUT_MS %q: %w", timeout, err)
		}
		config.Exchange.Timeout = time.Duration(ms) * time.Millisecond
	}

	if symbols := os.Getenv("REBALANCE_SYMBOLS"); symbols != "" {
		config.Strategy.Symbols = parseSymbols(symbols)
	}

	if budget := os.Getenv("REBALANCE_BUDGET"); budget != "" {
		val, err := decimal.NewFromString(budget)
		if err != nil {
			return nil, fmt.Errorf("invalid REBALANCE_BUDGET %q: %w", budget, err)
		}
		config.Strategy.Budget = val
	}

	if threshold := os.Getenv("REBALANCE_THRESHOLD_PCT"); threshold != "" {
		val, err := decimal.NewFromString(threshold)
		if err != nil {
			return nil, fmt.Errorf("invalid REBALANCE_THRESHOLD_PCT %q: %w", threshold, err)
		}
		config.Strategy.SellThresholdPct = val
	}

	if allocation := os.Getenv("REBALANCE_ALLOCATION"); allocation != "" {
		mode, err := strategy.ParseAllocationMode(allocation)
		if err != nil {
			return nil, err
		}
		config.Strategy.Allocation = mode
	}

	if orderType := os.Getenv("REBALANCE_ORDER_TYPE"); orderType != "" {
		typ, ok := execution.ParseOrderType(orderType)
		if !ok {
			return nil, fmt.Errorf("invalid REBALANCE_ORDER_TYPE %q", orderType)
		}
		config.Strategy.OrderType = typ
	}

	if dryRun := os.Getenv("REBALANCE_DRY_RUN"); dryRun != "" {
		val, err := strconv.ParseBool(dryRun)
		if err != nil {
			return nil, fmt.Errorf("invalid REBALANCE_DRY_RUN %q: %w", dryRun, err)
		}
		config.DryRun = val
	}

	if every := os.Getenv("REBALANCE_EVERY"); every != "" {
		val, err := time.ParseDuration(every)
		if err != nil {
			return nil, fmt.Errorf("invalid REBALANCE_EVERY %q: %w", every, err)
		}
		config.Every = val
	}

	if logDir := os.Getenv("REBALANCE_LOG_DIR"); logDir != "" {
		config.LogDir = logDir
	}

	config.RedisAddr = os.Getenv("REDIS_ADDR")
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")
	config.MetricsAddr = os.Getenv("METRICS_ADDR")

	return config, nil
}

// trimSecret strips surrounding whitespace and quotes left over from .env files
func trimSecret(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"")
	return strings.Trim(s, "'")
}

// parseSymbols splits a comma list into upper-case symbols, skipping blanks
func parseSymbols(list string) []string {
	var symbols []string
	for _, s := range strings.Split(list, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols
}
