package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration
	DatabaseURL  string
	StoreTimeout time.Duration

	// NATS configuration. Empty disables the event bridge.
	NATSURL string

	// Solana configuration
	SolanaRPCURL string
	// SolanaWSURL enables the account subscription push trigger when set.
	SolanaWSURL             string
	RPCTimeout              time.Duration
	BreakerFailureThreshold int
	ReconnectBaseDelay      time.Duration
	ReconnectMaxAttempts    int

	// Reconciliation configuration
	PollInterval     time.Duration
	PageSize         int
	FetchMultiplier  int
	FetchConcurrency int
	MaxPaymentSOL    int64

	// Exchange-rate configuration
	PriceOracleURL  string
	RateTTL         time.Duration
	RateFallbackUSD float64
	OracleTimeout   time.Duration

	// Webhook configuration
	WebhookURLs        []string
	WebhookMaxAttempts int

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	SummaryInterval   time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.NATSURL = os.Getenv("NATS_URL")

	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}
	cfg.SolanaWSURL = os.Getenv("SOLANA_WS_URL")

	cfg.PriceOracleURL = getEnvOrDefault("PRICE_ORACLE_URL", "https://api.coingecko.com/api/v3")

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "solboard-summaries")

	durations := []struct {
		key   string
		def   string
		value *time.Duration
	}{
		{"POLL_INTERVAL", "10s", &cfg.PollInterval},
		{"RPC_TIMEOUT", "10s", &cfg.RPCTimeout},
		{"STORE_TIMEOUT", "5s", &cfg.StoreTimeout},
		{"ORACLE_TIMEOUT", "5s", &cfg.OracleTimeout},
		{"RATE_TTL", "5m", &cfg.RateTTL},
		{"RECONNECT_BASE_DELAY", "1s", &cfg.ReconnectBaseDelay},
		{"SUMMARY_INTERVAL", "5m", &cfg.SummaryInterval},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.value = v
	}

	ints := []struct {
		key   string
		def   int
		value *int
	}{
		{"PAGE_SIZE", 10, &cfg.PageSize},
		{"FETCH_MULTIPLIER", 5, &cfg.FetchMultiplier},
		{"FETCH_CONCURRENCY", 4, &cfg.FetchConcurrency},
		{"BREAKER_FAILURE_THRESHOLD", 5, &cfg.BreakerFailureThreshold},
		{"RECONNECT_MAX_ATTEMPTS", 8, &cfg.ReconnectMaxAttempts},
		{"WEBHOOK_MAX_ATTEMPTS", 5, &cfg.WebhookMaxAttempts},
	}
	for _, i := range ints {
		v, err := parseInt(i.key, i.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*i.value = v
	}

	maxSOL, err := parseInt("MAX_PAYMENT_SOL", 1_000_000)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxPaymentSOL = int64(maxSOL)
	}

	fallback, err := parseFloat("RATE_FALLBACK_USD", 150.0)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RateFallbackUSD = fallback
	}

	cfg.WebhookURLs = parseList(os.Getenv("WEBHOOK_URLS"))

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}
	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}
	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("PollInterval must be at least 1 second"))
	}
	if c.PageSize < 1 || c.PageSize > 1000 {
		errs = append(errs, fmt.Errorf("PageSize must be between 1 and 1000"))
	}
	if c.FetchMultiplier < 1 {
		errs = append(errs, fmt.Errorf("FetchMultiplier must be positive"))
	}
	if c.FetchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("FetchConcurrency must be positive"))
	}
	if c.MaxPaymentSOL <= 0 {
		errs = append(errs, fmt.Errorf("MaxPaymentSOL must be positive"))
	} else if uint64(c.MaxPaymentSOL) > maxPaymentSOL {
		errs = append(errs, fmt.Errorf("MaxPaymentSOL must be at most %d", uint64(maxPaymentSOL)))
	}
	if c.RateFallbackUSD < 0 {
		errs = append(errs, fmt.Errorf("RateFallbackUSD cannot be negative"))
	}
	if c.RateTTL <= 0 {
		errs = append(errs, fmt.Errorf("RateTTL must be positive"))
	}
	if c.RPCTimeout <= 0 || c.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RPCTimeout and StoreTimeout must be positive"))
	}
	if c.ReconnectMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ReconnectMaxAttempts must be at least 1"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// RPCEndpoints returns the configured RPC URLs. SOLANA_RPC_URL may hold a
// comma separated list.
func (c *Config) RPCEndpoints() []string {
	return parseList(c.SolanaRPCURL)
}

const lamportsPerSOL = 1_000_000_000

// maxPaymentSOL is the largest ceiling that still fits in lamports.
const maxPaymentSOL = math.MaxUint64 / lamportsPerSOL

// MaxPaymentLamports is the sanity ceiling converted to lamports.
func (c *Config) MaxPaymentLamports() uint64 {
	return uint64(c.MaxPaymentSOL) * lamportsPerSOL
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

// parseList splits a comma separated value, dropping empty entries.
func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
