package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the runtime configuration of escrowd. Values come from defaults,
// an optional config file and ESCROWD_* environment variables, in increasing
// precedence.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	PgDSN string

	LogLevel string
	LogFile  string

	AuthSecret string

	MaxRetries int

	PayoutMaxAttempts    int
	PayoutBaseBackoff    time.Duration
	PayoutMaxBackoff     time.Duration
	PayoutGatewayTimeout time.Duration
	PayoutSweepInterval  time.Duration
	PayoutWorkers        int
	PayoutRatePerSec     float64
	PayoutDelay          time.Duration
	PayoutGatewayURL     string
	PayoutGatewayToken   string

	NotifyWebhookURL    string
	NotifyWebhookSecret string

	RateLimitRPS   float64
	RateLimitBurst int
}

func (c *Config) String() string {
	redacted := *c
	if redacted.AuthSecret != "" {
		redacted.AuthSecret = "***"
	}
	if redacted.PayoutGatewayToken != "" {
		redacted.PayoutGatewayToken = "***"
	}
	if redacted.NotifyWebhookSecret != "" {
		redacted.NotifyWebhookSecret = "***"
	}
	if redacted.PgDSN != "" {
		redacted.PgDSN = "***"
	}
	json, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	HTTPAddr             = "HTTP_ADDR"
	GRPCAddr             = "GRPC_ADDR"
	PgDSN                = "PG_DSN"
	LogLevel             = "LOG_LEVEL"
	LogFile              = "LOG_FILE"
	AuthSecret           = "AUTH_SECRET"
	MaxRetries           = "MACHINE_MAX_RETRIES"
	PayoutMaxAttempts    = "PAYOUT_MAX_ATTEMPTS"
	PayoutBaseBackoff    = "PAYOUT_BASE_BACKOFF"
	PayoutMaxBackoff     = "PAYOUT_MAX_BACKOFF"
	PayoutGatewayTimeout = "PAYOUT_GATEWAY_TIMEOUT"
	PayoutSweepInterval  = "PAYOUT_SWEEP_INTERVAL"
	PayoutWorkers        = "PAYOUT_WORKERS"
	PayoutRatePerSec     = "PAYOUT_RATE_PER_SEC"
	PayoutDelay          = "PAYOUT_DELAY"
	PayoutGatewayURL     = "PAYOUT_GATEWAY_URL"
	PayoutGatewayToken   = "PAYOUT_GATEWAY_TOKEN"
	NotifyWebhookURL     = "NOTIFY_WEBHOOK_URL"
	NotifyWebhookSecret  = "NOTIFY_WEBHOOK_SECRET"
	RateLimitRPS         = "RATE_LIMIT_RPS"
	RateLimitBurst       = "RATE_LIMIT_BURST"

	defaultHTTPAddr             = ":8080"
	defaultGRPCAddr             = ":9090"
	defaultLogLevel             = "info"
	defaultMaxRetries           = 3
	defaultPayoutMaxAttempts    = 5
	defaultPayoutBaseBackoff    = time.Second
	defaultPayoutMaxBackoff     = 5 * time.Minute
	defaultPayoutGatewayTimeout = 10 * time.Second
	defaultPayoutSweepInterval  = 2 * time.Second
	defaultPayoutWorkers        = 4
	defaultPayoutRatePerSec     = 20.0
	defaultRateLimitRPS         = 50.0
	defaultRateLimitBurst       = 100
)

// LoadConfig reads the configuration. file may be empty.
func LoadConfig(file string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ESCROWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(HTTPAddr, defaultHTTPAddr)
	v.SetDefault(GRPCAddr, defaultGRPCAddr)
	v.SetDefault(LogLevel, defaultLogLevel)
	v.SetDefault(MaxRetries, defaultMaxRetries)
	v.SetDefault(PayoutMaxAttempts, defaultPayoutMaxAttempts)
	v.SetDefault(PayoutBaseBackoff, defaultPayoutBaseBackoff)
	v.SetDefault(PayoutMaxBackoff, defaultPayoutMaxBackoff)
	v.SetDefault(PayoutGatewayTimeout, defaultPayoutGatewayTimeout)
	v.SetDefault(PayoutSweepInterval, defaultPayoutSweepInterval)
	v.SetDefault(PayoutWorkers, defaultPayoutWorkers)
	v.SetDefault(PayoutRatePerSec, defaultPayoutRatePerSec)
	v.SetDefault(PayoutDelay, time.Duration(0))
	v.SetDefault(RateLimitRPS, defaultRateLimitRPS)
	v.SetDefault(RateLimitBurst, defaultRateLimitBurst)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	cfg := &Config{
		HTTPAddr:             v.GetString(HTTPAddr),
		GRPCAddr:             v.GetString(GRPCAddr),
		PgDSN:                v.GetString(PgDSN),
		LogLevel:             v.GetString(LogLevel),
		LogFile:              v.GetString(LogFile),
		AuthSecret:           v.GetString(AuthSecret),
		MaxRetries:           v.GetInt(MaxRetries),
		PayoutMaxAttempts:    v.GetInt(PayoutMaxAttempts),
		PayoutBaseBackoff:    v.GetDuration(PayoutBaseBackoff),
		PayoutMaxBackoff:     v.GetDuration(PayoutMaxBackoff),
		PayoutGatewayTimeout: v.GetDuration(PayoutGatewayTimeout),
		PayoutSweepInterval:  v.GetDuration(PayoutSweepInterval),
		PayoutWorkers:        v.GetInt(PayoutWorkers),
		PayoutRatePerSec:     v.GetFloat64(PayoutRatePerSec),
		PayoutDelay:          v.GetDuration(PayoutDelay),
		PayoutGatewayURL:     v.GetString(PayoutGatewayURL),
		PayoutGatewayToken:   v.GetString(PayoutGatewayToken),
		NotifyWebhookURL:     v.GetString(NotifyWebhookURL),
		NotifyWebhookSecret:  v.GetString(NotifyWebhookSecret),
		RateLimitRPS:         v.GetFloat64(RateLimitRPS),
		RateLimitBurst:       v.GetInt(RateLimitBurst),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%s must be >= 0", MaxRetries))
	}
	if c.PayoutMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("%s must be >= 1", PayoutMaxAttempts))
	}
	if c.PayoutBaseBackoff <= 0 || c.PayoutMaxBackoff < c.PayoutBaseBackoff {
		errs = append(errs, fmt.Errorf("%s must be positive and not above %s", PayoutBaseBackoff, PayoutMaxBackoff))
	}
	if c.PayoutGatewayTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", PayoutGatewayTimeout))
	}
	if c.PayoutWorkers < 1 {
		errs = append(errs, fmt.Errorf("%s must be >= 1", PayoutWorkers))
	}
	if c.PayoutDelay < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", PayoutDelay))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
