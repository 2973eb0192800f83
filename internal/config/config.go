package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/punchgate/internal/retry"
)

type Config struct {
	// DBSource is a postgres connection string. Empty runs on the in-memory store.
	DBSource string `yaml:"db_source"`
	Port     string `yaml:"port"`
	Env      string `yaml:"environment"`

	Redis       RedisConfig       `yaml:"redis"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	LockTTL     time.Duration     `yaml:"lock_ttl"`
	Retry       RetryConfig       `yaml:"retry"`
	Currency    CurrencyConfig    `yaml:"currency"`
	TenantCache TenantCacheConfig `yaml:"tenant_cache"`
	EventStream string            `yaml:"event_stream"`
}

// RedisConfig points at the shared cache. An empty Addr keeps locks, rate
// counters and events in process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RateLimitConfig struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
}

type CurrencyConfig struct {
	Settlement    string  `yaml:"settlement"`
	APIURL        string  `yaml:"api_url"`
	RPS           float64 `yaml:"rps"`
	FailurePolicy string  `yaml:"failure_policy"`
}

type TenantCacheConfig struct {
	TTL  time.Duration `yaml:"ttl"`
	Size int           `yaml:"size"`
}

func defaults() *Config {
	return &Config{
		Port:        "8080",
		Env:         "development",
		RateLimit:   RateLimitConfig{Max: 100, Window: time.Minute},
		LockTTL:     15 * time.Second,
		Retry:       RetryConfig{MaxAttempts: 3, InitialDelay: time.Second},
		Currency:    CurrencyConfig{Settlement: "USD", APIURL: "https://api.exchangerate-api.com/v4/latest/", RPS: 5, FailurePolicy: "abort"},
		TenantCache: TenantCacheConfig{TTL: 5 * time.Minute, Size: 1024},
		EventStream: "punchgate:events",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables.
func Load() (*Config, error) {
	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	var extra Config
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: multiple YAML documents are not supported", path)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("DB_SOURCE", &c.DBSource)
	str("SERVER_PORT", &c.Port)
	str("ENVIRONMENT", &c.Env)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	num("RATE_LIMIT_MAX", &c.RateLimit.Max)
	dur("RATE_LIMIT_WINDOW", &c.RateLimit.Window)
	dur("LOCK_TTL", &c.LockTTL)
	num("RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	dur("RETRY_INITIAL_DELAY", &c.Retry.InitialDelay)
	str("SETTLEMENT_CURRENCY", &c.Currency.Settlement)
	str("CURRENCY_API_URL", &c.Currency.APIURL)
	str("CURRENCY_FAILURE_POLICY", &c.Currency.FailurePolicy)
	if v, ok := lookup("CURRENCY_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CURRENCY_RPS: %w", err))
		} else {
			c.Currency.RPS = f
		}
	}
	dur("TENANT_CACHE_TTL", &c.TenantCache.TTL)
	num("TENANT_CACHE_SIZE", &c.TenantCache.Size)
	str("EVENT_STREAM", &c.EventStream)

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.RateLimit.Max <= 0 {
		errs = append(errs, errors.New("rate limit max must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("lock ttl must be positive"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry max attempts must be positive"))
	}
	if c.Retry.InitialDelay < 0 {
		errs = append(errs, errors.New("retry initial delay must not be negative"))
	}
	// An order persists its header and its items, each with its own retry
	// run, while holding the buyer lock.
	if wait := 2 * c.RetryPolicy().Budget(); c.LockTTL > 0 && c.LockTTL <= wait {
		errs = append(errs, fmt.Errorf("lock ttl %s must exceed the worst-case retry wait of %s", c.LockTTL, wait))
	}
	if len(c.Currency.Settlement) != 3 {
		errs = append(errs, fmt.Errorf("settlement currency %q is not an ISO code", c.Currency.Settlement))
	}
	if c.Currency.RPS <= 0 {
		errs = append(errs, errors.New("currency rps must be positive"))
	}
	if c.Currency.FailurePolicy != "abort" && c.Currency.FailurePolicy != "native" {
		errs = append(errs, fmt.Errorf("currency failure policy must be abort or native, got %q", c.Currency.FailurePolicy))
	}
	if c.TenantCache.TTL <= 0 || c.TenantCache.Size <= 0 {
		errs = append(errs, errors.New("tenant cache ttl and size must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: c.Retry.MaxAttempts, InitialDelay: c.Retry.InitialDelay}
}

func (c *Config) Development() bool { return c.Env == "development" }
