// Package config defines the library's configuration structure. Values are
// loaded once at process initialization and are immutable thereafter,
// resolved from the OS environment with an optional dotenv file underneath.
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"fmt"
	"net/url"
	"time"

	"payfast/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for credentials to prevent accidental logging.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Merchant MerchantConfig
	API      APIConfig
	ITN      ITNConfig
	Cache    CacheConfig
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
}

// MerchantConfig holds the merchant credentials issued by the gateway.
type MerchantConfig struct {
	MerchantID  string       `envconfig:"PAYFAST_MERCHANT_ID" validate:"required"`
	MerchantKey SecretString `envconfig:"PAYFAST_MERCHANT_KEY" validate:"required"`
	// Passphrase salts every signature. The gateway caps it at 32
	// characters.
	Passphrase SecretString `envconfig:"PAYFAST_PASSPHRASE" validate:"required,max=32"`
	ReturnURL  string       `envconfig:"PAYFAST_RETURN_URL" validate:"omitempty,url"`
	CancelURL  string       `envconfig:"PAYFAST_CANCEL_URL" validate:"omitempty,url"`
	NotifyURL  string       `envconfig:"PAYFAST_NOTIFY_URL" validate:"omitempty,url"`
}

// APIConfig holds the gateway endpoints and client tuning.
type APIConfig struct {
	// Sandbox routes everything at the gateway's test environment.
	Sandbox    bool          `envconfig:"PAYFAST_SANDBOX" default:"false"`
	APIRoot    string        `envconfig:"PAYFAST_API_ROOT" default:"https://api.payfast.co.za" validate:"url"`
	APIVersion string        `envconfig:"PAYFAST_API_VERSION" default:"v1"`
	Timeout    time.Duration `envconfig:"PAYFAST_API_TIMEOUT" default:"30s"`
}

// ITNConfig holds notification verification settings.
type ITNConfig struct {
	// AllowedSources are the networks and addresses the gateway posts
	// notifications from.
	AllowedSources []string `envconfig:"PAYFAST_ALLOWED_SOURCES" default:"197.97.145.144/28,41.74.179.192/27,144.126.193.139"`
	// GracePeriodDays is how long after a missed charge a subscription is
	// still treated as paid. The gateway retries for roughly a week, so
	// values under 6 misclassify subscriptions it will still collect on.
	GracePeriodDays int `envconfig:"PAYFAST_GRACE_PERIOD_DAYS" default:"7" validate:"min=6"`
}

// CacheConfig tunes the subscription snapshot cache.
type CacheConfig struct {
	TTL       time.Duration `envconfig:"PAYFAST_CACHE_TTL" default:"5m"`
	KeyPrefix string        `envconfig:"PAYFAST_CACHE_KEY_PREFIX" default:"payfast:"`
}

// ServerConfig holds the notification receiver's HTTP settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds the optional notification ledger connection.
type DatabaseConfig struct {
	// URL enables persistent notification deduplication when set.
	URL      SecretString  `envconfig:"DATABASE_URL" validate:"omitempty,url"`
	MaxConns int           `envconfig:"DB_MAX_CONNS" default:"10"`
	Lifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// RedisConfig holds the optional shared cache connection.
type RedisConfig struct {
	// Addr enables the shared snapshot cache when set; otherwise an
	// in-process cache is used.
	Addr     string       `envconfig:"REDIS_ADDR"`
	Password SecretString `envconfig:"REDIS_PASSWORD"`
	DB       int          `envconfig:"REDIS_DB" default:"0"`
}

// paymentHost and sandboxHost are the hosted payment page domains.
const (
	paymentHost = "www.payfast.co.za"
	sandboxHost = "sandbox.payfast.co.za"
)

// Host returns the hosted payment domain for the configured environment.
func (c *Config) Host() string {
	if c.API.Sandbox {
		return sandboxHost
	}
	return paymentHost
}

// ValidateURL is the endpoint notifications are replayed to for remote
// confirmation.
func (c *Config) ValidateURL() string {
	return fmt.Sprintf("https://%s/eng/query/validate", c.Host())
}

// DSN returns the database URL as a plain string for pool construction.
func (d DatabaseConfig) DSN() string {
	return d.URL.Unmask()
}

// Validate checks cross-field constraints envconfig tags cannot express.
func (c *Config) Validate() error {
	if _, err := url.Parse(c.API.APIRoot); err != nil {
		return fmt.Errorf("invalid API root: %w", err)
	}
	return nil
}
