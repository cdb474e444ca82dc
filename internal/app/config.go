package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (FULFILL_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"HTTP server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (FULFILL_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL    string `usage:"Redis connection URL for webhook dedup (optional)" flag:"redis-url"`
	Stripe      StripeConfig
	Checkout    CheckoutConfig
	SMTP        SMTPConfig
	Analytics   AnalyticsConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// StripeConfig holds the payment provider credentials. Both fields are
// required for the respective path to operate; with an empty webhook secret
// the webhook endpoint rejects all deliveries.
type StripeConfig struct {
	APIKey        string `usage:"Stripe secret API key (FULFILL_STRIPE_API_KEY)" flag:"stripe-api-key"`
	WebhookSecret string `usage:"Stripe webhook signing secret (FULFILL_STRIPE_WEBHOOK_SECRET)" flag:"stripe-webhook-secret"`
}

// CheckoutConfig controls hosted checkout session creation.
type CheckoutConfig struct {
	Currency   string `default:"usd" usage:"ISO currency code for checkout sessions"`
	SuccessURL string `usage:"Redirect URL after successful payment" flag:"success-url"`
	CancelURL  string `usage:"Redirect URL after canceled payment" flag:"cancel-url"`
}

// SMTPConfig controls confirmation email delivery. With an empty Host the
// service logs confirmations instead of sending them.
type SMTPConfig struct {
	Host     string `usage:"SMTP server host (empty disables email)"`
	Port     int    `default:"587" usage:"SMTP server port"`
	Username string `usage:"SMTP username"`
	Password string `usage:"SMTP password"`
	From     string `default:"orders@feastly.example" usage:"Confirmation sender address"`
}

// AnalyticsConfig controls the payment analytics pipeline.
type AnalyticsConfig struct {
	ArchivePath string `usage:"Path for the gzipped NDJSON event archive (empty logs events instead)" flag:"analytics-archive"`
	BufferSize  int    `default:"256" usage:"In-flight analytics event buffer" flag:"analytics-buffer"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "FULFILL",
		Files:     []string{"config.yaml", "/etc/fulfillment/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set FULFILL_DATABASE_URL or DATABASE_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's FULFILL_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.RedisURL == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			c.RedisURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
