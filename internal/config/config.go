// Package config provides configuration loading for the orchestration service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig             `mapstructure:"server"`
	Database   DatabaseConfig           `mapstructure:"database"`
	Redis      RedisConfig              `mapstructure:"redis"`
	Chains     []ChainConfig            `mapstructure:"chains" validate:"dive"`
	Backends   map[string]BackendConfig `mapstructure:"backends"`
	LLM        LLMConfig                `mapstructure:"llm"`
	Registry   RegistryConfig           `mapstructure:"registry"`
	Credits    CreditsConfig            `mapstructure:"credits"`
	Payment    PaymentConfig            `mapstructure:"payment"`
	Webhook    WebhookConfig            `mapstructure:"webhook"`
	Dispatcher DispatcherConfig         `mapstructure:"dispatcher"`
	Janitor    JanitorConfig            `mapstructure:"janitor"`
	RateLimit  RateLimitConfig          `mapstructure:"rate_limit"`
	Session    SessionConfig            `mapstructure:"session"`
	Oracle     OracleConfig             `mapstructure:"oracle"`
	Wallet     WalletConfig             `mapstructure:"wallet"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
	SyncWait     time.Duration `mapstructure:"sync_wait"`   // max time to hold an immediate request open
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// IsProd reports whether the server runs with production policies
// (webhook URL restrictions, secure cookies).
func (c ServerConfig) IsProd() bool {
	return c.Environment == "prod"
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ChainConfig describes one watched chain: where to read deposit events
// and how deep a confirmation must be before crediting.
type ChainConfig struct {
	Name              string            `mapstructure:"name" validate:"required"`
	RPCURL            string            `mapstructure:"rpc_url" validate:"required"`
	LedgerContract    string            `mapstructure:"ledger_contract" validate:"required"`
	ConfirmationDepth uint64            `mapstructure:"confirmation_depth"`
	PollInterval      time.Duration     `mapstructure:"poll_interval"`
	StartBlock        uint64            `mapstructure:"start_block"`
	BlockWindow       uint64            `mapstructure:"block_window"` // max blocks per log fetch
	Assets            map[string]string `mapstructure:"assets"`       // token contract address -> asset symbol
}

// BackendConfig describes one upstream generation backend.
type BackendConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	TokenURL          string  `mapstructure:"token_url"` // OAuth2 client-credentials token endpoint, if set
	ClientID          string  `mapstructure:"client_id"`
	ClientSecret      string  `mapstructure:"client_secret"`
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// LLMConfig holds API keys for the hosted model backends.
type LLMConfig struct {
	OpenAIKey    string `mapstructure:"openai_api_key"`
	AnthropicKey string `mapstructure:"anthropic_api_key"`
}

// RegistryConfig controls tool catalog loading.
type RegistryConfig struct {
	ToolsDir           string        `mapstructure:"tools_dir"`
	CatalogURL         string        `mapstructure:"catalog_url"`
	BundleURL          string        `mapstructure:"bundle_url"`
	BundleChecksum     string        `mapstructure:"bundle_checksum"`
	DefaultSoftTimeout time.Duration `mapstructure:"default_soft_timeout"`
	DefaultHardTimeout time.Duration `mapstructure:"default_hard_timeout"`
}

// CreditsConfig sets the credit unit conversion and cost tolerance.
type CreditsConfig struct {
	PerUSD        int64             `mapstructure:"per_usd"`   // credit units minted per 1 USD
	Tolerance     float64           `mapstructure:"tolerance"` // allowed charged/quoted overrun
	HardwareRates map[string]string `mapstructure:"hardware_rates"` // hardware class -> USD per second
}

// PaymentConfig configures the x402 payment gate.
type PaymentConfig struct {
	FacilitatorURL string        `mapstructure:"facilitator_url"`
	Receiver       string        `mapstructure:"receiver"`
	Asset          string        `mapstructure:"asset"`
	AssetDecimals  int32         `mapstructure:"asset_decimals"`
	Network        string        `mapstructure:"network"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
}

// WebhookConfig controls outbound delivery and inbound callback auth.
type WebhookConfig struct {
	CallbackSecret  string        `mapstructure:"callback_secret"`   // HMAC secret for inbound backend callbacks
	CallbackBaseURL string        `mapstructure:"callback_base_url"` // public base URL backends post callbacks to
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	AllowPrivate    bool          `mapstructure:"allow_private"` // permit loopback/private webhook URLs (dev only)
}

// DispatcherConfig sizes the notification worker pool.
type DispatcherConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
	HighWater int `mapstructure:"high_water"` // queue depth at which admission control engages
}

// JanitorConfig controls the periodic reconciliation sweep.
type JanitorConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	ReserveCutoff time.Duration `mapstructure:"reserve_cutoff"` // open reserves older than this with no generation are released
}

// RateLimitConfig bounds per-identity request rates.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// SessionConfig configures web-session authentication.
type SessionConfig struct {
	Secret     string `mapstructure:"secret"`
	CookieName string `mapstructure:"cookie_name"`
}

// OracleConfig points at the price feed used to value deposits.
type OracleConfig struct {
	URL             string            `mapstructure:"url"`
	RefreshInterval time.Duration     `mapstructure:"refresh_interval"`
	FixedRates      map[string]string `mapstructure:"fixed_rates"` // asset -> USD, used when no URL is set
	Decimals        map[string]int32  `mapstructure:"decimals"`    // asset -> atomic unit decimals
}

// WalletConfig controls magic-amount wallet linking.
type WalletConfig struct {
	LinkTTL        time.Duration `mapstructure:"link_ttl"`
	LinkBaseAmount int64         `mapstructure:"link_base_amount"` // atomic units the magic offset is added to
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/manaforge")

	v.SetEnvPrefix("MANAFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Explicitly bind secret-bearing keys (nested struct issue with viper)
	v.BindEnv("llm.openai_api_key", "MANAFORGE_LLM_OPENAI_API_KEY")
	v.BindEnv("llm.anthropic_api_key", "MANAFORGE_LLM_ANTHROPIC_API_KEY")
	v.BindEnv("webhook.callback_secret", "MANAFORGE_WEBHOOK_CALLBACK_SECRET")
	v.BindEnv("webhook.callback_base_url", "MANAFORGE_WEBHOOK_CALLBACK_BASE_URL")
	v.BindEnv("payment.facilitator_url", "MANAFORGE_PAYMENT_FACILITATOR_URL")
	v.BindEnv("payment.receiver", "MANAFORGE_PAYMENT_RECEIVER")
	v.BindEnv("session.secret", "MANAFORGE_SESSION_SECRET")
	v.BindEnv("oracle.url", "MANAFORGE_ORACLE_URL")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.sync_wait", "25s")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "manaforge")
	v.SetDefault("database.password", "manaforge")
	v.SetDefault("database.database", "manaforge")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Registry defaults
	v.SetDefault("registry.tools_dir", "./tools")
	v.SetDefault("registry.default_soft_timeout", "2m")
	v.SetDefault("registry.default_hard_timeout", "10m")

	// Credits defaults: 100 credits = 1 USD, 10% cost tolerance
	v.SetDefault("credits.per_usd", 100)
	v.SetDefault("credits.tolerance", 0.1)

	// Payment defaults (x402 over Base USDC)
	v.SetDefault("payment.asset", "USDC")
	v.SetDefault("payment.asset_decimals", 6)
	v.SetDefault("payment.network", "base")
	v.SetDefault("payment.max_timeout", "60s")

	// Webhook delivery defaults
	v.SetDefault("webhook.callback_base_url", "http://localhost:8080")
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.initial_backoff", "1s")
	v.SetDefault("webhook.max_backoff", "2m")
	v.SetDefault("webhook.allow_private", false)

	// Dispatcher defaults
	v.SetDefault("dispatcher.workers", 8)
	v.SetDefault("dispatcher.queue_size", 1024)
	v.SetDefault("dispatcher.high_water", 768)

	// Janitor defaults
	v.SetDefault("janitor.interval", "1m")
	v.SetDefault("janitor.reserve_cutoff", "30m")

	// Rate limit defaults
	v.SetDefault("rate_limit.requests", 60)
	v.SetDefault("rate_limit.window", "1m")

	// Session defaults
	v.SetDefault("session.cookie_name", "manaforge_session")

	// Oracle defaults
	v.SetDefault("oracle.refresh_interval", "1m")

	// Wallet linking defaults
	v.SetDefault("wallet.link_ttl", "30m")
	v.SetDefault("wallet.link_base_amount", 1000000) // 1.0 in 6-decimal units
}
