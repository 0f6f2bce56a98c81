// Package config loads and validates the bot's YAML configuration.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/stablebot/errs"
)

// DefaultPath is used when no -config flag is given.
const DefaultPath = "config/stablebot.yaml"

// ExchangeConfig holds venue credentials and transport tuning.
type ExchangeConfig struct {
	APIKey            string        `yaml:"apiKey"`
	APISecret         string        `yaml:"apiSecret"`
	Testnet           bool          `yaml:"testnet"`
	RESTBaseURL       string        `yaml:"restBaseURL"`
	WSBaseURL         string        `yaml:"wsBaseURL"`
	HTTPTimeout       time.Duration `yaml:"httpTimeout"`
	RecvWindow        time.Duration `yaml:"recvWindow"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	RequestBurst      int           `yaml:"requestBurst"`
}

func (c *ExchangeConfig) applyDefaults() {
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.APISecret = strings.TrimSpace(c.APISecret)
	c.RESTBaseURL = strings.TrimSpace(c.RESTBaseURL)
	c.WSBaseURL = strings.TrimSpace(c.WSBaseURL)
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = 5 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.RequestBurst <= 0 {
		c.RequestBurst = 5
	}
}

// BotConfig holds the quoting strategy parameters.
type BotConfig struct {
	BaseAsset             string          `yaml:"baseAsset"`
	QuoteAsset            string          `yaml:"quoteAsset"`
	BuyPriceLimit         decimal.Decimal `yaml:"buyPriceLimit"`
	SellUsingLastBuyPrice bool            `yaml:"sellUsingLastBuyPrice"`
	MinBaseQuantity       decimal.Decimal `yaml:"minBaseQuantity"`
	MinQuoteQuantity      decimal.Decimal `yaml:"minQuoteQuantity"`
	PriceStep             decimal.Decimal `yaml:"priceStep"`
	PricePrecision        int32           `yaml:"pricePrecision"`
	CancelOnShutdown      bool            `yaml:"cancelOnShutdown"`
}

// Symbol returns the venue pair name, e.g. USDCUSDT.
func (c BotConfig) Symbol() string {
	return c.BaseAsset + c.QuoteAsset
}

func (c *BotConfig) applyDefaults() {
	c.BaseAsset = normalizeAsset(c.BaseAsset)
	c.QuoteAsset = normalizeAsset(c.QuoteAsset)
	if c.MinBaseQuantity.IsZero() {
		c.MinBaseQuantity = decimal.NewFromInt(11)
	}
	if c.MinQuoteQuantity.IsZero() {
		c.MinQuoteQuantity = decimal.NewFromInt(10)
	}
	if c.PriceStep.IsZero() {
		c.PriceStep = decimal.New(1, -4)
	}
	if c.PricePrecision <= 0 {
		c.PricePrecision = 4
	}
}

func (c BotConfig) validate() error {
	if c.BaseAsset == "" || c.QuoteAsset == "" {
		return fmt.Errorf("baseAsset and quoteAsset required")
	}
	if !c.BuyPriceLimit.IsPositive() {
		return fmt.Errorf("buyPriceLimit must be >0")
	}
	if !c.PriceStep.IsPositive() {
		return fmt.Errorf("priceStep must be >0")
	}
	if c.PricePrecision > 18 {
		return fmt.Errorf("pricePrecision must be <=18")
	}
	if c.MinBaseQuantity.IsNegative() || c.MinQuoteQuantity.IsNegative() {
		return fmt.Errorf("minimum quantities must be >=0")
	}
	return nil
}

// StreamsConfig tunes the websocket sessions.
type StreamsConfig struct {
	ReconnectAttempts           int           `yaml:"reconnectAttempts"`
	ReconnectInterval           time.Duration `yaml:"reconnectInterval"`
	SendRetryInterval           time.Duration `yaml:"sendRetryInterval"`
	ListenKeyRenewInterval      time.Duration `yaml:"listenKeyRenewInterval"`
	CloseListenKeyOnUnsubscribe bool          `yaml:"closeListenKeyOnUnsubscribe"`
}

func (c *StreamsConfig) applyDefaults() {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 3
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 500 * time.Millisecond
	}
	if c.SendRetryInterval <= 0 {
		c.SendRetryInterval = 100 * time.Millisecond
	}
	if c.ListenKeyRenewInterval <= 0 {
		c.ListenKeyRenewInterval = 30 * time.Minute
	}
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls the optional PostgreSQL order journal.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/stablebot"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// StatusServerConfig configures the read-only HTTP surface. An empty Addr disables it.
type StatusServerConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the full bot configuration sourced from YAML.
type AppConfig struct {
	Environment  Environment        `yaml:"environment"`
	Exchange     ExchangeConfig     `yaml:"exchange"`
	Bot          BotConfig          `yaml:"bot"`
	Streams      StreamsConfig      `yaml:"streams"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Database     DatabaseConfig     `yaml:"database"`
	StatusServer StatusServerConfig `yaml:"statusServer"`
}

// Load reads path, applies credential environment overrides and defaults, and validates.
func Load(ctx context.Context, path string) (AppConfig, error) {
	return load(ctx, path, os.LookupEnv)
}

func load(_ context.Context, path string, lookup func(string) (string, bool)) (AppConfig, error) {
	reader, closer, err := openConfigFile(path)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnv(lookup)
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && strings.TrimSpace(v) != "" {
		c.Exchange.APIKey = v
	}
	if v, ok := lookup(EnvAPISecret); ok && strings.TrimSpace(v) != "" {
		c.Exchange.APISecret = v
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.StatusServer.Addr = strings.TrimSpace(c.StatusServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "stablebot"
	}

	c.Exchange.applyDefaults()
	c.Bot.applyDefaults()
	c.Streams.applyDefaults()
	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return errs.New("", errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("exchange apiKey and apiSecret required (or %s / %s)", EnvAPIKey, EnvAPISecret)),
			errs.WithCanonicalCode(errs.CanonicalMissingCredentials))
	}
	if err := c.Bot.validate(); err != nil {
		return fmt.Errorf("bot: %w", err)
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	if candidate == "" {
		candidate = DefaultPath
	}
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
