package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	libconfig "powersave/backend/libs/config"
	libdb "powersave/backend/libs/db"
	"powersave/backend/services/savings-service/internal/baseline"
	"powersave/backend/services/savings-service/internal/metering"
	"powersave/backend/services/savings-service/internal/models"
	"powersave/backend/services/savings-service/internal/savings"
	"powersave/backend/services/savings-service/internal/service"
)

// Metering sources.
const (
	MeteringHTTP     = "http"
	MeteringPostgres = "postgres"
)

const defaultPort = "8085"

// Config defines savings service configuration.
type Config struct {
	HTTP         HTTPConfig         `yaml:"http"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Auth         AuthConfig         `yaml:"auth"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Metering     MeteringConfig     `yaml:"metering"`
	Municipality MunicipalityConfig `yaml:"municipality"`
	Pricing      PricingConfig      `yaml:"pricing"`
	Baseline     BaselineConfig     `yaml:"baseline"`
	Sessions     SessionsConfig     `yaml:"sessions"`
}

type HTTPConfig struct {
	Port        string   `yaml:"port" env:"SAVINGS_HTTP_PORT"`
	CORSOrigins []string `yaml:"corsOrigins" env:"SAVINGS_CORS_ORIGINS"`
}

// DatabaseConfig selects the store. An empty DSN runs on the in-memory store.
type DatabaseConfig struct {
	DSN          string        `yaml:"dsn" env:"SAVINGS_POSTGRES_DSN"`
	MaxOpenConns int           `yaml:"maxOpenConns" env:"SAVINGS_POSTGRES_MAX_OPEN_CONNS"`
	MaxIdleConns int           `yaml:"maxIdleConns" env:"SAVINGS_POSTGRES_MAX_IDLE_CONNS"`
	ConnLifetime time.Duration `yaml:"connLifetime" env:"SAVINGS_POSTGRES_CONN_LIFETIME"`
	Migrate      bool          `yaml:"migrate" env:"SAVINGS_POSTGRES_MIGRATE"`
}

// RedisConfig configures the active session cache. An empty addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"SAVINGS_REDIS_ADDR"`
	Password string `yaml:"password" env:"SAVINGS_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"SAVINGS_REDIS_DB"`
	TTL      int    `yaml:"ttlSeconds" env:"SAVINGS_REDIS_TTL"`
}

type AuthConfig struct {
	JWTSecret      string `yaml:"jwtSecret" env:"SAVINGS_JWT_SECRET"`
	InternalAPIKey string `yaml:"internalApiKey" env:"SAVINGS_INTERNAL_API_KEY"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" env:"SAVINGS_KAFKA_BROKERS"`
	Topic        string        `yaml:"topic" env:"SAVINGS_KAFKA_TOPIC"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"SAVINGS_KAFKA_WRITE_TIMEOUT"`
}

type MeteringConfig struct {
	Source  string        `yaml:"source" env:"SAVINGS_METERING_SOURCE"`
	BaseURL string        `yaml:"baseUrl" env:"SAVINGS_METERING_URL"`
	APIKey  string        `yaml:"apiKey" env:"SAVINGS_METERING_API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"SAVINGS_METERING_TIMEOUT"`
	Breaker BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	MaxRequests uint32        `yaml:"maxRequests" env:"SAVINGS_BREAKER_MAX_REQUESTS"`
	Interval    time.Duration `yaml:"interval" env:"SAVINGS_BREAKER_INTERVAL"`
	Timeout     time.Duration `yaml:"timeout" env:"SAVINGS_BREAKER_TIMEOUT"`
	MinRequests uint32        `yaml:"minRequests" env:"SAVINGS_BREAKER_MIN_REQUESTS"`
	FailureRate float64       `yaml:"failureRate" env:"SAVINGS_BREAKER_FAILURE_RATE"`
}

// MunicipalityConfig points at the waste fee API. An empty URL disables
// fee lookups and payment notifications.
type MunicipalityConfig struct {
	BaseURL string        `yaml:"baseUrl" env:"SAVINGS_MUNICIPALITY_URL"`
	APIKey  string        `yaml:"apiKey" env:"SAVINGS_MUNICIPALITY_API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"SAVINGS_MUNICIPALITY_TIMEOUT"`
}

// PricingConfig holds decimal strings so no precision is lost on load.
type PricingConfig struct {
	PricePerKWh     string `yaml:"pricePerKwh" env:"SAVINGS_PRICE_PER_KWH"`
	CO2KgPerKWh     string `yaml:"co2KgPerKwh" env:"SAVINGS_CO2_KG_PER_KWH"`
	PointsPerKWh    string `yaml:"pointsPerKwh" env:"SAVINGS_POINTS_PER_KWH"`
	BonusMultiplier string `yaml:"bonusMultiplier" env:"SAVINGS_BONUS_MULTIPLIER"`
}

type BaselineConfig struct {
	Method                string  `yaml:"method" env:"SAVINGS_BASELINE_METHOD"`
	LookbackDays          int     `yaml:"lookbackDays" env:"SAVINGS_BASELINE_LOOKBACK_DAYS"`
	MinDailyOccurrences   int     `yaml:"minDailyOccurrences" env:"SAVINGS_BASELINE_MIN_DAILY"`
	WeeksBack             int     `yaml:"weeksBack" env:"SAVINGS_BASELINE_WEEKS_BACK"`
	MinWeekdayOccurrences int     `yaml:"minWeekdayOccurrences" env:"SAVINGS_BASELINE_MIN_WEEKDAY"`
	OutlierSigma          float64 `yaml:"outlierSigma" env:"SAVINGS_BASELINE_OUTLIER_SIGMA"`
	SeasonalAdjustment    bool    `yaml:"seasonalAdjustment" env:"SAVINGS_BASELINE_SEASONAL"`
	MaxKWhPerHour         float64 `yaml:"maxKwhPerHour" env:"SAVINGS_BASELINE_MAX_KWH_PER_HOUR"`
}

type SessionsConfig struct {
	FailOnInvalidBaseline bool          `yaml:"failOnInvalidBaseline" env:"SAVINGS_FAIL_ON_INVALID_BASELINE"`
	MinDuration           time.Duration `yaml:"minDuration" env:"SAVINGS_SESSION_MIN_DURATION"`
	MaxDuration           time.Duration `yaml:"maxDuration" env:"SAVINGS_SESSION_MAX_DURATION"`
}

// Defaults returns the configuration used before file and env overrides.
func Defaults() *Config {
	rates := savings.DefaultRates()
	est := baseline.DefaultConfig()
	sess := service.DefaultOptions()
	breaker := metering.DefaultBreakerSettings()

	return &Config{
		HTTP: HTTPConfig{
			Port:        defaultPort,
			CORSOrigins: []string{"*"},
		},
		Database: DatabaseConfig{Migrate: true},
		Redis:    RedisConfig{TTL: 86400},
		Kafka:    KafkaConfig{Topic: "powersave.savings", WriteTimeout: 5 * time.Second},
		Metering: MeteringConfig{
			Source:  MeteringHTTP,
			Timeout: 10 * time.Second,
			Breaker: BreakerConfig{
				MaxRequests: breaker.MaxRequests,
				Interval:    breaker.Interval,
				Timeout:     breaker.Timeout,
				MinRequests: breaker.MinRequests,
				FailureRate: breaker.FailureRate,
			},
		},
		Municipality: MunicipalityConfig{Timeout: 10 * time.Second},
		Pricing: PricingConfig{
			PricePerKWh:     rates.PricePerKWh.String(),
			CO2KgPerKWh:     rates.CO2KgPerKWh.String(),
			PointsPerKWh:    rates.PointsPerKWh.String(),
			BonusMultiplier: rates.BonusMultiplier.String(),
		},
		Baseline: BaselineConfig{
			Method:                string(est.Method),
			LookbackDays:          est.LookbackDays,
			MinDailyOccurrences:   est.MinDailyOccurrences,
			WeeksBack:             est.WeeksBack,
			MinWeekdayOccurrences: est.MinWeekdayOccurrences,
			OutlierSigma:          est.OutlierSigma,
			SeasonalAdjustment:    est.SeasonalAdjustment,
			MaxKWhPerHour:         est.MaxKWhPerHour,
		},
		Sessions: SessionsConfig{
			MinDuration: sess.MinDuration,
			MaxDuration: sess.MaxDuration,
		},
	}
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := Defaults()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("config: jwt secret required")
	}
	switch c.Metering.Source {
	case MeteringHTTP:
		if strings.TrimSpace(c.Metering.BaseURL) == "" {
			return errors.New("config: metering url required for http source")
		}
	case MeteringPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("config: database dsn required for postgres metering source")
		}
	default:
		return fmt.Errorf("config: unknown metering source %q", c.Metering.Source)
	}
	switch models.BaselineMethod(c.Baseline.Method) {
	case models.BaselineRolling10Day, models.BaselineSameWeekday:
	default:
		return fmt.Errorf("config: unknown baseline method %q", c.Baseline.Method)
	}
	if c.Sessions.MinDuration > c.Sessions.MaxDuration {
		return errors.New("config: session min duration exceeds max duration")
	}
	if _, err := c.Rates(); err != nil {
		return err
	}
	return nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = defaultPort
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// ActiveSessionTTL returns ttl as duration.
func (c *Config) ActiveSessionTTL() time.Duration {
	if c.Redis.TTL <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Redis.TTL) * time.Second
}

// PoolOptions returns the postgres pool settings.
func (c *Config) PoolOptions() libdb.PoolOptions {
	return libdb.PoolOptions{
		MaxOpenConns: c.Database.MaxOpenConns,
		MaxIdleConns: c.Database.MaxIdleConns,
		ConnLifetime: c.Database.ConnLifetime,
	}
}

// Rates parses the pricing section.
func (c *Config) Rates() (savings.Rates, error) {
	var (
		rates savings.Rates
		err   error
	)
	if rates.PricePerKWh, err = parseRate("pricePerKwh", c.Pricing.PricePerKWh); err != nil {
		return savings.Rates{}, err
	}
	if rates.CO2KgPerKWh, err = parseRate("co2KgPerKwh", c.Pricing.CO2KgPerKWh); err != nil {
		return savings.Rates{}, err
	}
	if rates.PointsPerKWh, err = parseRate("pointsPerKwh", c.Pricing.PointsPerKWh); err != nil {
		return savings.Rates{}, err
	}
	if rates.BonusMultiplier, err = parseRate("bonusMultiplier", c.Pricing.BonusMultiplier); err != nil {
		return savings.Rates{}, err
	}
	return rates, nil
}

func parseRate(name, raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: pricing %s: %w", name, err)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("config: pricing %s must not be negative", name)
	}
	return v, nil
}

// BaselineConfig converts the baseline section for the estimator.
func (c *Config) BaselineConfig() baseline.Config {
	cfg := baseline.DefaultConfig()
	cfg.Method = models.BaselineMethod(c.Baseline.Method)
	cfg.LookbackDays = c.Baseline.LookbackDays
	cfg.MinDailyOccurrences = c.Baseline.MinDailyOccurrences
	cfg.WeeksBack = c.Baseline.WeeksBack
	cfg.MinWeekdayOccurrences = c.Baseline.MinWeekdayOccurrences
	cfg.OutlierSigma = c.Baseline.OutlierSigma
	cfg.SeasonalAdjustment = c.Baseline.SeasonalAdjustment
	cfg.MaxKWhPerHour = c.Baseline.MaxKWhPerHour
	return cfg
}

// SessionOptions converts the sessions section for the state machine.
func (c *Config) SessionOptions() service.Options {
	return service.Options{
		FailOnInvalidBaseline: c.Sessions.FailOnInvalidBaseline,
		MinDuration:           c.Sessions.MinDuration,
		MaxDuration:           c.Sessions.MaxDuration,
	}
}

// BreakerSettings converts the breaker section for the metering client.
func (c *Config) BreakerSettings() metering.BreakerSettings {
	b := c.Metering.Breaker
	return metering.BreakerSettings{
		MaxRequests: b.MaxRequests,
		Interval:    b.Interval,
		Timeout:     b.Timeout,
		MinRequests: b.MinRequests,
		FailureRate: b.FailureRate,
	}
}
