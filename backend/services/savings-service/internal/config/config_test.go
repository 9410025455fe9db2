package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powersave/backend/services/savings-service/internal/models"
)

func TestLoadAppliesDefaultsAndEnv(t *testing.T) {
	t.Setenv("SAVINGS_JWT_SECRET", "secret")
	t.Setenv("SAVINGS_METERING_URL", "http://meters.local")
	t.Setenv("SAVINGS_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("SAVINGS_PRICE_PER_KWH", "0.28")
	t.Setenv("SAVINGS_FAIL_ON_INVALID_BASELINE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8085", cfg.HTTPAddress())
	assert.Equal(t, 24*time.Hour, cfg.ActiveSessionTTL())
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)

	rates, err := cfg.Rates()
	require.NoError(t, err)
	assert.Equal(t, "0.28", rates.PricePerKWh.String())
	assert.Equal(t, "0.7", rates.CO2KgPerKWh.String())

	est := cfg.BaselineConfig()
	assert.Equal(t, models.BaselineRolling10Day, est.Method)
	assert.Equal(t, 10, est.LookbackDays)
	assert.True(t, est.SeasonalAdjustment)

	opts := cfg.SessionOptions()
	assert.True(t, opts.FailOnInvalidBaseline)
	assert.Equal(t, time.Hour, opts.MinDuration)
	assert.Equal(t, 12*time.Hour, opts.MaxDuration)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "savings.yaml")
	doc := `
http:
  port: ":9090"
auth:
  jwtSecret: file-secret
metering:
  source: postgres
database:
  dsn: postgres://localhost/powersave
baseline:
  method: SAME_WEEKDAY_AVERAGE
  weeksBack: 6
sessions:
  maxDuration: 6h
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddress())
	assert.Equal(t, MeteringPostgres, cfg.Metering.Source)
	assert.Equal(t, models.BaselineSameWeekday, cfg.BaselineConfig().Method)
	assert.Equal(t, 6, cfg.BaselineConfig().WeeksBack)
	assert.Equal(t, 6*time.Hour, cfg.SessionOptions().MaxDuration)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.Auth.JWTSecret = "secret"
		cfg.Metering.BaseURL = "http://meters.local"
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"missing secret":        func(c *Config) { c.Auth.JWTSecret = "" },
		"http source needs url": func(c *Config) { c.Metering.BaseURL = "" },
		"postgres needs dsn":    func(c *Config) { c.Metering.Source = MeteringPostgres },
		"unknown source":        func(c *Config) { c.Metering.Source = "ftp" },
		"unknown method":        func(c *Config) { c.Baseline.Method = "LAST_YEAR" },
		"bad price":             func(c *Config) { c.Pricing.PricePerKWh = "cheap" },
		"negative co2":          func(c *Config) { c.Pricing.CO2KgPerKWh = "-0.1" },
		"inverted durations":    func(c *Config) { c.Sessions.MinDuration = 13 * time.Hour },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
