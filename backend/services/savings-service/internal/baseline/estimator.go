package baseline

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"powersave/backend/services/savings-service/internal/models"
)

// valuePlaces is the storage precision of a baseline in kWh.
const valuePlaces = 4

// DefaultSeasonalFactors reflects Cyprus heating (winter) and AC (summer) load.
var DefaultSeasonalFactors = [12]float64{
	1.15, 1.10, 1.00, 0.95, 1.05, 1.20,
	1.30, 1.30, 1.20, 1.00, 1.05, 1.15,
}

// Config controls how baselines are estimated and validated.
type Config struct {
	Method                models.BaselineMethod
	LookbackDays          int
	MinDailyOccurrences   int
	WeeksBack             int
	MinWeekdayOccurrences int
	OutlierSigma          float64
	SeasonalAdjustment    bool
	SeasonalFactors       [12]float64
	// MaxKWhPerHour bounds a plausible household baseline per window hour.
	MaxKWhPerHour float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Method:                models.BaselineRolling10Day,
		LookbackDays:          10,
		MinDailyOccurrences:   5,
		WeeksBack:             4,
		MinWeekdayOccurrences: 2,
		OutlierSigma:          2,
		SeasonalAdjustment:    true,
		SeasonalFactors:       DefaultSeasonalFactors,
		MaxKWhPerHour:         3.34,
	}
}

// Estimator predicts what a user would have consumed during a window.
// It is pure and safe for concurrent use.
type Estimator struct {
	cfg Config
	now func() time.Time
}

// NewEstimator returns an estimator, filling zero config fields with defaults.
func NewEstimator(cfg Config) *Estimator {
	def := DefaultConfig()
	if cfg.Method == "" {
		cfg.Method = def.Method
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = def.LookbackDays
	}
	if cfg.MinDailyOccurrences <= 0 {
		cfg.MinDailyOccurrences = def.MinDailyOccurrences
	}
	if cfg.WeeksBack <= 0 {
		cfg.WeeksBack = def.WeeksBack
	}
	if cfg.MinWeekdayOccurrences <= 0 {
		cfg.MinWeekdayOccurrences = def.MinWeekdayOccurrences
	}
	if cfg.OutlierSigma <= 0 {
		cfg.OutlierSigma = def.OutlierSigma
	}
	if cfg.MaxKWhPerHour <= 0 {
		cfg.MaxKWhPerHour = def.MaxKWhPerHour
	}
	return &Estimator{cfg: cfg, now: time.Now}
}

// Method returns the configured default method.
func (e *Estimator) Method() models.BaselineMethod {
	return e.cfg.Method
}

// HistoryRange returns the span of history needed to estimate window with
// method. Callers fetch metering data for [from, to) before estimating.
func (e *Estimator) HistoryRange(window models.ConsumptionWindow, method models.BaselineMethod) (time.Time, time.Time) {
	days := e.cfg.LookbackDays
	if method == models.BaselineSameWeekday {
		days = e.cfg.WeeksBack * 7
	}
	return window.Start.AddDate(0, 0, -days), window.Start
}

// Estimate runs the configured method.
func (e *Estimator) Estimate(samples []models.ConsumptionSample, window models.ConsumptionWindow) (models.BaselineEstimate, error) {
	return e.EstimateWith(e.cfg.Method, samples, window)
}

// EstimateWith extracts occurrences, averages them with outlier removal,
// applies the seasonal factor and validates the result. An estimate is only
// returned when it passed validation.
func (e *Estimator) EstimateWith(method models.BaselineMethod, samples []models.ConsumptionSample, window models.ConsumptionWindow) (models.BaselineEstimate, error) {
	var (
		occ []Occurrence
		err error
	)
	switch method {
	case models.BaselineRolling10Day:
		occ, err = ExtractOccurrences(samples, window, ModeDaily, e.cfg.LookbackDays, e.cfg.MinDailyOccurrences)
	case models.BaselineSameWeekday:
		occ, err = ExtractOccurrences(samples, window, ModeSameWeekday, e.cfg.WeeksBack, e.cfg.MinWeekdayOccurrences)
	default:
		return models.BaselineEstimate{}, models.InvalidArgumentf("unknown baseline method %q", method)
	}
	if err != nil {
		return models.BaselineEstimate{}, err
	}

	raw := RobustMean(occurrenceValues(occ), e.cfg.OutlierSigma)
	if e.cfg.SeasonalAdjustment {
		raw *= e.SeasonalFactor(window.Start.Month())
	}

	estimate := models.BaselineEstimate{
		Value:       decimal.NewFromFloat(raw).RoundBank(valuePlaces),
		Method:      method,
		SampleCount: len(occ),
		ComputedAt:  e.now().UTC(),
	}
	if err := e.Validate(estimate, window); err != nil {
		return models.BaselineEstimate{}, err
	}
	return estimate, nil
}

// SeasonalFactor returns the configured multiplier for month, 1.0 when unset.
func (e *Estimator) SeasonalFactor(month time.Month) float64 {
	if month < time.January || month > time.December {
		return 1
	}
	f := e.cfg.SeasonalFactors[month-1]
	if f <= 0 {
		return 1
	}
	return f
}

// Validate rejects baselines that are not positive or exceed the plausible
// ceiling for the window length.
func (e *Estimator) Validate(estimate models.BaselineEstimate, window models.ConsumptionWindow) error {
	if window.Duration <= 0 {
		return models.InvalidArgumentf("window duration must be positive, got %s", window.Duration)
	}
	if !estimate.Value.IsPositive() {
		return fmt.Errorf("%w: %s kWh is not positive", models.ErrInvalidBaseline, estimate.Value)
	}
	ceiling := decimal.NewFromFloat(e.cfg.MaxKWhPerHour * window.Hours())
	if estimate.Value.GreaterThan(ceiling) {
		return fmt.Errorf("%w: %s kWh exceeds ceiling %s kWh for %s window",
			models.ErrInvalidBaseline, estimate.Value, ceiling.StringFixed(2), window.Duration)
	}
	return nil
}

// RobustMean averages values after dropping those further than sigma
// standard deviations from the mean. Below three values the plain mean is
// returned. If the filter would drop everything, all values are kept.
func RobustMean(values []float64, sigma float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	if len(values) < 3 {
		return m
	}
	sd := sampleStdDev(values, m)
	filtered := make([]float64, 0, len(values))
	for _, v := range values {
		if math.Abs(v-m) <= sigma*sd {
			filtered = append(filtered, v)
		}
	}
	if len(filtered) == 0 {
		return m
	}
	return mean(filtered)
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func sampleStdDev(values []float64, m float64) float64 {
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}
