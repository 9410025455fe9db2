package savings

import (
	"github.com/shopspring/decimal"

	"powersave/backend/services/savings-service/internal/models"
)

const (
	amountPlaces  = 2
	percentPlaces = 1
)

var hundred = decimal.NewFromInt(100)

// Rates holds the pricing and gamification parameters. They come from
// configuration so tests can vary them freely.
type Rates struct {
	PricePerKWh     decimal.Decimal
	CO2KgPerKWh     decimal.Decimal
	PointsPerKWh    decimal.Decimal
	BonusMultiplier decimal.Decimal
}

// DefaultRates mirrors the Cyprus EAC tariff the programme launched with.
func DefaultRates() Rates {
	return Rates{
		PricePerKWh:     decimal.RequireFromString("0.30"),
		CO2KgPerKWh:     decimal.RequireFromString("0.7"),
		PointsPerKWh:    decimal.NewFromInt(10),
		BonusMultiplier: decimal.NewFromInt(2),
	}
}

// Calculator converts a measured reduction into money, CO2 and points.
type Calculator struct {
	rates Rates
}

// NewCalculator returns a calculator using rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Rates returns the configured rates.
func (c *Calculator) Rates() Rates {
	return c.rates
}

// Calculate derives the savings of a session. Consumption at or above the
// baseline yields the all-zero result. Rounding (half-even) happens once,
// after all arithmetic.
func (c *Calculator) Calculate(baseline, actual decimal.Decimal, bonus bool) (models.SavingsResult, error) {
	if !baseline.IsPositive() {
		return models.SavingsResult{}, models.InvalidArgumentf("baseline must be positive, got %s", baseline)
	}
	if actual.IsNegative() {
		return models.SavingsResult{}, models.InvalidArgumentf("actual consumption must not be negative, got %s", actual)
	}

	saved := baseline.Sub(actual)
	if !saved.IsPositive() {
		return zeroResult(), nil
	}

	eur := saved.Mul(c.rates.PricePerKWh)
	co2 := saved.Mul(c.rates.CO2KgPerKWh)

	points := saved.Mul(c.rates.PointsPerKWh).Floor()
	if bonus {
		points = points.Mul(c.rates.BonusMultiplier).Floor()
	}

	percent := saved.Div(baseline).Mul(hundred)

	return models.SavingsResult{
		SavedKWh:       saved.RoundBank(amountPlaces),
		SavedEUR:       eur.RoundBank(amountPlaces),
		SavedCO2Kg:     co2.RoundBank(amountPlaces),
		PointsEarned:   points.IntPart(),
		SavingsPercent: percent.RoundBank(percentPlaces),
	}, nil
}

func zeroResult() models.SavingsResult {
	return models.SavingsResult{
		SavedKWh:       decimal.Zero,
		SavedEUR:       decimal.Zero,
		SavedCO2Kg:     decimal.Zero,
		SavingsPercent: decimal.Zero,
	}
}

// AllocationShare returns the part of savedEUR routed to the wallet for a
// percentage between 0 and 100, rounded to cents.
func AllocationShare(savedEUR decimal.Decimal, percent int) (decimal.Decimal, error) {
	if percent < 0 || percent > 100 {
		return decimal.Zero, models.InvalidArgumentf("allocation percentage must be between 0 and 100, got %d", percent)
	}
	return savedEUR.Mul(decimal.NewFromInt(int64(percent))).Div(hundred).RoundBank(amountPlaces), nil
}
