package savings

import (
	"github.com/shopspring/decimal"

	"powersave/backend/services/savings-service/internal/models"
)

var (
	twelve = decimal.NewFromInt(12)
)

// Coverage describes how much of the annual waste fee a wallet balance pays.
type Coverage struct {
	CoveragePercent decimal.Decimal `json:"coverage_percentage"`
	MonthsCovered   decimal.Decimal `json:"months_covered"`
	Remaining       decimal.Decimal `json:"remaining_to_cover"`
}

// WasteFeeCoverage computes coverage of annualFee by balance. A missing or
// non-positive fee yields zero coverage.
func WasteFeeCoverage(balance, annualFee decimal.Decimal) Coverage {
	if !annualFee.IsPositive() {
		return Coverage{CoveragePercent: decimal.Zero, MonthsCovered: decimal.Zero, Remaining: decimal.Zero}
	}

	pct := decimal.Min(balance.Div(annualFee).Mul(hundred), hundred)
	months := balance.Div(annualFee.Div(twelve))
	remaining := decimal.Max(annualFee.Sub(balance), decimal.Zero)

	return Coverage{
		CoveragePercent: pct.RoundBank(percentPlaces),
		MonthsCovered:   months.RoundBank(percentPlaces),
		Remaining:       remaining.RoundBank(amountPlaces),
	}
}

// Projection is an illustrative linear extrapolation; it is not backed by
// the ledger.
type Projection struct {
	MonthlyKWh decimal.Decimal `json:"monthly_kwh"`
	MonthlyEUR decimal.Decimal `json:"monthly_eur"`
	MonthlyCO2 decimal.Decimal `json:"monthly_co2_kg"`
	AnnualKWh  decimal.Decimal `json:"annual_kwh"`
	AnnualEUR  decimal.Decimal `json:"annual_eur"`
	AnnualCO2  decimal.Decimal `json:"annual_co2_kg"`
}

// ProjectAnnual extrapolates an average per-session saving.
func (c *Calculator) ProjectAnnual(avgSessionKWh decimal.Decimal, sessionsPerMonth int) (Projection, error) {
	if avgSessionKWh.IsNegative() {
		return Projection{}, models.InvalidArgumentf("average saving must not be negative, got %s", avgSessionKWh)
	}
	if sessionsPerMonth < 0 {
		return Projection{}, models.InvalidArgumentf("sessions per month must not be negative, got %d", sessionsPerMonth)
	}

	monthlyKWh := avgSessionKWh.Mul(decimal.NewFromInt(int64(sessionsPerMonth)))
	monthlyEUR := monthlyKWh.Mul(c.rates.PricePerKWh)
	monthlyCO2 := monthlyKWh.Mul(c.rates.CO2KgPerKWh)

	return Projection{
		MonthlyKWh: monthlyKWh.RoundBank(amountPlaces),
		MonthlyEUR: monthlyEUR.RoundBank(amountPlaces),
		MonthlyCO2: monthlyCO2.RoundBank(amountPlaces),
		AnnualKWh:  monthlyKWh.Mul(twelve).RoundBank(amountPlaces),
		AnnualEUR:  monthlyEUR.Mul(twelve).RoundBank(amountPlaces),
		AnnualCO2:  monthlyCO2.Mul(twelve).RoundBank(amountPlaces),
	}, nil
}
