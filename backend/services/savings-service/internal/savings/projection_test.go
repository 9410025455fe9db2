package savings

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powersave/backend/services/savings-service/internal/models"
)

func TestWasteFeeCoverage(t *testing.T) {
	cases := []struct {
		name                       string
		balance, fee               string
		percent, months, remaining string
	}{
		{"exactly covered", "120", "120", "100.0", "12.0", "0.00"},
		{"over covered is capped", "150", "120", "100.0", "15.0", "0.00"},
		{"half covered", "60", "120", "50.0", "6.0", "60.00"},
		{"empty wallet", "0", "120", "0.0", "0.0", "120.00"},
		{"no fee", "50", "0", "0.0", "0.0", "0.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := WasteFeeCoverage(d(tc.balance), d(tc.fee))
			assert.Equal(t, tc.percent, got.CoveragePercent.StringFixed(1))
			assert.Equal(t, tc.months, got.MonthsCovered.StringFixed(1))
			assert.Equal(t, tc.remaining, got.Remaining.StringFixed(2))
			assert.False(t, got.Remaining.IsNegative())
		})
	}
}

func TestProjectAnnual(t *testing.T) {
	calc := NewCalculator(DefaultRates())

	p, err := calc.ProjectAnnual(d("0.5"), 8)
	require.NoError(t, err)
	assert.Equal(t, "4.00", p.MonthlyKWh.StringFixed(2))
	assert.Equal(t, "1.20", p.MonthlyEUR.StringFixed(2))
	assert.Equal(t, "2.80", p.MonthlyCO2.StringFixed(2))
	assert.Equal(t, "48.00", p.AnnualKWh.StringFixed(2))
	assert.Equal(t, "14.40", p.AnnualEUR.StringFixed(2))
	assert.Equal(t, "33.60", p.AnnualCO2.StringFixed(2))

	_, err = calc.ProjectAnnual(decimal.NewFromInt(-1), 8)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = calc.ProjectAnnual(d("1"), -2)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}
