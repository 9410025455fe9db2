package baseline

import (
	"fmt"

	"powersave/backend/services/savings-service/internal/models"
)

// Mode selects which past days count as occurrences of a window.
type Mode int

const (
	// ModeDaily walks back one calendar day at a time.
	ModeDaily Mode = iota
	// ModeSameWeekday walks back one week at a time, keeping the weekday.
	ModeSameWeekday
)

func (m Mode) stepDays() int {
	if m == ModeSameWeekday {
		return 7
	}
	return 1
}

// Occurrence is one past instance of the target window with its consumption.
type Occurrence struct {
	Window  models.ConsumptionWindow
	KWh     float64
	Samples int
}

// ExtractOccurrences sums consumption for the last lookback occurrences of
// window. Occurrences without any metered sample are dropped rather than
// counted as zero. When fewer than minOccurrences remain the result is
// ErrInsufficientData.
func ExtractOccurrences(samples []models.ConsumptionSample, window models.ConsumptionWindow, mode Mode, lookback, minOccurrences int) ([]Occurrence, error) {
	if window.Duration <= 0 {
		return nil, models.InvalidArgumentf("window duration must be positive, got %s", window.Duration)
	}
	if lookback <= 0 {
		return nil, models.InvalidArgumentf("lookback must be positive, got %d", lookback)
	}

	step := mode.stepDays()
	occurrences := make([]Occurrence, 0, lookback)
	for i := 1; i <= lookback; i++ {
		// Calendar days in the window's location; callers pass UTC windows.
		occ := models.ConsumptionWindow{
			Start:    window.Start.AddDate(0, 0, -i*step),
			Duration: window.Duration,
		}
		var (
			sum   float64
			count int
		)
		for _, s := range samples {
			if occ.Contains(s.Timestamp) {
				sum += s.KWh
				count++
			}
		}
		if count == 0 {
			continue
		}
		occurrences = append(occurrences, Occurrence{Window: occ, KWh: sum, Samples: count})
	}

	if len(occurrences) < minOccurrences {
		return occurrences, fmt.Errorf("%w: %d of %d required occurrences have metering data",
			models.ErrInsufficientData, len(occurrences), minOccurrences)
	}
	return occurrences, nil
}

func occurrenceValues(occ []Occurrence) []float64 {
	values := make([]float64, len(occ))
	for i, o := range occ {
		values[i] = o.KWh
	}
	return values
}
