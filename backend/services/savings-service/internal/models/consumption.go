package models

import "time"

// ConsumptionSample is one metered reading produced by the smart meter provider.
type ConsumptionSample struct {
	Timestamp time.Time `db:"recorded_at" json:"timestamp"`
	KWh       float64   `db:"kwh" json:"kwh"`
}

// ConsumptionWindow is the time-of-day slice a session covers.
type ConsumptionWindow struct {
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
}

// End returns the exclusive upper bound of the window.
func (w ConsumptionWindow) End() time.Time {
	return w.Start.Add(w.Duration)
}

// Hours returns the window length in hours.
func (w ConsumptionWindow) Hours() float64 {
	return w.Duration.Hours()
}

// Contains reports whether ts falls inside [Start, End).
func (w ConsumptionWindow) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End())
}
