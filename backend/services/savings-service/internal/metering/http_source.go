package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"powersave/backend/services/savings-service/internal/clients"
	"powersave/backend/services/savings-service/internal/metrics"
	"powersave/backend/services/savings-service/internal/models"
)

// ErrUnavailable is returned while the meter provider is failing or the
// breaker is open.
var ErrUnavailable = errors.New("metering: provider unavailable")

// errRejected marks a client-side failure that must not trip the breaker.
type errRejected struct {
	status int
}

func (e errRejected) Error() string {
	return fmt.Sprintf("metering: request rejected with status %d", e.status)
}

// BreakerSettings tunes the circuit breaker around the provider.
type BreakerSettings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	MinRequests uint32
	FailureRate float64
}

// DefaultBreakerSettings trips after 60% failures over at least 3 calls.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		MinRequests: 3,
		FailureRate: 0.6,
	}
}

// HTTPSource reads consumption history from the smart meter provider API.
type HTTPSource struct {
	base    *clients.BaseClient
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewHTTPSource builds the provider client.
func NewHTTPSource(baseURL, apiKey string, httpClient clients.HTTPDoer, settings BreakerSettings, m *metrics.Metrics, logger *zap.Logger) *HTTPSource {
	s := &HTTPSource{
		base:    clients.NewBaseClient(baseURL, apiKey, httpClient),
		metrics: m,
		logger:  logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "meter-provider",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRate
		},
		IsSuccessful: func(err error) bool {
			var rejected errRejected
			return err == nil || errors.As(err, &rejected)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return s
}

type historyResponse struct {
	Samples []models.ConsumptionSample `json:"samples"`
}

// FetchHistory returns the samples recorded for userID in [from, to), oldest first.
func (s *HTTPSource) FetchHistory(ctx context.Context, userID string, from, to time.Time) ([]models.ConsumptionSample, error) {
	q := url.Values{}
	q.Set("account", userID)
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	path := "/consumption?" + q.Encode()

	result, err := s.breaker.Execute(func() (interface{}, error) {
		status, body, err := s.base.Do(ctx, http.MethodGet, path, nil, nil)
		if err != nil {
			return nil, err
		}
		switch {
		case status >= 500:
			return nil, fmt.Errorf("metering: provider status %d", status)
		case status != http.StatusOK:
			return nil, errRejected{status: status}
		}
		var resp historyResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("metering: decode history: %w", err)
		}
		return resp.Samples, nil
	})
	if err != nil {
		s.metrics.MeteringRequest("error")
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var rejected errRejected
		if errors.As(err, &rejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.metrics.MeteringRequest("ok")

	samples := filterRange(result.([]models.ConsumptionSample), from, to)
	return samples, nil
}

func filterRange(samples []models.ConsumptionSample, from, to time.Time) []models.ConsumptionSample {
	out := samples[:0]
	for _, s := range samples {
		if s.Timestamp.Before(from) || !s.Timestamp.Before(to) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
