package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPropertyNotFound is returned when the municipality does not know the property.
var ErrPropertyNotFound = errors.New("municipality: property not found")

// WasteFeeBalance is the municipality's view of a property's waste fee.
type WasteFeeBalance struct {
	PropertyNumber     string          `json:"property_number"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	AnnualFee          decimal.Decimal `json:"annual_fee"`
	LastPaymentDate    *time.Time      `json:"last_payment_date,omitempty"`
	LastPaymentAmount  decimal.Decimal `json:"last_payment_amount"`
}

// MunicipalityClient talks to the municipal waste-fee API.
type MunicipalityClient struct {
	base *BaseClient
}

// NewMunicipalityClient returns client instance.
func NewMunicipalityClient(baseURL, apiKey string, httpClient HTTPDoer) *MunicipalityClient {
	return &MunicipalityClient{base: NewBaseClient(baseURL, apiKey, httpClient)}
}

// WasteFeeBalance fetches the fee status of a property.
func (c *MunicipalityClient) WasteFeeBalance(ctx context.Context, propertyNumber string) (*WasteFeeBalance, error) {
	path := fmt.Sprintf("/waste-fees/%s/balance", url.PathEscape(propertyNumber))
	status, body, err := c.base.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("municipality: fetch balance: %w", err)
	}
	switch {
	case status == http.StatusNotFound:
		return nil, ErrPropertyNotFound
	case status != http.StatusOK:
		return nil, fmt.Errorf("municipality: fetch balance: unexpected status %d", status)
	}

	var balance WasteFeeBalance
	if err := json.Unmarshal(body, &balance); err != nil {
		return nil, fmt.Errorf("municipality: decode balance: %w", err)
	}
	if balance.PropertyNumber == "" {
		balance.PropertyNumber = propertyNumber
	}
	return &balance, nil
}

type paymentRequest struct {
	Amount        string `json:"amount"`
	PaymentSource string `json:"payment_source"`
	PaymentMethod string `json:"payment_method"`
	Reference     string `json:"reference"`
}

// SubmitPayment notifies the municipality of a wallet payment.
func (c *MunicipalityClient) SubmitPayment(ctx context.Context, propertyNumber string, amount decimal.Decimal, reference string) error {
	body, err := json.Marshal(paymentRequest{
		Amount:        amount.StringFixed(2),
		PaymentSource: "POWERSAVE_WALLET",
		PaymentMethod: "DIGITAL_WALLET",
		Reference:     reference,
	})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/waste-fees/%s/payments", url.PathEscape(propertyNumber))
	status, respBody, err := c.base.Do(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return fmt.Errorf("municipality: submit payment: %w", err)
	}
	switch {
	case status == http.StatusNotFound:
		return ErrPropertyNotFound
	case status < 200 || status >= 300:
		return fmt.Errorf("municipality: submit payment: status %d: %s", status, string(respBody))
	}
	return nil
}
