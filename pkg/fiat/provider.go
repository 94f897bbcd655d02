// Package fiat issues hosted checkout sessions for Payment rows billed via
// types.PaymentMethodFiat.
package fiat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CheckoutSession is a hosted-checkout link for one Payment.
type CheckoutSession struct {
	SessionID   string
	CheckoutURL string
}

// SettleEvent is a provider-reported checkout completion, delivered via
// webhook.
type SettleEvent struct {
	SessionID string
	SettledAt int64
}

// Provider creates checkout sessions and reports settlement for one fiat
// payment gateway.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, amountUnits int64, currency, externalID string) (CheckoutSession, error)
	LookupSession(ctx context.Context, sessionID string) (*SettleEvent, error)
}

// TransientError marks a failure as retryable.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// GenericProvider talks to a generic REST checkout gateway, the same
// net/http client-wrapper shape used by every other driver package here.
type GenericProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewGenericProvider builds a GenericProvider.
func NewGenericProvider(baseURL, apiKey string) *GenericProvider {
	return &GenericProvider{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

func (p *GenericProvider) CreateCheckoutSession(ctx context.Context, amountUnits int64, currency, externalID string) (CheckoutSession, error) {
	payload, err := json.Marshal(map[string]any{
		"amount":      amountUnits,
		"currency":    currency,
		"external_id": externalID,
	})
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/checkout/sessions", bytes.NewReader(payload))
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return CheckoutSession{}, &TransientError{Op: "create checkout session", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return CheckoutSession{}, &TransientError{Op: "create checkout session", Err: fmt.Errorf("fiat gateway returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return CheckoutSession{}, fmt.Errorf("fiat gateway returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CheckoutSession{}, fmt.Errorf("decoding checkout-session response: %w", err)
	}
	return CheckoutSession{SessionID: out.ID, CheckoutURL: out.URL}, nil
}

func (p *GenericProvider) LookupSession(ctx context.Context, sessionID string) (*SettleEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/checkout/sessions/"+sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "lookup checkout session", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return nil, &TransientError{Op: "lookup checkout session", Err: fmt.Errorf("fiat gateway returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fiat gateway returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		Status    string `json:"status"`
		SettledAt int64  `json:"settled_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding session response: %w", err)
	}
	if out.Status != "complete" {
		return nil, nil
	}
	return &SettleEvent{SessionID: sessionID, SettledAt: out.SettledAt}, nil
}
