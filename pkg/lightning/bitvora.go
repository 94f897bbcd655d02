package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// BitvoraProvider talks to Bitvora's custodial Lightning API, authenticated
// with a bearer API key.
type BitvoraProvider struct {
	httpClient *http.Client
	apiKey     string
}

// NewBitvoraProvider builds a BitvoraProvider.
func NewBitvoraProvider(apiKey string) *BitvoraProvider {
	return &BitvoraProvider{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiKey:     apiKey,
	}
}

const bitvoraBaseURL = "https://api.bitvora.com/v1"

func (p *BitvoraProvider) CreateInvoice(ctx context.Context, amountMsat int64, memo string) (Invoice, error) {
	payload, err := json.Marshal(map[string]any{"amount_msats": amountMsat, "description": memo})
	if err != nil {
		return Invoice{}, fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bitvoraBaseURL+"/lightning-address/invoice", bytes.NewReader(payload))
	if err != nil {
		return Invoice{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Invoice{}, &TransientError{Op: "create invoice", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return Invoice{}, &TransientError{Op: "create invoice", Err: fmt.Errorf("bitvora returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return Invoice{}, fmt.Errorf("bitvora returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		Data struct {
			PaymentRequest string `json:"payment_request"`
			PaymentHash    string `json:"payment_hash"`
			ExpiresAt      int64  `json:"expires_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Invoice{}, fmt.Errorf("decoding create-invoice response: %w", err)
	}
	return Invoice{
		PaymentRequest: out.Data.PaymentRequest,
		PaymentHash:    out.Data.PaymentHash,
		AmountMsat:     amountMsat,
		ExpiresAt:      out.Data.ExpiresAt,
	}, nil
}

func (p *BitvoraProvider) LookupInvoice(ctx context.Context, paymentHash string) (*SettleEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bitvoraBaseURL+"/lightning-address/invoice/"+paymentHash, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "lookup invoice", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return nil, &TransientError{Op: "lookup invoice", Err: fmt.Errorf("bitvora returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("bitvora returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		Data struct {
			Status    string `json:"status"`
			SettledAt int64  `json:"settled_at"`
			Preimage  string `json:"preimage"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding lookup-invoice response: %w", err)
	}
	if out.Data.Status != "settled" {
		return nil, nil
	}
	return &SettleEvent{PaymentHash: paymentHash, SettledAt: out.Data.SettledAt, Preimage: out.Data.Preimage}, nil
}
