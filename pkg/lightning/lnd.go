package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// LNDProvider talks to LND's REST API (lnd's gRPC gateway), authenticated
// with a hex-encoded admin macaroon.
type LNDProvider struct {
	httpClient  *http.Client
	baseURL     string
	macaroonHex string
}

// NewLNDProvider builds an LNDProvider against one node's REST endpoint.
func NewLNDProvider(baseURL, macaroonHex string) *LNDProvider {
	return &LNDProvider{
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		baseURL:     baseURL,
		macaroonHex: macaroonHex,
	}
}

func (p *LNDProvider) CreateInvoice(ctx context.Context, amountMsat int64, memo string) (Invoice, error) {
	body := map[string]any{
		"value_msat": amountMsat,
		"memo":       memo,
		"expiry":     3600,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Invoice{}, fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/invoices", bytes.NewReader(payload))
	if err != nil {
		return Invoice{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Grpc-Metadata-macaroon", p.macaroonHex)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Invoice{}, &TransientError{Op: "create invoice", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return Invoice{}, &TransientError{Op: "create invoice", Err: fmt.Errorf("lnd returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return Invoice{}, fmt.Errorf("lnd returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		PaymentRequest string `json:"payment_request"`
		RHash          string `json:"r_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Invoice{}, fmt.Errorf("decoding create-invoice response: %w", err)
	}
	return Invoice{
		PaymentRequest: out.PaymentRequest,
		PaymentHash:    out.RHash,
		AmountMsat:     amountMsat,
		ExpiresAt:      time.Now().Add(time.Hour).Unix(),
	}, nil
}

func (p *LNDProvider) LookupInvoice(ctx context.Context, paymentHash string) (*SettleEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/invoice/"+paymentHash, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Grpc-Metadata-macaroon", p.macaroonHex)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "lookup invoice", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return nil, &TransientError{Op: "lookup invoice", Err: fmt.Errorf("lnd returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("lnd returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		Settled       bool   `json:"settled"`
		SettleDate    string `json:"settle_date"`
		RPreimage     string `json:"r_preimage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding lookup-invoice response: %w", err)
	}
	if !out.Settled {
		return nil, nil
	}
	return &SettleEvent{PaymentHash: paymentHash, Preimage: out.RPreimage}, nil
}
