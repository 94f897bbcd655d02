package dnsdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CloudflareDriver manages DNS records via the Cloudflare API v4.
type CloudflareDriver struct {
	httpClient *http.Client
	apiToken   string
}

// NewCloudflareDriver builds a CloudflareDriver authenticated with a scoped
// API token.
func NewCloudflareDriver(apiToken string) *CloudflareDriver {
	return &CloudflareDriver{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiToken:   apiToken,
	}
}

type cfRecordRequest struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
}

type cfRecordResponse struct {
	Success bool `json:"success"`
	Result  struct {
		ID string `json:"id"`
	} `json:"result"`
}

func (d *CloudflareDriver) CreateForwardRecord(ctx context.Context, zoneID, hostname, ip string) (string, error) {
	recType := "A"
	if isIPv6(ip) {
		recType = "AAAA"
	}
	return d.createRecord(ctx, zoneID, cfRecordRequest{Type: recType, Name: hostname, Content: ip, TTL: 300})
}

func (d *CloudflareDriver) CreateReverseRecord(ctx context.Context, zoneID, ip, hostname string) (string, error) {
	return d.createRecord(ctx, zoneID, cfRecordRequest{Type: "PTR", Name: reverseName(ip), Content: hostname, TTL: 300})
}

func (d *CloudflareDriver) DeleteRecord(ctx context.Context, zoneID, recordID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("https://api.cloudflare.com/client/v4/zones/%s/dns_records/%s", zoneID, recordID), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiToken)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &TransientError{Op: "delete dns record", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil // idempotent: already gone
	}
	if resp.StatusCode >= 500 {
		return &TransientError{Op: "delete dns record", Err: fmt.Errorf("cloudflare returned HTTP %d", resp.StatusCode)}
	}
	return nil
}

func (d *CloudflareDriver) createRecord(ctx context.Context, zoneID string, body cfRecordRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshalling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("https://api.cloudflare.com/client/v4/zones/%s/dns_records", zoneID), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", &TransientError{Op: "create dns record", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return "", &TransientError{Op: "create dns record", Err: fmt.Errorf("cloudflare returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("cloudflare returned HTTP %d", resp.StatusCode)
	}

	var out cfRecordResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding create response: %w", err)
	}
	if !out.Success {
		return "", fmt.Errorf("cloudflare rejected record create")
	}
	return out.Result.ID, nil
}

func isIPv6(ip string) bool {
	for _, c := range ip {
		if c == ':' {
			return true
		}
	}
	return false
}

// reverseName is a placeholder PTR-name deriver; production zones use
// Cloudflare's own reverse-DNS zone naming, configured out of band per
// region (IPRange.ReverseZoneID names the zone, not the record format).
func reverseName(ip string) string {
	return ip
}
