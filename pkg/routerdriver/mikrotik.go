package routerdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// MikrotikDriver manages RouterOS firewall address-list entries over the
// RouterOS REST API (RouterOS v7+), matching the plain net/http
// client-wrapper shape used throughout this codebase's driver packages.
type MikrotikDriver struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
}

// NewMikrotikDriver builds a MikrotikDriver against one router's REST
// endpoint.
func NewMikrotikDriver(baseURL, username, password string) *MikrotikDriver {
	return &MikrotikDriver{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		username:   username,
		password:   password,
	}
}

type addressListEntry struct {
	List    string `json:"list"`
	Address string `json:"address"`
	Comment string `json:"comment"`
}

func (d *MikrotikDriver) ApplyAccessPolicy(ctx context.Context, policyID, ip, mac string) error {
	entry := addressListEntry{List: policyID, Address: ip, Comment: "lnvps:" + mac}
	return d.post(ctx, "/rest/ip/firewall/address-list", entry)
}

func (d *MikrotikDriver) RemoveAccessPolicy(ctx context.Context, policyID, ip string) error {
	// RouterOS has no delete-by-field endpoint; look up the .id first.
	id, err := d.findEntryID(ctx, policyID, ip)
	if err != nil {
		return err
	}
	if id == "" {
		return nil // idempotent: already absent
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.baseURL+"/rest/ip/firewall/address-list/"+id, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(d.username, d.password)
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &TransientError{Op: "delete address-list entry", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return &TransientError{Op: "delete address-list entry", Err: fmt.Errorf("mikrotik returned HTTP %d", resp.StatusCode)}
	}
	return nil
}

func (d *MikrotikDriver) findEntryID(ctx context.Context, policyID, ip string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/rest/ip/firewall/address-list", nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(d.username, d.password)
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", &TransientError{Op: "list address-list entries", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	var entries []struct {
		ID      string `json:".id"`
		List    string `json:"list"`
		Address string `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return "", fmt.Errorf("decoding address-list: %w", err)
	}
	for _, e := range entries {
		if e.List == policyID && e.Address == ip {
			return e.ID, nil
		}
	}
	return "", nil
}

func (d *MikrotikDriver) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(d.username, d.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &TransientError{Op: "PUT " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return &TransientError{Op: "PUT " + path, Err: fmt.Errorf("mikrotik returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("mikrotik returned HTTP %d", resp.StatusCode)
	}
	return nil
}
