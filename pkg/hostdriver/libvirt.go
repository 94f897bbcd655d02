package hostdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lnvps/api/pkg/types"
)

// LibvirtDriver drives a host running a small virsh-command sidecar over
// HTTP: no libvirt Go binding appears anywhere in the retrieved corpus, and
// a CGo libvirt client would be a fabricated dependency, so this talks to a
// host-local agent that issues the virsh calls, matching the REST-wrapper
// shape every other driver in this package uses.
type LibvirtDriver struct {
	httpClient *http.Client
}

// NewLibvirtDriver builds a LibvirtDriver.
func NewLibvirtDriver() *LibvirtDriver {
	return &LibvirtDriver{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (d *LibvirtDriver) do(ctx context.Context, host types.Host, method, path string, body any) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(host.APIURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode >= 500 {
		_ = resp.Body.Close()
		return nil, &TransientError{Op: method + " " + path, Err: fmt.Errorf("libvirt sidecar returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("libvirt sidecar returned HTTP %d", resp.StatusCode)
	}
	return resp, nil
}

func (d *LibvirtDriver) Version(ctx context.Context, host types.Host) (string, error) {
	resp, err := d.do(ctx, host, http.MethodGet, "/version", nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	var out struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding version response: %w", err)
	}
	return out.Version, nil
}

func (d *LibvirtDriver) ImportImage(ctx context.Context, host types.Host, imageURL, diskID string) (string, error) {
	resp, err := d.do(ctx, host, http.MethodPost, "/images/import", map[string]string{"url": imageURL, "disk_id": diskID})
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	var out struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding import response: %w", err)
	}
	return out.Handle, nil
}

func (d *LibvirtDriver) CreateVM(ctx context.Context, host types.Host, spec VMSpec) (string, error) {
	resp, err := d.do(ctx, host, http.MethodPost, "/domains", spec)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding create_vm response: %w", err)
	}
	return out.ID, nil
}

func (d *LibvirtDriver) Start(ctx context.Context, host types.Host, hypervisorID string) error {
	return d.action(ctx, host, hypervisorID, "start")
}

func (d *LibvirtDriver) Stop(ctx context.Context, host types.Host, hypervisorID string) error {
	return d.action(ctx, host, hypervisorID, "stop")
}

func (d *LibvirtDriver) Restart(ctx context.Context, host types.Host, hypervisorID string) error {
	return d.action(ctx, host, hypervisorID, "restart")
}

func (d *LibvirtDriver) Delete(ctx context.Context, host types.Host, hypervisorID string) error {
	resp, err := d.do(ctx, host, http.MethodDelete, "/domains/"+hypervisorID, nil)
	if err != nil {
		if strings.Contains(err.Error(), "HTTP 404") {
			return nil // idempotent: already gone
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return nil
}

func (d *LibvirtDriver) Reinstall(ctx context.Context, host types.Host, hypervisorID string, imageHandle string) error {
	if err := d.Stop(ctx, host, hypervisorID); err != nil {
		return err
	}
	resp, err := d.do(ctx, host, http.MethodPatch, "/domains/"+hypervisorID, map[string]string{"image_handle": imageHandle})
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return d.Start(ctx, host, hypervisorID)
}

func (d *LibvirtDriver) State(ctx context.Context, host types.Host, hypervisorID string) (types.RunningState, error) {
	resp, err := d.do(ctx, host, http.MethodGet, "/domains/"+hypervisorID+"/state", nil)
	if err != nil {
		return types.RunningState{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	var out types.RunningState
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.RunningState{}, fmt.Errorf("decoding state response: %w", err)
	}
	out.ObservedAt = time.Now()
	return out, nil
}

func (d *LibvirtDriver) PatchConfig(ctx context.Context, host types.Host, hypervisorID string, delta ConfigDelta) error {
	resp, err := d.do(ctx, host, http.MethodPatch, "/domains/"+hypervisorID+"/config", delta)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (d *LibvirtDriver) action(ctx context.Context, host types.Host, hypervisorID, verb string) error {
	resp, err := d.do(ctx, host, http.MethodPost, "/domains/"+hypervisorID+"/"+verb, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return nil
}
