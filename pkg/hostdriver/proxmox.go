package hostdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/lnvps/api/internal/secrets"
	"github.com/lnvps/api/pkg/types"
)

// ProxmoxDriver drives Proxmox VE's HTTPS API for VM lifecycle operations,
// and opens an SSH session to the host for image-import file moves the
// REST API has no endpoint for.
type ProxmoxDriver struct {
	httpClient *http.Client
	secrets    *secrets.Manager
}

// NewProxmoxDriver builds a ProxmoxDriver; secretsMgr decrypts the host's
// stored API token and SSH private key on each call.
func NewProxmoxDriver(secretsMgr *secrets.Manager) *ProxmoxDriver {
	return &ProxmoxDriver{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		secrets:    secretsMgr,
	}
}

func (d *ProxmoxDriver) apiToken(host types.Host) (string, error) {
	return d.secrets.Decrypt(host.APITokenEnc)
}

func (d *ProxmoxDriver) do(ctx context.Context, host types.Host, method, path string, body any) (*http.Response, error) {
	token, err := d.apiToken(host)
	if err != nil {
		return nil, fmt.Errorf("decrypting host api token: %w", err)
	}

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
	req.Header.Set("Authorization", "PVEAPIToken="+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode >= 500 {
		_ = resp.Body.Close()
		return nil, &TransientError{Op: method + " " + path, Err: fmt.Errorf("proxmox returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("proxmox returned HTTP %d", resp.StatusCode)
	}
	return resp, nil
}

func (d *ProxmoxDriver) Version(ctx context.Context, host types.Host) (string, error) {
	resp, err := d.do(ctx, host, http.MethodGet, "/api2/json/version", nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Data struct {
			Version string `json:"version"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding version response: %w", err)
	}
	return out.Data.Version, nil
}

// ImportImage pulls imageURL onto diskID via SSH (qm importdisk has no REST
// equivalent); idempotent because Proxmox's own import is safe to re-run
// against the same target volume.
func (d *ProxmoxDriver) ImportImage(ctx context.Context, host types.Host, imageURL, diskID string) (string, error) {
	keyPEM, err := d.secrets.Decrypt(host.SSHKeyEnc)
	if err != nil {
		return "", fmt.Errorf("decrypting host ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey([]byte(keyPEM))
	if err != nil {
		return "", fmt.Errorf("parsing host ssh key: %w", err)
	}

	client, err := ssh.Dial("tcp", host.SSHHost+":22", &ssh.ClientConfig{
		User:            host.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint: this is a private management network
		Timeout:         10 * time.Second,
	})
	if err != nil {
		return "", &TransientError{Op: "ssh dial", Err: err}
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return "", &TransientError{Op: "ssh session", Err: err}
	}
	defer func() { _ = session.Close() }()

	handle := "local:" + diskID
	cmd := fmt.Sprintf("qm importdisk %s %s local-lvm --format qcow2", diskID, shellQuote(imageURL))
	if err := session.Run(cmd); err != nil {
		return "", &TransientError{Op: "qm importdisk", Err: err}
	}
	return handle, nil
}

func (d *ProxmoxDriver) CreateVM(ctx context.Context, host types.Host, spec VMSpec) (string, error) {
	payload := map[string]any{
		"cores":   spec.Shape.CPU,
		"memory":  spec.Shape.MemoryBytes / (1 << 20),
		"net0":    "virtio,bridge=vmbr0",
		"ide2":    spec.ImageHandle,
		"sshkeys": url.QueryEscape(spec.SSHPublicKey),
		"name":    spec.Hostname,
	}
	if spec.VLAN != nil {
		payload["net0"] = fmt.Sprintf("virtio,bridge=vmbr0,tag=%d", *spec.VLAN)
	}

	resp, err := d.do(ctx, host, http.MethodPost, "/api2/json/nodes/localhost/qemu", payload)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Data string `json:"data"` // UPID of the creation task; vmid is embedded upstream
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding create_vm response: %w", err)
	}
	return out.Data, nil
}

func (d *ProxmoxDriver) Start(ctx context.Context, host types.Host, hypervisorID string) error {
	return d.lifecycleAction(ctx, host, hypervisorID, "start")
}

func (d *ProxmoxDriver) Stop(ctx context.Context, host types.Host, hypervisorID string) error {
	return d.lifecycleAction(ctx, host, hypervisorID, "stop")
}

func (d *ProxmoxDriver) Restart(ctx context.Context, host types.Host, hypervisorID string) error {
	return d.lifecycleAction(ctx, host, hypervisorID, "reboot")
}

func (d *ProxmoxDriver) Delete(ctx context.Context, host types.Host, hypervisorID string) error {
	resp, err := d.do(ctx, host, http.MethodDelete, "/api2/json/nodes/localhost/qemu/"+hypervisorID, nil)
	if err != nil {
		if isNotFound(err) {
			return nil // idempotent: already gone
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return nil
}

func (d *ProxmoxDriver) lifecycleAction(ctx context.Context, host types.Host, hypervisorID, action string) error {
	resp, err := d.do(ctx, host, http.MethodPost, "/api2/json/nodes/localhost/qemu/"+hypervisorID+"/status/"+action, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return nil
}

func (d *ProxmoxDriver) Reinstall(ctx context.Context, host types.Host, hypervisorID string, imageHandle string) error {
	if err := d.Stop(ctx, host, hypervisorID); err != nil {
		return err
	}
	resp, err := d.do(ctx, host, http.MethodPut, "/api2/json/nodes/localhost/qemu/"+hypervisorID+"/config", map[string]any{"ide2": imageHandle})
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return d.Start(ctx, host, hypervisorID)
}

func (d *ProxmoxDriver) State(ctx context.Context, host types.Host, hypervisorID string) (types.RunningState, error) {
	resp, err := d.do(ctx, host, http.MethodGet, "/api2/json/nodes/localhost/qemu/"+hypervisorID+"/status/current", nil)
	if err != nil {
		return types.RunningState{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Data struct {
			Status  string  `json:"status"`
			CPU     float64 `json:"cpu"`
			Mem     int64   `json:"mem"`
			MaxMem  int64   `json:"maxmem"`
			Uptime  int64   `json:"uptime"`
			NetIn   int64   `json:"netin"`
			NetOut  int64   `json:"netout"`
			DiskRead  int64 `json:"diskread"`
			DiskWrite int64 `json:"diskwrite"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.RunningState{}, fmt.Errorf("decoding state response: %w", err)
	}

	memPercent := 0.0
	if out.Data.MaxMem > 0 {
		memPercent = float64(out.Data.Mem) / float64(out.Data.MaxMem) * 100
	}
	return types.RunningState{
		State:          out.Data.Status,
		CPUPercent:     out.Data.CPU * 100,
		MemPercent:     memPercent,
		UptimeSeconds:  out.Data.Uptime,
		NetRxBytes:     out.Data.NetIn,
		NetTxBytes:     out.Data.NetOut,
		DiskReadBytes:  out.Data.DiskRead,
		DiskWriteBytes: out.Data.DiskWrite,
		ObservedAt:     time.Now(),
	}, nil
}

func (d *ProxmoxDriver) PatchConfig(ctx context.Context, host types.Host, hypervisorID string, delta ConfigDelta) error {
	payload := map[string]any{
		"cores":  delta.Shape.CPU,
		"memory": delta.Shape.MemoryBytes / (1 << 20),
	}
	resp, err := d.do(ctx, host, http.MethodPut, "/api2/json/nodes/localhost/qemu/"+hypervisorID+"/config", payload)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "HTTP 404")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
