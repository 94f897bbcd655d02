package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lnvps/api/pkg/types"
)

// Postgres is the production Repository implementation, backed by a
// pgxpool.Pool (or, inside WithTx, a pgx.Tx wrapped to the same DBTX
// surface). Queries are hand-written and hand-scanned, matching the
// teacher's pkg/incident/store.go — no sqlc/ORM layer.
type Postgres struct {
	db DBTX
}

// NewPostgres wraps an already-connected pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: poolDBTX{pool}}
}

// poolDBTX adapts *pgxpool.Pool to the DBTX interface.
type poolDBTX struct{ pool *pgxpool.Pool }

func (p poolDBTX) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p poolDBTX) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

func (p poolDBTX) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// txDBTX adapts pgx.Tx to the DBTX interface.
type txDBTX struct{ tx pgx.Tx }

func (t txDBTX) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t txDBTX) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t txDBTX) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// WithTx opens a transaction against the underlying pool and hands the
// caller a Postgres bound to it; the VM-settlement and order-placement
// paths use this for the transactional guarantees spec.md §5 requires.
func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	pool, ok := p.db.(poolDBTX)
	if !ok {
		return errors.New("repo: WithTx called on a Postgres already inside a transaction")
	}
	tx, err := pool.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	txRepo := &Postgres{db: txDBTX{tx}}
	if err := fn(ctx, txRepo); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ---- Users ----

const userColumns = `id, pubkey, email, country_code, nwc_connection_uri, created_at`

func scanUser(row Row) (types.User, error) {
	var u types.User
	err := row.Scan(&u.ID, &u.Pubkey, &u.Email, &u.CountryCode, &u.NWCConnectionURI, &u.CreatedAt)
	return u, mapNoRows(err)
}

func (p *Postgres) GetUser(ctx context.Context, id uuid.UUID) (types.User, error) {
	row := p.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (p *Postgres) GetUserByPubkey(ctx context.Context, pubkey string) (types.User, error) {
	row := p.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE pubkey = $1`, pubkey)
	return scanUser(row)
}

func (p *Postgres) CreateUser(ctx context.Context, in types.UserCreateParams) (types.User, error) {
	row := p.db.QueryRow(ctx, `INSERT INTO users (pubkey) VALUES ($1)
		ON CONFLICT (pubkey) DO UPDATE SET pubkey = EXCLUDED.pubkey
		RETURNING `+userColumns, in.Pubkey)
	return scanUser(row)
}

func (p *Postgres) UpdateUser(ctx context.Context, id uuid.UUID, in types.UserUpdateParams) (types.User, error) {
	row := p.db.QueryRow(ctx, `UPDATE users SET
		email = COALESCE($2, email),
		country_code = COALESCE($3, country_code),
		nwc_connection_uri = COALESCE($4, nwc_connection_uri)
		WHERE id = $1 RETURNING `+userColumns,
		id, in.Email, in.CountryCode, in.NWCConnectionURI)
	return scanUser(row)
}

// ---- SSH Keys ----

func (p *Postgres) CreateSSHKey(ctx context.Context, key types.SSHKey) (types.SSHKey, error) {
	row := p.db.QueryRow(ctx, `INSERT INTO ssh_keys (user_id, name, public_key)
		VALUES ($1, $2, $3) RETURNING id, user_id, name, public_key, created_at`,
		key.UserID, key.Name, key.PublicKey)
	return scanSSHKey(row)
}

func scanSSHKey(row Row) (types.SSHKey, error) {
	var k types.SSHKey
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.PublicKey, &k.CreatedAt)
	return k, mapNoRows(err)
}

func (p *Postgres) GetSSHKey(ctx context.Context, id uuid.UUID) (types.SSHKey, error) {
	row := p.db.QueryRow(ctx, `SELECT id, user_id, name, public_key, created_at FROM ssh_keys WHERE id = $1`, id)
	return scanSSHKey(row)
}

func (p *Postgres) ListSSHKeysByUser(ctx context.Context, userID uuid.UUID) ([]types.SSHKey, error) {
	rows, err := p.db.Query(ctx, `SELECT id, user_id, name, public_key, created_at FROM ssh_keys WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.SSHKey
	for rows.Next() {
		k, err := scanSSHKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ---- Companies & Regions ----

func (p *Postgres) GetCompany(ctx context.Context, id uuid.UUID) (types.Company, error) {
	var c types.Company
	row := p.db.QueryRow(ctx, `SELECT id, name, base_currency, created_at FROM companies WHERE id = $1`, id)
	err := row.Scan(&c.ID, &c.Name, &c.BaseCurrency, &c.CreatedAt)
	return c, mapNoRows(err)
}

func (p *Postgres) GetRegion(ctx context.Context, id uuid.UUID) (types.Region, error) {
	var r types.Region
	row := p.db.QueryRow(ctx, `SELECT id, company_id, name, enabled, created_at FROM regions WHERE id = $1`, id)
	err := row.Scan(&r.ID, &r.CompanyID, &r.Name, &r.Enabled, &r.CreatedAt)
	return r, mapNoRows(err)
}

func (p *Postgres) ListRegions(ctx context.Context) ([]types.Region, error) {
	rows, err := p.db.Query(ctx, `SELECT id, company_id, name, enabled, created_at FROM regions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Region
	for rows.Next() {
		var r types.Region
		if err := rows.Scan(&r.ID, &r.CompanyID, &r.Name, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- Hosts & disks ----

const hostColumns = `id, region_id, name, kind, api_url, api_token_enc, ssh_host, ssh_user,
	ssh_key_enc, cpu, memory_bytes, cpu_vendor, cpu_arch, vlan, mtu, load_factor, enabled, created_at`

func scanHost(row Row) (types.Host, error) {
	var h types.Host
	err := row.Scan(&h.ID, &h.RegionID, &h.Name, &h.Kind, &h.APIURL, &h.APITokenEnc,
		&h.SSHHost, &h.SSHUser, &h.SSHKeyEnc, &h.CPU, &h.MemoryBytes, &h.CPUVendor,
		&h.CPUArch, &h.VLAN, &h.MTU, &h.LoadFactor, &h.Enabled, &h.CreatedAt)
	return h, mapNoRows(err)
}

func (p *Postgres) GetHost(ctx context.Context, id uuid.UUID) (types.Host, error) {
	row := p.db.QueryRow(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = $1`, id)
	return scanHost(row)
}

func (p *Postgres) ListHostsByRegion(ctx context.Context, regionID uuid.UUID) ([]types.Host, error) {
	rows, err := p.db.Query(ctx, `SELECT `+hostColumns+` FROM hosts WHERE region_id = $1`, regionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *Postgres) ListEnabledHosts(ctx context.Context) ([]types.Host, error) {
	rows, err := p.db.Query(ctx, `SELECT `+hostColumns+` FROM hosts WHERE enabled = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *Postgres) ListHostDisks(ctx context.Context, hostID uuid.UUID) ([]types.HostDisk, error) {
	rows, err := p.db.Query(ctx, `SELECT id, host_id, size_bytes, kind, interface, enabled
		FROM host_disks WHERE host_id = $1`, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.HostDisk
	for rows.Next() {
		var d types.HostDisk
		if err := rows.Scan(&d.ID, &d.HostID, &d.SizeBytes, &d.Kind, &d.Interface, &d.Enabled); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateHost(ctx context.Context, h types.Host) error {
	_, err := p.db.Exec(ctx, `UPDATE hosts SET name=$2, api_url=$3, api_token_enc=$4,
		ssh_host=$5, ssh_user=$6, ssh_key_enc=$7, cpu=$8, memory_bytes=$9,
		cpu_vendor=$10, cpu_arch=$11, vlan=$12, mtu=$13, load_factor=$14, enabled=$15
		WHERE id=$1`,
		h.ID, h.Name, h.APIURL, h.APITokenEnc, h.SSHHost, h.SSHUser, h.SSHKeyEnc,
		h.CPU, h.MemoryBytes, h.CPUVendor, h.CPUArch, h.VLAN, h.MTU, h.LoadFactor, h.Enabled)
	return err
}

// ---- Images ----

func (p *Postgres) GetOSImage(ctx context.Context, id uuid.UUID) (types.OSImage, error) {
	var img types.OSImage
	row := p.db.QueryRow(ctx, `SELECT id, distribution, flavour, version, release_date,
		source_url, default_login, enabled FROM os_images WHERE id = $1`, id)
	err := row.Scan(&img.ID, &img.Distribution, &img.Flavour, &img.Version,
		&img.ReleaseDate, &img.SourceURL, &img.DefaultLogin, &img.Enabled)
	return img, mapNoRows(err)
}

func (p *Postgres) ListOSImages(ctx context.Context) ([]types.OSImage, error) {
	rows, err := p.db.Query(ctx, `SELECT id, distribution, flavour, version, release_date,
		source_url, default_login, enabled FROM os_images WHERE enabled = true ORDER BY release_date DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.OSImage
	for rows.Next() {
		var img types.OSImage
		if err := rows.Scan(&img.ID, &img.Distribution, &img.Flavour, &img.Version,
			&img.ReleaseDate, &img.SourceURL, &img.DefaultLogin, &img.Enabled); err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// ---- Templates & pricing ----

const vmTemplateColumns = `id, region_id, cost_plan_id, cpu, memory_bytes, disk_size_bytes,
	disk_kind, disk_interface, iops_read_limit, iops_write_limit, mbps_read_limit,
	mbps_write_limit, network_mbps_limit, cpu_limit_percent, enabled`

func scanVMTemplate(row Row) (types.VMTemplate, error) {
	var t types.VMTemplate
	err := row.Scan(&t.ID, &t.RegionID, &t.CostPlanID, &t.CPU, &t.MemoryBytes,
		&t.DiskSizeBytes, &t.DiskKind, &t.DiskInterface, &t.IopsReadLimit,
		&t.IopsWriteLimit, &t.MbpsReadLimit, &t.MbpsWriteLimit, &t.NetworkMbpsLimit,
		&t.CPULimitPercent, &t.Enabled)
	return t, mapNoRows(err)
}

func (p *Postgres) GetVMTemplate(ctx context.Context, id uuid.UUID) (types.VMTemplate, error) {
	row := p.db.QueryRow(ctx, `SELECT `+vmTemplateColumns+` FROM vm_templates WHERE id = $1`, id)
	return scanVMTemplate(row)
}

func (p *Postgres) ListVMTemplatesByRegion(ctx context.Context, regionID uuid.UUID) ([]types.VMTemplate, error) {
	rows, err := p.db.Query(ctx, `SELECT `+vmTemplateColumns+` FROM vm_templates WHERE region_id = $1 AND enabled = true`, regionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.VMTemplate
	for rows.Next() {
		t, err := scanVMTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) GetCostPlan(ctx context.Context, id uuid.UUID) (types.CostPlan, error) {
	var c types.CostPlan
	row := p.db.QueryRow(ctx, `SELECT id, amount_units, currency, interval_amount, interval_type
		FROM cost_plans WHERE id = $1`, id)
	err := row.Scan(&c.ID, &c.AmountUnits, &c.Currency, &c.IntervalAmount, &c.IntervalType)
	return c, mapNoRows(err)
}

func (p *Postgres) GetCustomPricing(ctx context.Context, id uuid.UUID) (types.CustomPricing, error) {
	var c types.CustomPricing
	row := p.db.QueryRow(ctx, `SELECT id, region_id, currency, cpu_cost_units, memory_cost_units,
		disk_cost_units, ipv4_cost_units, ipv6_cost_units, min_cpu, max_cpu,
		min_memory_bytes, max_memory_bytes, min_disk_bytes, max_disk_bytes, enabled
		FROM custom_pricing WHERE id = $1`, id)
	err := row.Scan(&c.ID, &c.RegionID, &c.Currency, &c.CPUCostUnits, &c.MemoryCostUnits,
		&c.DiskCostUnits, &c.IPv4CostUnits, &c.IPv6CostUnits, &c.MinCPU, &c.MaxCPU,
		&c.MinMemoryBytes, &c.MaxMemoryBytes, &c.MinDiskBytes, &c.MaxDiskBytes, &c.Enabled)
	return c, mapNoRows(err)
}

func (p *Postgres) GetCustomPricingByRegion(ctx context.Context, regionID uuid.UUID) (types.CustomPricing, error) {
	var c types.CustomPricing
	row := p.db.QueryRow(ctx, `SELECT id, region_id, currency, cpu_cost_units, memory_cost_units,
		disk_cost_units, ipv4_cost_units, ipv6_cost_units, min_cpu, max_cpu,
		min_memory_bytes, max_memory_bytes, min_disk_bytes, max_disk_bytes, enabled
		FROM custom_pricing WHERE region_id = $1 AND enabled = true LIMIT 1`, regionID)
	err := row.Scan(&c.ID, &c.RegionID, &c.Currency, &c.CPUCostUnits, &c.MemoryCostUnits,
		&c.DiskCostUnits, &c.IPv4CostUnits, &c.IPv6CostUnits, &c.MinCPU, &c.MaxCPU,
		&c.MinMemoryBytes, &c.MaxMemoryBytes, &c.MinDiskBytes, &c.MaxDiskBytes, &c.Enabled)
	return c, mapNoRows(err)
}

func (p *Postgres) CreateCustomTemplate(ctx context.Context, t types.CustomTemplate) (types.CustomTemplate, error) {
	row := p.db.QueryRow(ctx, `INSERT INTO custom_templates
		(custom_pricing_id, cpu, memory_bytes, disk_size_bytes, disk_kind, disk_interface)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, custom_pricing_id, cpu, memory_bytes, disk_size_bytes, disk_kind, disk_interface`,
		t.CustomPricingID, t.CPU, t.MemoryBytes, t.DiskSizeBytes, t.DiskKind, t.DiskInterface)
	return scanCustomTemplate(row)
}

func scanCustomTemplate(row Row) (types.CustomTemplate, error) {
	var t types.CustomTemplate
	err := row.Scan(&t.ID, &t.CustomPricingID, &t.CPU, &t.MemoryBytes, &t.DiskSizeBytes, &t.DiskKind, &t.DiskInterface)
	return t, mapNoRows(err)
}

func (p *Postgres) GetCustomTemplate(ctx context.Context, id uuid.UUID) (types.CustomTemplate, error) {
	row := p.db.QueryRow(ctx, `SELECT id, custom_pricing_id, cpu, memory_bytes, disk_size_bytes, disk_kind, disk_interface
		FROM custom_templates WHERE id = $1`, id)
	return scanCustomTemplate(row)
}

// ---- VMs ----

const vmColumns = `id, user_id, host_id, template_id, custom_template_id, ssh_key_id, image_id,
	hypervisor_id, mac, ref_code, state, auto_renew, disabled, deleted, created_at, expires_at`

func scanVM(row Row) (types.VM, error) {
	var v types.VM
	err := row.Scan(&v.ID, &v.UserID, &v.HostID, &v.TemplateID, &v.CustomTemplateID,
		&v.SSHKeyID, &v.ImageID, &v.HypervisorID, &v.MAC, &v.RefCode, &v.State,
		&v.AutoRenew, &v.Disabled, &v.Deleted, &v.CreatedAt, &v.ExpiresAt)
	return v, mapNoRows(err)
}

func (p *Postgres) GetVM(ctx context.Context, id uuid.UUID) (types.VM, error) {
	row := p.db.QueryRow(ctx, `SELECT `+vmColumns+` FROM vms WHERE id = $1`, id)
	return scanVM(row)
}

func (p *Postgres) CreateVM(ctx context.Context, vm types.VM) (types.VM, error) {
	row := p.db.QueryRow(ctx, `INSERT INTO vms
		(user_id, host_id, template_id, custom_template_id, ssh_key_id, image_id, mac,
		 ref_code, state, auto_renew, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+vmColumns,
		vm.UserID, vm.HostID, vm.TemplateID, vm.CustomTemplateID, vm.SSHKeyID,
		vm.ImageID, vm.MAC, vm.RefCode, vm.State, vm.AutoRenew, vm.ExpiresAt)
	return scanVM(row)
}

func (p *Postgres) UpdateVM(ctx context.Context, vm types.VM) error {
	_, err := p.db.Exec(ctx, `UPDATE vms SET host_id=$2, template_id=$3, custom_template_id=$4,
		hypervisor_id=$5, state=$6, auto_renew=$7, disabled=$8, deleted=$9, expires_at=$10
		WHERE id=$1`,
		vm.ID, vm.HostID, vm.TemplateID, vm.CustomTemplateID, vm.HypervisorID,
		vm.State, vm.AutoRenew, vm.Disabled, vm.Deleted, vm.ExpiresAt)
	return err
}

func (p *Postgres) ListVMsByUser(ctx context.Context, userID uuid.UUID) ([]types.VM, error) {
	return p.queryVMs(ctx, `SELECT `+vmColumns+` FROM vms WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (p *Postgres) ListActiveVMsByHost(ctx context.Context, hostID uuid.UUID) ([]types.VM, error) {
	return p.queryVMs(ctx, `SELECT `+vmColumns+` FROM vms WHERE host_id = $1 AND deleted = false AND expires_at > now()`, hostID)
}

func (p *Postgres) ListVMsAwaitingSpawn(ctx context.Context) ([]types.VM, error) {
	return p.queryVMs(ctx, `SELECT `+vmColumns+` FROM vms WHERE state = $1 AND deleted = false`, types.VMStateProvisioning)
}

func (p *Postgres) ListVMsForAutoRenew(ctx context.Context, within time.Duration, now time.Time) ([]types.VM, error) {
	return p.queryVMs(ctx, `SELECT `+vmColumns+` FROM vms
		WHERE deleted = false AND auto_renew = true AND expires_at <= $1 AND expires_at > $2`,
		now.Add(within), now)
}

func (p *Postgres) ListVMsToExpire(ctx context.Context, now time.Time) ([]types.VM, error) {
	return p.queryVMs(ctx, `SELECT `+vmColumns+` FROM vms WHERE deleted = false AND expires_at < $1 AND state != $2`, now, types.VMStateExpired)
}

func (p *Postgres) ListVMsToPurge(ctx context.Context, deleteAfter time.Duration, now time.Time) ([]types.VM, error) {
	return p.queryVMs(ctx, `SELECT `+vmColumns+` FROM vms WHERE deleted = false AND expires_at < $1`, now.Add(-deleteAfter))
}

func (p *Postgres) queryVMs(ctx context.Context, sql string, args ...any) ([]types.VM, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.VM
	for rows.Next() {
		v, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ---- IP ranges & assignments ----

func (p *Postgres) GetIPRange(ctx context.Context, id uuid.UUID) (types.IPRange, error) {
	var r types.IPRange
	row := p.db.QueryRow(ctx, `SELECT id, region_id, cidr, gateway, allocation_mode, use_full_range,
		reverse_zone_id, access_policy_id, enabled FROM ip_ranges WHERE id = $1`, id)
	err := row.Scan(&r.ID, &r.RegionID, &r.CIDR, &r.Gateway, &r.AllocationMode,
		&r.UseFullRange, &r.ReverseZoneID, &r.AccessPolicyID, &r.Enabled)
	return r, mapNoRows(err)
}

func (p *Postgres) ListIPRangesByRegion(ctx context.Context, regionID uuid.UUID) ([]types.IPRange, error) {
	rows, err := p.db.Query(ctx, `SELECT id, region_id, cidr, gateway, allocation_mode, use_full_range,
		reverse_zone_id, access_policy_id, enabled FROM ip_ranges WHERE region_id = $1 AND enabled = true`, regionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.IPRange
	for rows.Next() {
		var r types.IPRange
		if err := rows.Scan(&r.ID, &r.RegionID, &r.CIDR, &r.Gateway, &r.AllocationMode,
			&r.UseFullRange, &r.ReverseZoneID, &r.AccessPolicyID, &r.Enabled); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) ListIPAssignmentsByRange(ctx context.Context, rangeID uuid.UUID) ([]types.IPAssignment, error) {
	return p.queryIPAssignments(ctx, `SELECT id, vm_id, ip_range_id, ip, forward_dns_id, reverse_dns_id, created_at, deleted_at
		FROM ip_assignments WHERE ip_range_id = $1 AND deleted_at IS NULL`, rangeID)
}

func (p *Postgres) ListIPAssignmentsByVM(ctx context.Context, vmID uuid.UUID) ([]types.IPAssignment, error) {
	return p.queryIPAssignments(ctx, `SELECT id, vm_id, ip_range_id, ip, forward_dns_id, reverse_dns_id, created_at, deleted_at
		FROM ip_assignments WHERE vm_id = $1 AND deleted_at IS NULL`, vmID)
}

func (p *Postgres) queryIPAssignments(ctx context.Context, sql string, args ...any) ([]types.IPAssignment, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.IPAssignment
	for rows.Next() {
		var a types.IPAssignment
		if err := rows.Scan(&a.ID, &a.VMID, &a.IPRangeID, &a.IP, &a.ForwardDNSID, &a.ReverseDNSID, &a.CreatedAt, &a.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateIPAssignment(ctx context.Context, a types.IPAssignment) (types.IPAssignment, error) {
	row := p.db.QueryRow(ctx, `INSERT INTO ip_assignments (vm_id, ip_range_id, ip, forward_dns_id, reverse_dns_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, vm_id, ip_range_id, ip, forward_dns_id, reverse_dns_id, created_at, deleted_at`,
		a.VMID, a.IPRangeID, a.IP, a.ForwardDNSID, a.ReverseDNSID)
	var out types.IPAssignment
	err := row.Scan(&out.ID, &out.VMID, &out.IPRangeID, &out.IP, &out.ForwardDNSID, &out.ReverseDNSID, &out.CreatedAt, &out.DeletedAt)
	if err != nil {
		return out, fmt.Errorf("creating ip assignment: %w", mapUniqueViolation(err))
	}
	return out, nil
}

func (p *Postgres) UpdateIPAssignment(ctx context.Context, a types.IPAssignment) error {
	n, err := p.db.Exec(ctx, `UPDATE ip_assignments SET forward_dns_id = $2, reverse_dns_id = $3 WHERE id = $1`,
		a.ID, a.ForwardDNSID, a.ReverseDNSID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteIPAssignment(ctx context.Context, id uuid.UUID, when time.Time) error {
	_, err := p.db.Exec(ctx, `UPDATE ip_assignments SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, when)
	return err
}

func mapUniqueViolation(err error) error {
	// Without importing pgconn.PgError detection here to keep the store
	// dependency-light, a unique-violation surfaces as ErrConflict by
	// substring match on the SQLSTATE text pgx includes in Error().
	if err != nil && containsUniqueViolation(err.Error()) {
		return ErrConflict
	}
	return err
}

func containsUniqueViolation(msg string) bool {
	return len(msg) > 0 && (contains(msg, "23505") || contains(msg, "duplicate key"))
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// ---- Payments ----

const paymentColumns = `id, vm_id, kind, method, amount_units, currency, tax_units,
	processing_fee_units, exchange_rate, created_at, expires_at, is_paid, paid_at,
	external_id, external_data_enc, time_value_seconds, upgrade_params`

func scanPayment(row Row) (types.Payment, error) {
	var p types.Payment
	err := row.Scan(&p.ID, &p.VMID, &p.Kind, &p.Method, &p.AmountUnits, &p.Currency,
		&p.TaxUnits, &p.ProcessingFeeUnits, &p.ExchangeRate, &p.CreatedAt, &p.ExpiresAt,
		&p.IsPaid, &p.PaidAt, &p.ExternalID, &p.ExternalDataEnc, &p.TimeValueSeconds, &p.UpgradeParams)
	return p, mapNoRows(err)
}

func (p *Postgres) CreatePayment(ctx context.Context, in types.Payment) (types.Payment, error) {
	row := p.db.QueryRow(ctx, `INSERT INTO payments
		(vm_id, kind, method, amount_units, currency, tax_units, processing_fee_units,
		 exchange_rate, expires_at, time_value_seconds, upgrade_params)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+paymentColumns,
		in.VMID, in.Kind, in.Method, in.AmountUnits, in.Currency, in.TaxUnits,
		in.ProcessingFeeUnits, in.ExchangeRate, in.ExpiresAt, in.TimeValueSeconds, in.UpgradeParams)
	return scanPayment(row)
}

// SetPaymentInvoice is only ever called against a freshly-created, still
// unpaid payment; its is_paid = false condition leaves an already-paid row
// untouched.
func (p *Postgres) SetPaymentInvoice(ctx context.Context, paymentID uuid.UUID, externalID, externalDataEnc string) error {
	_, err := p.db.Exec(ctx, `UPDATE payments SET external_id = $2, external_data_enc = $3
		WHERE id = $1 AND is_paid = false`, paymentID, externalID, externalDataEnc)
	return err
}

func (p *Postgres) GetPayment(ctx context.Context, id uuid.UUID) (types.Payment, error) {
	row := p.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (p *Postgres) GetPaymentByExternalID(ctx context.Context, externalID string) (types.Payment, error) {
	row := p.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_id = $1`, externalID)
	return scanPayment(row)
}

func (p *Postgres) ListPaymentsByVM(ctx context.Context, vmID uuid.UUID) ([]types.Payment, error) {
	rows, err := p.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE vm_id = $1 ORDER BY created_at DESC`, vmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

// ListUnsettledPayments returns unpaid, unexpired payments for method,
// oldest first, so the worker's poll fallback checks the longest-pending
// invoice first.
func (p *Postgres) ListUnsettledPayments(ctx context.Context, method types.PaymentMethod, now time.Time) ([]types.Payment, error) {
	rows, err := p.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE method = $1 AND is_paid = false AND expires_at > $2
		ORDER BY created_at ASC`, method, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

// MarkPaymentPaid performs the settlement statement spec.md §5 requires to
// be one atomic transaction: is_paid 0→1, paid_at set, and the owning VM's
// expires_at advanced by time_value_seconds — guarded so a second call
// against an already-paid row is a no-op (applied=false).
func (p *Postgres) MarkPaymentPaid(ctx context.Context, paymentID uuid.UUID, settledAt time.Time, externalID string) (bool, types.VM, error) {
	var vm types.VM
	applied := false
	err := p.WithTx(ctx, func(ctx context.Context, txRepo Repository) error {
		tx := txRepo.(*Postgres)

		pay, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if pay.IsPaid {
			vm, err = tx.GetVM(ctx, pay.VMID)
			return err
		}

		row := tx.db.QueryRow(ctx, `UPDATE payments SET is_paid = true, paid_at = $2, external_id = $3
			WHERE id = $1 AND is_paid = false RETURNING `+paymentColumns,
			paymentID, settledAt, externalID)
		if _, err := scanPayment(row); err != nil {
			return err
		}

		row = tx.db.QueryRow(ctx, `UPDATE vms SET expires_at = GREATEST(expires_at, $2) + ($3 || ' seconds')::interval
			WHERE id = $1 RETURNING `+vmColumns,
			pay.VMID, settledAt, pay.TimeValueSeconds)
		vm, err = scanVM(row)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, types.VM{}, err
	}
	return applied, vm, nil
}

// ---- VM history ----

func (p *Postgres) AppendVMHistory(ctx context.Context, e types.VMHistoryEntry) error {
	_, err := p.db.Exec(ctx, `INSERT INTO vm_history (vm_id, action, actor, description, prev_state, new_state)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.VMID, e.Action, e.Actor, e.Description, e.PrevState, e.NewState)
	return err
}

func (p *Postgres) ListVMHistory(ctx context.Context, vmID uuid.UUID) ([]types.VMHistoryEntry, error) {
	rows, err := p.db.Query(ctx, `SELECT id, vm_id, action, actor, timestamp, description, prev_state, new_state
		FROM vm_history WHERE vm_id = $1 ORDER BY timestamp`, vmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.VMHistoryEntry
	for rows.Next() {
		var e types.VMHistoryEntry
		if err := rows.Scan(&e.ID, &e.VMID, &e.Action, &e.Actor, &e.Timestamp, &e.Description, &e.PrevState, &e.NewState); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- RBAC ----

func (p *Postgres) GetRolesForUser(ctx context.Context, userID uuid.UUID) ([]types.Role, error) {
	rows, err := p.db.Query(ctx, `SELECT r.id, r.name, p.resource, p.action
		FROM role_assignments a
		JOIN roles r ON r.id = a.role_id
		JOIN permissions p ON p.role_id = r.id
		WHERE a.user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*types.Role)
	var order []uuid.UUID
	for rows.Next() {
		var roleID uuid.UUID
		var name string
		var perm types.Permission
		if err := rows.Scan(&roleID, &name, &perm.Resource, &perm.Action); err != nil {
			return nil, err
		}
		r, ok := byID[roleID]
		if !ok {
			r = &types.Role{ID: roleID, Name: name}
			byID[roleID] = r
			order = append(order, roleID)
		}
		r.Permissions = append(r.Permissions, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]types.Role, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}
