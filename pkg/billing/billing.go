// Package billing implements invoice issuance, payment settlement, and
// pro-rated upgrade pricing (spec.md §4.3).
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lnvps/api/internal/apperr"
	"github.com/lnvps/api/internal/money"
	"github.com/lnvps/api/internal/secrets"
	"github.com/lnvps/api/pkg/fiat"
	"github.com/lnvps/api/pkg/lightning"
	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/types"
)

// ProcessingFee is a per-payment-method fee schedule: base + rate*amount,
// credited to the provider.
type ProcessingFee struct {
	BaseUnits int64
	Rate      float64
}

// ExchangeRateProvider supplies spot rates between currencies, implemented
// by pkg/exchange.Engine.
type ExchangeRateProvider interface {
	GetRate(ctx context.Context, from, to string) (float64, error)
}

// Upgrader applies a committed shape change to a running VM, implemented
// by pkg/provisioner.Provisioner. Billing depends on this narrow interface
// rather than the concrete type, so pkg/billing does not import
// pkg/provisioner.
type Upgrader interface {
	ApplyUpgrade(ctx context.Context, vmID uuid.UUID, upgradeParams json.RawMessage) error
}

// Engine issues invoices and settles payments.
type Engine struct {
	repo           repo.Repository
	exchange       ExchangeRateProvider
	upgrader       Upgrader
	taxRates       map[string]float64 // country code -> percent
	processingFees map[types.PaymentMethod]ProcessingFee
	lightningP     lightning.Provider
	fiatP          fiat.Provider
	secretsMgr     *secrets.Manager
}

// SetLightningProvider attaches the Lightning backend NewInvoice uses to
// mint a real BOLT-11 invoice for lightning-method payments. Optional: a
// nil provider leaves the payment amount computed but no invoice issued
// (the caller must create one out of band, as pkg/worker's auto-renew path
// does today).
func (e *Engine) SetLightningProvider(p lightning.Provider) { e.lightningP = p }

// SetFiatProvider attaches the fiat gateway NewInvoice uses to open a
// hosted checkout session for fiat-method payments.
func (e *Engine) SetFiatProvider(p fiat.Provider) { e.fiatP = p }

// SetSecretsManager attaches the encryption manager used to seal the
// provider-returned invoice/session payload into Payment.ExternalDataEnc
// (spec.md §9 "payment external data" is an encrypted-at-rest column).
func (e *Engine) SetSecretsManager(m *secrets.Manager) { e.secretsMgr = m }

// Config configures an Engine.
type Config struct {
	TaxRates       map[string]float64
	ProcessingFees map[types.PaymentMethod]ProcessingFee
}

// New builds a billing Engine.
func New(r repo.Repository, exchange ExchangeRateProvider, upgrader Upgrader, cfg Config) *Engine {
	return &Engine{
		repo:           r,
		exchange:       exchange,
		upgrader:       upgrader,
		taxRates:       cfg.TaxRates,
		processingFees: cfg.ProcessingFees,
	}
}

// UpgradeQuote is the result of CalculateUpgrade.
type UpgradeQuote struct {
	CostDifference money.Amount
	NewRenewalCost money.Amount
	Discount       money.Amount
}

// NewInvoice creates an unpaid Payment for vm, computing amount, tax and
// processing fee in the requested currency. An empty currency selects the
// pricing currency: the currency of the VM's cost plan, or of its custom
// pricing. The owning company's base currency is not looked up.
func (e *Engine) NewInvoice(ctx context.Context, vmID uuid.UUID, kind types.PaymentKind, method types.PaymentMethod, currency string, upgradeParams json.RawMessage) (types.Payment, error) {
	vm, err := e.repo.GetVM(ctx, vmID)
	if err != nil {
		return types.Payment{}, err
	}
	user, err := e.repo.GetUser(ctx, vm.UserID)
	if err != nil {
		return types.Payment{}, err
	}

	var (
		amountUnits int64
		baseCurrency string
		timeValue   int64
	)

	switch kind {
	case types.PaymentKindUpgrade:
		var params upgradeParamsPayload
		if err := json.Unmarshal(upgradeParams, &params); err != nil {
			return types.Payment{}, apperr.Validation("invalid upgrade params")
		}
		quote, base, err := e.calculateUpgrade(ctx, vm, params.TargetShape)
		if err != nil {
			return types.Payment{}, err
		}
		amountUnits = quote.CostDifference.Units
		baseCurrency = base
		timeValue = 0 // upgrades do not change expiry
	default:
		amountUnits, baseCurrency, timeValue, err = e.calculateRecurring(ctx, vm)
		if err != nil {
			return types.Payment{}, err
		}
	}

	if currency == "" {
		currency = baseCurrency
	}

	// toBaseRate converts an amount denominated in currency back into
	// baseCurrency and is stored as the payment's ExchangeRate. baseCurrency
	// here is the pricing currency (cost plan or custom pricing), not the
	// company's base currency; the two agree only when the plan is priced in
	// the company's base currency.
	toBaseRate := 1.0
	if currency != baseCurrency {
		conversionRate, err := e.exchange.GetRate(ctx, baseCurrency, currency)
		if err != nil {
			return types.Payment{}, fmt.Errorf("fetching exchange rate: %w", err)
		}
		amountUnits = convertUnits(amountUnits, baseCurrency, currency, conversionRate)

		toBaseRate, err = e.exchange.GetRate(ctx, currency, baseCurrency)
		if err != nil {
			return types.Payment{}, fmt.Errorf("fetching exchange rate to base: %w", err)
		}
	}

	preTax := money.New(amountUnits, currency)
	tax := preTax.MulRate(e.taxRates[user.CountryCode] / 100)
	fee := e.processingFee(method, preTax)

	payment := types.Payment{
		VMID:               vm.ID,
		Kind:               kind,
		Method:             method,
		AmountUnits:        preTax.Units,
		Currency:           currency,
		TaxUnits:           tax.Units,
		ProcessingFeeUnits: fee.Units,
		ExchangeRate:       toBaseRate,
		ExpiresAt:          time.Now().Add(1 * time.Hour),
		TimeValueSeconds:   timeValue,
		UpgradeParams:      upgradeParams,
	}
	created, err := e.repo.CreatePayment(ctx, payment)
	if err != nil {
		return types.Payment{}, err
	}
	return e.issueProviderInvoice(ctx, created)
}

type upgradeParamsPayload struct {
	TargetShape types.Shape `json:"target_shape"`
}

// calculateRecurring resolves the per-billing-interval amount for a new or
// renewal invoice, honoring the VM's bound template/custom-template.
func (e *Engine) calculateRecurring(ctx context.Context, vm types.VM) (amountUnits int64, currency string, timeValue int64, err error) {
	if vm.TemplateID != nil {
		tmpl, err := e.repo.GetVMTemplate(ctx, *vm.TemplateID)
		if err != nil {
			return 0, "", 0, err
		}
		plan, err := e.repo.GetCostPlan(ctx, tmpl.CostPlanID)
		if err != nil {
			return 0, "", 0, err
		}
		return plan.AmountUnits, plan.Currency, timeValueSeconds(plan.IntervalAmount, plan.IntervalType), nil
	}

	if vm.CustomTemplateID == nil {
		return 0, "", 0, apperr.Validation("vm has no template bound")
	}
	custom, err := e.repo.GetCustomTemplate(ctx, *vm.CustomTemplateID)
	if err != nil {
		return 0, "", 0, err
	}
	pricing, err := e.repo.GetCustomPricing(ctx, custom.CustomPricingID)
	if err != nil {
		return 0, "", 0, err
	}
	ipv4, ipv6, err := e.countIPAssignments(ctx, vm.ID)
	if err != nil {
		return 0, "", 0, err
	}
	shape := types.Shape{CPU: custom.CPU, MemoryBytes: custom.MemoryBytes, DiskSizeBytes: custom.DiskSizeBytes, DiskKind: custom.DiskKind, DiskInterface: custom.DiskInterface}
	monthly := customMonthlyAmount(pricing, shape, ipv4, ipv6)
	// Custom templates are always billed monthly (GLOSSARY).
	return monthly, pricing.Currency, timeValueSeconds(1, types.IntervalMonth), nil
}

func (e *Engine) countIPAssignments(ctx context.Context, vmID uuid.UUID) (ipv4, ipv6 int, err error) {
	assignments, err := e.repo.ListIPAssignmentsByVM(ctx, vmID)
	if err != nil {
		return 0, 0, err
	}
	for _, a := range assignments {
		if isIPv6(a.IP) {
			ipv6++
		} else {
			ipv4++
		}
	}
	return ipv4, ipv6, nil
}

func isIPv6(ip string) bool {
	for _, c := range ip {
		if c == ':' {
			return true
		}
	}
	return false
}

// CalculateUpgrade implements §4.3's upgrade pricing: cost_difference =
// (new_rate - old_rate) * seconds_remaining (floored at 1 hour), discount =
// old_rate * seconds_remaining.
//
// Per the Open Question decision recorded in DESIGN.md: a VM on a standard
// template uses that plan's own interval_type for the *old* rate; since
// upgrade() always converts to a custom template first, the *new* rate is
// always the custom monthly rate.
func (e *Engine) CalculateUpgrade(ctx context.Context, vmID uuid.UUID, targetShape types.Shape) (UpgradeQuote, error) {
	vm, err := e.repo.GetVM(ctx, vmID)
	if err != nil {
		return UpgradeQuote{}, err
	}
	quote, _, err := e.calculateUpgrade(ctx, vm, targetShape)
	return quote, err
}

func (e *Engine) calculateUpgrade(ctx context.Context, vm types.VM, targetShape types.Shape) (UpgradeQuote, string, error) {
	secondsRemaining := int64(time.Until(vm.ExpiresAt).Seconds())
	if secondsRemaining < 3600 {
		secondsRemaining = 3600
	}

	oldRatePerSecond, currency, err := e.currentRatePerSecond(ctx, vm)
	if err != nil {
		return UpgradeQuote{}, "", err
	}

	// New rate always comes from the custom-pricing envelope reachable
	// from the VM's region, billed monthly (GLOSSARY: custom templates
	// are always billed monthly).
	region, err := e.regionOfVM(ctx, vm)
	if err != nil {
		return UpgradeQuote{}, "", err
	}
	pricing, err := e.customPricingForRegion(ctx, region)
	if err != nil {
		return UpgradeQuote{}, "", err
	}
	ipv4, ipv6, err := e.countIPAssignments(ctx, vm.ID)
	if err != nil {
		return UpgradeQuote{}, "", err
	}
	newMonthly := customMonthlyAmount(pricing, targetShape, ipv4, ipv6)
	newRatePerSecond := float64(newMonthly) / float64(secondsPer(types.IntervalMonth))

	costDiffUnits := int64((newRatePerSecond - oldRatePerSecond) * float64(secondsRemaining))
	discountUnits := int64(oldRatePerSecond * float64(secondsRemaining))
	newRenewalUnits := newMonthly

	return UpgradeQuote{
		CostDifference: money.New(costDiffUnits, currency),
		NewRenewalCost: money.New(newRenewalUnits, currency),
		Discount:       money.New(discountUnits, currency),
	}, currency, nil
}

func (e *Engine) currentRatePerSecond(ctx context.Context, vm types.VM) (float64, string, error) {
	if vm.TemplateID != nil {
		tmpl, err := e.repo.GetVMTemplate(ctx, *vm.TemplateID)
		if err != nil {
			return 0, "", err
		}
		plan, err := e.repo.GetCostPlan(ctx, tmpl.CostPlanID)
		if err != nil {
			return 0, "", err
		}
		seconds := timeValueSeconds(plan.IntervalAmount, plan.IntervalType)
		return float64(plan.AmountUnits) / float64(seconds), plan.Currency, nil
	}

	custom, err := e.repo.GetCustomTemplate(ctx, *vm.CustomTemplateID)
	if err != nil {
		return 0, "", err
	}
	pricing, err := e.repo.GetCustomPricing(ctx, custom.CustomPricingID)
	if err != nil {
		return 0, "", err
	}
	ipv4, ipv6, err := e.countIPAssignments(ctx, vm.ID)
	if err != nil {
		return 0, "", err
	}
	shape := types.Shape{CPU: custom.CPU, MemoryBytes: custom.MemoryBytes, DiskSizeBytes: custom.DiskSizeBytes, DiskKind: custom.DiskKind, DiskInterface: custom.DiskInterface}
	monthly := customMonthlyAmount(pricing, shape, ipv4, ipv6)
	return float64(monthly) / float64(secondsPer(types.IntervalMonth)), pricing.Currency, nil
}

func (e *Engine) regionOfVM(ctx context.Context, vm types.VM) (types.Region, error) {
	host, err := e.repo.GetHost(ctx, vm.HostID)
	if err != nil {
		return types.Region{}, err
	}
	return e.repo.GetRegion(ctx, host.RegionID)
}

func (e *Engine) customPricingForRegion(ctx context.Context, region types.Region) (types.CustomPricing, error) {
	return e.repo.GetCustomPricingByRegion(ctx, region.ID)
}

func (e *Engine) processingFee(method types.PaymentMethod, amount money.Amount) money.Amount {
	schedule, ok := e.processingFees[method]
	if !ok {
		return money.New(0, amount.Currency)
	}
	return money.New(schedule.BaseUnits, amount.Currency).Add(amount.MulRate(schedule.Rate))
}

func convertUnits(units int64, from, to string, rate float64) int64 {
	fromScale := money.Scale(from)
	toScale := money.Scale(to)
	major := float64(units) / float64(fromScale)
	converted := major * rate
	return int64(converted*float64(toScale) + 0.5)
}

// TotalMsat returns the full amount a payer owes (amount + tax + fee) in
// millisatoshis, for handing to a Lightning provider's CreateInvoice. When
// the payment is already billed in BTC, AmountUnits is millisats already
// (internal/money's BTC scale); otherwise this treats the total as whole
// satoshis, matching the control plane's existing Lightning-amount
// convention (spec.md leaves the fiat-to-sats leg to the exchange rate
// already baked into the payment at issue time).
func TotalMsat(p types.Payment) int64 {
	total := p.AmountUnits + p.TaxUnits + p.ProcessingFeeUnits
	if p.Currency == "BTC" {
		return total
	}
	return total * 1000
}

// issueProviderInvoice mints a real Lightning invoice or fiat checkout
// session for a freshly-created payment and persists its external
// identifier so settlement (webhook or worker poll) can find it again. A
// failure here is returned to NewInvoice's caller as NewInvoice's error;
// the payment row has already been created by then and stays unpaid with
// no external id recorded.
func (e *Engine) issueProviderInvoice(ctx context.Context, payment types.Payment) (types.Payment, error) {
	var (
		externalID   string
		externalData string
	)
	switch payment.Method {
	case types.PaymentMethodLightning:
		if e.lightningP == nil {
			return payment, nil
		}
		invoice, err := e.lightningP.CreateInvoice(ctx, TotalMsat(payment), "lnvps payment "+payment.ID.String())
		if err != nil {
			return payment, fmt.Errorf("creating lightning invoice: %w", err)
		}
		externalID = invoice.PaymentHash
		externalData = invoice.PaymentRequest
	case types.PaymentMethodFiat:
		if e.fiatP == nil {
			return payment, nil
		}
		total := payment.AmountUnits + payment.TaxUnits + payment.ProcessingFeeUnits
		session, err := e.fiatP.CreateCheckoutSession(ctx, total, payment.Currency, payment.ID.String())
		if err != nil {
			return payment, fmt.Errorf("creating fiat checkout session: %w", err)
		}
		externalID = session.SessionID
		externalData = session.CheckoutURL
	default:
		return payment, nil
	}

	if e.secretsMgr != nil && externalData != "" {
		enc, err := e.secretsMgr.Encrypt(externalData)
		if err != nil {
			return payment, fmt.Errorf("encrypting invoice payload: %w", err)
		}
		externalData = enc
	}
	if err := e.repo.SetPaymentInvoice(ctx, payment.ID, externalID, externalData); err != nil {
		return payment, fmt.Errorf("recording issued invoice: %w", err)
	}
	payment.ExternalID = externalID
	payment.ExternalDataEnc = externalData
	return payment, nil
}

// MarkPaid atomically settles a payment: is_paid 0→1, paid_at set, and
// vm.expires extended by time_value (spec.md §4.3, §5). Re-settlement of
// an already-paid payment is a no-op. For upgrade payments, settlement
// additionally applies the committed shape change via Upgrader.
func (e *Engine) MarkPaid(ctx context.Context, paymentID uuid.UUID, settledAt time.Time, externalID string) (types.VM, error) {
	payment, err := e.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return types.VM{}, err
	}

	applied, vm, err := e.repo.MarkPaymentPaid(ctx, paymentID, settledAt, externalID)
	if err != nil {
		return types.VM{}, err
	}
	if !applied {
		return vm, nil // idempotent re-settlement
	}

	if err := e.repo.AppendVMHistory(ctx, types.VMHistoryEntry{
		VMID:        vm.ID,
		Action:      types.VMHistoryPaymentReceived,
		Actor:       "billing",
		Description: fmt.Sprintf("payment %s settled", paymentID),
	}); err != nil {
		return vm, fmt.Errorf("recording payment history: %w", err)
	}

	if payment.Kind == types.PaymentKindUpgrade && e.upgrader != nil {
		if err := e.upgrader.ApplyUpgrade(ctx, vm.ID, payment.UpgradeParams); err != nil {
			return vm, fmt.Errorf("applying upgrade after settlement: %w", err)
		}
	}

	// First-payment settlement hands the VM to the lifecycle worker's spawn
	// reconciliation (ListVMsAwaitingSpawn filters on VMStateProvisioning).
	if payment.Kind == types.PaymentKindNew && vm.State != types.VMStateRunning {
		vm.State = types.VMStateProvisioning
		if err := e.repo.UpdateVM(ctx, vm); err != nil {
			return vm, fmt.Errorf("transitioning vm to provisioning: %w", err)
		}
	}

	return vm, nil
}
