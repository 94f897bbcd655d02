package billing

import "github.com/lnvps/api/pkg/types"

// secondsPer returns the number of seconds a single unit of intervalType
// represents, used to turn (interval_amount, interval_type) into a
// time_value and to scale custom-template monthly pricing to other
// intervals.
func secondsPer(intervalType types.IntervalType) int64 {
	switch intervalType {
	case types.IntervalDay:
		return 86_400
	case types.IntervalYear:
		return 31_536_000
	default: // month
		return 2_592_000 // 30 days, matching the spec's worked example
	}
}

// timeValueSeconds computes the expiry extension a cost plan's interval
// represents.
func timeValueSeconds(intervalAmount int32, intervalType types.IntervalType) int64 {
	return int64(intervalAmount) * secondsPer(intervalType)
}

const bytesPerGiB = 1 << 30

// customMonthlyAmount implements spec.md §4.3's custom pricing formula:
// cpu·cpu_cost + (mem/GiB)·memory_cost + (disk/GiB)·disk_cost[kind,interface]
// + n_ipv4·ip4_cost + n_ipv6·ip6_cost, all in the pricing's currency's
// smallest unit, for one month.
func customMonthlyAmount(pricing types.CustomPricing, shape types.Shape, ipv4, ipv6 int) int64 {
	diskCost := pricing.DiskCostUnits[string(shape.DiskKind)+":"+string(shape.DiskInterface)]

	amount := int64(shape.CPU) * pricing.CPUCostUnits
	amount += gibCeil(shape.MemoryBytes) * pricing.MemoryCostUnits
	amount += gibCeil(shape.DiskSizeBytes) * diskCost
	amount += int64(ipv4) * pricing.IPv4CostUnits
	amount += int64(ipv6) * pricing.IPv6CostUnits
	return amount
}

// gibCeil rounds bytes up to whole GiB, since partial-GiB pricing has no
// defined fractional behavior in the spec.
func gibCeil(bytes int64) int64 {
	if bytes <= 0 {
		return 0
	}
	return (bytes + bytesPerGiB - 1) / bytesPerGiB
}
