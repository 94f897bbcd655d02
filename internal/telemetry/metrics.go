package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the Prometheus collectors shared across the API and
// worker binaries.
type Registry struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec

	WorkerTicksTotal    prometheus.Counter
	WorkerTickDuration  *prometheus.HistogramVec
	WorkerTickErrors    *prometheus.CounterVec
	VMsProvisioned      prometheus.Counter
	VMsExpired          prometheus.Counter
	VMsDeleted          prometheus.Counter
	InvoicesSettled     prometheus.Counter
	CapacityRejections  *prometheus.CounterVec
}

// NewRegistry creates and registers all collectors against a fresh
// prometheus.Registry, plus any extra collectors supplied by the caller.
func NewRegistry(extra ...prometheus.Collector) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Registerer: reg,
		Gatherer:   reg,
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lnvps_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lnvps_http_requests_total",
			Help: "Total HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		WorkerTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lnvps_worker_ticks_total",
			Help: "Total lifecycle worker reconciliation ticks run.",
		}),
		WorkerTickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lnvps_worker_tick_duration_seconds",
			Help:    "Lifecycle worker tick duration by stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		WorkerTickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lnvps_worker_tick_errors_total",
			Help: "Lifecycle worker errors by stage.",
		}, []string{"stage"}),
		VMsProvisioned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lnvps_vms_provisioned_total",
			Help: "Total VMs successfully provisioned.",
		}),
		VMsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lnvps_vms_expired_total",
			Help: "Total VMs that transitioned to expired.",
		}),
		VMsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lnvps_vms_deleted_total",
			Help: "Total VMs purged/deleted.",
		}),
		InvoicesSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lnvps_invoices_settled_total",
			Help: "Total invoices marked paid.",
		}),
		CapacityRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lnvps_capacity_rejections_total",
			Help: "Order requests rejected for lack of capacity, by region.",
		}, []string{"region"}),
	}

	reg.MustRegister(
		r.HTTPRequestDuration,
		r.HTTPRequestsTotal,
		r.WorkerTicksTotal,
		r.WorkerTickDuration,
		r.WorkerTickErrors,
		r.VMsProvisioned,
		r.VMsExpired,
		r.VMsDeleted,
		r.InvoicesSettled,
		r.CapacityRejections,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}

	return r
}
