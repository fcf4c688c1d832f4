// Package metrics exposes Prometheus collectors for the admission core's
// gate and queue occupancy and its processed/queued/rejected decision
// counts. This is the ambient observability surface a production
// deployment of this service carries regardless of which rate-limiting
// policies are configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every metric the admission core updates.
type Collectors struct {
	GlobalInFlight  prometheus.Gauge
	TenantInFlight  *prometheus.GaugeVec
	TenantQueueSize *prometheus.GaugeVec
	Decisions       *prometheus.CounterVec
}

// New registers and returns the admission core's collectors against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		GlobalInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "admission",
			Name:      "global_in_flight",
			Help:      "Current number of requests holding a global gate slot.",
		}),
		TenantInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "admission",
			Name:      "tenant_in_flight",
			Help:      "Current number of requests holding a gate slot, per tenant.",
		}, []string{"tenant_id"}),
		TenantQueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "admission",
			Name:      "tenant_queue_size",
			Help:      "Current depth of a tenant's pending-request queue.",
		}, []string{"tenant_id"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "admission",
			Name:      "decisions_total",
			Help:      "Total admission decisions, partitioned by tenant and outcome.",
		}, []string{"tenant_id", "status", "allowed"}),
	}

	reg.MustRegister(c.GlobalInFlight, c.TenantInFlight, c.TenantQueueSize, c.Decisions)

	return c
}

// RecordDecision increments the decision counter for one admission
// outcome.
func (c *Collectors) RecordDecision(tenantID, status string, allowed bool) {
	allowedLabel := "false"
	if allowed {
		allowedLabel = "true"
	}
	c.Decisions.WithLabelValues(tenantID, status, allowedLabel).Inc()
}

// RecordOccupancy updates the gate/queue gauges for one tenant.
func (c *Collectors) RecordOccupancy(tenantID string, global, tenantInFlight, queueLength int) {
	c.GlobalInFlight.Set(float64(global))
	c.TenantInFlight.WithLabelValues(tenantID).Set(float64(tenantInFlight))
	c.TenantQueueSize.WithLabelValues(tenantID).Set(float64(queueLength))
}
