// Package dispatchmetrics exposes Prometheus metrics for the dispatch
// engine.
package dispatchmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "loquat"
	subsystem = "dispatch"
)

// Label names for dispatch metrics.
const (
	labelServerType = "server_type"
	labelTargetType = "target_type"
	labelResult     = "result"
	labelChain      = "chain"
	labelAction     = "action"
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Chain label values for filter errors.
const (
	ChainGlobalBefore = "global_before"
	ChainGlobalAfter  = "global_after"
	ChainServerBefore = "server_before"
	ChainServerAfter  = "server_after"
)

// Collector holds all dispatch Prometheus metrics.
//
// Requests and Forwards split by result so operators can alert on error
// ratios per server type. CronJobs is a gauge so removed crons are visible
// immediately.
type Collector struct {
	// Requests counts requests completed by this process, local and
	// forwarded alike.
	Requests *prometheus.CounterVec

	// InFlight tracks requests currently inside the dispatch engine.
	InFlight prometheus.Gauge

	// Forwards counts cross-process forwards by target server type.
	Forwards *prometheus.CounterVec

	// FilterErrors counts errors raised by each filter chain layer.
	FilterErrors *prometheus.CounterVec

	// CronJobs tracks the number of currently scheduled crons.
	CronJobs prometheus.Gauge

	// CronFires counts cron firings per action.
	CronFires *prometheus.CounterVec
}

// NewCollector creates the dispatch metrics and registers them on reg.
// A nil reg falls back to the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Requests,
		c.InFlight,
		c.Forwards,
		c.FilterErrors,
		c.CronJobs,
		c.CronFires,
	)

	return c
}

// newMetrics creates all metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Requests completed by the dispatch engine.",
		}, []string{labelServerType, labelResult}),

		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_in_flight",
			Help:      "Requests currently inside the dispatch engine.",
		}),

		Forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forwards_total",
			Help:      "Requests forwarded to another server type over the mesh.",
		}, []string{labelTargetType, labelResult}),

		FilterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "filter_errors_total",
			Help:      "Errors raised by filter chains, by chain layer.",
		}, []string{labelChain}),

		CronJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cron_jobs",
			Help:      "Currently scheduled cron entries.",
		}),

		CronFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cron_fires_total",
			Help:      "Cron firings by action.",
		}, []string{labelAction}),
	}
}

// ObserveRequest records a completed request.
func (c *Collector) ObserveRequest(serverType string, err error) {
	c.Requests.WithLabelValues(serverType, result(err)).Inc()
}

// ObserveForward records a completed mesh forward.
func (c *Collector) ObserveForward(targetType string, err error) {
	c.Forwards.WithLabelValues(targetType, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
