// Package metrics holds the AM's Prometheus collectors: real
// prometheus/client_golang types registered against a private registry
// and served by the tracker's /metrics endpoint for operator dashboards
// and the cluster's own resource-manager UI.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the AM emits. One instance lives for the
// process lifetime, constructed at startup and handed to every component
// that needs to record something.
type Registry struct {
	reg *prometheus.Registry

	ContainersRequested *prometheus.CounterVec
	ContainersAcquired  *prometheus.CounterVec
	ContainersCompleted *prometheus.CounterVec
	ContainersRestarted *prometheus.CounterVec
	ProvisionTimeouts   *prometheus.CounterVec
	RunningInstances    *prometheus.GaugeVec
	MessagesDispatched  *prometheus.CounterVec
	ProvisionLoopTicks  prometheus.Counter
}

// NewRegistry constructs and registers all collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ContainersRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weave_am",
			Name:      "containers_requested_total",
			Help:      "Containers requested from the resource manager, by runnable.",
		}, []string{"runnable"}),
		ContainersAcquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weave_am",
			Name:      "containers_acquired_total",
			Help:      "Containers acquired and launched, by runnable.",
		}, []string{"runnable"}),
		ContainersCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weave_am",
			Name:      "containers_completed_total",
			Help:      "Containers that exited, by runnable and exit class.",
		}, []string{"runnable", "exit"}),
		ContainersRestarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weave_am",
			Name:      "containers_restarted_total",
			Help:      "Fresh requests enqueued after an abnormal exit, by runnable.",
		}, []string{"runnable"}),
		ProvisionTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weave_am",
			Name:      "provision_timeouts_total",
			Help:      "Provisioning timeout events delivered to the event handler, by runnable.",
		}, []string{"runnable"}),
		RunningInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "weave_am",
			Name:      "running_instances",
			Help:      "Currently running instance count, by runnable.",
		}, []string{"runnable"}),
		MessagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weave_am",
			Name:      "messages_dispatched_total",
			Help:      "Control messages dispatched, by scope.",
		}, []string{"scope"}),
		ProvisionLoopTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weave_am",
			Name:      "provision_loop_ticks_total",
			Help:      "Number of provisioning loop iterations.",
		}),
	}

	reg.MustRegister(
		r.ContainersRequested,
		r.ContainersAcquired,
		r.ContainersCompleted,
		r.ContainersRestarted,
		r.ProvisionTimeouts,
		r.RunningInstances,
		r.MessagesDispatched,
		r.ProvisionLoopTicks,
	)
	return r
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
