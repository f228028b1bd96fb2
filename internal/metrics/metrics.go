package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	clientStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botlock",
			Subsystem: "client",
			Name:      "starts_total",
			Help:      "Number of bot client launches.",
		}, []string{"name"},
	)
	clientStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botlock",
			Subsystem: "client",
			Name:      "stops_total",
			Help:      "Number of bot client stops (graceful or kill).",
		}, []string{"name"},
	)
	conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botlock",
			Subsystem: "supervisor",
			Name:      "conflicts_total",
			Help:      "Number of long-poll lease conflicts detected.",
		}, []string{"name"},
	)
	recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botlock",
			Subsystem: "supervisor",
			Name:      "recoveries_total",
			Help:      "Number of completed stop/wait/restart recovery cycles.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botlock",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state machine transitions.",
		}, []string{"name", "from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botlock",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{clientStarts, clientStops, conflicts, recoveries, stateTransitions, currentState}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// RegisterDefault registers against the default Prometheus registry.
func RegisterDefault() error { return Register(prometheus.DefaultRegisterer) }

// Handler returns an http.Handler serving the DefaultGatherer. The caller
// wires the route and owns the server.
func Handler() http.Handler { return promhttp.Handler() }

// Serve starts a blocking HTTP server exposing /metrics on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux) // #nosec G114
}

// Helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		clientStarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		clientStops.WithLabelValues(name).Inc()
	}
}
func IncConflict(name string) {
	if regOK.Load() {
		conflicts.WithLabelValues(name).Inc()
	}
}
func IncRecovery(name string) {
	if regOK.Load() {
		recoveries.WithLabelValues(name).Inc()
	}
}
func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}
func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		currentState.WithLabelValues(name, state).Set(v)
	}
}
