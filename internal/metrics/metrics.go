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

	processStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spkpin",
			Subsystem: "poa",
			Name:      "starts_total",
			Help:      "Number of successful POA process starts.",
		},
	)
	processStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spkpin",
			Subsystem: "poa",
			Name:      "stops_total",
			Help:      "Number of POA process stops (graceful or kill).",
		},
	)
	processRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spkpin",
			Subsystem: "poa",
			Name:      "restarts_total",
			Help:      "Number of automatic POA restarts.",
		},
	)
	processCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spkpin",
			Subsystem: "poa",
			Name:      "crashes_total",
			Help:      "Number of unclean POA process exits.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spkpin",
			Subsystem: "poa",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spkpin",
			Subsystem: "poa",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spkpin",
			Subsystem: "reconcile",
			Name:      "cycles_total",
			Help:      "Number of reconciliation cycles by outcome.",
		}, []string{"outcome"},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "spkpin",
			Subsystem: "reconcile",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of reconciliation cycles.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	pins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spkpin",
			Subsystem: "reconcile",
			Name:      "pins_total",
			Help:      "Number of successful pin operations.",
		},
	)
	unpins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spkpin",
			Subsystem: "reconcile",
			Name:      "unpins_total",
			Help:      "Number of successful unpin operations.",
		},
	)
	pinFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spkpin",
			Subsystem: "reconcile",
			Name:      "pin_failures_total",
			Help:      "Number of failed pin/unpin operations by operation.",
		}, []string{"op"},
	)
	requiredCids = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spkpin",
			Subsystem: "reconcile",
			Name:      "required_cids",
			Help:      "Size of the required pin set after the latest cycle.",
		},
	)
	managedPins = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spkpin",
			Subsystem: "reconcile",
			Name:      "managed_pins",
			Help:      "Number of CIDs currently tracked as pinned by this node.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processStops, processRestarts, processCrashes,
		stateTransitions, currentState,
		cycles, cycleDuration, pins, unpins, pinFailures,
		requiredCids, managedPins,
	}
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

// Handler returns the promhttp handler for the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart()   { processStarts.Inc() }
func IncStop()    { processStops.Inc() }
func IncRestart() { processRestarts.Inc() }
func IncCrash()   { processCrashes.Inc() }

// RecordStateTransition counts a supervisor transition and flips the
// current-state gauges.
func RecordStateTransition(from, to string) {
	stateTransitions.WithLabelValues(from, to).Inc()
	currentState.WithLabelValues(from).Set(0)
	currentState.WithLabelValues(to).Set(1)
}

func IncCycle(outcome string)          { cycles.WithLabelValues(outcome).Inc() }
func ObserveCycleDuration(sec float64) { cycleDuration.Observe(sec) }
func IncPin()                          { pins.Inc() }
func IncUnpin()                        { unpins.Inc() }
func IncPinFailure(op string)          { pinFailures.WithLabelValues(op).Inc() }
func SetRequiredCids(n int)            { requiredCids.Set(float64(n)) }
func SetManagedPins(n int)             { managedPins.Set(float64(n)) }
