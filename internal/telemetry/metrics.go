// Package telemetry exports bisection and replica exchange progress as
// Prometheus metrics.
package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"alchemy/internal/fe"
	"alchemy/internal/hrex"
)

const namespace = "alchemy"

// Metrics implements fe.BisectionObserver and hrex.Observer.
type Metrics struct {
	bisectionIterations prometheus.Counter
	scheduleStates      prometheus.Gauge
	scheduleMinOverlap  prometheus.Gauge
	windowsSampled      prometheus.Counter
	framesSampled       prometheus.Counter

	hrexPhase         *prometheus.GaugeVec
	hrexIterations    prometheus.Counter
	swapAttempts      *prometheus.CounterVec
	pairAcceptance    *prometheus.GaugeVec
	displacedReplicas prometheus.Gauge
}

var (
	_ fe.BisectionObserver = (*Metrics)(nil)
	_ hrex.Observer        = (*Metrics)(nil)
)

// NewMetrics registers the collectors on reg. A nil reg uses the default
// Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		bisectionIterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bisection",
			Name:      "iterations_total",
			Help:      "Schedules evaluated by the bisection builder",
		}),
		scheduleStates: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bisection",
			Name:      "schedule_states",
			Help:      "Number of lambda windows in the latest schedule",
		}),
		scheduleMinOverlap: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bisection",
			Name:      "min_overlap",
			Help:      "Smallest adjacent-pair overlap of the latest schedule",
		}),
		windowsSampled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bisection",
			Name:      "windows_sampled_total",
			Help:      "Lambda windows simulated by the bisection builder",
		}),
		framesSampled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bisection",
			Name:      "frames_sampled_total",
			Help:      "Frames produced by bisection window simulations",
		}),
		hrexPhase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hrex",
			Name:      "phase",
			Help:      "1 for the current replica exchange phase, 0 otherwise",
		}, []string{"phase"}),
		hrexIterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hrex",
			Name:      "iterations_total",
			Help:      "Completed production and exchange iterations",
		}),
		swapAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hrex",
			Name:      "swap_attempts_total",
			Help:      "Neighbor swap proposals by pair and outcome",
		}, []string{"pair", "outcome"}),
		pairAcceptance: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hrex",
			Name:      "pair_acceptance_fraction",
			Help:      "Cumulative acceptance fraction of swaps between states k and k+1",
		}, []string{"pair"}),
		displacedReplicas: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hrex",
			Name:      "displaced_replicas",
			Help:      "Replicas not at their starting state after the latest iteration",
		}),
	}
}

func (m *Metrics) ObserveSchedule(_ int, schedule fe.Schedule) {
	m.bisectionIterations.Inc()
	m.scheduleStates.Set(float64(len(schedule.States)))
	if minOverlap, idx := schedule.MinOverlap(); idx >= 0 {
		m.scheduleMinOverlap.Set(minOverlap)
	}
}

func (m *Metrics) ObserveWindow(_ float64, frames int) {
	m.windowsSampled.Inc()
	m.framesSampled.Add(float64(frames))
}

func (m *Metrics) ObservePhase(phase hrex.Phase) {
	for _, p := range []hrex.Phase{hrex.PhaseInitializing, hrex.PhaseProducing, hrex.PhaseExchanging, hrex.PhaseDone} {
		value := 0.0
		if p == phase {
			value = 1
		}
		m.hrexPhase.WithLabelValues(p.String()).Set(value)
	}
}

func (m *Metrics) ObserveSwap(pair int, accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.swapAttempts.WithLabelValues(strconv.Itoa(pair), outcome).Inc()
}

func (m *Metrics) ObserveIteration(_ int, replicaIdxByState []int, fractionAcceptedByPair []float64) {
	m.hrexIterations.Inc()
	for k, f := range fractionAcceptedByPair {
		m.pairAcceptance.WithLabelValues(strconv.Itoa(k)).Set(f)
	}
	displaced := 0
	for s, r := range replicaIdxByState {
		if s != r {
			displaced++
		}
	}
	m.displacedReplicas.Set(float64(displaced))
}
