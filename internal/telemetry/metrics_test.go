package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alchemy/internal/fe"
	"alchemy/internal/hrex"
)

func TestBisectionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveWindow(0, 10)
	m.ObserveWindow(1, 10)
	m.ObserveSchedule(0, fe.Schedule{States: make([]fe.InitialState, 2), Overlaps: []float64{0.3}})
	m.ObserveWindow(0.5, 10)
	m.ObserveSchedule(1, fe.Schedule{States: make([]fe.InitialState, 3), Overlaps: []float64{0.7, 0.65}})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.bisectionIterations))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.scheduleStates))
	assert.Equal(t, 0.65, testutil.ToFloat64(m.scheduleMinOverlap))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.windowsSampled))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.framesSampled))
}

func TestExchangeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObservePhase(hrex.PhaseProducing)
	m.ObservePhase(hrex.PhaseExchanging)
	m.ObserveSwap(0, true)
	m.ObserveSwap(0, false)
	m.ObserveSwap(1, false)
	m.ObserveIteration(0, []int{1, 0, 2}, []float64{0.5, 0})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.hrexPhase.WithLabelValues("exchanging")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.hrexPhase.WithLabelValues("producing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.swapAttempts.WithLabelValues("0", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.swapAttempts.WithLabelValues("0", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.swapAttempts.WithLabelValues("1", "rejected")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.pairAcceptance.WithLabelValues("0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.displacedReplicas))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hrexIterations))

	count, err := testutil.GatherAndCount(reg, "alchemy_hrex_swap_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMetricsRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
