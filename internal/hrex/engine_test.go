package hrex

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alchemy/internal/fe"
	"alchemy/internal/md"
	"alchemy/internal/model"
	"alchemy/internal/potential"
)

// walkPropagator displaces atoms by a seeded random walk and records the
// step counts it was asked for.
type walkPropagator struct {
	mu     sync.Mutex
	nSteps []int
	failAt int
}

func (p *walkPropagator) Propagate(_ context.Context, _ fe.InitialState, rep fe.Replica, nSteps int, rng *rand.Rand) (fe.Replica, error) {
	p.mu.Lock()
	p.nSteps = append(p.nSteps, nSteps)
	p.mu.Unlock()
	out := rep.Clone()
	for i := range out.X {
		for k := 0; k < 3; k++ {
			out.X[i][k] += 0.005 * rng.NormFloat64()
		}
	}
	out.Step += nSteps
	if p.failAt > 0 && out.Step >= p.failAt {
		out.X[0][0] = math.NaN()
	}
	return out, nil
}

func (p *walkPropagator) calls() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.nSteps)
}

// framedWalk records frames through PropagateFrames by delegating each frame
// to the embedded walk.
type framedWalk struct {
	walkPropagator
	frameCalls []int
}

func (p *framedWalk) PropagateFrames(ctx context.Context, state fe.InitialState, rep fe.Replica, nFrames, stepsPerFrame int, rng *rand.Rand) (fe.Replica, []model.Frame, []model.Box, error) {
	p.mu.Lock()
	p.frameCalls = append(p.frameCalls, nFrames)
	p.mu.Unlock()
	var frames []model.Frame
	var boxes []model.Box
	for f := 0; f < nFrames; f++ {
		next, err := p.Propagate(ctx, state, rep, stepsPerFrame, rng)
		if err != nil {
			return fe.Replica{}, nil, nil, err
		}
		rep = next
		frames = append(frames, model.Frame(rep.X).Clone())
		boxes = append(boxes, rep.Box)
	}
	return rep, frames, boxes, nil
}

func bondStates(t *testing.T, n int, spread float64) []fe.InitialState {
	t.Helper()
	states := make([]fe.InitialState, n)
	for i := range states {
		r0 := 0.1 + spread*float64(i)
		bp, err := potential.Bind(potential.NewHarmonicBond([][2]int{{0, 1}}), []float64{1e3, r0})
		require.NoError(t, err)
		masses := []float64{12, 12}
		states[i] = fe.InitialState{
			Potentials: []potential.BoundPotential{bp},
			Integrator: fe.LangevinIntegrator{Temperature: 300, Dt: 1e-3, Friction: 1, Masses: masses, Seed: 1},
			X0:         []model.Vec3{{0, 0, 0}, {r0, 0, 0}},
			V0:         make([]model.Vec3, 2),
			Box0:       model.CubicBox(10),
			Lamb:       float64(i) / float64(n-1),
		}
	}
	return states
}

func hrexParams(nFrames int) fe.MDParams {
	return fe.MDParams{
		NFrames:       nFrames,
		NEqSteps:      0,
		StepsPerFrame: 4,
		Seed:          2023,
		HREX:          &fe.HREXParams{NFramesBisection: 1},
	}
}

func TestPermutationStaysBijective(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 5; trial++ {
		nFrames := 1 + rng.IntN(25)
		nStates := 2 + rng.IntN(4)
		params := hrexParams(nFrames)
		params.HREX.NFramesPerIter = 1 + rng.IntN(3)

		res, err := RunSimsHREX(context.Background(), bondStates(t, nStates, 0.005), params, &walkPropagator{})
		require.NoError(t, err)

		wantIters := (nFrames + params.HREX.NFramesPerIter - 1) / params.HREX.NFramesPerIter
		require.Equal(t, wantIters, res.Diagnostics.NumIterations())
		for iter, perm := range res.Diagnostics.ReplicaIdxByStateByIter {
			sorted := slices.Sorted(slices.Values(perm))
			want := make([]int, nStates)
			for i := range want {
				want[i] = i
			}
			require.Equal(t, want, sorted, "iteration %d", iter)
			for _, f := range res.Diagnostics.FractionAcceptedByPairByIter[iter] {
				require.GreaterOrEqual(t, f, 0.0)
				require.LessOrEqual(t, f, 1.0)
			}
		}
		for s, traj := range res.Trajectories {
			require.NoError(t, traj.Validate(nFrames), "state %d", s)
		}
	}
}

func TestAcceptanceProbabilityBoundaries(t *testing.T) {
	ua, ub := 12.5, -3.25
	// the same configuration evaluated under both states
	assert.Equal(t, 1.0, AcceptanceProbability(LogAcceptanceRatio(ua, ub, ub, ua)))
	assert.Equal(t, 1.0, AcceptanceProbability(LogAcceptanceRatio(ua, ua, ua, ua)))

	assert.Equal(t, 0.0, AcceptanceProbability(LogAcceptanceRatio(0, 0, math.MaxFloat64, math.MaxFloat64)))
	assert.Equal(t, 1.0, AcceptanceProbability(LogAcceptanceRatio(math.MaxFloat64, math.MaxFloat64, 0, 0)))
	assert.InDelta(t, math.Exp(-2), AcceptanceProbability(LogAcceptanceRatio(0, 0, 1, 1)), 1e-15)
	assert.True(t, math.IsNaN(AcceptanceProbability(math.NaN())))
}

func TestAcceptanceRatioSaturatesForHugeEnergies(t *testing.T) {
	const big = 1e308
	logRatio := LogAcceptanceRatio(big, big, big, big)
	assert.Equal(t, 0.0, logRatio)
	assert.Equal(t, 1.0, AcceptanceProbability(logRatio))

	assert.Equal(t, 0.0, AcceptanceProbability(LogAcceptanceRatio(big, -big, math.Inf(1), -big)))
	assert.Equal(t, 1.0, AcceptanceProbability(LogAcceptanceRatio(math.Inf(1), big, big, big)))
	assert.InDelta(t, math.Exp(-1), AcceptanceProbability(LogAcceptanceRatio(5, big, 6, big)), 1e-12)
}

func TestRunIsReproducible(t *testing.T) {
	params := hrexParams(12)
	params.HREX.NFramesPerIter = 2
	a, err := RunSimsHREX(context.Background(), bondStates(t, 4, 0.005), params, &walkPropagator{})
	require.NoError(t, err)
	b, err := RunSimsHREX(context.Background(), bondStates(t, 4, 0.005), params, &walkPropagator{}, WithParallelism(1))
	require.NoError(t, err)

	assert.Equal(t, a.Diagnostics, b.Diagnostics)
	assert.Equal(t, a.Trajectories, b.Trajectories)
	assert.Equal(t, a.FinalStates[0].X0, b.FinalStates[0].X0)
}

func TestRunWithLangevinPropagatorIsReproducible(t *testing.T) {
	params := hrexParams(6)
	states := bondStates(t, 3, 0.002)
	a, err := RunSimsHREX(context.Background(), states, params, md.NewSampler())
	require.NoError(t, err)
	b, err := RunSimsHREX(context.Background(), states, params, md.NewSampler())
	require.NoError(t, err)
	assert.Equal(t, a.Diagnostics.ReplicaIdxByStateByIter, b.Diagnostics.ReplicaIdxByStateByIter)
	assert.Equal(t, a.Trajectories, b.Trajectories)
}

func TestFramePropagatorMatchesPerFrameCalls(t *testing.T) {
	params := hrexParams(6)
	params.HREX.NFramesPerIter = 3
	plain, err := RunSimsHREX(context.Background(), bondStates(t, 3, 0.005), params, &walkPropagator{})
	require.NoError(t, err)

	prop := &framedWalk{}
	framed, err := RunSimsHREX(context.Background(), bondStates(t, 3, 0.005), params, prop)
	require.NoError(t, err)
	assert.Equal(t, plain.Diagnostics, framed.Diagnostics)
	assert.Equal(t, plain.Trajectories, framed.Trajectories)

	require.NotEmpty(t, prop.frameCalls)
	for _, n := range prop.frameCalls {
		assert.Equal(t, 3, n)
	}
}

func TestFramePropagatorInstabilityIsReported(t *testing.T) {
	prop := &framedWalk{walkPropagator: walkPropagator{failAt: 8}}
	_, err := RunSimsHREX(context.Background(), bondStates(t, 3, 0.005), hrexParams(4), prop)
	require.Error(t, err)
	assert.ErrorIs(t, err, fe.ErrInstability)
}

func TestLangevinFramesAreReproducible(t *testing.T) {
	params := hrexParams(6)
	params.HREX.NFramesPerIter = 3
	states := bondStates(t, 3, 0.002)
	a, err := RunSimsHREX(context.Background(), states, params, md.NewSampler())
	require.NoError(t, err)
	b, err := RunSimsHREX(context.Background(), states, params, md.NewSampler(), WithParallelism(1))
	require.NoError(t, err)
	assert.Equal(t, a.Trajectories, b.Trajectories)
	for _, traj := range a.Trajectories {
		assert.Len(t, traj.Frames, 6)
	}
}

func TestIdenticalStatesAlwaysSwap(t *testing.T) {
	res, err := RunSimsHREX(context.Background(), bondStates(t, 3, 0), hrexParams(5), &walkPropagator{})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, res.Diagnostics.FinalAcceptanceFractions())
}

func TestNoEquilibrationWhenNEqStepsIsZero(t *testing.T) {
	prop := &walkPropagator{}
	_, err := RunSimsHREX(context.Background(), bondStates(t, 3, 0.005), hrexParams(2), prop)
	require.NoError(t, err)
	for _, n := range prop.calls() {
		assert.Equal(t, 4, n)
	}
	assert.Len(t, prop.calls(), 6)

	prop = &walkPropagator{}
	params := hrexParams(2)
	params.NEqSteps = 7
	_, err = RunSimsHREX(context.Background(), bondStates(t, 3, 0.005), params, prop)
	require.NoError(t, err)
	eq := 0
	for _, n := range prop.calls() {
		if n == 7 {
			eq++
		}
	}
	assert.Equal(t, 3, eq)
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	prop := &walkPropagator{}
	_, err := RunSimsHREX(context.Background(), bondStates(t, 2, 0.005)[:1], hrexParams(2), prop)
	assert.ErrorIs(t, err, fe.ErrConfiguration)

	noHREX := hrexParams(2)
	noHREX.HREX = nil
	_, err = RunSimsHREX(context.Background(), bondStates(t, 2, 0.005), noHREX, prop)
	assert.ErrorIs(t, err, fe.ErrConfiguration)

	states := bondStates(t, 2, 0.005)
	states[1].X0 = append(states[1].X0, model.Vec3{})
	states[1].V0 = append(states[1].V0, model.Vec3{})
	states[1].Integrator.Masses = []float64{12, 12, 12}
	_, err = RunSimsHREX(context.Background(), states, hrexParams(2), prop)
	assert.ErrorIs(t, err, fe.ErrConfiguration)

	assert.Empty(t, prop.calls())
}

func TestEngineSurfacesInstability(t *testing.T) {
	_, err := RunSimsHREX(context.Background(), bondStates(t, 3, 0.005), hrexParams(10), &walkPropagator{failAt: 16})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fe.ErrInstability))
}

type phaseRecorder struct {
	phases []Phase
	swaps  int
	iters  int
}

func (r *phaseRecorder) ObservePhase(p Phase) { r.phases = append(r.phases, p) }

func (r *phaseRecorder) ObserveSwap(int, bool) { r.swaps++ }

func (r *phaseRecorder) ObserveIteration(int, []int, []float64) { r.iters++ }

func TestEnginePhases(t *testing.T) {
	rec := &phaseRecorder{}
	params := hrexParams(3)
	params.HREX.NSwapAttemptsPerIter = 2
	e, err := NewEngine(Config{States: bondStates(t, 3, 0.005), Params: params, Propagator: &walkPropagator{}, Observer: rec})
	require.NoError(t, err)
	require.Equal(t, PhaseInitializing, e.Phase())

	_, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, e.Phase())
	assert.Equal(t, []Phase{
		PhaseInitializing,
		PhaseProducing, PhaseExchanging,
		PhaseProducing, PhaseExchanging,
		PhaseProducing, PhaseExchanging,
		PhaseDone,
	}, rec.phases)
	assert.Equal(t, 6, rec.swaps)
	assert.Equal(t, 3, rec.iters)
}

func TestFinalStatesFollowOccupants(t *testing.T) {
	res, err := RunSimsHREX(context.Background(), bondStates(t, 3, 0), hrexParams(4), &walkPropagator{})
	require.NoError(t, err)
	perms := res.Diagnostics.ReplicaIdxByStateByIter
	require.Len(t, perms, 4)
	before, after := perms[2], perms[3]

	for s, state := range res.FinalStates {
		r := after[s]
		producer := slices.Index(before, r)
		require.GreaterOrEqual(t, producer, 0)
		last, _, ok := res.Trajectories[producer].Last()
		require.True(t, ok)
		assert.Equal(t, []model.Vec3(last), state.X0, "state %d", s)
		assert.Equal(t, res.Trajectories[producer].FinalVelocities, state.V0)
		assert.InDelta(t, float64(s)/2, state.Lamb, 1e-12)
	}
}
