package fe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alchemy/internal/model"
)

func TestMDParamsValidate(t *testing.T) {
	require.NoError(t, testParams().Validate())

	bad := []MDParams{
		{NFrames: 0, StepsPerFrame: 1},
		{NFrames: 1, StepsPerFrame: 0},
		{NFrames: 1, StepsPerFrame: 1, NEqSteps: -1},
		{NFrames: 1, StepsPerFrame: 1, HREX: &HREXParams{}},
	}
	for i, p := range bad {
		assert.ErrorIs(t, p.Validate(), ErrConfiguration, "case %d", i)
	}
}

func TestMDParamsCopiesHREX(t *testing.T) {
	p := testParams()
	p.HREX = &HREXParams{NFramesBisection: 10}
	q := p.WithNFrames(99).WithNEqSteps(0)
	q.HREX.NFramesBisection = 1
	assert.Equal(t, 10, p.HREX.NFramesBisection)
	assert.Equal(t, 99, q.NFrames)
	assert.Equal(t, 4, p.NFrames)
}

func TestHREXParamsDefaults(t *testing.T) {
	h := HREXParams{NFramesBisection: 1}
	assert.Equal(t, 1, h.FramesPerIter())
	assert.Equal(t, 27, h.SwapAttempts(3))
	h.NSwapAttemptsPerIter = 4
	assert.Equal(t, 4, h.SwapAttempts(3))
}

func TestWithContinuationLeavesReceiverUntouched(t *testing.T) {
	s := bondState(0.3, 0.1)
	x := []model.Vec3{{1, 2, 3}, {4, 5, 6}}
	v := []model.Vec3{{0.1, 0, 0}, {0, 0.1, 0}}
	next := s.WithContinuation(x, v, model.CubicBox(3))

	assert.Equal(t, model.Vec3{0, 0, 0}, s.X0[0])
	assert.Equal(t, x, next.X0)
	x[0][0] = 42
	assert.Equal(t, 1.0, next.X0[0][0], "continuation must own its coordinates")
	assert.Equal(t, 0.3, next.Lamb)
}

func TestContinueRequiresFinalVelocities(t *testing.T) {
	s := bondState(0, 0.1)
	traj := Trajectory{Frames: []model.Frame{s.X0}, Boxes: []model.Box{s.Box0}}
	_, err := traj.Continue(s)
	assert.ErrorIs(t, err, ErrInstability)

	traj.FinalVelocities = s.V0
	next, err := traj.Continue(s)
	require.NoError(t, err)
	assert.Equal(t, s.X0, next.X0)
}

func TestInitialStateValidate(t *testing.T) {
	s := bondState(0, 0.1)
	require.NoError(t, s.Validate())
	s.V0 = nil
	assert.ErrorIs(t, s.Validate(), ErrConfiguration)
}

func TestReducedPotentialRejectsNonFinite(t *testing.T) {
	s := bondState(0, 0.1)
	_, err := ReducedPotential(s, []model.Vec3{{0, 0, 0}, {1e300, 1e300, 0}}, model.Box{}, 300)
	assert.True(t, errors.Is(err, ErrInstability))
}

func TestReducedPotentialIncludesPV(t *testing.T) {
	s := bondState(0, 0.1)
	box := model.CubicBox(2)
	u, err := ReducedPotential(s, s.X0, box, 300)
	require.NoError(t, err)
	assert.InDelta(t, 0, u, 1e-12)

	s.Barostat = &MonteCarloBarostat{Pressure: 1, Temperature: 300, Interval: 15}
	u, err = ReducedPotential(s, s.X0, box, 300)
	require.NoError(t, err)
	assert.InDelta(t, 8*BarNm3ToKJPerMol/(BOLTZ*300), u, 1e-12)
}

func TestBAROverlapIdenticalStates(t *testing.T) {
	a := bondState(0, 0.1)
	b := bondState(1, 0.1)
	traj := func(rs ...float64) Trajectory {
		var out Trajectory
		for _, r := range rs {
			out.Frames = append(out.Frames, model.Frame{{0, 0, 0}, {r, 0, 0}})
			out.Boxes = append(out.Boxes, model.Box{})
		}
		return out
	}
	o, err := BAROverlap{}.Overlap(context.Background(), a, traj(0.099, 0.1, 0.101), b, traj(0.1, 0.102, 0.098), 300)
	require.NoError(t, err)
	assert.InDelta(t, 1, o, 1e-6)
}

func TestBAROverlapDisjointStates(t *testing.T) {
	a := bondState(0, 0.1)
	b := bondState(1, 0.3)
	trajA := Trajectory{Frames: []model.Frame{{{0, 0, 0}, {0.1, 0, 0}}}, Boxes: []model.Box{{}}}
	trajB := Trajectory{Frames: []model.Frame{{{0, 0, 0}, {0.3, 0, 0}}}, Boxes: []model.Box{{}}}
	o, err := BAROverlap{}.Overlap(context.Background(), a, trajA, b, trajB, 300)
	require.NoError(t, err)
	assert.InDelta(t, 0, o, 1e-6)
}

func TestBAROverlapPartial(t *testing.T) {
	a := bondState(0, 0.1)
	b := bondState(1, 0.11)
	var trajA, trajB Trajectory
	for i := -3; i <= 3; i++ {
		d := 0.004 * float64(i)
		trajA.Frames = append(trajA.Frames, model.Frame{{0, 0, 0}, {0.1 + d, 0, 0}})
		trajA.Boxes = append(trajA.Boxes, model.Box{})
		trajB.Frames = append(trajB.Frames, model.Frame{{0, 0, 0}, {0.11 + d, 0, 0}})
		trajB.Boxes = append(trajB.Boxes, model.Box{})
	}
	o, err := BAROverlap{}.Overlap(context.Background(), a, trajA, b, trajB, 300)
	require.NoError(t, err)
	assert.Greater(t, o, 0.0)
	assert.Less(t, o, 1.0)
}

func TestBAROverlapRequiresSamples(t *testing.T) {
	a := bondState(0, 0.1)
	_, err := BAROverlap{}.Overlap(context.Background(), a, Trajectory{}, a, Trajectory{}, 300)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestImageFramesCentersLigand(t *testing.T) {
	s := bondState(0, 0.1)
	s.X0 = append(s.X0, model.Vec3{0, 0, 0})
	s.LigandIdxs = []int{0, 1}
	box := model.CubicBox(2)
	frame := model.Frame{{1.9, 0.1, 0.1}, {2.1, 0.1, 0.1}, {3.5, -0.5, 0.2}}
	out, err := ImageFrames(s, []model.Frame{frame}, []model.Box{box})
	require.NoError(t, err)

	centroid := out[0][0].Add(out[0][1]).Scale(0.5)
	assert.InDeltaSlice(t, []float64{1, 1, 1}, centroid[:], 1e-12)
	assert.InDelta(t, 0.2, out[0][1][0]-out[0][0][0], 1e-12, "ligand stays whole")
	for k := 0; k < 3; k++ {
		assert.GreaterOrEqual(t, out[0][2][k], 0.0)
		assert.Less(t, out[0][2][k], 2.0)
	}
	assert.Equal(t, 1.9, frame[0][0], "input frame untouched")
}
