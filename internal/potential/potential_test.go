package potential

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alchemy/internal/model"
)

func fourAtoms() []model.Vec3 {
	return []model.Vec3{
		{0.02, 0.13, 0.01},
		{0, 0, 0},
		{0.15, 0.01, -0.02},
		{0.21, 0.09, 0.11},
	}
}

// numericGrad checks an analytic gradient against central differences.
func numericGrad(t *testing.T, bps []BoundPotential, x []model.Vec3, box model.Box) {
	t.Helper()
	analytic := make([]model.Vec3, len(x))
	_, err := Execute(bps, x, box, analytic)
	require.NoError(t, err)

	const h = 1e-6
	for i := range x {
		for k := 0; k < 3; k++ {
			xp := append([]model.Vec3(nil), x...)
			xm := append([]model.Vec3(nil), x...)
			xp[i][k] += h
			xm[i][k] -= h
			up, err := Execute(bps, xp, box, nil)
			require.NoError(t, err)
			um, err := Execute(bps, xm, box, nil)
			require.NoError(t, err)
			want := (up - um) / (2 * h)
			assert.InDeltaf(t, want, analytic[i][k], 1e-3*math.Max(1, math.Abs(want)), "atom %d dim %d", i, k)
		}
	}
}

func TestBindRejectsWrongShape(t *testing.T) {
	_, err := Bind(NewHarmonicBond([][2]int{{0, 1}}), []float64{1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParamShape))
}

func TestBindCopiesParams(t *testing.T) {
	params := []float64{100, 0.1}
	bp, err := Bind(NewHarmonicBond([][2]int{{0, 1}}), params)
	require.NoError(t, err)
	params[0] = -1
	assert.Equal(t, 100.0, bp.Params[0])
}

func TestBondedGradients(t *testing.T) {
	bond, err := Bind(NewHarmonicBond([][2]int{{0, 1}, {1, 2}, {2, 3}}), []float64{
		1000, 0.12, 2000, 0.15, 500, 0.14,
	})
	require.NoError(t, err)
	angle, err := Bind(NewHarmonicAngle([][3]int{{0, 1, 2}, {1, 2, 3}}), []float64{
		50, 2.0, 80, 1.9,
	})
	require.NoError(t, err)
	torsion, err := Bind(NewPeriodicTorsion([][4]int{{0, 1, 2, 3}}), []float64{6, math.Pi, 2})
	require.NoError(t, err)

	numericGrad(t, []BoundPotential{bond, angle, torsion}, fourAtoms(), model.Box{})
}

func TestTorsionGradientAlone(t *testing.T) {
	geometries := map[string][]model.Vec3{
		"skewed": fourAtoms(),
		"near trans": {
			{-0.05, 0.13, 0.01},
			{0, 0, 0},
			{0.15, 0, 0},
			{0.2, -0.12, -0.04},
		},
		"obtuse bridge": {
			{0.09, 0.12, 0.02},
			{0, 0, 0},
			{0.15, 0.02, 0},
			{0.06, 0.1, 0.12},
		},
	}
	for name, x := range geometries {
		t.Run(name, func(t *testing.T) {
			torsion, err := Bind(NewPeriodicTorsion([][4]int{{0, 1, 2, 3}}), []float64{6, math.Pi, 2})
			require.NoError(t, err)
			numericGrad(t, []BoundPotential{torsion}, x, model.Box{})

			shifted, err := Bind(NewPeriodicTorsion([][4]int{{0, 1, 2, 3}}), []float64{3, 0.4, 1})
			require.NoError(t, err)
			numericGrad(t, []BoundPotential{shifted}, x, model.Box{})
		})
	}
}

func TestSignedTorsionAngle(t *testing.T) {
	phi := 0.7
	x0 := model.Vec3{1, 0, 0}
	x1 := model.Vec3{0, 0, 0}
	x2 := model.Vec3{0, 0, 1}
	x3 := model.Vec3{math.Cos(phi), math.Sin(phi), 1}
	assert.InDelta(t, phi, SignedTorsionAngle(x0, x1, x2, x3), 1e-12)

	x3 = model.Vec3{math.Cos(-phi), math.Sin(-phi), 1}
	assert.InDelta(t, -phi, SignedTorsionAngle(x0, x1, x2, x3), 1e-12)
}

func TestNonbondedPairListGradient(t *testing.T) {
	nb, err := Bind(NewNonbondedPairList([][2]int{{0, 3}, {0, 2}}, 1.2), []float64{
		0.1, 0.3, 0.5, 0.05,
		-0.2, 0.25, 0.3, 0.0,
	})
	require.NoError(t, err)
	numericGrad(t, []BoundPotential{nb}, fourAtoms(), model.CubicBox(3))
}

func TestNonbondedOffsetWeakensInteraction(t *testing.T) {
	pl := NewNonbondedPairList([][2]int{{0, 1}}, 0)
	x := []model.Vec3{{0, 0, 0}, {0.25, 0, 0}}
	var last float64
	for step, w := range []float64{0, 0.2, 0.5, 1.0} {
		u, err := pl.Execute(x, []float64{0, 0.3, 0.5, w}, model.Box{}, nil)
		require.NoError(t, err)
		if step > 0 {
			assert.Less(t, math.Abs(u), math.Abs(last))
		}
		last = u
	}
}

func TestNonbondedCutoff(t *testing.T) {
	pl := NewNonbondedPairList([][2]int{{0, 1}}, 1.0)
	x := []model.Vec3{{0, 0, 0}, {0.8, 0, 0}}
	u, err := pl.Execute(x, []float64{1, 0.3, 0.5, 0.7}, model.Box{}, nil)
	require.NoError(t, err)
	assert.Zero(t, u)
}

func TestInteractionGroupCombiningRules(t *testing.T) {
	ig, err := NewNonbondedInteractionGroup(2, []int{0}, []int{1}, 0)
	require.NoError(t, err)
	params := []float64{
		0.5, 0.2, 0.4, 0.3,
		-1.0, 0.4, 0.9, 0.1,
	}
	x := []model.Vec3{{0, 0, 0}, {0.35, 0, 0}}
	got, err := ig.Execute(x, params, model.Box{}, nil)
	require.NoError(t, err)

	pl := NewNonbondedPairList([][2]int{{0, 1}}, 0)
	want, err := pl.Execute(x, []float64{-0.5, 0.3, math.Sqrt(0.36), 0.2}, model.Box{}, nil)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-9)
}

func TestInteractionGroupRejectsOverlappingSets(t *testing.T) {
	_, err := NewNonbondedInteractionGroup(3, []int{0, 1}, []int{1, 2}, 0)
	require.Error(t, err)
}

func TestInteractionGroupGradient(t *testing.T) {
	ig, err := NewNonbondedInteractionGroup(4, []int{0, 1}, []int{2, 3}, 1.0)
	require.NoError(t, err)
	bp, err := Bind(ig, []float64{
		0.2, 0.3, 0.5, 0.1,
		-0.1, 0.25, 0.4, 0,
		0.3, 0.32, 0.6, 0,
		0, 0.3, 0.5, 0,
	})
	require.NoError(t, err)
	numericGrad(t, []BoundPotential{bp}, fourAtoms(), model.CubicBox(2))
}

func TestCouplingScheduleIsFunctional(t *testing.T) {
	cs := CouplingSchedule{IntramolPairs: [][2]int{{3, 0}}, EnvAtoms: []int{1}}
	require.NoError(t, cs.Validate(4))

	pairs := [][2]int{{0, 3}, {1, 2}}
	params := []float64{
		0, 0.3, 0.5, 0,
		0, 0.3, 0.5, 0,
	}
	out, err := cs.ApplyPairs(pairs, params, 0.4)
	require.NoError(t, err)
	assert.Equal(t, 0.4, out[ColW])
	assert.Equal(t, 0.0, out[NonbondedWidth+ColW])
	assert.Equal(t, 0.0, params[ColW], "input params must not change")

	env := make([]float64, 3*NonbondedWidth)
	envOut, err := cs.ApplyEnv(env, 0.7)
	require.NoError(t, err)
	assert.Equal(t, 0.7, envOut[NonbondedWidth+ColW])
	assert.Equal(t, 0.0, envOut[ColW])
	assert.Equal(t, 0.0, env[NonbondedWidth+ColW])
}

func TestCouplingScheduleValidate(t *testing.T) {
	assert.Error(t, CouplingSchedule{IntramolPairs: [][2]int{{0, 9}}}.Validate(4))
	assert.Error(t, CouplingSchedule{IntramolPairs: [][2]int{{2, 2}}}.Validate(4))
	assert.Error(t, CouplingSchedule{EnvAtoms: []int{-1}}.Validate(4))
}
