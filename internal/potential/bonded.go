package potential

import (
	"math"

	"alchemy/internal/model"
)

// HarmonicBond: U = k/2 (r - r0)^2, params per bond (k, r0).
type HarmonicBond struct {
	Idxs [][2]int
}

func NewHarmonicBond(idxs [][2]int) *HarmonicBond {
	return &HarmonicBond{Idxs: idxs}
}

func (p *HarmonicBond) Name() string    { return "harmonic_bond" }
func (p *HarmonicBond) NumTerms() int   { return len(p.Idxs) }
func (p *HarmonicBond) ParamWidth() int { return 2 }

func (p *HarmonicBond) Execute(x []model.Vec3, params []float64, box model.Box, duDx []model.Vec3) (float64, error) {
	if err := checkParams(p, params); err != nil {
		return 0, err
	}
	total := 0.0
	for t, idx := range p.Idxs {
		i, j := idx[0], idx[1]
		if err := checkIdx(len(x), i, j); err != nil {
			return 0, err
		}
		k, r0 := params[2*t], params[2*t+1]
		d := model.MinimumImage(x[i].Sub(x[j]), box)
		r := d.Norm()
		dr := r - r0
		total += 0.5 * k * dr * dr
		if duDx != nil && r > 0 {
			g := d.Scale(k * dr / r)
			addGrad(duDx, i, g)
			addGrad(duDx, j, g.Scale(-1))
		}
	}
	return total, nil
}

// HarmonicAngle: U = k/2 (theta - theta0)^2, params per angle (k, theta0).
// The vertex is the middle index.
type HarmonicAngle struct {
	Idxs [][3]int
}

func NewHarmonicAngle(idxs [][3]int) *HarmonicAngle {
	return &HarmonicAngle{Idxs: idxs}
}

func (p *HarmonicAngle) Name() string    { return "harmonic_angle" }
func (p *HarmonicAngle) NumTerms() int   { return len(p.Idxs) }
func (p *HarmonicAngle) ParamWidth() int { return 2 }

func (p *HarmonicAngle) Execute(x []model.Vec3, params []float64, box model.Box, duDx []model.Vec3) (float64, error) {
	if err := checkParams(p, params); err != nil {
		return 0, err
	}
	total := 0.0
	for t, idx := range p.Idxs {
		i, j, k := idx[0], idx[1], idx[2]
		if err := checkIdx(len(x), i, j, k); err != nil {
			return 0, err
		}
		kf, theta0 := params[2*t], params[2*t+1]
		a := model.MinimumImage(x[i].Sub(x[j]), box)
		b := model.MinimumImage(x[k].Sub(x[j]), box)
		na, nb := a.Norm(), b.Norm()
		if na == 0 || nb == 0 {
			continue
		}
		cos := clamp(a.Dot(b)/(na*nb), -1, 1)
		theta := math.Acos(cos)
		dtheta := theta - theta0
		total += 0.5 * kf * dtheta * dtheta

		sin := math.Sqrt(1 - cos*cos)
		if duDx == nil || sin < 1e-8 {
			continue
		}
		prefactor := -kf * dtheta / sin
		gi := b.Scale(1/(na*nb)).Sub(a.Scale(cos / (na * na))).Scale(prefactor)
		gk := a.Scale(1/(na*nb)).Sub(b.Scale(cos / (nb * nb))).Scale(prefactor)
		addGrad(duDx, i, gi)
		addGrad(duDx, k, gk)
		addGrad(duDx, j, gi.Add(gk).Scale(-1))
	}
	return total, nil
}

// PeriodicTorsion: U = k (1 + cos(n*phi - phase)), params per torsion
// (k, phase, period).
type PeriodicTorsion struct {
	Idxs [][4]int
}

func NewPeriodicTorsion(idxs [][4]int) *PeriodicTorsion {
	return &PeriodicTorsion{Idxs: idxs}
}

func (p *PeriodicTorsion) Name() string    { return "periodic_torsion" }
func (p *PeriodicTorsion) NumTerms() int   { return len(p.Idxs) }
func (p *PeriodicTorsion) ParamWidth() int { return 3 }

func (p *PeriodicTorsion) Execute(x []model.Vec3, params []float64, box model.Box, duDx []model.Vec3) (float64, error) {
	if err := checkParams(p, params); err != nil {
		return 0, err
	}
	total := 0.0
	for t, idx := range p.Idxs {
		if err := checkIdx(len(x), idx[0], idx[1], idx[2], idx[3]); err != nil {
			return 0, err
		}
		k, phase, period := params[3*t], params[3*t+1], params[3*t+2]
		phi, grads, ok := torsion(x[idx[0]], x[idx[1]], x[idx[2]], x[idx[3]], box)
		total += k * (1 + math.Cos(period*phi-phase))
		if duDx == nil || !ok {
			continue
		}
		dudphi := -k * period * math.Sin(period*phi-phase)
		for a := 0; a < 4; a++ {
			addGrad(duDx, idx[a], grads[a].Scale(dudphi))
		}
	}
	return total, nil
}

// SignedTorsionAngle returns the dihedral angle in (-pi, pi] defined by four
// points.
func SignedTorsionAngle(x0, x1, x2, x3 model.Vec3) float64 {
	phi, _, _ := torsion(x0, x1, x2, x3, model.Box{})
	return phi
}

// torsion returns the dihedral angle and its gradient with respect to each of
// the four positions. ok is false when the geometry is collinear and the
// gradient is undefined.
func torsion(x0, x1, x2, x3 model.Vec3, box model.Box) (float64, [4]model.Vec3, bool) {
	var grads [4]model.Vec3
	b1 := model.MinimumImage(x1.Sub(x0), box)
	b2 := model.MinimumImage(x2.Sub(x1), box)
	b3 := model.MinimumImage(x3.Sub(x2), box)
	n1 := b1.Cross(b2)
	n2 := b2.Cross(b3)
	nb2 := b2.Norm()
	phi := math.Atan2(nb2*b1.Dot(n2), n1.Dot(n2))

	n1sq, n2sq := n1.Dot(n1), n2.Dot(n2)
	if n1sq < 1e-12 || n2sq < 1e-12 || nb2 == 0 {
		return phi, grads, false
	}
	g0 := n1.Scale(-nb2 / n1sq)
	g3 := n2.Scale(nb2 / n2sq)
	c1 := -b1.Dot(b2) / (nb2 * nb2)
	c3 := -b3.Dot(b2) / (nb2 * nb2)
	grads[0] = g0
	grads[3] = g3
	grads[1] = g0.Scale(c1 - 1).Sub(g3.Scale(c3))
	grads[2] = g3.Scale(c3 - 1).Sub(g0.Scale(c1))
	return phi, grads, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
