package model

import "math"

// Vec3 is a cartesian 3-vector.
type Vec3 [3]float64

func (a Vec3) Add(b Vec3) Vec3 { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }

func (a Vec3) Sub(b Vec3) Vec3 { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

func (a Vec3) Scale(s float64) Vec3 { return Vec3{a[0] * s, a[1] * s, a[2] * s} }

func (a Vec3) Dot(b Vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func (a Vec3) Norm() float64 { return math.Sqrt(a.Dot(a)) }

// IsFinite reports whether no component is NaN or Inf.
func (a Vec3) IsFinite() bool {
	for _, v := range a {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// MinimumImage wraps a displacement into the nearest periodic image of an
// orthorhombic box. Zero-length edges are treated as non-periodic.
func MinimumImage(d Vec3, box Box) Vec3 {
	for k := 0; k < 3; k++ {
		edge := box[k][k]
		if edge <= 0 {
			continue
		}
		d[k] -= edge * math.Round(d[k]/edge)
	}
	return d
}

// AllFinite reports whether every vector in xs is finite.
func AllFinite(xs []Vec3) bool {
	for _, x := range xs {
		if !x.IsFinite() {
			return false
		}
	}
	return true
}
