package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Frame holds one saved configuration, one position per atom (nm).
type Frame []Vec3

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	if f == nil {
		return nil
	}
	out := make(Frame, len(f))
	copy(out, f)
	return out
}

// Box is a 3x3 periodic box matrix; rows are box vectors (nm).
type Box [3][3]float64

// Diagonal returns the orthorhombic extents of the box.
func (b Box) Diagonal() Vec3 {
	return Vec3{b[0][0], b[1][1], b[2][2]}
}

// Volume returns the volume of an orthorhombic box.
func (b Box) Volume() float64 {
	return b[0][0] * b[1][1] * b[2][2]
}

// Scale returns the box with every row scaled by factor.
func (b Box) Scale(factor float64) Box {
	var out Box
	for i := range b {
		for j := range b[i] {
			out[i][j] = b[i][j] * factor
		}
	}
	return out
}

// Center returns the geometric center of an orthorhombic box.
func (b Box) Center() Vec3 {
	return b.Diagonal().Scale(0.5)
}

// CubicBox builds an orthorhombic box with equal edges.
func CubicBox(edge float64) Box {
	return Box{{edge, 0, 0}, {0, edge, 0}, {0, 0, edge}}
}

type RunRecord struct {
	VersionedRecord
	ID            string  `json:"id"`
	System        string  `json:"system"`
	Solvent       bool    `json:"solvent"`
	Seed          int64   `json:"seed"`
	Temperature   float64 `json:"temperature"`
	MinOverlap    float64 `json:"min_overlap"`
	NBisections   int     `json:"n_bisections"`
	NFrames       int     `json:"n_frames"`
	NFramesBisect int     `json:"n_frames_bisection"`
	StepsPerFrame int     `json:"steps_per_frame"`
	NEqSteps      int     `json:"n_eq_steps"`
	NStates       int     `json:"n_states"`
	Converged     bool    `json:"converged"`
	CreatedAtUTC  string  `json:"created_at_utc"`
}

// ScheduleRecord is one bisection iteration: the lambda schedule and the
// overlap of each adjacent pair.
type ScheduleRecord struct {
	VersionedRecord
	Iteration int       `json:"iteration"`
	Lambdas   []float64 `json:"lambdas"`
	Overlaps  []float64 `json:"overlaps"`
}

type HREXDiagnosticsRecord struct {
	VersionedRecord
	Lambdas                      []float64   `json:"lambdas"`
	ReplicaIdxByStateByIter      [][]int     `json:"replica_idx_by_state_by_iter"`
	FractionAcceptedByPairByIter [][]float64 `json:"fraction_accepted_by_pair_by_iter"`
}
