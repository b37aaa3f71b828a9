package fe

import (
	"fmt"
	"math"

	"alchemy/internal/model"
)

// ImageFrames recenters each frame on the ligand centroid and wraps the
// remaining atoms into the box. Ligand atoms move as one rigid unit so the
// molecule is never split. Non-periodic dimensions are left unwrapped.
func ImageFrames(state InitialState, frames []model.Frame, boxes []model.Box) ([]model.Frame, error) {
	if len(frames) != len(boxes) {
		return nil, fmt.Errorf("%d frames and %d boxes", len(frames), len(boxes))
	}
	ligand := make(map[int]struct{}, len(state.LigandIdxs))
	for _, idx := range state.LigandIdxs {
		ligand[idx] = struct{}{}
	}
	out := make([]model.Frame, len(frames))
	for f, frame := range frames {
		box := boxes[f]
		shift := model.Vec3{}
		if len(state.LigandIdxs) > 0 {
			centroid := model.Vec3{}
			for _, idx := range state.LigandIdxs {
				if idx < 0 || idx >= len(frame) {
					return nil, fmt.Errorf("frame %d: ligand index %d out of range", f, idx)
				}
				centroid = centroid.Add(frame[idx])
			}
			centroid = centroid.Scale(1 / float64(len(state.LigandIdxs)))
			shift = box.Center().Sub(centroid)
		}
		imaged := make(model.Frame, len(frame))
		for i, x := range frame {
			x = x.Add(shift)
			if _, ok := ligand[i]; !ok {
				x = wrap(x, box)
			}
			imaged[i] = x
		}
		out[f] = imaged
	}
	return out, nil
}

func wrap(x model.Vec3, box model.Box) model.Vec3 {
	for k := 0; k < 3; k++ {
		edge := box[k][k]
		if edge <= 0 {
			continue
		}
		x[k] -= edge * math.Floor(x[k]/edge)
	}
	return x
}
