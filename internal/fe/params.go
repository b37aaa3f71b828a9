package fe

import "fmt"

// HREXParams enables replica exchange. NFramesBisection is the frame count
// used while building the schedule. NFramesPerIter frames are produced per
// state between exchange rounds (0 means 1). NSwapAttemptsPerIter neighbor
// swaps are proposed per round (0 means S^3 for S states).
type HREXParams struct {
	NFramesBisection     int
	NFramesPerIter       int
	NSwapAttemptsPerIter int
}

// MDParams is passed by value; With* helpers return modified copies.
type MDParams struct {
	NFrames       int
	NEqSteps      int
	StepsPerFrame int
	Seed          int64
	HREX          *HREXParams
}

func (p MDParams) Validate() error {
	if p.NFrames < 1 {
		return fmt.Errorf("%w: n_frames must be >= 1, got %d", ErrConfiguration, p.NFrames)
	}
	if p.NEqSteps < 0 {
		return fmt.Errorf("%w: n_eq_steps must be >= 0, got %d", ErrConfiguration, p.NEqSteps)
	}
	if p.StepsPerFrame < 1 {
		return fmt.Errorf("%w: steps_per_frame must be >= 1, got %d", ErrConfiguration, p.StepsPerFrame)
	}
	if h := p.HREX; h != nil {
		if h.NFramesBisection < 1 {
			return fmt.Errorf("%w: n_frames_bisection must be >= 1, got %d", ErrConfiguration, h.NFramesBisection)
		}
		if h.NFramesPerIter < 0 || h.NSwapAttemptsPerIter < 0 {
			return fmt.Errorf("%w: negative hrex iteration settings", ErrConfiguration)
		}
	}
	return nil
}

func (p MDParams) WithNFrames(n int) MDParams {
	out := p.clone()
	out.NFrames = n
	return out
}

func (p MDParams) WithNEqSteps(n int) MDParams {
	out := p.clone()
	out.NEqSteps = n
	return out
}

func (p MDParams) clone() MDParams {
	out := p
	if p.HREX != nil {
		h := *p.HREX
		out.HREX = &h
	}
	return out
}

// FramesPerIter resolves the per-iteration frame count.
func (h HREXParams) FramesPerIter() int {
	if h.NFramesPerIter <= 0 {
		return 1
	}
	return h.NFramesPerIter
}

// SwapAttempts resolves the number of swap proposals per round for nStates.
func (h HREXParams) SwapAttempts(nStates int) int {
	if h.NSwapAttemptsPerIter > 0 {
		return h.NSwapAttemptsPerIter
	}
	return nStates * nStates * nStates
}
