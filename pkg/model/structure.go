package model

import (
	"fmt"
	"math/rand"

	"protoken/pkg/geometry"
	"protoken/pkg/model/attention"
	"protoken/pkg/tensor"

	"gonum.org/v1/gonum/spatial/r3"
)

// StructureModule iterates invariant point attention over per-residue rigid
// frames. One parameterized component serves every instantiation in the
// model: the decoder's extended structure module (8 layers), the
// frame initializer (1 layer), the encoder's refinement over fixed input
// frames (UpdateFrames false) and the pLDDT fold iteration.
//
// Per layer: IPA update -> residual + norm -> transition -> residual + norm
// -> frame update (when enabled). IPA weights are shared across layers; the
// frame update composes a predicted quaternion/translation with the current
// frame in its local coordinates and renormalizes the rotation.
//
// StopGradIPA marks the rotation as detached between iterations during
// training (the rotation is treated as a constant by the backward pass).
// The forward computation is identical either way; the flag travels with
// the module so the contract is explicit per instantiation.
type StructureModule struct {
	Cfg IPAConfig

	IPA         *attention.InvariantPointAttention
	AttnNorm    *Norm
	Trans       *Transition
	TransNorm   *Norm
	FrameUpdate *Linear // (single_channel, 6): quaternion (b,c,d) + translation
}

// StructureResult carries the outputs of a structure-module run.
type StructureResult struct {
	Single *tensor.Tensor
	Frames []geometry.Rigid
	// Trajectory holds the frame set after every layer, final layer last.
	// Only the final frames feed coordinate reconstruction; intermediate
	// sets exist for auxiliary structural losses.
	Trajectory [][]geometry.Rigid
}

// NewStructureModule builds a structure module from one IPA configuration.
func NewStructureModule(cfg IPAConfig, singleChannel, pairChannel int, normMethod, initMethod string, rng *rand.Rand) (*StructureModule, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	init := func(t *tensor.Tensor) { initTensor(t, initMethod, rng) }

	s := &StructureModule{
		Cfg: cfg,
		IPA: attention.NewInvariantPointAttention(attention.IPAConfig{
			NumHead:     cfg.NumHead,
			NumScalarQK: cfg.NumScalarQK,
			NumScalarV:  cfg.NumScalarV,
			NumPointQK:  cfg.NumPointQK,
			NumPointV:   cfg.NumPointV,
			DSingle:     singleChannel,
			DPair:       pairChannel,
			Gating:      cfg.Gating,
		}, init),
		Trans: NewTransition(singleChannel, 2, initMethod, rng),
	}
	var err error
	if s.AttnNorm, err = NewNorm(normMethod, singleChannel); err != nil {
		return nil, err
	}
	if s.TransNorm, err = NewNorm(normMethod, singleChannel); err != nil {
		return nil, err
	}
	if cfg.UpdateFrames {
		// Zero init: the first iteration starts from the identity update.
		s.FrameUpdate = NewLinear(singleChannel, 6, true, InitZeros, rng)
	}
	return s, nil
}

// Forward iterates num_layer IPA layers from the given initial frames.
// The input frame slice is not mutated.
func (s *StructureModule) Forward(single, pair *tensor.Tensor, frames []geometry.Rigid, mask []float32) (*StructureResult, error) {
	n := single.Shape[0]
	if len(frames) != n {
		return nil, fmt.Errorf("frame count %d doesn't match sequence length %d", len(frames), n)
	}
	current := make([]geometry.Rigid, n)
	copy(current, frames)

	result := &StructureResult{}
	var err error
	for layer := 0; layer < s.Cfg.NumLayer; layer++ {
		upd, err2 := s.IPA.Forward(single, pair, current, mask)
		if err2 != nil {
			return nil, fmt.Errorf("structure layer %d: %w", layer, err2)
		}
		if single, err = tensor.Add(single, upd); err != nil {
			return nil, err
		}
		if single, err = s.AttnNorm.Forward(single); err != nil {
			return nil, err
		}
		trans, err2 := s.Trans.Forward(single)
		if err2 != nil {
			return nil, fmt.Errorf("structure layer %d transition: %w", layer, err2)
		}
		if single, err = tensor.Add(single, trans); err != nil {
			return nil, err
		}
		if single, err = s.TransNorm.Forward(single); err != nil {
			return nil, err
		}

		if s.Cfg.UpdateFrames {
			current, err = s.updateFrames(single, current)
			if err != nil {
				return nil, err
			}
		}
		snapshot := make([]geometry.Rigid, n)
		copy(snapshot, current)
		result.Trajectory = append(result.Trajectory, snapshot)
	}

	result.Single = single
	result.Frames = current
	return result, nil
}

// updateFrames composes the predicted local transform with each residue's
// current frame. Rotations are renormalized by the composition, keeping
// every frame orthonormal across iterations.
func (s *StructureModule) updateFrames(single *tensor.Tensor, frames []geometry.Rigid) ([]geometry.Rigid, error) {
	upd, err := s.FrameUpdate.Forward(single)
	if err != nil {
		return nil, err
	}
	next := make([]geometry.Rigid, len(frames))
	scale := float64(s.Cfg.PositionScale)
	for i := range frames {
		row := upd.Row(i)
		local := geometry.QuatAffine(
			float64(row[0]), float64(row[1]), float64(row[2]),
			r3.Vec{
				X: float64(row[3]) * scale,
				Y: float64(row[4]) * scale,
				Z: float64(row[5]) * scale,
			},
		)
		next[i] = frames[i].Compose(local)
	}
	return next, nil
}

func (s *StructureModule) namedParams(prefix string, dst ParamSet) {
	s.IPA.NamedParams(prefix+"/ipa", dst)
	s.AttnNorm.namedParams(prefix+"/attn_norm", dst)
	s.Trans.namedParams(prefix+"/transition", dst)
	s.TransNorm.namedParams(prefix+"/transition_norm", dst)
	if s.FrameUpdate != nil {
		s.FrameUpdate.namedParams(prefix+"/frame_update", dst)
	}
}
