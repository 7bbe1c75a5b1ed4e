package reach

import (
	"errors"

	"voxelbot.ai/internal/agent/ports"
	"voxelbot.ai/internal/geom"
)

var (
	ErrBlockIsAir          = errors.New("block is air")
	ErrBlockIsNotBreakable = errors.New("block is not breakable")
	ErrBlockIsNotReachable = errors.New("block is not reachable")
	ErrEntityBlocking      = errors.New("there is an entity blocking the block")
)

// Limits bounds the pick. MaxPickRange is the coarse cutoff in whole blocks;
// PickRange is how far the ray actually travels.
type Limits struct {
	MaxPickRange int
	PickRange    float64
}

func DefaultLimits() Limits {
	return Limits{MaxPickRange: 6, PickRange: 3.5}
}

// Check reports whether the block at target can be broken from eye right now.
func Check(target geom.BlockPos, eye geom.Vec3, world ports.WorldView, lim Limits) error {
	state := world.BlockState(target)
	if state.Air {
		return ErrBlockIsAir
	}
	if state.Unbreakable() {
		return ErrBlockIsNotBreakable
	}

	if target.DistSq(eye.Ceil()) > lim.MaxPickRange*lim.MaxPickRange {
		return ErrBlockIsNotReachable
	}

	hit := world.RayCast(eye, eye.DirectionTo(target.Center()), lim.PickRange)
	switch {
	case hit.Kind == geom.HitEntity:
		return ErrEntityBlocking
	case hit.Kind != geom.HitBlock || hit.Block != target:
		return ErrBlockIsNotReachable
	}
	return nil
}
