// Package goals describes where an agent may stand to act on a target block.
//
// A Goal is a tagged value: Kind selects which acceptance rule Success applies. All
// kinds share the same heuristic (block distance to the target) so a planner can rank
// candidate stand positions uniformly.
package goals

import (
	"fmt"
	"math"

	"voxelbot.ai/internal/geom"
)

type Kind uint8

const (
	// ExactApproach: stand where the target is visible within Distance.
	ExactApproach Kind = iota + 1
	// AdjacentStand: stand so the head is directly next to the target.
	AdjacentStand
	// OccupyStand: stand with feet or head inside the target.
	OccupyStand
)

func (k Kind) String() string {
	switch k {
	case ExactApproach:
		return "EXACT_APPROACH"
	case AdjacentStand:
		return "ADJACENT_STAND"
	case OccupyStand:
		return "OCCUPY_STAND"
	default:
		return fmt.Sprintf("KIND_%d", uint8(k))
	}
}

// Raycaster is the line-of-sight query ExactApproach needs.
type Raycaster interface {
	RayCast(origin, dir geom.Vec3, maxRange float64) geom.Hit
}

type Goal struct {
	Kind     Kind
	Target   geom.BlockPos
	Distance float64

	rays Raycaster
}

func NewExactApproach(target geom.BlockPos, distance float64, rays Raycaster) Goal {
	return Goal{
		Kind:     ExactApproach,
		Target:   target,
		Distance: distance,
		rays:     rays,
	}
}

func NewAdjacentStand(target geom.BlockPos) Goal {
	return Goal{Kind: AdjacentStand, Target: target}
}

func NewOccupyStand(target geom.BlockPos) Goal {
	return Goal{Kind: OccupyStand, Target: target}
}

func (g Goal) Heuristic(n geom.BlockPos) float64 {
	return geom.BlockDistance(n, g.Target)
}

func (g Goal) Success(n geom.BlockPos) bool {
	switch g.Kind {
	case ExactApproach:
		return g.exactApproach(n)
	case AdjacentStand:
		return adjacentStand(g.Target, n)
	case OccupyStand:
		return occupyStand(g.Target, n)
	default:
		return false
	}
}

func (g Goal) String() string {
	if g.Kind == ExactApproach {
		return fmt.Sprintf("%s%v/%.1f", g.Kind, g.Target.ToArray(), g.Distance)
	}
	return fmt.Sprintf("%s%v", g.Kind, g.Target.ToArray())
}

func (g Goal) exactApproach(n geom.BlockPos) bool {
	// Ray casts are expensive; only candidates close enough to possibly see the
	// target get one.
	reach := g.Distance + 2
	if float64(n.DistSq(g.Target)) > reach*reach {
		return false
	}
	if occupyStand(g.Target, n) {
		return true
	}
	if g.rays == nil {
		return false
	}
	eye := geom.EyeAt(n)
	hit := g.rays.RayCast(eye, eye.DirectionTo(g.Target.Center()), g.Distance)
	return hit.Kind == geom.HitBlock && hit.Block == g.Target
}

func adjacentStand(target, n geom.BlockPos) bool {
	below := target.Down(1)
	switch n {
	case below, target.Up(1), target.Down(2),
		below.North(1), below.South(1), below.East(1), below.West(1):
		return true
	}
	return false
}

func occupyStand(target, n geom.BlockPos) bool {
	return n == target || n == target.Down(1)
}

// Or is satisfied by any member; its heuristic is the cheapest member's.
type Or []Goal

func (o Or) Success(n geom.BlockPos) bool {
	for _, g := range o {
		if g.Success(n) {
			return true
		}
	}
	return false
}

func (o Or) Heuristic(n geom.BlockPos) float64 {
	best := math.Inf(1)
	for _, g := range o {
		if h := g.Heuristic(n); h < best {
			best = h
		}
	}
	return best
}

// Kind reports the shared kind of the members, or 0 when mixed or empty.
func (o Or) Kind() Kind {
	if len(o) == 0 {
		return 0
	}
	k := o[0].Kind
	for _, g := range o[1:] {
		if g.Kind != k {
			return 0
		}
	}
	return k
}

func (o Or) Targets() []geom.BlockPos {
	out := make([]geom.BlockPos, 0, len(o))
	for _, g := range o {
		out = append(out, g.Target)
	}
	return out
}

// Each builds one goal per target with mk, preserving target order.
func Each(targets []geom.BlockPos, mk func(geom.BlockPos) Goal) Or {
	out := make(Or, 0, len(targets))
	for _, t := range targets {
		out = append(out, mk(t))
	}
	return out
}
