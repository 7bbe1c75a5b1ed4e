// Package ports declares the collaborators the agent core drives. The core never
// mutates world state itself; it reads through these views and emits path requests
// and action intents.
package ports

import (
	"context"
	"time"

	"voxelbot.ai/internal/agent/goals"
	"voxelbot.ai/internal/geom"
)

type BlockState struct {
	ID  string
	Air bool
	// Hardness below zero marks an indestructible block.
	Hardness float64
}

func (b BlockState) Unbreakable() bool { return b.Hardness < 0 }

// AirBlock is what a WorldView reports for unknown positions.
var AirBlock = BlockState{ID: "AIR", Air: true}

type ItemStack struct {
	Item  string
	Count int
}

type TrackedItem struct {
	ID  string
	Pos geom.Vec3
}

type AgentSnapshot struct {
	Position    geom.Vec3
	EyePosition geom.Vec3
	Look        geom.Vec3
}

type PathRequest struct {
	ID         string
	Goal       goals.Or
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

type PathOutcome int

const (
	PathReached PathOutcome = iota + 1
	PathGaveUp
	// PathSuperseded: another request replaced the awaited one before it resolved.
	PathSuperseded
)

func (o PathOutcome) String() string {
	switch o {
	case PathReached:
		return "REACHED"
	case PathGaveUp:
		return "GAVE_UP"
	case PathSuperseded:
		return "SUPERSEDED"
	default:
		return "UNKNOWN"
	}
}

// PathPlanner holds at most one outstanding request per agent. Start replaces any
// outstanding request; Await must return within the request's MaxTimeout. GaveUp lets
// a caller polling per tick observe the same bound: it turns true once the request is
// abandoned.
type PathPlanner interface {
	Start(req PathRequest)
	Stop()
	GoalReached() bool
	GaveUp() bool
	Await(ctx context.Context) (PathOutcome, error)
}

type WorldView interface {
	BlockState(pos geom.BlockPos) BlockState
	RayCast(origin, dir geom.Vec3, maxRange float64) geom.Hit
}

type InventoryView interface {
	Hotbar() []ItemStack
	Count(item string) int
	SelectHotbarSlot(slot int) error
}

type EntityFinder interface {
	// Nearest lists up to limit items of kind within maxDistance, nearest first.
	Nearest(kind string, maxDistance float64, limit int) []TrackedItem
}

// TickClock hands out one notification per simulation step. The channel is closed
// when the source shuts down; cancel releases the subscription.
type TickClock interface {
	Subscribe() (ticks <-chan uint64, cancel func())
}

type AgentView interface {
	Snapshot() AgentSnapshot
}

type Actions interface {
	// Mine looks at pos and breaks it with the selected item.
	Mine(ctx context.Context, pos geom.BlockPos) error
}
