// Package navigate finds a position the agent can walk to and stand on that satisfies
// a goal. The search is a bounded breadth-first walk over the known blocks; walking
// there is left to the server's MOVE_TO.
package navigate

import "voxelbot.ai/internal/geom"

// Goal is satisfied by Success; Heuristic ranks equally distant candidates.
type Goal interface {
	Success(n geom.BlockPos) bool
	Heuristic(n geom.BlockPos) float64
}

const DefaultMaxNodes = 4096

type Result struct {
	Stand geom.BlockPos
	// Steps is the walking distance from the start in single block moves.
	Steps int
}

// Standable reports whether feet can rest at n: two free cells on top of a solid one.
func Standable(n geom.BlockPos, solid func(geom.BlockPos) bool) bool {
	return !solid(n) && !solid(n.Up(1)) && solid(n.Down(1))
}

// FindStand walks outward from start and returns the nearest stand position that
// satisfies goal. Among positions at the same walking distance the lowest heuristic
// wins; remaining ties keep the first one found.
func FindStand(start geom.BlockPos, goal Goal, solid func(geom.BlockPos) bool, maxNodes int) (Result, bool) {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	if goal.Success(start) {
		return Result{Stand: start}, true
	}

	type qItem struct {
		p     geom.BlockPos
		steps int
	}

	// Fixed neighbor order for determinism.
	dirs := []geom.BlockPos{{X: 1}, {X: -1}, {Z: 1}, {Z: -1}}
	climbs := []int{0, 1, -1}

	visited := make(map[geom.BlockPos]bool, 256)
	visited[start] = true
	queue := []qItem{{p: start}}

	var best Result
	bestH := 0.0
	found := false

	for head := 0; head < len(queue) && len(visited) <= maxNodes; head++ {
		it := queue[head]
		if found && it.steps >= best.Steps {
			break
		}
		for _, d := range dirs {
			for _, dy := range climbs {
				np := geom.BlockPos{X: it.p.X + d.X, Y: it.p.Y + dy, Z: it.p.Z + d.Z}
				if visited[np] || !Standable(np, solid) {
					continue
				}
				// Climbing needs headroom above the current position.
				if dy > 0 && solid(it.p.Up(2)) {
					continue
				}
				visited[np] = true
				steps := it.steps + 1
				if goal.Success(np) {
					h := goal.Heuristic(np)
					if !found || h < bestH {
						best, bestH, found = Result{Stand: np, Steps: steps}, h, true
					}
					continue
				}
				queue = append(queue, qItem{p: np, steps: steps})
				break
			}
		}
	}
	return best, found
}
