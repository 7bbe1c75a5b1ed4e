// Package voxels keeps the block window the server streams around the agent.
//
// The window is a cube of side 2r+1 centered on the agent, stored in the server's
// scan order: dy outer, dz middle, dx inner. RLE frames replace it; DELTA frames
// patch the previous frame index by index, relative to the new center.
package voxels

import (
	"errors"
	"fmt"

	"voxelbot.ai/internal/geom"
	"voxelbot.ai/internal/protocol"
)

var ErrNoBaseFrame = errors.New("delta frame without a base frame")

const maxRadius = 64

type Window struct {
	center geom.BlockPos
	radius int
	ids    []uint16
}

func side(r int) int { return 2*r + 1 }

// Apply returns the window after frame v. The receiver is left untouched so callers
// can swap windows atomically.
func (w *Window) Apply(v protocol.VoxelsObs) (*Window, error) {
	if v.Radius < 0 || v.Radius > maxRadius {
		return nil, fmt.Errorf("voxel radius %d out of range", v.Radius)
	}
	dim := side(v.Radius)
	total := dim * dim * dim
	next := &Window{center: geom.FromArray(v.Center), radius: v.Radius}

	switch v.Encoding {
	case "RLE":
		ids, err := DecodeRLE(v.Data, total)
		if err != nil {
			return nil, fmt.Errorf("voxels: %w", err)
		}
		if len(ids) != total {
			return nil, fmt.Errorf("voxels: got %d ids, want %d", len(ids), total)
		}
		next.ids = ids
	case "DELTA":
		if w == nil || w.radius != v.Radius || len(w.ids) != total {
			return nil, ErrNoBaseFrame
		}
		next.ids = append([]uint16(nil), w.ids...)
		for _, op := range v.Ops {
			i, ok := index(op.D, v.Radius)
			if !ok {
				return nil, fmt.Errorf("voxels: delta %v outside radius %d", op.D, v.Radius)
			}
			next.ids[i] = op.B
		}
	default:
		return nil, fmt.Errorf("voxels: unknown encoding %q", v.Encoding)
	}
	return next, nil
}

func index(d [3]int, r int) (int, bool) {
	dx, dy, dz := d[0], d[1], d[2]
	if dx < -r || dx > r || dy < -r || dy > r || dz < -r || dz > r {
		return 0, false
	}
	dim := side(r)
	return ((dy+r)*dim+(dz+r))*dim + (dx + r), true
}

// At reports the palette id at pos, or false outside the window.
func (w *Window) At(pos geom.BlockPos) (uint16, bool) {
	if w == nil {
		return 0, false
	}
	i, ok := index([3]int{pos.X - w.center.X, pos.Y - w.center.Y, pos.Z - w.center.Z}, w.radius)
	if !ok || i >= len(w.ids) {
		return 0, false
	}
	return w.ids[i], true
}

func (w *Window) Center() geom.BlockPos { return w.center }
func (w *Window) Radius() int           { return w.radius }

// Each calls fn for every cell in scan order.
func (w *Window) Each(fn func(pos geom.BlockPos, id uint16)) {
	if w == nil {
		return
	}
	r := w.radius
	i := 0
	for dy := -r; dy <= r; dy++ {
		for dz := -r; dz <= r; dz++ {
			for dx := -r; dx <= r; dx++ {
				fn(geom.BlockPos{X: w.center.X + dx, Y: w.center.Y + dy, Z: w.center.Z + dz}, w.ids[i])
				i++
			}
		}
	}
}
