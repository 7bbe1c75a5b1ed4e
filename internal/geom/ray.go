package geom

import "math"

type HitKind uint8

const (
	HitMiss HitKind = iota
	HitBlock
	HitEntity
)

func (k HitKind) String() string {
	switch k {
	case HitBlock:
		return "BLOCK"
	case HitEntity:
		return "ENTITY"
	default:
		return "MISS"
	}
}

// Hit is the first thing a ray meets.
type Hit struct {
	Kind     HitKind
	Block    BlockPos
	EntityID string
	Distance float64
}

// Box is an axis-aligned entity hitbox.
type Box struct {
	ID  string
	Min Vec3
	Max Vec3
}

// EntityBox builds the hitbox of an entity standing at feet with the given size.
func EntityBox(id string, feet Vec3, width, height float64) Box {
	hw := width / 2
	return Box{
		ID:  id,
		Min: Vec3{X: feet.X - hw, Y: feet.Y, Z: feet.Z - hw},
		Max: Vec3{X: feet.X + hw, Y: feet.Y + height, Z: feet.Z + hw},
	}
}

// Intersect returns the distance along the unit ray where it enters the box.
// A ray starting inside the box hits at distance 0.
func (b Box) Intersect(origin, dir Vec3) (float64, bool) {
	tmin, tmax := math.Inf(-1), math.Inf(1)
	slab := func(o, d, lo, hi float64) bool {
		if d == 0 {
			return o >= lo && o <= hi
		}
		t1 := (lo - o) / d
		t2 := (hi - o) / d
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin = math.Max(tmin, t1)
		tmax = math.Min(tmax, t2)
		return tmin <= tmax
	}
	if !slab(origin.X, dir.X, b.Min.X, b.Max.X) ||
		!slab(origin.Y, dir.Y, b.Min.Y, b.Max.Y) ||
		!slab(origin.Z, dir.Z, b.Min.Z, b.Max.Z) {
		return 0, false
	}
	if tmax < 0 {
		return 0, false
	}
	if tmin < 0 {
		return 0, true
	}
	return tmin, true
}

// PickBlock walks the voxels crossed by the ray (Amanatides-Woo traversal) and returns
// the first one for which solid reports true, up to maxRange.
func PickBlock(origin, dir Vec3, maxRange float64, solid func(BlockPos) bool) Hit {
	dir = dir.Normalize()
	if dir == (Vec3{}) || maxRange <= 0 || solid == nil {
		return Hit{Kind: HitMiss}
	}

	cell := origin.Floor()
	if solid(cell) {
		return Hit{Kind: HitBlock, Block: cell}
	}

	stepX, tMaxX, tDeltaX := traversalAxis(origin.X, dir.X, cell.X)
	stepY, tMaxY, tDeltaY := traversalAxis(origin.Y, dir.Y, cell.Y)
	stepZ, tMaxZ, tDeltaZ := traversalAxis(origin.Z, dir.Z, cell.Z)

	for {
		var t float64
		switch {
		case tMaxX <= tMaxY && tMaxX <= tMaxZ:
			cell.X += stepX
			t = tMaxX
			tMaxX += tDeltaX
		case tMaxY <= tMaxZ:
			cell.Y += stepY
			t = tMaxY
			tMaxY += tDeltaY
		default:
			cell.Z += stepZ
			t = tMaxZ
			tMaxZ += tDeltaZ
		}
		if t > maxRange {
			return Hit{Kind: HitMiss}
		}
		if solid(cell) {
			return Hit{Kind: HitBlock, Block: cell, Distance: t}
		}
	}
}

// Pick is PickBlock that also considers entity hitboxes. An entity wins when the ray
// enters its box before reaching the block.
func Pick(origin, dir Vec3, maxRange float64, solid func(BlockPos) bool, boxes []Box) Hit {
	dir = dir.Normalize()
	if dir == (Vec3{}) || maxRange <= 0 {
		return Hit{Kind: HitMiss}
	}
	hit := PickBlock(origin, dir, maxRange, solid)
	limit := maxRange
	if hit.Kind == HitBlock {
		limit = hit.Distance
	}

	found := false
	best := Hit{}
	for _, b := range boxes {
		t, ok := b.Intersect(origin, dir)
		if !ok || t > limit {
			continue
		}
		if !found || t < best.Distance {
			found = true
			best = Hit{Kind: HitEntity, EntityID: b.ID, Distance: t}
		}
	}
	if found {
		return best
	}
	return hit
}

func traversalAxis(o, d float64, c int) (step int, tMax, tDelta float64) {
	switch {
	case d > 0:
		return 1, (float64(c+1) - o) / d, 1 / d
	case d < 0:
		return -1, (o - float64(c)) / -d, -1 / d
	default:
		return 0, math.Inf(1), math.Inf(1)
	}
}
