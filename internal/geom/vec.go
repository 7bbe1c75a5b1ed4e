package geom

import "math"

// BlockPos addresses one voxel. Values are immutable by construction.
type BlockPos struct {
	X int
	Y int
	Z int
}

func (p BlockPos) ToArray() [3]int { return [3]int{p.X, p.Y, p.Z} }

func FromArray(a [3]int) BlockPos { return BlockPos{X: a[0], Y: a[1], Z: a[2]} }

func (p BlockPos) Up(n int) BlockPos    { return BlockPos{X: p.X, Y: p.Y + n, Z: p.Z} }
func (p BlockPos) Down(n int) BlockPos  { return BlockPos{X: p.X, Y: p.Y - n, Z: p.Z} }
func (p BlockPos) North(n int) BlockPos { return BlockPos{X: p.X, Y: p.Y, Z: p.Z - n} }
func (p BlockPos) South(n int) BlockPos { return BlockPos{X: p.X, Y: p.Y, Z: p.Z + n} }
func (p BlockPos) East(n int) BlockPos  { return BlockPos{X: p.X + n, Y: p.Y, Z: p.Z} }
func (p BlockPos) West(n int) BlockPos  { return BlockPos{X: p.X - n, Y: p.Y, Z: p.Z} }

// Center is the middle of the voxel.
func (p BlockPos) Center() Vec3 {
	return Vec3{X: float64(p.X) + 0.5, Y: float64(p.Y) + 0.5, Z: float64(p.Z) + 0.5}
}

// Vec3 returns the voxel's minimum corner.
func (p BlockPos) Vec3() Vec3 {
	return Vec3{X: float64(p.X), Y: float64(p.Y), Z: float64(p.Z)}
}

func (p BlockPos) DistSq(o BlockPos) int {
	dx := p.X - o.X
	dy := p.Y - o.Y
	dz := p.Z - o.Z
	return dx*dx + dy*dy + dz*dz
}

func Manhattan(a, b BlockPos) int {
	return absInt(a.X-b.X) + absInt(a.Y-b.Y) + absInt(a.Z-b.Z)
}

// BlockDistance estimates the walking cost between two positions: octile distance on
// the XZ plane plus the vertical difference.
func BlockDistance(a, b BlockPos) float64 {
	dx := absInt(a.X - b.X)
	dz := absInt(a.Z - b.Z)
	diag, straight := dx, dz-dx
	if dx > dz {
		diag, straight = dz, dx-dz
	}
	return float64(diag)*math.Sqrt2 + float64(straight) + float64(absInt(a.Y-b.Y))
}

type Vec3 struct {
	X float64
	Y float64
	Z float64
}

func (v Vec3) Add(o Vec3) Vec3       { return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3       { return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3  { return Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s} }
func (v Vec3) Length() float64       { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }
func (v Vec3) DistSq(o Vec3) float64 { d := v.Sub(o); return d.X*d.X + d.Y*d.Y + d.Z*d.Z }

func (v Vec3) Normalize() Vec3 {
	l := v.Length()
	if l == 0 {
		return Vec3{}
	}
	return v.Scale(1 / l)
}

func (v Vec3) Floor() BlockPos {
	return BlockPos{X: int(math.Floor(v.X)), Y: int(math.Floor(v.Y)), Z: int(math.Floor(v.Z))}
}

func (v Vec3) Ceil() BlockPos {
	return BlockPos{X: int(math.Ceil(v.X)), Y: int(math.Ceil(v.Y)), Z: int(math.Ceil(v.Z))}
}

// DirectionTo is the unit vector pointing from v towards target.
func (v Vec3) DirectionTo(target Vec3) Vec3 { return target.Sub(v).Normalize() }

// EyeHeight is the offset from the feet to the eyes of a standing agent.
const EyeHeight = 1.62

// EyeAt is the eye position of an agent standing on the voxel n.
func EyeAt(n BlockPos) Vec3 {
	return n.Vec3().Add(Vec3{X: 0.5, Y: EyeHeight, Z: 0.5})
}

// FeetAt is the feet position of an agent standing on the voxel n.
func FeetAt(n BlockPos) Vec3 {
	return n.Vec3().Add(Vec3{X: 0.5, Z: 0.5})
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
