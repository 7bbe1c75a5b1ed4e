// Package agenttest provides deterministic in-memory collaborators for driving the
// agent core in tests:
// - World holds a block map and answers ray casts with the real voxel traversal
// - Planner records every request and lets the test script what happens on Start
// - Inventory and Finder answer from per-call scripts
// - Clock delivers ticks 1..N on an unbuffered channel and counts deliveries
package agenttest

import (
	"context"
	"sync"

	"voxelbot.ai/internal/agent/ports"
	"voxelbot.ai/internal/geom"
)

var (
	Stone   = ports.BlockState{ID: "STONE", Hardness: 1.5}
	Dirt    = ports.BlockState{ID: "DIRT", Hardness: 0.5}
	Log     = ports.BlockState{ID: "LOG", Hardness: 2}
	Bedrock = ports.BlockState{ID: "BEDROCK", Hardness: -1}
)

type World struct {
	mu       sync.Mutex
	blocks   map[geom.BlockPos]ports.BlockState
	boxes    []geom.Box
	rayCasts int
}

func NewWorld() *World {
	return &World{blocks: map[geom.BlockPos]ports.BlockState{}}
}

func (w *World) Set(pos geom.BlockPos, state ports.BlockState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if state.Air {
		delete(w.blocks, pos)
		return
	}
	w.blocks[pos] = state
}

func (w *World) Clear(pos geom.BlockPos) { w.Set(pos, ports.AirBlock) }

func (w *World) AddEntity(b geom.Box) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.boxes = append(w.boxes, b)
}

func (w *World) BlockState(pos geom.BlockPos) ports.BlockState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.blocks[pos]; ok {
		return s
	}
	return ports.AirBlock
}

func (w *World) RayCast(origin, dir geom.Vec3, maxRange float64) geom.Hit {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rayCasts++
	solid := func(p geom.BlockPos) bool {
		_, ok := w.blocks[p]
		return ok
	}
	return geom.Pick(origin, dir, maxRange, solid, w.boxes)
}

func (w *World) RayCasts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rayCasts
}

type Agent struct {
	mu   sync.Mutex
	feet geom.Vec3
}

func NewAgent(standOn geom.BlockPos) *Agent {
	return &Agent{feet: geom.FeetAt(standOn)}
}

func (a *Agent) MoveTo(standOn geom.BlockPos) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.feet = geom.FeetAt(standOn)
}

func (a *Agent) Snapshot() ports.AgentSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ports.AgentSnapshot{
		Position:    a.feet,
		EyePosition: a.feet.Add(geom.Vec3{Y: geom.EyeHeight}),
		Look:        geom.Vec3{Z: 1},
	}
}

type Planner struct {
	mu       sync.Mutex
	requests []ports.PathRequest
	stops    int
	reached  bool
	gaveUp   bool

	// OnStart runs synchronously inside Start with the request's index.
	OnStart func(i int, req ports.PathRequest)
	// Outcome is what Await reports; PathReached when zero.
	Outcome ports.PathOutcome
}

func (p *Planner) Start(req ports.PathRequest) {
	p.mu.Lock()
	i := len(p.requests)
	p.requests = append(p.requests, req)
	fn := p.OnStart
	p.mu.Unlock()
	if fn != nil {
		fn(i, req)
	}
}

func (p *Planner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *Planner) SetReached(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reached = v
}

func (p *Planner) GoalReached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reached
}

func (p *Planner) SetGaveUp(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gaveUp = v
}

func (p *Planner) GaveUp() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gaveUp
}

func (p *Planner) Await(ctx context.Context) (ports.PathOutcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Outcome == 0 {
		return ports.PathReached, nil
	}
	return p.Outcome, nil
}

func (p *Planner) Requests() []ports.PathRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.PathRequest(nil), p.requests...)
}

func (p *Planner) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

type Inventory struct {
	mu       sync.Mutex
	hotbar   []ports.ItemStack
	selected []int
	calls    int

	// CountFn overrides Count; call is 1 for the first Count call.
	CountFn func(call int, item string) int
}

func NewInventory(hotbar ...ports.ItemStack) *Inventory {
	return &Inventory{hotbar: hotbar}
}

func (i *Inventory) Hotbar() []ports.ItemStack {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]ports.ItemStack(nil), i.hotbar...)
}

func (i *Inventory) Count(item string) int {
	i.mu.Lock()
	i.calls++
	call, fn := i.calls, i.CountFn
	n := 0
	for _, s := range i.hotbar {
		if s.Item == item {
			n += s.Count
		}
	}
	i.mu.Unlock()
	if fn != nil {
		return fn(call, item)
	}
	return n
}

func (i *Inventory) SelectHotbarSlot(slot int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.selected = append(i.selected, slot)
	return nil
}

func (i *Inventory) Selected() []int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]int(nil), i.selected...)
}

type Finder struct {
	mu    sync.Mutex
	calls int

	// Script answers the call-th Nearest query (1-based).
	Script func(call int) []ports.TrackedItem
}

func (f *Finder) Nearest(kind string, maxDistance float64, limit int) []ports.TrackedItem {
	f.mu.Lock()
	f.calls++
	call, fn := f.calls, f.Script
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	out := fn(call)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *Finder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Clock delivers ticks 1..Limit to each subscriber and then closes the channel.
// Limit 0 means unbounded.
type Clock struct {
	Limit uint64

	mu        sync.Mutex
	delivered int
	wg        sync.WaitGroup
}

func (c *Clock) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64)
	stop := make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for k := uint64(1); c.Limit == 0 || k <= c.Limit; k++ {
			select {
			case ch <- k:
				c.mu.Lock()
				c.delivered++
				c.mu.Unlock()
			case <-stop:
				return
			}
		}
		close(ch)
	}()
	var once sync.Once
	return ch, func() { once.Do(func() { close(stop) }) }
}

// Delivered waits for every subscription goroutine to finish (the subscriber must
// have cancelled or drained) and reports how many ticks were received.
func (c *Clock) Delivered() int {
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered
}

type Actions struct {
	mu    sync.Mutex
	mined []geom.BlockPos

	// World, when set, has the mined block cleared.
	World *World
	Err   error
}

func (a *Actions) Mine(ctx context.Context, pos geom.BlockPos) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	a.mined = append(a.mined, pos)
	if a.World != nil {
		a.World.Clear(pos)
	}
	return nil
}

func (a *Actions) Mined() []geom.BlockPos {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]geom.BlockPos(nil), a.mined...)
}
