package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"voxelbot.ai/internal/agent/ports"
	"voxelbot.ai/internal/agent/scoring"
	"voxelbot.ai/internal/geom"
	"voxelbot.ai/internal/protocol"
	"voxelbot.ai/internal/transport/voxels"
)

var ErrClosed = errors.New("connection closed")

const (
	// Hitbox of other agents for ray casts.
	agentWidth  = 0.6
	agentHeight = 1.8

	hotbarSize = 9
	// Unclaimed action results are dropped past this many.
	maxResults = 256
)

type Options struct {
	URL       string
	AgentName string
	MaxQueue  int
	// MineTimeoutTicks bounds how long a MINE task may run.
	MineTimeoutTicks int
	// ResumeToken re-attaches to an existing agent.
	ResumeToken string
}

// Client is one agent session. A reader goroutine applies every OBS to the client's
// view of the world and wakes tick subscribers; the views it implements are safe for
// concurrent use.
type Client struct {
	conn   *websocket.Conn
	logger *log.Logger
	opts   Options

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu         sync.RWMutex
	agentID    string
	palette    []string
	defs       map[string]protocol.BlockDef
	window     *voxels.Window
	tick       uint64
	self       geom.BlockPos
	yaw        int
	inventory  []protocol.ItemStack
	hotbarSlot int
	entities   []protocol.EntityObs
	tasks      map[string]protocol.TaskObs
	results    map[string]protocol.ActionResult

	subMu   sync.Mutex
	subs    map[uint64]chan uint64
	nextSub uint64
	closed  bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	err       error
}

// Dial connects, sends HELLO and waits for the first observation.
func Dial(ctx context.Context, opts Options, logger *log.Logger) (*Client, error) {
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = 8
	}
	if opts.MaxQueue > 64 {
		opts.MaxQueue = 64
	}
	if opts.MineTimeoutTicks <= 0 {
		opts.MineTimeoutTicks = 100
	}
	if strings.TrimSpace(opts.AgentName) == "" {
		opts.AgentName = "agent"
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger,
		opts:    opts,
		defs:    map[string]protocol.BlockDef{},
		tasks:   map[string]protocol.TaskObs{},
		results: map[string]protocol.ActionResult{},
		subs:    map[uint64]chan uint64{},
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentName:       opts.AgentName,
		Capabilities: protocol.HelloCapabilities{
			DeltaVoxels: true,
			MaxQueue:    opts.MaxQueue,
		},
	}
	if tok := strings.TrimSpace(opts.ResumeToken); tok != "" {
		hello.Auth = &protocol.HelloAuth{Token: tok}
	}
	if err := c.writeJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}

	go c.readLoop()

	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("handshake: %w", c.Err())
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.err == nil && c.closed {
		return ErrClosed
	}
	return c.err
}

func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

func (c *Client) Tick() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tick
}

func (c *Client) readLoop() {
	var err error
	defer func() { c.shutdown(err) }()
	for {
		var msg []byte
		_, msg, err = c.conn.ReadMessage()
		if err != nil {
			return
		}
		base, derr := protocol.DecodeBase(msg)
		if derr != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			c.mu.Lock()
			c.agentID = w.AgentID
			c.mu.Unlock()
			c.printf("WELCOME agent_id=%s tick_rate=%d obs_radius=%d", w.AgentID, w.WorldParams.TickRateHz, w.WorldParams.ObsRadius)
		case protocol.TypeCatalog:
			c.applyCatalog(msg)
		case protocol.TypeObs:
			var obs protocol.ObsMsg
			if err := json.Unmarshal(msg, &obs); err != nil {
				c.printf("bad OBS: %v", err)
				continue
			}
			if err := c.applyObs(&obs); err != nil {
				c.printf("OBS tick=%d: %v", obs.Tick, err)
				continue
			}
			c.broadcast(obs.Tick)
			c.readyOnce.Do(func() { close(c.ready) })
		}
	}
}

func (c *Client) shutdown(err error) {
	c.subMu.Lock()
	if !c.closed {
		c.closed = true
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			c.err = err
		}
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
	}
	c.subMu.Unlock()
	close(c.done)
}

func (c *Client) applyCatalog(msg []byte) {
	var cat protocol.CatalogMsg
	if err := json.Unmarshal(msg, &cat); err != nil {
		c.printf("bad catalog: %v", err)
		return
	}
	if cat.TotalParts > 1 {
		c.printf("catalog %s arrived in %d parts, only single part catalogs are supported", cat.Name, cat.TotalParts)
		return
	}
	switch cat.Name {
	case protocol.CatalogBlockPalette:
		var palette []string
		if err := json.Unmarshal(cat.Data, &palette); err != nil {
			c.printf("bad block_palette: %v", err)
			return
		}
		c.mu.Lock()
		c.palette = palette
		c.mu.Unlock()
	case protocol.CatalogBlockDefs:
		var defs []protocol.BlockDef
		if err := json.Unmarshal(cat.Data, &defs); err != nil {
			c.printf("bad block_defs: %v", err)
			return
		}
		m := make(map[string]protocol.BlockDef, len(defs))
		for _, d := range defs {
			m[d.ID] = d
		}
		c.mu.Lock()
		c.defs = m
		c.mu.Unlock()
	}
}

// applyObs swaps in everything an observation carries in one step, so readers never
// see a half-applied tick.
func (c *Client) applyObs(obs *protocol.ObsMsg) error {
	c.mu.RLock()
	prev := c.window
	c.mu.RUnlock()
	win, err := prev.Apply(obs.Voxels)
	if err != nil {
		return err
	}

	tasks := make(map[string]protocol.TaskObs, len(obs.Tasks))
	for _, t := range obs.Tasks {
		tasks[t.TaskID] = t
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = win
	c.tick = obs.Tick
	if obs.AgentID != "" {
		c.agentID = obs.AgentID
	}
	c.self = geom.FromArray(obs.Self.Pos)
	c.yaw = obs.Self.Yaw
	c.inventory = append(c.inventory[:0], obs.Inventory...)
	c.hotbarSlot = obs.Equipment.HotbarSlot
	c.entities = append(c.entities[:0], obs.Entities...)
	c.tasks = tasks
	if len(c.results) > maxResults {
		c.results = map[string]protocol.ActionResult{}
	}
	for _, e := range obs.Events {
		if r, ok := protocol.ActionResultOf(e); ok {
			c.results[r.Ref] = r
		}
	}
	return nil
}

func (c *Client) broadcast(tick uint64) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- tick:
		default:
		}
	}
}

// Subscribe implements ports.TickClock. Slow subscribers miss ticks rather than
// hold up the reader.
func (c *Client) Subscribe() (<-chan uint64, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	ch := make(chan uint64, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if cur, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(cur)
		}
	}
}

func (c *Client) blockStateLocked(pos geom.BlockPos) ports.BlockState {
	id, ok := c.window.At(pos)
	if !ok || int(id) >= len(c.palette) {
		return ports.AirBlock
	}
	name := c.palette[id]
	if name == "AIR" || name == "" {
		return ports.AirBlock
	}
	st := ports.BlockState{ID: name, Hardness: 1}
	if def, ok := c.defs[name]; ok {
		if !def.Breakable {
			st.Hardness = -1
		} else if def.Hardness > 0 {
			st.Hardness = def.Hardness
		}
	}
	return st
}

// BlockState implements ports.WorldView. Positions outside the window read as air.
func (c *Client) BlockState(pos geom.BlockPos) ports.BlockState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blockStateLocked(pos)
}

// Solid reports whether pos blocks movement, for stand searches.
func (c *Client) Solid(pos geom.BlockPos) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.blockStateLocked(pos)
	if st.Air {
		return false
	}
	if def, ok := c.defs[st.ID]; ok {
		return def.Solid
	}
	return true
}

func (c *Client) RayCast(origin, dir geom.Vec3, maxRange float64) geom.Hit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	boxes := make([]geom.Box, 0, len(c.entities))
	for _, e := range c.entities {
		if e.Type != "AGENT" || e.ID == c.agentID {
			continue
		}
		boxes = append(boxes, geom.EntityBox(e.ID, geom.FeetAt(geom.FromArray(e.Pos)), agentWidth, agentHeight))
	}
	solid := func(p geom.BlockPos) bool { return !c.blockStateLocked(p).Air }
	return geom.Pick(origin, dir, maxRange, solid, boxes)
}

// Nearest implements ports.EntityFinder over ITEM entities, measured from the eye.
func (c *Client) Nearest(kind string, maxDistance float64, limit int) []ports.TrackedItem {
	c.mu.RLock()
	eye := geom.EyeAt(c.self)
	type cand struct {
		item ports.TrackedItem
		d2   float64
	}
	var cands []cand
	for _, e := range c.entities {
		if e.Type != "ITEM" || e.Item != kind {
			continue
		}
		p := geom.FeetAt(geom.FromArray(e.Pos))
		d2 := p.DistSq(eye)
		if d2 > maxDistance*maxDistance {
			continue
		}
		cands = append(cands, cand{item: ports.TrackedItem{ID: e.ID, Pos: p}, d2: d2})
	}
	c.mu.RUnlock()

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].d2 != cands[j].d2 {
			return cands[i].d2 < cands[j].d2
		}
		return cands[i].item.ID < cands[j].item.ID
	})
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]ports.TrackedItem, len(cands))
	for i, cd := range cands {
		out[i] = cd.item
	}
	return out
}

func (c *Client) Hotbar() []ports.ItemStack {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.inventory)
	if n > hotbarSize {
		n = hotbarSize
	}
	out := make([]ports.ItemStack, n)
	for i := 0; i < n; i++ {
		out[i] = ports.ItemStack{Item: c.inventory[i].Item, Count: c.inventory[i].Count}
	}
	return out
}

func (c *Client) Count(item string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stacks := make([]ports.ItemStack, len(c.inventory))
	for i, s := range c.inventory {
		stacks[i] = ports.ItemStack{Item: s.Item, Count: s.Count}
	}
	return scoring.Count(stacks, item)
}

// SelectHotbarSlot sends an EQUIP instant. The selection is assumed to hold until
// the next observation says otherwise.
func (c *Client) SelectHotbarSlot(slot int) error {
	c.mu.Lock()
	if slot < 0 || slot >= len(c.inventory) || slot >= hotbarSize {
		c.mu.Unlock()
		return fmt.Errorf("hotbar slot %d out of range", slot)
	}
	if c.hotbarSlot == slot {
		c.mu.Unlock()
		return nil
	}
	item := c.inventory[slot].Item
	c.hotbarSlot = slot
	c.mu.Unlock()

	return c.act(func(a *protocol.ActMsg) {
		a.Instants = []protocol.InstantReq{{ID: c.nextID("I_equip"), Type: protocol.InstantEquip, Slot: slot, ItemID: item}}
	})
}

func (c *Client) Snapshot() ports.AgentSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	feet := geom.FeetAt(c.self)
	rad := float64(c.yaw) * math.Pi / 180
	return ports.AgentSnapshot{
		Position:    feet,
		EyePosition: feet.Add(geom.Vec3{Y: geom.EyeHeight}),
		Look:        geom.Vec3{X: -math.Sin(rad), Z: math.Cos(rad)},
	}
}

// Mine sends a MINE task and waits until the block is gone, the server rejects or
// drops the task, or the tick budget runs out.
func (c *Client) Mine(ctx context.Context, pos geom.BlockPos) error {
	ticks, cancel := c.Subscribe()
	defer cancel()

	id := c.nextID("K_mine")
	if err := c.act(func(a *protocol.ActMsg) {
		a.Tasks = []protocol.TaskReq{{ID: id, Type: protocol.TaskMine, BlockPos: pos.ToArray()}}
	}); err != nil {
		return fmt.Errorf("mine %v: %w", pos, err)
	}

	seen := false
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			c.cancelTask(id)
			return ctx.Err()
		case _, ok := <-ticks:
			if !ok {
				return fmt.Errorf("mine %v: %w", pos, ErrClosed)
			}
		}
		if c.BlockState(pos).Air {
			return nil
		}
		if r, ok := c.takeResult(id); ok && !r.OK {
			if !protocol.IsKnownCode(r.Code) {
				c.printf("mine %v: unknown rejection code %q", pos, r.Code)
			}
			return fmt.Errorf("mine %v: %s: %s", pos, r.Code, r.Message)
		}
		running := c.hasTask(id)
		seen = seen || running
		if (seen && !running) || (!seen && n >= 2) {
			return fmt.Errorf("mine %v: task ended without breaking the block", pos)
		}
		if n >= c.opts.MineTimeoutTicks {
			c.cancelTask(id)
			return fmt.Errorf("mine %v: no progress after %d ticks", pos, n)
		}
	}
}

func (c *Client) hasTask(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tasks[id]
	return ok
}

func (c *Client) takeResult(ref string) (protocol.ActionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[ref]
	if ok {
		delete(c.results, ref)
	}
	return r, ok
}

func (c *Client) cancelTask(id string) {
	_ = c.act(func(a *protocol.ActMsg) { a.Cancel = []string{id} })
}

func (c *Client) nextID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, c.seq.Add(1))
}

func (c *Client) act(fill func(*protocol.ActMsg)) error {
	c.mu.RLock()
	a := protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            c.tick,
		AgentID:         c.agentID,
	}
	c.mu.RUnlock()
	fill(&a)
	return c.writeJSON(a)
}

func (c *Client) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) printf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
