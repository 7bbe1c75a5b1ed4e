package ws

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voxelbot.ai/internal/agent/goals"
	"voxelbot.ai/internal/agent/ports"
	"voxelbot.ai/internal/agent/retrieve"
	"voxelbot.ai/internal/geom"
	"voxelbot.ai/internal/protocol"
	"voxelbot.ai/internal/transport/voxels/voxelstest"
)

const (
	idAir uint16 = iota
	idStone
	idDirt
	idBedrock
)

const testRadius = 3

// fakeServer speaks just enough of the protocol: HELLO in, WELCOME and catalogs out,
// then whatever frames the test pushes. Every ACT it reads lands on acts.
type fakeServer struct {
	srv    *httptest.Server
	frames chan protocol.ObsMsg
	acts   chan protocol.ActMsg
	hellos chan protocol.HelloMsg
	drop   chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		frames: make(chan protocol.ObsMsg, 64),
		acts:   make(chan protocol.ActMsg, 64),
		hellos: make(chan protocol.HelloMsg, 1),
		drop:   make(chan struct{}),
	}
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var hello protocol.HelloMsg
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		fs.hellos <- hello
		_ = conn.WriteJSON(protocol.WelcomeMsg{Type: protocol.TypeWelcome, ProtocolVersion: protocol.Version, AgentID: "A1", WorldParams: protocol.WorldParams{TickRateHz: 5, ObsRadius: testRadius}})
		_ = conn.WriteJSON(catalog(protocol.CatalogBlockPalette, []string{"AIR", "STONE", "DIRT", "BEDROCK"}))
		_ = conn.WriteJSON(catalog(protocol.CatalogBlockDefs, []protocol.BlockDef{
			{ID: "STONE", Solid: true, Breakable: true, Hardness: 1.5},
			{ID: "DIRT", Solid: true, Breakable: true, Hardness: 0.5},
			{ID: "BEDROCK", Solid: true},
		}))

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				var act protocol.ActMsg
				if err := conn.ReadJSON(&act); err != nil {
					return
				}
				fs.acts <- act
			}
		}()
		for {
			select {
			case <-fs.drop:
				return
			case <-gone:
				return
			case f := <-fs.frames:
				if err := conn.WriteJSON(f); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func catalog(name string, data any) protocol.CatalogMsg {
	raw, _ := json.Marshal(data)
	return protocol.CatalogMsg{Type: protocol.TypeCatalog, ProtocolVersion: protocol.Version, Name: name, Part: 1, TotalParts: 1, Data: raw}
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) nextAct(t *testing.T) protocol.ActMsg {
	t.Helper()
	select {
	case a := <-fs.acts:
		return a
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for ACT")
		return protocol.ActMsg{}
	}
}

// scene is a stone floor at y=0 plus extra blocks.
type scene struct {
	self     [3]int
	blocks   map[geom.BlockPos]uint16
	entities []protocol.EntityObs
	inv      []protocol.ItemStack
	tasks    []protocol.TaskObs
	events   []protocol.Event
}

func (s scene) frame(tick uint64) protocol.ObsMsg {
	center := geom.FromArray(s.self)
	r := testRadius
	ids := make([]uint16, 0, (2*r+1)*(2*r+1)*(2*r+1))
	for dy := -r; dy <= r; dy++ {
		for dz := -r; dz <= r; dz++ {
			for dx := -r; dx <= r; dx++ {
				p := geom.BlockPos{X: center.X + dx, Y: center.Y + dy, Z: center.Z + dz}
				id := idAir
				if p.Y == 0 {
					id = idStone
				}
				if b, ok := s.blocks[p]; ok {
					id = b
				}
				ids = append(ids, id)
			}
		}
	}
	return protocol.ObsMsg{
		Type:            protocol.TypeObs,
		ProtocolVersion: protocol.Version,
		Tick:            tick,
		AgentID:         "A1",
		Self:            protocol.SelfObs{Pos: s.self},
		Inventory:       s.inv,
		Voxels:          protocol.VoxelsObs{Center: s.self, Radius: r, Encoding: "RLE", Data: voxelstest.EncodeRLE(ids)},
		Entities:        s.entities,
		Events:          s.events,
		Tasks:           s.tasks,
	}
}

func dial(t *testing.T, fs *fakeServer, first scene) *Client {
	t.Helper()
	fs.frames <- first.frame(1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, Options{URL: fs.url(), AgentName: "miner", MineTimeoutTicks: 20}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// ticker keeps sending frames built by next until stop is closed.
func ticker(fs *fakeServer, start uint64, next func() scene) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for tick := start; ; tick++ {
			select {
			case <-done:
				return
			case fs.frames <- next().frame(tick):
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	return func() { close(done); wg.Wait() }
}

func TestClient_HandshakeAndViews(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs, scene{
		self:   [3]int{0, 1, 0},
		blocks: map[geom.BlockPos]uint16{{X: 1, Y: 1, Z: 0}: idBedrock, {X: -1, Y: 1, Z: 0}: idDirt},
		entities: []protocol.EntityObs{
			{ID: "E_far", Type: "ITEM", Pos: [3]int{3, 1, 3}, Item: "LOG", Count: 1},
			{ID: "E_near", Type: "ITEM", Pos: [3]int{0, 1, 2}, Item: "LOG", Count: 1},
			{ID: "E_other", Type: "ITEM", Pos: [3]int{0, 1, 1}, Item: "DIRT", Count: 1},
		},
		inv: []protocol.ItemStack{{Item: "STONE_PICKAXE", Count: 1}, {Item: "LOG", Count: 3}, {Item: "LOG", Count: 2}},
	})

	hello := <-fs.hellos
	if hello.AgentName != "miner" || !hello.Capabilities.DeltaVoxels || hello.ProtocolVersion != protocol.Version {
		t.Fatalf("unexpected HELLO %+v", hello)
	}
	if c.AgentID() != "A1" || c.Tick() != 1 {
		t.Fatalf("unexpected session agent=%q tick=%d", c.AgentID(), c.Tick())
	}

	if st := c.BlockState(geom.BlockPos{X: 0, Y: 0, Z: 0}); st.ID != "STONE" || st.Hardness != 1.5 {
		t.Fatalf("expected stone floor, got %+v", st)
	}
	if st := c.BlockState(geom.BlockPos{X: 1, Y: 1, Z: 0}); !st.Unbreakable() {
		t.Fatalf("expected bedrock unbreakable, got %+v", st)
	}
	if st := c.BlockState(geom.BlockPos{X: 0, Y: 0, Z: 10}); !st.Air {
		t.Fatalf("expected air outside the window, got %+v", st)
	}
	if !c.Solid(geom.BlockPos{X: -1, Y: 1, Z: 0}) || c.Solid(geom.BlockPos{X: 0, Y: 1, Z: 0}) {
		t.Fatalf("unexpected solidity")
	}

	items := c.Nearest("LOG", 20, 5)
	if len(items) != 2 || items[0].ID != "E_near" || items[1].ID != "E_far" {
		t.Fatalf("unexpected nearest items %+v", items)
	}
	if got := c.Nearest("LOG", 20, 1); len(got) != 1 {
		t.Fatalf("expected limit honoured, got %d", len(got))
	}
	if got := c.Nearest("LOG", 3, 5); len(got) != 1 {
		t.Fatalf("expected distance honoured, got %d", len(got))
	}
	if c.Count("LOG") != 5 || len(c.Hotbar()) != 3 {
		t.Fatalf("unexpected inventory count=%d hotbar=%d", c.Count("LOG"), len(c.Hotbar()))
	}

	snap := c.Snapshot()
	if snap.Position.Floor() != (geom.BlockPos{X: 0, Y: 1, Z: 0}) || math.Abs(snap.EyePosition.Y-snap.Position.Y-geom.EyeHeight) > 1e-9 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	// Looking east from the eye hits the bedrock block.
	hit := c.RayCast(snap.EyePosition.Add(geom.Vec3{Y: -1}), geom.Vec3{X: 1}, 3)
	if hit.Kind != geom.HitBlock || hit.Block != (geom.BlockPos{X: 1, Y: 1, Z: 0}) {
		t.Fatalf("unexpected hit %+v", hit)
	}
}

func TestClient_SelectHotbarSlotSendsEquip(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs, scene{self: [3]int{0, 1, 0}, inv: []protocol.ItemStack{{Item: "DIRT", Count: 1}, {Item: "STONE_PICKAXE", Count: 1}}})

	if err := c.SelectHotbarSlot(1); err != nil {
		t.Fatalf("select: %v", err)
	}
	act := fs.nextAct(t)
	if len(act.Instants) != 1 || act.Instants[0].Type != protocol.InstantEquip || act.Instants[0].Slot != 1 || act.Instants[0].ItemID != "STONE_PICKAXE" {
		t.Fatalf("unexpected ACT %+v", act)
	}
	if act.AgentID != "A1" || act.Tick != 1 {
		t.Fatalf("ACT must carry session agent and tick, got %+v", act)
	}
	if err := c.SelectHotbarSlot(5); err == nil {
		t.Fatalf("expected out of range slot error")
	}
}

func TestClient_MineWaitsForBlockToBreak(t *testing.T) {
	fs := newFakeServer(t)
	target := geom.BlockPos{X: 1, Y: 1, Z: 0}
	sc := scene{self: [3]int{0, 1, 0}, blocks: map[geom.BlockPos]uint16{target: idStone}}
	c := dial(t, fs, sc)

	errc := make(chan error, 1)
	go func() { errc <- c.Mine(context.Background(), target) }()

	act := fs.nextAct(t)
	if len(act.Tasks) != 1 || act.Tasks[0].Type != protocol.TaskMine || act.Tasks[0].BlockPos != target.ToArray() {
		t.Fatalf("unexpected ACT %+v", act)
	}
	running := sc
	running.tasks = []protocol.TaskObs{{TaskID: act.Tasks[0].ID, Kind: protocol.TaskMine}}
	fs.frames <- running.frame(2)
	fs.frames <- scene{self: sc.self}.frame(3)

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("mine: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("mine did not return")
	}
}

func TestClient_MineRejected(t *testing.T) {
	fs := newFakeServer(t)
	target := geom.BlockPos{X: 1, Y: 1, Z: 0}
	sc := scene{self: [3]int{0, 1, 0}, blocks: map[geom.BlockPos]uint16{target: idStone}}
	c := dial(t, fs, sc)

	errc := make(chan error, 1)
	go func() { errc <- c.Mine(context.Background(), target) }()
	act := fs.nextAct(t)

	rejected := sc
	rejected.events = []protocol.Event{{"type": "ACTION_RESULT", "ref": act.Tasks[0].ID, "ok": false, "code": protocol.ErrInvalidTarget, "message": "too far"}}
	fs.frames <- rejected.frame(2)

	select {
	case err := <-errc:
		if err == nil || !strings.Contains(err.Error(), protocol.ErrInvalidTarget) {
			t.Fatalf("expected rejection, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("mine did not return")
	}
}

func TestClient_SubscribersClosedOnDisconnect(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs, scene{self: [3]int{0, 1, 0}})

	ticks, cancel := c.Subscribe()
	defer cancel()
	close(fs.drop)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ticks:
			if !ok {
				<-c.Done()
				late, _ := c.Subscribe()
				if _, ok := <-late; ok {
					t.Fatalf("expected subscription after close to be closed")
				}
				return
			}
		case <-deadline:
			t.Fatalf("tick channel not closed after disconnect")
		}
	}
}

func TestPlanner_MoveToReached(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs, scene{self: [3]int{0, 1, 0}})
	p := NewPlanner(c, nil)

	target := geom.BlockPos{X: 2, Y: 1, Z: 0}
	p.Start(ports.PathRequest{ID: "r1", Goal: goals.Or{goals.NewOccupyStand(target)}, MinTimeout: time.Second, MaxTimeout: 5 * time.Second})
	act := fs.nextAct(t)
	if len(act.Tasks) != 1 || act.Tasks[0].Type != protocol.TaskMoveTo || act.Tasks[0].Target != target.ToArray() {
		t.Fatalf("unexpected ACT %+v", act)
	}
	if p.GoalReached() {
		t.Fatalf("goal must not be reached before moving")
	}

	stop := ticker(fs, 2, func() scene { return scene{self: target.ToArray()} })
	defer stop()

	out, err := p.Await(context.Background())
	if err != nil || out != ports.PathReached {
		t.Fatalf("expected reached, got %v err=%v", out, err)
	}
}

func TestPlanner_GivesUpWithoutStand(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs, scene{self: [3]int{0, 1, 0}})
	p := NewPlanner(c, nil)

	p.Start(ports.PathRequest{ID: "r1", Goal: goals.Or{goals.NewOccupyStand(geom.BlockPos{X: 0, Y: 1, Z: 40})}, MaxTimeout: 5 * time.Second})
	stop := ticker(fs, 2, func() scene { return scene{self: [3]int{0, 1, 0}} })
	defer stop()

	out, err := p.Await(context.Background())
	if err != nil || out != ports.PathGaveUp {
		t.Fatalf("expected gave up, got %v err=%v", out, err)
	}
}

func TestPlanner_Superseded(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs, scene{self: [3]int{0, 1, 0}})
	p := NewPlanner(c, nil)

	first := ports.PathRequest{ID: "r1", Goal: goals.Or{goals.NewOccupyStand(geom.BlockPos{X: 2, Y: 1, Z: 2})}, MinTimeout: time.Second, MaxTimeout: 5 * time.Second}
	p.Start(first)
	fs.nextAct(t)

	res := make(chan ports.PathOutcome, 1)
	go func() {
		out, _ := p.Await(context.Background())
		res <- out
	}()
	time.Sleep(20 * time.Millisecond)
	p.Start(ports.PathRequest{ID: "r2", Goal: goals.Or{goals.NewOccupyStand(geom.BlockPos{X: -2, Y: 1, Z: 0})}, MinTimeout: time.Second, MaxTimeout: 5 * time.Second})

	select {
	case out := <-res:
		if out != ports.PathSuperseded {
			t.Fatalf("expected superseded, got %v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("await did not return")
	}
}

func TestPlanner_AwaitHonoursContext(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs, scene{self: [3]int{0, 1, 0}})
	p := NewPlanner(c, nil)
	p.Start(ports.PathRequest{ID: "r1", Goal: goals.Or{goals.NewOccupyStand(geom.BlockPos{X: 2, Y: 1, Z: 0})}, MaxTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPlanner_RetriesRetryableRejection(t *testing.T) {
	fs := newFakeServer(t)
	sc := scene{self: [3]int{0, 1, 0}}
	c := dial(t, fs, sc)
	p := NewPlanner(c, nil)

	target := geom.BlockPos{X: 2, Y: 1, Z: 0}
	p.Start(ports.PathRequest{ID: "r1", Goal: goals.Or{goals.NewOccupyStand(target)}, MinTimeout: time.Second, MaxTimeout: 5 * time.Second})
	first := fs.nextAct(t)
	if len(first.Tasks) != 1 || first.Tasks[0].Type != protocol.TaskMoveTo {
		t.Fatalf("unexpected ACT %+v", first)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Await(ctx)
	}()

	rejected := sc
	rejected.events = []protocol.Event{{"type": "ACTION_RESULT", "ref": first.Tasks[0].ID, "ok": false, "code": protocol.ErrRateLimit, "message": "slow down"}}
	fs.frames <- rejected.frame(2)
	stop := ticker(fs, 3, func() scene { return sc })
	defer stop()

	second := fs.nextAct(t)
	if len(second.Tasks) != 1 || second.Tasks[0].Type != protocol.TaskMoveTo || second.Tasks[0].Target != target.ToArray() {
		t.Fatalf("expected MOVE_TO to be sent again, got %+v", second)
	}
	if second.Tasks[0].ID == first.Tasks[0].ID {
		t.Fatalf("expected a fresh task id")
	}
	cancel()
	<-done
}

func TestPlanner_GaveUpBoundsPolledRetrieval(t *testing.T) {
	fs := newFakeServer(t)
	// The item floats above empty air, so there is nothing to stand on next to it.
	sc := scene{
		self:     [3]int{0, 1, 0},
		entities: []protocol.EntityObs{{ID: "E_log", Type: "ITEM", Pos: [3]int{2, 4, 2}, Item: "LOG", Count: 1}},
	}
	c := dial(t, fs, sc)
	stop := ticker(fs, 2, func() scene { return sc })
	defer stop()

	tr := retrieve.New(retrieve.Deps{
		Planner:   NewPlanner(c, nil),
		Finder:    c,
		Inventory: c,
		Clock:     c,
	}, retrieve.Options{MinTimeout: 50 * time.Millisecond, MaxTimeout: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	began := time.Now()
	err := tr.Retrieve(ctx, "LOG")
	if !errors.Is(err, retrieve.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if took := time.Since(began); took > time.Second {
		t.Fatalf("expected the request bounds to end the pursuit, took %s", took)
	}
}

func TestPlanner_GaveUpAfterMaxTimeout(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs, scene{self: [3]int{0, 1, 0}})
	p := NewPlanner(c, nil)

	p.Start(ports.PathRequest{ID: "r1", Goal: goals.Or{goals.NewOccupyStand(geom.BlockPos{X: 2, Y: 1, Z: 0})}, MaxTimeout: 300 * time.Millisecond})
	fs.nextAct(t)
	if p.GaveUp() {
		t.Fatalf("request must be pending right after start")
	}
	time.Sleep(400 * time.Millisecond)
	if !p.GaveUp() {
		t.Fatalf("expected request abandoned after MaxTimeout")
	}
	if p.GoalReached() {
		t.Fatalf("goal must not be reached")
	}
	if out, err := p.Await(context.Background()); err != nil || out != ports.PathGaveUp {
		t.Fatalf("expected Await to report gave up, got %v err=%v", out, err)
	}
}
