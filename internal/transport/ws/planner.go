package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"voxelbot.ai/internal/agent/ports"
	"voxelbot.ai/internal/navigate"
	"voxelbot.ai/internal/protocol"
)

// Planner implements ports.PathPlanner on top of the server's MOVE_TO task. It looks
// for a stand position inside the observed window and lets the server walk there.
type Planner struct {
	c        *Client
	logger   *log.Logger
	maxNodes int

	mu  sync.Mutex
	cur *pathState
}

type pathState struct {
	req     ports.PathRequest
	started time.Time

	mu     sync.Mutex
	taskID string
	seen   bool
	// result is set once the request resolves.
	result ports.PathOutcome

	// ended is closed when the request is superseded or stopped.
	ended chan struct{}
}

func NewPlanner(c *Client, logger *log.Logger) *Planner {
	return &Planner{c: c, logger: logger, maxNodes: navigate.DefaultMaxNodes}
}

func (p *Planner) Start(req ports.PathRequest) {
	if req.MaxTimeout <= 0 {
		req.MaxTimeout = 10 * time.Second
	}
	st := &pathState{req: req, started: time.Now(), ended: make(chan struct{})}

	p.mu.Lock()
	prev := p.cur
	p.cur = st
	p.mu.Unlock()

	if prev != nil {
		close(prev.ended)
		p.cancel(prev)
	}
	p.plan(st)
}

func (p *Planner) Stop() {
	p.mu.Lock()
	st := p.cur
	p.cur = nil
	p.mu.Unlock()
	if st != nil {
		close(st.ended)
		p.cancel(st)
	}
}

// GoalReached reports whether the agent already stands where the outstanding
// request's goal is satisfied.
func (p *Planner) GoalReached() bool {
	st := p.current()
	if st == nil {
		return false
	}
	return st.outcome() == ports.PathReached || st.req.Goal.Success(p.c.Snapshot().Position.Floor())
}

// GaveUp advances the outstanding request by one step and reports whether it has been
// abandoned. Callers that poll per tick instead of calling Await rely on it to see the
// MinTimeout and MaxTimeout bounds.
func (p *Planner) GaveUp() bool {
	st := p.current()
	if st == nil {
		return false
	}
	return p.advance(st) == ports.PathGaveUp
}

// Await blocks until the outstanding request is reached, given up on or replaced.
// It never outlives the request's MaxTimeout.
func (p *Planner) Await(ctx context.Context) (ports.PathOutcome, error) {
	st := p.current()
	if st == nil {
		return ports.PathGaveUp, nil
	}

	ticks, unsubscribe := p.c.Subscribe()
	defer unsubscribe()

	deadline := time.NewTimer(time.Until(st.started.Add(st.req.MaxTimeout)))
	defer deadline.Stop()

	for {
		if out := p.advance(st); out != 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-st.ended:
			return ports.PathSuperseded, nil
		case <-deadline.C:
		case _, ok := <-ticks:
			if !ok {
				return 0, ErrClosed
			}
		}
	}
}

// advance evaluates st once against the latest observation and returns its outcome,
// or zero while it is still pending.
func (p *Planner) advance(st *pathState) ports.PathOutcome {
	select {
	case <-st.ended:
		return ports.PathSuperseded
	default:
	}
	if out := st.outcome(); out != 0 {
		return out
	}
	if st.req.Goal.Success(p.c.Snapshot().Position.Floor()) {
		return p.resolve(st, ports.PathReached)
	}
	elapsed := time.Since(st.started)
	if elapsed >= st.req.MaxTimeout {
		p.printf("[path] request=%s timed out after %s", st.req.ID, st.req.MaxTimeout)
		return p.resolve(st, ports.PathGaveUp)
	}

	taskID := st.task()
	if taskID == "" {
		p.plan(st)
		if st.task() == "" && elapsed >= st.req.MinTimeout {
			p.printf("[path] request=%s no stand position found", st.req.ID)
			return p.resolve(st, ports.PathGaveUp)
		}
		return 0
	}
	if r, ok := p.c.takeResult(taskID); ok && !r.OK {
		if !protocol.IsKnownCode(r.Code) {
			p.printf("[path] request=%s unknown rejection code %q", st.req.ID, r.Code)
		}
		p.printf("[path] request=%s MOVE_TO rejected code=%s", st.req.ID, r.Code)
		if protocol.Retryable(r.Code) {
			st.setTask("")
			return 0
		}
		return p.resolve(st, ports.PathGaveUp)
	}
	if !st.track(p.c.hasTask(taskID)) {
		return 0
	}
	// The server considers the move done; check where it left us.
	if st.req.Goal.Success(p.c.Snapshot().Position.Floor()) {
		return p.resolve(st, ports.PathReached)
	}
	return p.resolve(st, ports.PathGaveUp)
}

// plan searches for a stand position and sends MOVE_TO. Standing on a satisfying
// position already needs no task.
func (p *Planner) plan(st *pathState) {
	start := p.c.Snapshot().Position.Floor()
	res, ok := navigate.FindStand(start, st.req.Goal, p.c.Solid, p.maxNodes)
	if !ok || res.Steps == 0 {
		return
	}
	id := p.c.nextID("K_move")
	err := p.c.act(func(a *protocol.ActMsg) {
		a.Tasks = []protocol.TaskReq{{ID: id, Type: protocol.TaskMoveTo, Target: res.Stand.ToArray()}}
	})
	if err != nil {
		p.printf("[path] request=%s send MOVE_TO: %v", st.req.ID, err)
		return
	}
	st.setTask(id)
	p.printf("[path] request=%s goal=%s stand=%v steps=%d", st.req.ID, st.req.Goal.Kind(), res.Stand, res.Steps)
}

// resolve records the outcome of st and cancels its MOVE_TO if still running. The
// request stays current so later GoalReached and Await calls see the outcome.
func (p *Planner) resolve(st *pathState, out ports.PathOutcome) ports.PathOutcome {
	st.mu.Lock()
	if st.result == 0 {
		st.result = out
	}
	out = st.result
	st.mu.Unlock()
	p.cancel(st)
	return out
}

func (p *Planner) current() *pathState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

func (p *Planner) cancel(st *pathState) {
	if id := st.task(); id != "" && p.c.hasTask(id) {
		p.c.cancelTask(id)
	}
}

func (st *pathState) task() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.taskID
}

// setTask switches to a new MOVE_TO; an empty id means none is running.
func (st *pathState) setTask(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.taskID = id
	st.seen = false
}

// track notes whether the current task is listed by the server and reports whether it
// was listed before and has now disappeared.
func (st *pathState) track(running bool) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seen = st.seen || running
	return st.seen && !running
}

func (st *pathState) outcome() ports.PathOutcome {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.result
}

func (p *Planner) printf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
