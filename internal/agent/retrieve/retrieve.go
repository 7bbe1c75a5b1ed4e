// Package retrieve chases dropped items until one lands in the inventory. Items move
// and despawn while the agent walks, so the target set is re-read every tick and the
// path is re-planned whenever it drifts.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"voxelbot.ai/internal/agent/goals"
	"voxelbot.ai/internal/agent/ports"
	"voxelbot.ai/internal/agent/trace"
	"voxelbot.ai/internal/geom"
)

var ErrNoItemsFound = errors.New("no items found")

// ErrUnreachable is returned when the planner abandons the way to every item. It
// wraps ErrNoItemsFound: no item in range can be picked up.
var ErrUnreachable = fmt.Errorf("%w: planner gave up on every item", ErrNoItemsFound)

const (
	DefaultScanDistance = 20
	DefaultLimit        = 5
	DefaultSettleTicks  = 1
)

type Options struct {
	ScanDistance float64
	Limit        int
	// SettleTicks is how long to wait after stopping a drifted path before re-planning.
	SettleTicks int
	MinTimeout  time.Duration
	MaxTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		ScanDistance: DefaultScanDistance,
		Limit:        DefaultLimit,
		SettleTicks:  DefaultSettleTicks,
		MinTimeout:   2 * time.Second,
		MaxTimeout:   10 * time.Second,
	}
}

type Deps struct {
	Planner   ports.PathPlanner
	Finder    ports.EntityFinder
	Inventory ports.InventoryView
	Clock     ports.TickClock
	Logger    *log.Logger
	Trace     trace.Sink
}

type Tracker struct {
	planner   ports.PathPlanner
	finder    ports.EntityFinder
	inventory ports.InventoryView
	clock     ports.TickClock
	logger    *log.Logger
	trace     trace.Sink

	opts Options
}

func New(d Deps, opts Options) *Tracker {
	def := DefaultOptions()
	if opts.ScanDistance <= 0 {
		opts.ScanDistance = def.ScanDistance
	}
	if opts.Limit <= 0 {
		opts.Limit = def.Limit
	}
	if opts.SettleTicks < 0 {
		opts.SettleTicks = 0
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = def.MaxTimeout
	}
	return &Tracker{
		planner:   d.Planner,
		finder:    d.Finder,
		inventory: d.Inventory,
		clock:     d.Clock,
		logger:    d.Logger,
		trace:     d.Trace,
		opts:      opts,
	}
}

// Retrieve walks to the nearest items of kind and returns once the inventory count
// of kind goes up. It also returns nil when the tick source closes or the planner
// reports its goal reached without a pickup. A planner that gives up ends the pursuit
// with ErrUnreachable.
func (t *Tracker) Retrieve(ctx context.Context, kind string) error {
	items := t.nearest(kind)
	if len(items) == 0 {
		t.outcome(kind, ErrNoItemsFound.Error())
		return ErrNoItemsFound
	}
	baseline := t.inventory.Count(kind)

	ticks, cancel := t.clock.Subscribe()
	defer cancel()

	tracked := t.pursue(kind, items)
	for {
		if err := ctx.Err(); err != nil {
			t.planner.Stop()
			return err
		}
		select {
		case <-ctx.Done():
			t.planner.Stop()
			return ctx.Err()
		case _, ok := <-ticks:
			if !ok {
				t.outcome(kind, "tick source closed")
				return nil
			}
		}

		if n := t.inventory.Count(kind); n > baseline {
			t.planner.Stop()
			t.printf("[retrieve] item=%s picked up count=%d baseline=%d", kind, n, baseline)
			t.outcome(kind, "ok")
			return nil
		}
		if t.planner.GoalReached() {
			t.printf("[retrieve] item=%s goal reached but nothing picked up", kind)
			t.outcome(kind, "goal reached without pickup")
			return nil
		}
		if t.planner.GaveUp() {
			t.planner.Stop()
			t.printf("[retrieve] item=%s planner gave up", kind)
			t.outcome(kind, ErrUnreachable.Error())
			return ErrUnreachable
		}

		items = t.nearest(kind)
		if len(items) == 0 {
			t.planner.Stop()
			t.outcome(kind, ErrNoItemsFound.Error())
			return ErrNoItemsFound
		}
		if !drifted(tracked, items) {
			continue
		}

		t.printf("[retrieve] item=%s targets drifted, replanning", kind)
		trace.Emit(t.trace, trace.Event{Op: "retrieve", Kind: trace.KindDrift, Item: kind})
		t.planner.Stop()
		for i := 0; i < t.opts.SettleTicks; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case _, ok := <-ticks:
				if !ok {
					t.outcome(kind, "tick source closed")
					return nil
				}
			}
		}
		items = t.nearest(kind)
		if len(items) == 0 {
			t.outcome(kind, ErrNoItemsFound.Error())
			return ErrNoItemsFound
		}
		tracked = t.pursue(kind, items)
	}
}

func (t *Tracker) nearest(kind string) []ports.TrackedItem {
	return t.finder.Nearest(kind, t.opts.ScanDistance, t.opts.Limit)
}

// pursue starts a path onto any of the items and returns what it is chasing, keyed by
// entity id.
func (t *Tracker) pursue(kind string, items []ports.TrackedItem) map[string]geom.BlockPos {
	tracked := make(map[string]geom.BlockPos, len(items))
	positions := make([]geom.BlockPos, 0, len(items))
	for _, it := range items {
		p := it.Pos.Floor()
		tracked[it.ID] = p
		positions = append(positions, p)
	}
	req := ports.PathRequest{
		ID:         uuid.NewString(),
		Goal:       goals.Each(positions, goals.NewOccupyStand),
		MinTimeout: t.opts.MinTimeout,
		MaxTimeout: t.opts.MaxTimeout,
	}
	t.printf("[retrieve] item=%s request=%s targets=%d", kind, req.ID, len(items))
	trace.Emit(t.trace, trace.Event{Op: "retrieve", Kind: trace.KindStageStart, Stage: goals.OccupyStand.String(), Item: kind, Request: req.ID})
	t.planner.Start(req)
	return tracked
}

// drifted reports whether any tracked item vanished or moved to another block.
// Newly visible items do not count.
func drifted(tracked map[string]geom.BlockPos, items []ports.TrackedItem) bool {
	now := make(map[string]geom.BlockPos, len(items))
	for _, it := range items {
		now[it.ID] = it.Pos.Floor()
	}
	for id, p := range tracked {
		q, ok := now[id]
		if !ok || q != p {
			return true
		}
	}
	return false
}

func (t *Tracker) outcome(kind, reason string) {
	trace.Emit(t.trace, trace.Event{Op: "retrieve", Kind: trace.KindOutcome, Item: kind, Reason: reason})
}

func (t *Tracker) printf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
	}
}
