// Package escalate drives an agent to break one of several candidate blocks. It walks
// a fixed ladder of stand goals, each looser than the last, asks the path planner to
// satisfy the stage's goal over every target and then tries the targets in order.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"voxelbot.ai/internal/agent/goals"
	"voxelbot.ai/internal/agent/ports"
	"voxelbot.ai/internal/agent/reach"
	"voxelbot.ai/internal/agent/scoring"
	"voxelbot.ai/internal/agent/trace"
	"voxelbot.ai/internal/geom"
)

var (
	ErrCantAchieveAny = errors.New("can't mine any of the requested blocks")
	ErrNoTargets      = errors.New("no targets")
)

const (
	DefaultApproachDistance = 3.2
	DefaultSelfMinedRadius  = 4
)

// Stage is one rung of the ladder. Distance only applies to ExactApproach.
type Stage struct {
	Kind       goals.Kind
	Distance   float64
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

func DefaultLadder() []Stage {
	const minT, maxT = 2 * time.Second, 10 * time.Second
	return []Stage{
		{Kind: goals.ExactApproach, Distance: DefaultApproachDistance, MinTimeout: minT, MaxTimeout: maxT},
		{Kind: goals.AdjacentStand, MinTimeout: minT, MaxTimeout: maxT},
		{Kind: goals.OccupyStand, MinTimeout: minT, MaxTimeout: maxT},
	}
}

type Options struct {
	Ladder          []Stage
	Limits          reach.Limits
	SelfMinedRadius int
}

func DefaultOptions() Options {
	return Options{
		Ladder:          DefaultLadder(),
		Limits:          reach.DefaultLimits(),
		SelfMinedRadius: DefaultSelfMinedRadius,
	}
}

type Deps struct {
	Planner   ports.PathPlanner
	World     ports.WorldView
	Inventory ports.InventoryView
	Agent     ports.AgentView
	Actions   ports.Actions
	Scoring   scoring.Tables
	Logger    *log.Logger
	Trace     trace.Sink
}

type Escalator struct {
	planner   ports.PathPlanner
	world     ports.WorldView
	inventory ports.InventoryView
	agent     ports.AgentView
	actions   ports.Actions
	scoring   scoring.Tables
	logger    *log.Logger
	trace     trace.Sink

	ladder          []Stage
	limits          reach.Limits
	selfMinedRadius int
}

func New(d Deps, opts Options) *Escalator {
	if len(opts.Ladder) == 0 {
		opts.Ladder = DefaultLadder()
	}
	if opts.Limits.MaxPickRange <= 0 {
		opts.Limits = reach.DefaultLimits()
	}
	if opts.SelfMinedRadius < 0 {
		opts.SelfMinedRadius = 0
	}
	return &Escalator{
		planner:         d.Planner,
		world:           d.World,
		inventory:       d.Inventory,
		agent:           d.Agent,
		actions:         d.Actions,
		scoring:         d.Scoring,
		logger:          d.Logger,
		trace:           d.Trace,
		ladder:          append([]Stage(nil), opts.Ladder...),
		limits:          opts.Limits,
		selfMinedRadius: opts.SelfMinedRadius,
	}
}

// Achieve breaks the first target it can, moving the agent stage by stage. Targets
// are tried in the order given.
func (e *Escalator) Achieve(ctx context.Context, targets []geom.BlockPos) error {
	if len(targets) == 0 {
		return ErrNoTargets
	}
	for _, st := range e.ladder {
		if err := ctx.Err(); err != nil {
			e.planner.Stop()
			return err
		}
		req := ports.PathRequest{
			ID:         uuid.NewString(),
			Goal:       e.goalFor(st, targets),
			MinTimeout: st.MinTimeout,
			MaxTimeout: st.MaxTimeout,
		}
		e.printf("[achieve] stage=%s request=%s targets=%d", st.Kind, req.ID, len(targets))
		trace.Emit(e.trace, trace.Event{Op: "achieve", Kind: trace.KindStageStart, Stage: st.Kind.String(), Request: req.ID})

		e.planner.Start(req)
		outcome, err := e.planner.Await(ctx)
		if err != nil {
			e.planner.Stop()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("await %s: %w", st.Kind, err)
		}
		trace.Emit(e.trace, trace.Event{Op: "achieve", Kind: trace.KindStageResult, Stage: st.Kind.String(), Path: outcome.String(), Request: req.ID})
		if outcome == ports.PathSuperseded {
			e.printf("[achieve] stage=%s request=%s superseded", st.Kind, req.ID)
			continue
		}

		done, err := e.mineFirst(ctx, "achieve", st.Kind.String(), targets)
		if err != nil {
			return err
		}
		if done {
			trace.Emit(e.trace, trace.Event{Op: "achieve", Kind: trace.KindOutcome, Stage: st.Kind.String(), Reason: "ok"})
			return nil
		}
	}
	e.printf("[achieve] exhausted %d stages", len(e.ladder))
	trace.Emit(e.trace, trace.Event{Op: "achieve", Kind: trace.KindOutcome, Reason: ErrCantAchieveAny.Error()})
	return ErrCantAchieveAny
}

func (e *Escalator) AchieveOne(ctx context.Context, pos geom.BlockPos) error {
	return e.Achieve(ctx, []geom.BlockPos{pos})
}

// MineAny tries the targets from where the agent stands now, without moving.
func (e *Escalator) MineAny(ctx context.Context, targets []geom.BlockPos) error {
	if len(targets) == 0 {
		return ErrNoTargets
	}
	done, err := e.mineFirst(ctx, "mine_any", "", targets)
	if err != nil {
		return err
	}
	if !done {
		return ErrCantAchieveAny
	}
	return nil
}

// MineChecked makes a single attempt on pos and reports why it could not be made.
func (e *Escalator) MineChecked(ctx context.Context, pos geom.BlockPos) error {
	snap := e.agent.Snapshot()
	if err := reach.Check(pos, snap.EyePosition, e.world, e.limits); err != nil {
		return err
	}
	if err := e.selectTool(e.world.BlockState(pos)); err != nil {
		return err
	}
	return e.actions.Mine(ctx, pos)
}

func (e *Escalator) goalFor(st Stage, targets []geom.BlockPos) goals.Or {
	switch st.Kind {
	case goals.ExactApproach:
		d := st.Distance
		if d <= 0 {
			d = DefaultApproachDistance
		}
		return goals.Each(targets, func(p geom.BlockPos) goals.Goal { return goals.NewExactApproach(p, d, e.world) })
	case goals.AdjacentStand:
		return goals.Each(targets, goals.NewAdjacentStand)
	default:
		return goals.Each(targets, goals.NewOccupyStand)
	}
}

// mineFirst walks targets in order and stops at the first one broken. A target that
// is already air next to the agent counts as done.
func (e *Escalator) mineFirst(ctx context.Context, op, stage string, targets []geom.BlockPos) (bool, error) {
	r := e.selfMinedRadius
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if e.world.BlockState(t).Air {
			pos := e.agent.Snapshot().Position.Ceil()
			if t.DistSq(pos) < r*r {
				e.printf("[%s] target=%v already air, probably mined by self", op, t)
				return true, nil
			}
			e.printf("[%s] target=%v already air, mined by someone else", op, t)
			trace.Emit(e.trace, trace.Event{Op: op, Kind: trace.KindTargetSkipped, Stage: stage, Target: trace.Pos(t.ToArray()), Reason: reach.ErrBlockIsAir.Error()})
			continue
		}

		err := e.MineChecked(ctx, t)
		if err == nil {
			e.printf("[%s] target=%v mined", op, t)
			trace.Emit(e.trace, trace.Event{Op: op, Kind: trace.KindActed, Stage: stage, Target: trace.Pos(t.ToArray())})
			return true, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		e.printf("[%s] stage=%s target=%v failed: %v", op, stage, t, err)
		trace.Emit(e.trace, trace.Event{Op: op, Kind: trace.KindTargetFailed, Stage: stage, Target: trace.Pos(t.ToArray()), Reason: err.Error()})
	}
	return false, nil
}

func (e *Escalator) selectTool(state ports.BlockState) error {
	if e.inventory == nil {
		return nil
	}
	slot, ok := e.scoring.BestToolSlot(e.inventory.Hotbar(), state)
	if !ok {
		return nil
	}
	if err := e.inventory.SelectHotbarSlot(slot); err != nil {
		return fmt.Errorf("select slot %d: %w", slot, err)
	}
	return nil
}

func (e *Escalator) printf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}
