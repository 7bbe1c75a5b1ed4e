package reach

import (
	"errors"
	"testing"

	"voxelbot.ai/internal/agent/agenttest"
	"voxelbot.ai/internal/geom"
)

func TestCheck(t *testing.T) {
	target := geom.BlockPos{X: 6, Y: 5, Z: 5}
	near := geom.EyeAt(geom.BlockPos{X: 9, Y: 4, Z: 5})
	lim := DefaultLimits()

	t.Run("air", func(t *testing.T) {
		w := agenttest.NewWorld()
		if err := Check(target, near, w, lim); !errors.Is(err, ErrBlockIsAir) {
			t.Fatalf("expected ErrBlockIsAir, got %v", err)
		}
	})

	t.Run("unbreakable", func(t *testing.T) {
		w := agenttest.NewWorld()
		w.Set(target, agenttest.Bedrock)
		if err := Check(target, near, w, lim); !errors.Is(err, ErrBlockIsNotBreakable) {
			t.Fatalf("expected ErrBlockIsNotBreakable, got %v", err)
		}
	})

	t.Run("coarse range skips ray cast", func(t *testing.T) {
		w := agenttest.NewWorld()
		w.Set(target, agenttest.Stone)
		far := geom.EyeAt(geom.BlockPos{X: 20, Y: 4, Z: 5})
		if err := Check(target, far, w, lim); !errors.Is(err, ErrBlockIsNotReachable) {
			t.Fatalf("expected ErrBlockIsNotReachable, got %v", err)
		}
		if w.RayCasts() != 0 {
			t.Fatalf("coarse rejection must not ray cast, got %d casts", w.RayCasts())
		}
	})

	t.Run("beyond pick range", func(t *testing.T) {
		w := agenttest.NewWorld()
		w.Set(target, agenttest.Stone)
		// Within the coarse range but further than 3.5 along the ray.
		eye := geom.EyeAt(geom.BlockPos{X: 10, Y: 4, Z: 5})
		if err := Check(target, eye, w, lim); !errors.Is(err, ErrBlockIsNotReachable) {
			t.Fatalf("expected ErrBlockIsNotReachable, got %v", err)
		}
	})

	t.Run("occluded", func(t *testing.T) {
		w := agenttest.NewWorld()
		w.Set(target, agenttest.Stone)
		w.Set(geom.BlockPos{X: 7, Y: 5, Z: 5}, agenttest.Dirt)
		if err := Check(target, near, w, lim); !errors.Is(err, ErrBlockIsNotReachable) {
			t.Fatalf("expected ErrBlockIsNotReachable, got %v", err)
		}
	})

	t.Run("entity blocking", func(t *testing.T) {
		w := agenttest.NewWorld()
		w.Set(target, agenttest.Stone)
		w.AddEntity(geom.EntityBox("zombie", geom.Vec3{X: 7.5, Y: 4, Z: 5.5}, 0.6, 1.95))
		if err := Check(target, near, w, lim); !errors.Is(err, ErrEntityBlocking) {
			t.Fatalf("expected ErrEntityBlocking, got %v", err)
		}
	})

	t.Run("reachable", func(t *testing.T) {
		w := agenttest.NewWorld()
		w.Set(target, agenttest.Stone)
		if err := Check(target, near, w, lim); err != nil {
			t.Fatalf("expected reachable, got %v", err)
		}
	})
}
