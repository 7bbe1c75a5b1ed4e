// Package scoring ranks hotbar items for breaking a block. Tables are built once from
// configuration and never change afterwards.
package scoring

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"voxelbot.ai/internal/agent/ports"
)

// HandSpeed is the mining speed of an empty hand or a non-matching item.
const HandSpeed = 1.0

type ToolSpec struct {
	Family string  `yaml:"family"`
	Speed  float64 `yaml:"speed"`
}

type File struct {
	DefaultFamily string              `yaml:"default_family"`
	BlockFamilies map[string][]string `yaml:"block_families"`
	Tools         map[string]ToolSpec `yaml:"tools"`
}

type Tables struct {
	defaultFamily string
	families      map[string]string
	tools         map[string]ToolSpec
}

func DefaultFile() File {
	return File{
		DefaultFamily: "PICKAXE",
		BlockFamilies: map[string][]string{
			"SHOVEL": {"DIRT", "GRASS", "SAND", "GRAVEL"},
			"AXE":    {"LOG", "PLANK"},
		},
		Tools: map[string]ToolSpec{
			"WOOD_PICKAXE":  {Family: "PICKAXE", Speed: 2},
			"STONE_PICKAXE": {Family: "PICKAXE", Speed: 4},
			"IRON_PICKAXE":  {Family: "PICKAXE", Speed: 6},
			"WOOD_AXE":      {Family: "AXE", Speed: 2},
			"STONE_AXE":     {Family: "AXE", Speed: 4},
			"IRON_AXE":      {Family: "AXE", Speed: 6},
			"WOOD_SHOVEL":   {Family: "SHOVEL", Speed: 2},
			"STONE_SHOVEL":  {Family: "SHOVEL", Speed: 4},
			"IRON_SHOVEL":   {Family: "SHOVEL", Speed: 6},
		},
	}
}

func Defaults() Tables {
	t, _ := New(DefaultFile())
	return t
}

func New(f File) (Tables, error) {
	t := Tables{
		defaultFamily: strings.ToUpper(strings.TrimSpace(f.DefaultFamily)),
		families:      map[string]string{},
		tools:         map[string]ToolSpec{},
	}
	for fam, blocks := range f.BlockFamilies {
		fam = strings.ToUpper(strings.TrimSpace(fam))
		for _, b := range blocks {
			if prev, ok := t.families[b]; ok && prev != fam {
				return Tables{}, fmt.Errorf("block %s listed under %s and %s", b, prev, fam)
			}
			t.families[b] = fam
		}
	}
	for item, spec := range f.Tools {
		if spec.Speed <= 0 {
			return Tables{}, fmt.Errorf("tool %s: speed must be > 0", item)
		}
		spec.Family = strings.ToUpper(strings.TrimSpace(spec.Family))
		t.tools[item] = spec
	}
	return t, nil
}

func Load(path string) (Tables, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, err
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Tables{}, fmt.Errorf("scoring.yaml: %w", err)
	}
	t, err := New(f)
	if err != nil {
		return Tables{}, fmt.Errorf("scoring.yaml: %w", err)
	}
	return t, nil
}

func (t Tables) FamilyFor(block string) string {
	if fam, ok := t.families[block]; ok {
		return fam
	}
	return t.defaultFamily
}

// Speed is how fast item breaks block relative to a bare hand.
func (t Tables) Speed(item, block string) float64 {
	spec, ok := t.tools[item]
	if !ok || spec.Family != t.FamilyFor(block) {
		return HandSpeed
	}
	return spec.Speed
}

// BestToolSlot picks the hotbar slot that breaks block fastest. ok is false when
// nothing beats a bare hand, in which case the current selection should be kept.
func (t Tables) BestToolSlot(hotbar []ports.ItemStack, block ports.BlockState) (slot int, ok bool) {
	if block.Air || block.Unbreakable() {
		return -1, false
	}
	best := HandSpeed
	slot = -1
	for i, s := range hotbar {
		if s.Count <= 0 {
			continue
		}
		if sp := t.Speed(s.Item, block.ID); sp > best {
			best = sp
			slot = i
		}
	}
	return slot, slot >= 0
}

// Count sums the stacks holding item.
func Count(stacks []ports.ItemStack, item string) int {
	n := 0
	for _, s := range stacks {
		if s.Item == item {
			n += s.Count
		}
	}
	return n
}
