// Package config loads agent.yaml. The document is checked against an embedded JSON
// Schema first, then decoded, defaulted and validated.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxelbot.ai/internal/agent/escalate"
	"voxelbot.ai/internal/agent/goals"
	"voxelbot.ai/internal/agent/reach"
	"voxelbot.ai/internal/agent/retrieve"
)

const schemaURL = "https://voxelbot.ai/schemas/agent.schema.json"

//go:embed agent.schema.json
var schemaJSON []byte

type Config struct {
	Client     ClientConfig     `yaml:"client"`
	Reach      ReachConfig      `yaml:"reach"`
	Escalation EscalationConfig `yaml:"escalation"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Trace      TraceConfig      `yaml:"trace"`
	// Scoring is the path of scoring.yaml; empty uses the built-in tables.
	Scoring string `yaml:"scoring"`
}

type ClientConfig struct {
	URL              string `yaml:"url"`
	AgentName        string `yaml:"agent_name"`
	MaxQueue         int    `yaml:"max_queue"`
	MineTimeoutTicks int    `yaml:"mine_timeout_ticks"`
}

type ReachConfig struct {
	MaxPickRange int     `yaml:"max_pick_range"`
	PickRange    float64 `yaml:"pick_range"`
}

type StageTimeouts struct {
	MinTimeout time.Duration `yaml:"min_timeout"`
	MaxTimeout time.Duration `yaml:"max_timeout"`
}

type EscalationConfig struct {
	ApproachDistance float64       `yaml:"approach_distance"`
	SelfMinedRadius  int           `yaml:"self_mined_radius"`
	ExactApproach    StageTimeouts `yaml:"exact_approach"`
	AdjacentStand    StageTimeouts `yaml:"adjacent_stand"`
	OccupyStand      StageTimeouts `yaml:"occupy_stand"`
}

type RetrievalConfig struct {
	ScanDistance float64       `yaml:"scan_distance"`
	Limit        int           `yaml:"limit"`
	SettleTicks  int           `yaml:"settle_ticks"`
	MinTimeout   time.Duration `yaml:"min_timeout"`
	MaxTimeout   time.Duration `yaml:"max_timeout"`
}

type TraceConfig struct {
	// Dir enables the attempt trace when set.
	Dir string `yaml:"dir"`
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := validateSchema(b); err != nil {
		return cfg, fmt.Errorf("agent.yaml: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("agent.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("agent.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	stage := StageTimeouts{MinTimeout: 2 * time.Second, MaxTimeout: 10 * time.Second}
	lim := reach.DefaultLimits()
	return Config{
		Client: ClientConfig{
			URL:              "ws://localhost:8080/v1/ws",
			AgentName:        "miner",
			MaxQueue:         8,
			MineTimeoutTicks: 100,
		},
		Reach: ReachConfig{MaxPickRange: lim.MaxPickRange, PickRange: lim.PickRange},
		Escalation: EscalationConfig{
			ApproachDistance: escalate.DefaultApproachDistance,
			SelfMinedRadius:  escalate.DefaultSelfMinedRadius,
			ExactApproach:    stage,
			AdjacentStand:    stage,
			OccupyStand:      stage,
		},
		Retrieval: RetrievalConfig{
			ScanDistance: retrieve.DefaultScanDistance,
			Limit:        retrieve.DefaultLimit,
			SettleTicks:  retrieve.DefaultSettleTicks,
			MinTimeout:   stage.MinTimeout,
			MaxTimeout:   stage.MaxTimeout,
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Client.URL = strings.TrimSpace(c.Client.URL)
	c.Client.AgentName = strings.TrimSpace(c.Client.AgentName)
	c.Trace.Dir = strings.TrimSpace(c.Trace.Dir)
	c.Scoring = strings.TrimSpace(c.Scoring)
	for _, st := range []*StageTimeouts{&c.Escalation.ExactApproach, &c.Escalation.AdjacentStand, &c.Escalation.OccupyStand} {
		if st.MaxTimeout > 0 && st.MinTimeout > st.MaxTimeout {
			st.MinTimeout = st.MaxTimeout
		}
	}
	if c.Retrieval.MaxTimeout > 0 && c.Retrieval.MinTimeout > c.Retrieval.MaxTimeout {
		c.Retrieval.MinTimeout = c.Retrieval.MaxTimeout
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if c.Client.URL == "" {
		return fmt.Errorf("client.url must not be empty")
	}
	if c.Client.AgentName == "" {
		return fmt.Errorf("client.agent_name must not be empty")
	}
	if c.Client.MaxQueue <= 0 {
		return fmt.Errorf("client.max_queue must be > 0")
	}
	if c.Client.MineTimeoutTicks <= 0 {
		return fmt.Errorf("client.mine_timeout_ticks must be > 0")
	}
	if c.Reach.MaxPickRange <= 0 {
		return fmt.Errorf("reach.max_pick_range must be > 0")
	}
	if c.Reach.PickRange <= 0 || c.Reach.PickRange >= float64(c.Reach.MaxPickRange) {
		return fmt.Errorf("reach.pick_range must be in (0, max_pick_range)")
	}
	if c.Escalation.ApproachDistance <= 0 {
		return fmt.Errorf("escalation.approach_distance must be > 0")
	}
	if c.Escalation.SelfMinedRadius < 0 {
		return fmt.Errorf("escalation.self_mined_radius must be >= 0")
	}
	for name, st := range map[string]StageTimeouts{
		"exact_approach": c.Escalation.ExactApproach,
		"adjacent_stand": c.Escalation.AdjacentStand,
		"occupy_stand":   c.Escalation.OccupyStand,
	} {
		if st.MaxTimeout <= 0 {
			return fmt.Errorf("escalation.%s.max_timeout must be > 0", name)
		}
	}
	if c.Retrieval.ScanDistance <= 0 {
		return fmt.Errorf("retrieval.scan_distance must be > 0")
	}
	if c.Retrieval.Limit <= 0 {
		return fmt.Errorf("retrieval.limit must be > 0")
	}
	if c.Retrieval.SettleTicks < 0 {
		return fmt.Errorf("retrieval.settle_ticks must be >= 0")
	}
	if c.Retrieval.MaxTimeout <= 0 {
		return fmt.Errorf("retrieval.max_timeout must be > 0")
	}
	return nil
}

func (c Config) Limits() reach.Limits {
	return reach.Limits{MaxPickRange: c.Reach.MaxPickRange, PickRange: c.Reach.PickRange}
}

// Ladder is the escalation ladder in its fixed stage order.
func (c Config) Ladder() []escalate.Stage {
	e := c.Escalation
	return []escalate.Stage{
		{Kind: goals.ExactApproach, Distance: e.ApproachDistance, MinTimeout: e.ExactApproach.MinTimeout, MaxTimeout: e.ExactApproach.MaxTimeout},
		{Kind: goals.AdjacentStand, MinTimeout: e.AdjacentStand.MinTimeout, MaxTimeout: e.AdjacentStand.MaxTimeout},
		{Kind: goals.OccupyStand, MinTimeout: e.OccupyStand.MinTimeout, MaxTimeout: e.OccupyStand.MaxTimeout},
	}
}

func (c Config) EscalateOptions() escalate.Options {
	return escalate.Options{
		Ladder:          c.Ladder(),
		Limits:          c.Limits(),
		SelfMinedRadius: c.Escalation.SelfMinedRadius,
	}
}

func (c Config) RetrieveOptions() retrieve.Options {
	r := c.Retrieval
	return retrieve.Options{
		ScanDistance: r.ScanDistance,
		Limit:        r.Limit,
		SettleTicks:  r.SettleTicks,
		MinTimeout:   r.MinTimeout,
		MaxTimeout:   r.MaxTimeout,
	}
}

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
}

// validateSchema runs the raw YAML through the JSON Schema. YAML is decoded into
// generic values and round-tripped through JSON so numbers arrive as the validator
// expects them.
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	sch, err := compileSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
