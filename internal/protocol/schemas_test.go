package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"voxelbot.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	// Round-trip through JSON so the validator sees generic values.
	validate := func(s *jsonschema.Schema, msg any) {
		t.Helper()
		b, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate %s: %v", b, err)
		}
	}

	helloSchema := compile("hello.schema.json")
	obsSchema := compile("obs.schema.json")
	actSchema := compile("act.schema.json")

	validate(helloSchema, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentName:       "miner",
		Capabilities:    protocol.HelloCapabilities{DeltaVoxels: true, MaxQueue: 8},
	})

	validate(actSchema, protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            12,
		AgentID:         "A1",
		Instants:        []protocol.InstantReq{{ID: "I_equip_12", Type: protocol.InstantEquip, Slot: 0}},
		Tasks: []protocol.TaskReq{
			{ID: "K_move_1", Type: protocol.TaskMoveTo, Target: [3]int{1, 0, 1}},
			{ID: "K_mine_2", Type: protocol.TaskMine, BlockPos: [3]int{2, 0, 1}},
		},
		Cancel: []string{"K_move_0"},
	})

	var obs protocol.ObsMsg
	if err := json.Unmarshal([]byte(`{
	  "type":"OBS",
	  "protocol_version":"0.9",
	  "tick":3,
	  "agent_id":"A1",
	  "self":{"pos":[0,1,0],"yaw":0,"hp":20},
	  "inventory":[{"item":"STONE_PICKAXE","count":1}],
	  "equipment":{"main_hand":"STONE_PICKAXE","hotbar_slot":0},
	  "voxels":{"center":[0,1,0],"radius":1,"encoding":"DELTA","ops":[{"d":[1,0,0],"b":2}]},
	  "entities":[{"id":"E1","type":"ITEM","pos":[2,1,2],"item":"LOG","count":1}],
	  "events":[{"t":3,"type":"ACTION_RESULT","ref":"K_mine_2","ok":true}],
	  "tasks":[{"task_id":"K_move_1","kind":"MOVE_TO","progress":0.5}]
	}`), &obs); err != nil {
		t.Fatalf("decode obs: %v", err)
	}
	if len(obs.Voxels.Ops) != 1 || obs.Entities[0].Item != "LOG" {
		t.Fatalf("unexpected decoded obs: %+v", obs)
	}
	validate(obsSchema, obs)
}
