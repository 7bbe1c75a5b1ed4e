package protocol

// OBS (server -> client)
type ObsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	AgentID         string `json:"agent_id"`

	Self      SelfObs      `json:"self"`
	Inventory []ItemStack  `json:"inventory"`
	Equipment EquipmentObs `json:"equipment"`

	Voxels   VoxelsObs   `json:"voxels"`
	Entities []EntityObs `json:"entities"`
	Events   []Event     `json:"events"`
	Tasks    []TaskObs   `json:"tasks"`
}

type SelfObs struct {
	Pos [3]int `json:"pos"`
	Yaw int    `json:"yaw"`
	HP  int    `json:"hp"`
}

type ItemStack struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

type EquipmentObs struct {
	MainHand string `json:"main_hand"`
	// HotbarSlot is the selected slot index into the inventory list.
	HotbarSlot int `json:"hotbar_slot"`
}

type VoxelsObs struct {
	Center   [3]int         `json:"center"`
	Radius   int            `json:"radius"`
	Encoding string         `json:"encoding"` // "RLE" or "DELTA"
	Data     string         `json:"data,omitempty"`
	Ops      []VoxelDeltaOp `json:"ops,omitempty"`
}

type VoxelDeltaOp struct {
	D [3]int `json:"d"` // delta from center (dx,dy,dz)
	B uint16 `json:"b"` // block palette id
}

type EntityObs struct {
	ID   string `json:"id"`
	Type string `json:"type"` // "AGENT", "ITEM", ...
	Pos  [3]int `json:"pos"`

	// Optional payload for specialized entity types (e.g. "ITEM").
	Item  string `json:"item,omitempty"`
	Count int    `json:"count,omitempty"`
}

type Event map[string]interface{}

type TaskObs struct {
	TaskID   string  `json:"task_id"`
	Kind     string  `json:"kind"`
	Progress float64 `json:"progress"`
	Target   [3]int  `json:"target,omitempty"`
	EtaTicks int     `json:"eta_ticks,omitempty"`
}

// ACT (client -> server)
type ActMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Tick            uint64       `json:"tick"`
	AgentID         string       `json:"agent_id"`
	Instants        []InstantReq `json:"instants,omitempty"`
	Tasks           []TaskReq    `json:"tasks,omitempty"`
	Cancel          []string     `json:"cancel,omitempty"`
}

// Instant and task types sent by the agent.
const (
	InstantEquip = "EQUIP"

	TaskMoveTo = "MOVE_TO"
	TaskMine   = "MINE"
)

type InstantReq struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// EQUIP
	Slot   int    `json:"slot"`
	ItemID string `json:"item_id,omitempty"`
}

type TaskReq struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	Target    [3]int  `json:"target,omitempty"`
	Tolerance float64 `json:"tolerance,omitempty"`

	BlockPos [3]int `json:"block_pos,omitempty"`
}

// ActionResult is the decoded form of an ACTION_RESULT event.
type ActionResult struct {
	Ref     string
	OK      bool
	Code    string
	Message string
}

// ActionResultOf decodes e when it is an ACTION_RESULT event.
func ActionResultOf(e Event) (ActionResult, bool) {
	if typ, _ := e["type"].(string); typ != "ACTION_RESULT" {
		return ActionResult{}, false
	}
	var r ActionResult
	r.Ref, _ = e["ref"].(string)
	r.OK, _ = e["ok"].(bool)
	r.Code, _ = e["code"].(string)
	r.Message, _ = e["message"].(string)
	if r.Ref == "" {
		return ActionResult{}, false
	}
	return r, true
}
