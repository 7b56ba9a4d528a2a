package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello     = "HELLO"
	TypeWelcome   = "WELCOME"
	TypeAck       = "ACK"
	TypePatchReq  = "PATCH_REQ"
	TypePatchResp = "PATCH_RESP"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Request ops carried by PATCH_REQ.
const (
	OpPlant      = "plant"
	OpEffect     = "effect"
	OpEdit       = "edit"
	OpConstruct  = "construct"
	OpInteract   = "interact"
	OpTransition = "transition"
	OpRemove     = "remove"
	OpGet        = "get"
	OpArea       = "area"
	OpSave       = "save"
	OpValidate   = "validate"
	OpRepair     = "repair"
	OpSwitchMap  = "switch_map"
	OpStatus     = "status"
	OpRefreshes  = "refreshes"
)

// Ops lists every PATCH_REQ op in a stable order.
var Ops = []string{
	OpPlant, OpEffect, OpEdit, OpConstruct, OpInteract, OpTransition, OpRemove,
	OpGet, OpArea, OpSave, OpValidate, OpRepair, OpSwitchMap, OpStatus, OpRefreshes,
}
