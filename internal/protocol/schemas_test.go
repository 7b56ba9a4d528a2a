package protocol_test

import (
	"encoding/json"
	"testing"

	"tilepatch.ai/internal/protocol"
)

func TestValidate_Samples(t *testing.T) {
	valid := map[string]string{
		protocol.TypeHello: `{
		  "type":"HELLO",
		  "protocol_version":"1.0",
		  "actor_id":"farmer-1",
		  "tool":"watering_can",
		  "items":{"seed_wheat":4},
		  "flags":["guild"]
		}`,
		protocol.TypePatchReq: `{
		  "type":"PATCH_REQ",
		  "protocol_version":"1.0",
		  "req_id":"R1",
		  "op":"edit",
		  "pos":[3,4,0],
		  "edit":{"change":"dig","tile":12,"collision":0,"revertible":true,"required_items":["crowbar"]}
		}`,
	}
	for typ, raw := range valid {
		if err := protocol.Validate(typ, []byte(raw)); err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown op":        `{"type":"PATCH_REQ","protocol_version":"1.0","req_id":"R1","op":"teleport"}`,
		"short pos":         `{"type":"PATCH_REQ","protocol_version":"1.0","req_id":"R1","op":"get","pos":[1,2]}`,
		"construction edit": `{"type":"PATCH_REQ","protocol_version":"1.0","req_id":"R1","op":"edit","pos":[1,2,0],"edit":{"change":"construction","tile":1}}`,
		"extra field":       `{"type":"PATCH_REQ","protocol_version":"1.0","req_id":"R1","op":"get","pos":[1,2,0],"x":1}`,
		"missing req id":    `{"type":"PATCH_REQ","protocol_version":"1.0","op":"status"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if err := protocol.Validate(protocol.TypePatchReq, []byte(raw)); err == nil {
				t.Fatalf("expected rejection")
			}
		})
	}
	if err := protocol.Validate(protocol.TypeHello, []byte(`{"type":"HELLO","protocol_version":"1.0"}`)); err == nil {
		t.Fatalf("hello without actor_id accepted")
	}
	if err := protocol.Validate("OTHER", []byte(`{}`)); err != nil {
		t.Fatalf("unschema'd type rejected: %v", err)
	}
}

func TestSchemaOpsMatchProtocol(t *testing.T) {
	for _, op := range protocol.Ops {
		raw, _ := json.Marshal(protocol.PatchReqMsg{
			Type:            protocol.TypePatchReq,
			ProtocolVersion: protocol.Version,
			ReqID:           "R",
			Op:              op,
		})
		if err := protocol.Validate(protocol.TypePatchReq, raw); err != nil {
			t.Fatalf("op %s: %v", op, err)
		}
	}
}
