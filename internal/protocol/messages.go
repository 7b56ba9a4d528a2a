package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type              string         `json:"type"`
	ProtocolVersion   string         `json:"protocol_version"`
	SupportedVersions []string       `json:"supported_versions,omitempty"`
	ActorID           string         `json:"actor_id"`
	Tool              string         `json:"tool,omitempty"`
	Items             map[string]int `json:"items,omitempty"`
	Flags             []string       `json:"flags,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	ActorID         string         `json:"actor_id"`
	MapID           string         `json:"map_id"`
	WorldParams     WorldParams    `json:"world_params"`
	Catalogs        CatalogDigests `json:"catalogs"`
}

type WorldParams struct {
	TickMs     int      `json:"tick_ms"`
	DayMs      int64    `json:"day_ms"`
	SeasonDays int      `json:"season_days"`
	Tools      Tools    `json:"tools"`
	Ops        []string `json:"ops"`
}

// Tools names the items that drive the built-in interactions.
type Tools struct {
	Water  string `json:"water"`
	Build  string `json:"build"`
	Revert string `json:"revert"`
	Dispel string `json:"dispel"`
}

type CatalogDigests struct {
	Crops         DigestRef `json:"crops"`
	Effects       DigestRef `json:"effects"`
	Constructions DigestRef `json:"constructions"`
	TuningDigest  string    `json:"tuning_digest,omitempty"`
}

type DigestRef struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
}

// ACK (server -> client) answers messages that never reached the world.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// PATCH_REQ (client -> server)
type PatchReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	Op              string `json:"op"`

	Pos  *[3]int  `json:"pos,omitempty"`
	Area *AreaRef `json:"area,omitempty"`

	// Name is the crop type, effect category, construction id or map id.
	Name  string `json:"name,omitempty"`
	State *int   `json:"state,omitempty"`
	// Tool overrides the held tool for this request only.
	Tool string `json:"tool,omitempty"`

	Edit   *EditSpec   `json:"edit,omitempty"`
	Effect *EffectSpec `json:"effect,omitempty"`

	Replace bool `json:"replace,omitempty"`
	Force   bool `json:"force,omitempty"`
}

type AreaRef struct {
	Min   [2]int `json:"min"`
	Max   [2]int `json:"max"`
	Layer int    `json:"layer"`
}

type EditSpec struct {
	Change        string   `json:"change"`
	Reason        string   `json:"reason,omitempty"`
	Tile          int      `json:"tile"`
	Collision     *int     `json:"collision,omitempty"`
	Revertible    bool     `json:"revertible,omitempty"`
	RequiredItems []string `json:"required_items,omitempty"`
	RequiredFlags []string `json:"required_flags,omitempty"`
}

type EffectSpec struct {
	Category   string  `json:"category"`
	DurationMs int64   `json:"duration_ms"`
	Intensity  float64 `json:"intensity"`
	Curve      string  `json:"curve,omitempty"`
	Fade       bool    `json:"fade,omitempty"`
}

// PATCH_RESP (server -> client)
type PatchRespMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Tick            uint64 `json:"tick"`
	MapID           string `json:"map_id,omitempty"`

	Patch     *PatchView     `json:"patch,omitempty"`
	Patches   []PatchView    `json:"patches,omitempty"`
	Visual    *TileVisual    `json:"visual,omitempty"`
	Granted   map[string]int `json:"granted,omitempty"`
	Inventory map[string]int `json:"inventory,omitempty"`
	Save      *SaveInfo      `json:"save,omitempty"`
	Load      *LoadInfo      `json:"load,omitempty"`
	Valid     *bool          `json:"valid,omitempty"`
	Refreshes [][3]int       `json:"refreshes,omitempty"`
	Status    interface{}    `json:"status,omitempty"`
}

// PatchView is the caller-facing picture of one live patch.
type PatchView struct {
	ID               uint64     `json:"id"`
	Kind             string     `json:"kind"`
	Pos              [3]int     `json:"pos"`
	State            int        `json:"state"`
	StateName        string     `json:"state_name,omitempty"`
	History          []int      `json:"history,omitempty"`
	Persistence      string     `json:"persistence"`
	NextTransitionMs int64      `json:"next_transition_ms,omitempty"`
	Visual           TileVisual `json:"visual"`

	Crop    *CropView    `json:"crop,omitempty"`
	Effect  *EffectView  `json:"effect,omitempty"`
	Durable *DurableView `json:"durable,omitempty"`
}

type TileVisual struct {
	Tile      int    `json:"tile"`
	Collision int    `json:"collision"`
	Tint      uint32 `json:"tint"`
	Patched   bool   `json:"patched"`
}

type CropView struct {
	Type    string  `json:"type"`
	Stage   string  `json:"stage"`
	Water   float64 `json:"water"`
	Quality float64 `json:"quality"`
	Tier    string  `json:"tier"`
}

type EffectView struct {
	Category    string  `json:"category"`
	Intensity   float64 `json:"intensity"`
	Curve       string  `json:"curve"`
	RemainingMs int64   `json:"remaining_ms"`
}

type DurableView struct {
	Change         string  `json:"change"`
	Reason         string  `json:"reason,omitempty"`
	Source         string  `json:"source,omitempty"`
	Revertible     bool    `json:"revertible"`
	Progress       float64 `json:"progress"`
	Completed      bool    `json:"completed"`
	ConstructionID string  `json:"construction_id,omitempty"`
}

type SaveInfo struct {
	MapID      string `json:"map_id"`
	Op         string `json:"op"`
	Path       string `json:"path,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Seq        int    `json:"seq,omitempty"`
	Records    int    `json:"records"`
	Tombstones int    `json:"tombstones,omitempty"`
	Backup     string `json:"backup,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type LoadInfo struct {
	MapID          string `json:"map_id"`
	Found          bool   `json:"found"`
	Corrupt        bool   `json:"corrupt"`
	Deltas         int    `json:"deltas"`
	Restored       int    `json:"restored"`
	Skipped        int    `json:"skipped"`
	SkippedSession int    `json:"skipped_session"`
}
