package patch

import "sort"

type QualityTier int

const (
	TierPoor QualityTier = iota
	TierNormal
	TierGood
	TierExcellent
)

func (t QualityTier) String() string {
	switch t {
	case TierPoor:
		return "poor"
	case TierNormal:
		return "normal"
	case TierGood:
		return "good"
	case TierExcellent:
		return "excellent"
	}
	return "unknown"
}

func ParseQualityTier(s string) (QualityTier, bool) {
	for _, t := range []QualityTier{TierPoor, TierNormal, TierGood, TierExcellent} {
		if t.String() == s {
			return t, true
		}
	}
	return TierNormal, false
}

type QualityWeights struct {
	Water       float64
	Temperature float64
	Season      float64
	Timing      float64
}

// TierRule maps a minimum quality score to a tier and its yield multiplier.
type TierRule struct {
	Tier            QualityTier
	MinScore        float64
	YieldMultiplier float64
}

// Rules are the tunable constants shared by every patch.
type Rules struct {
	HistoryCapacity int

	// Per-factor clamp for growth modifiers.
	FactorMin float64
	FactorMax float64

	QualityWeights QualityWeights
	QualityTiers   []TierRule

	WaterTool   string
	WaterPerUse float64

	BuildTool   string
	BuildPerUse float64
	RevertTool  string
	DispelTool  string
}

func DefaultRules() Rules {
	return Rules{
		HistoryCapacity: 10,
		FactorMin:       0.5,
		FactorMax:       1.2,
		QualityWeights:  QualityWeights{Water: 0.35, Temperature: 0.25, Season: 0.2, Timing: 0.2},
		QualityTiers: []TierRule{
			{Tier: TierPoor, MinScore: 0, YieldMultiplier: 0.5},
			{Tier: TierNormal, MinScore: 0.4, YieldMultiplier: 1},
			{Tier: TierGood, MinScore: 0.6, YieldMultiplier: 1.25},
			{Tier: TierExcellent, MinScore: 0.8, YieldMultiplier: 1.5},
		},
		WaterTool:   "watering_can",
		WaterPerUse: 0.35,
		BuildTool:   "hammer",
		BuildPerUse: 1,
		RevertTool:  "crowbar",
		DispelTool:  "dispel_charm",
	}
}

// Tier buckets a score. Rules with no tiers put everything in TierNormal.
func (r Rules) Tier(score float64) TierRule {
	if len(r.QualityTiers) == 0 {
		return TierRule{Tier: TierNormal, YieldMultiplier: 1}
	}
	tiers := append([]TierRule(nil), r.QualityTiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinScore < tiers[j].MinScore })
	out := tiers[0]
	for _, t := range tiers {
		if score >= t.MinScore {
			out = t
		}
	}
	return out
}

func (r Rules) clampFactor(f float64) float64 {
	lo, hi := r.FactorMin, r.FactorMax
	if lo <= 0 {
		lo = 0.5
	}
	if hi < lo {
		hi = lo
	}
	return clamp(f, lo, hi)
}

// CropDef describes one crop type.
type CropDef struct {
	ID string `json:"id"`
	// Base duration of each growth stage before Harvestable, in seconds.
	StageSeconds []float64 `json:"stage_seconds"`

	Seasons          []Season `json:"seasons,omitempty"`
	PreferredSeasons []Season `json:"preferred_seasons,omitempty"`
	OptimalTemp      float64  `json:"optimal_temp"`
	TempTolerance    float64  `json:"temp_tolerance"`

	InitialWater     float64 `json:"initial_water"`
	MinWater         float64 `json:"min_water"`
	IdealWater       float64 `json:"ideal_water"`
	WaterDecayPerSec float64 `json:"water_decay_per_sec"`
	RainAbsorbPerSec float64 `json:"rain_absorb_per_sec"`

	// How long a harvestable crop waits before it withers.
	RipeWindowSeconds float64 `json:"ripe_window_seconds"`

	YieldItem string `json:"yield_item"`
	YieldMin  int    `json:"yield_min"`
	YieldMax  int    `json:"yield_max"`

	// Tile id per stage (index = stage, len 7); -1 leaves the tile alone.
	StageTiles []int `json:"stage_tiles,omitempty"`
}

// EffectDef describes one temporary effect category.
type EffectDef struct {
	Category        string  `json:"category"`
	DurationSeconds float64 `json:"duration_seconds"`
	Intensity       float64 `json:"intensity"`
	Curve           string  `json:"curve"`
	Fade            bool    `json:"fade"`
	TileOverride    *int    `json:"tile_override,omitempty"`
	Tint            *uint32 `json:"tint,omitempty"`
	Collision       *int    `json:"collision,omitempty"`
	Persistence     string  `json:"persistence,omitempty"`
}

// ConstructionDef describes a multi-stage build.
type ConstructionDef struct {
	ID            string   `json:"id"`
	StageTiles    []int    `json:"stage_tiles"`
	Collision     *int     `json:"collision,omitempty"`
	Revertible    bool     `json:"revertible"`
	RequiredItems []string `json:"required_items,omitempty"`
	RequiredFlags []string `json:"required_flags,omitempty"`
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
