package tuning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tilepatch.ai/internal/sim/patch"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickMs             int `yaml:"tick_ms"`
	UpdateBudget       int `yaml:"update_budget"`
	AutosaveEveryTicks int `yaml:"autosave_every_ticks"`
	PoolMaxFreePerKind int `yaml:"pool_max_free_per_kind"`

	PriorityOffsetsMs PriorityOffsets `yaml:"priority_offsets_ms"`
	Persistence       Persistence     `yaml:"persistence"`
	Climate           Climate         `yaml:"climate"`
	Growth            Growth          `yaml:"growth"`
	Tools             Tools           `yaml:"tools"`
}

type PriorityOffsets struct {
	High   int `yaml:"high"`
	Normal int `yaml:"normal"`
	Low    int `yaml:"low"`
}

type Persistence struct {
	// MaxDeltas is how many delta files may accumulate before the next save is full.
	MaxDeltas   int `yaml:"max_deltas"`
	MaxBackups  int `yaml:"max_backups"`
	IndexBuffer int `yaml:"index_buffer"`
}

type Climate struct {
	DaySeconds  int                `yaml:"day_seconds"`
	SeasonDays  int                `yaml:"season_days"`
	BaseTemp    map[string]float64 `yaml:"base_temp"`
	DailySwing  float64            `yaml:"daily_swing"`
	DryWater    float64            `yaml:"dry_water"`
	Underground int                `yaml:"underground_from_layer"`
}

type Growth struct {
	HistoryCapacity int           `yaml:"history_capacity"`
	FactorMin       float64       `yaml:"factor_min"`
	FactorMax       float64       `yaml:"factor_max"`
	QualityWeights  Weights       `yaml:"quality_weights"`
	QualityTiers    []QualityTier `yaml:"quality_tiers"`
}

type Weights struct {
	Water       float64 `yaml:"water"`
	Temperature float64 `yaml:"temperature"`
	Season      float64 `yaml:"season"`
	Timing      float64 `yaml:"timing"`
}

type QualityTier struct {
	Name       string  `yaml:"name"`
	MinScore   float64 `yaml:"min_score"`
	Multiplier float64 `yaml:"yield_multiplier"`
}

type Tools struct {
	Water       string  `yaml:"water"`
	WaterPerUse float64 `yaml:"water_per_use"`
	Build       string  `yaml:"build"`
	BuildPerUse float64 `yaml:"build_per_use"`
	Revert      string  `yaml:"revert"`
	Dispel      string  `yaml:"dispel"`
}

// Defaults mirrors configs/tuning.yaml so a missing file still runs.
func Defaults() Tuning {
	r := patch.DefaultRules()
	t := Tuning{
		ProtocolVersion:    "1.0",
		TickMs:             100,
		UpdateBudget:       10,
		AutosaveEveryTicks: 3000,
		PoolMaxFreePerKind: 1024,
		PriorityOffsetsMs:  PriorityOffsets{High: 100, Normal: 1000, Low: 5000},
		Persistence:        Persistence{MaxDeltas: 5, MaxBackups: 3, IndexBuffer: 64},
		Climate: Climate{
			DaySeconds: 1200,
			SeasonDays: 7,
			BaseTemp:   map[string]float64{"SPRING": 14, "SUMMER": 24, "AUTUMN": 12, "WINTER": 0},
			DailySwing: 4,
			DryWater:   0.05,
		},
		Growth: Growth{
			HistoryCapacity: r.HistoryCapacity,
			FactorMin:       r.FactorMin,
			FactorMax:       r.FactorMax,
			QualityWeights: Weights{
				Water:       r.QualityWeights.Water,
				Temperature: r.QualityWeights.Temperature,
				Season:      r.QualityWeights.Season,
				Timing:      r.QualityWeights.Timing,
			},
		},
		Tools: Tools{
			Water:       r.WaterTool,
			WaterPerUse: r.WaterPerUse,
			Build:       r.BuildTool,
			BuildPerUse: r.BuildPerUse,
			Revert:      r.RevertTool,
			Dispel:      r.DispelTool,
		},
	}
	for _, tr := range r.QualityTiers {
		t.Growth.QualityTiers = append(t.Growth.QualityTiers, QualityTier{Name: tr.Tier.String(), MinScore: tr.MinScore, Multiplier: tr.YieldMultiplier})
	}
	return t
}

// Load reads path over Defaults. Keys absent from the file keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalize fills zero values with defaults.
func (t *Tuning) Normalize() {
	d := Defaults()
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = d.ProtocolVersion
	}
	if t.TickMs <= 0 {
		t.TickMs = d.TickMs
	}
	if t.UpdateBudget <= 0 {
		t.UpdateBudget = d.UpdateBudget
	}
	if t.AutosaveEveryTicks < 0 {
		t.AutosaveEveryTicks = 0
	}
	if t.PoolMaxFreePerKind <= 0 {
		t.PoolMaxFreePerKind = d.PoolMaxFreePerKind
	}
	if t.PriorityOffsetsMs.High <= 0 {
		t.PriorityOffsetsMs.High = d.PriorityOffsetsMs.High
	}
	if t.PriorityOffsetsMs.Normal <= 0 {
		t.PriorityOffsetsMs.Normal = d.PriorityOffsetsMs.Normal
	}
	if t.PriorityOffsetsMs.Low <= 0 {
		t.PriorityOffsetsMs.Low = d.PriorityOffsetsMs.Low
	}
	if t.Persistence.MaxDeltas <= 0 {
		t.Persistence.MaxDeltas = d.Persistence.MaxDeltas
	}
	if t.Persistence.MaxBackups < 0 {
		t.Persistence.MaxBackups = 0
	}
	if t.Persistence.IndexBuffer <= 0 {
		t.Persistence.IndexBuffer = d.Persistence.IndexBuffer
	}
	if t.Climate.DaySeconds <= 0 {
		t.Climate.DaySeconds = d.Climate.DaySeconds
	}
	if t.Climate.SeasonDays <= 0 {
		t.Climate.SeasonDays = d.Climate.SeasonDays
	}
	if len(t.Climate.BaseTemp) == 0 {
		t.Climate.BaseTemp = d.Climate.BaseTemp
	}
	if t.Growth.HistoryCapacity <= 0 {
		t.Growth.HistoryCapacity = d.Growth.HistoryCapacity
	}
	if t.Growth.FactorMin <= 0 {
		t.Growth.FactorMin = d.Growth.FactorMin
	}
	if t.Growth.FactorMax <= 0 {
		t.Growth.FactorMax = d.Growth.FactorMax
	}
	if len(t.Growth.QualityTiers) == 0 {
		t.Growth.QualityTiers = d.Growth.QualityTiers
	}
	if t.Tools.WaterPerUse <= 0 {
		t.Tools.WaterPerUse = d.Tools.WaterPerUse
	}
	if t.Tools.BuildPerUse <= 0 {
		t.Tools.BuildPerUse = d.Tools.BuildPerUse
	}
}

func (t Tuning) Validate() error {
	var errs []error
	if t.Growth.FactorMin > t.Growth.FactorMax {
		errs = append(errs, fmt.Errorf("growth.factor_min %.2f > factor_max %.2f", t.Growth.FactorMin, t.Growth.FactorMax))
	}
	w := t.Growth.QualityWeights
	if w.Water < 0 || w.Temperature < 0 || w.Season < 0 || w.Timing < 0 {
		errs = append(errs, errors.New("growth.quality_weights must be non-negative"))
	}
	if w.Water+w.Temperature+w.Season+w.Timing <= 0 {
		errs = append(errs, errors.New("growth.quality_weights sum to zero"))
	}
	for _, q := range t.Growth.QualityTiers {
		if _, ok := patch.ParseQualityTier(q.Name); !ok {
			errs = append(errs, fmt.Errorf("growth.quality_tiers: unknown tier %q", q.Name))
		}
		if q.Multiplier <= 0 {
			errs = append(errs, fmt.Errorf("growth.quality_tiers %s: yield_multiplier must be positive", q.Name))
		}
	}
	for s := range t.Climate.BaseTemp {
		switch patch.Season(s) {
		case patch.Spring, patch.Summer, patch.Autumn, patch.Winter:
		default:
			errs = append(errs, fmt.Errorf("climate.base_temp: unknown season %q", s))
		}
	}
	if t.Climate.DryWater < 0 || t.Climate.DryWater > 1 {
		errs = append(errs, fmt.Errorf("climate.dry_water %.2f outside [0,1]", t.Climate.DryWater))
	}
	return errors.Join(errs...)
}

func (t Tuning) TickInterval() time.Duration {
	return time.Duration(t.TickMs) * time.Millisecond
}

func (t Tuning) DayLength() time.Duration {
	return time.Duration(t.Climate.DaySeconds) * time.Second
}

// Digest fingerprints the effective tuning for HELLO replies and the index.
func (t Tuning) Digest() string {
	b, _ := json.Marshal(t)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Rules converts the growth and tool sections for the patch package.
func (t Tuning) Rules() patch.Rules {
	r := patch.Rules{
		HistoryCapacity: t.Growth.HistoryCapacity,
		FactorMin:       t.Growth.FactorMin,
		FactorMax:       t.Growth.FactorMax,
		QualityWeights: patch.QualityWeights{
			Water:       t.Growth.QualityWeights.Water,
			Temperature: t.Growth.QualityWeights.Temperature,
			Season:      t.Growth.QualityWeights.Season,
			Timing:      t.Growth.QualityWeights.Timing,
		},
		WaterTool:   t.Tools.Water,
		WaterPerUse: t.Tools.WaterPerUse,
		BuildTool:   t.Tools.Build,
		BuildPerUse: t.Tools.BuildPerUse,
		RevertTool:  t.Tools.Revert,
		DispelTool:  t.Tools.Dispel,
	}
	for _, q := range t.Growth.QualityTiers {
		tier, ok := patch.ParseQualityTier(q.Name)
		if !ok {
			continue
		}
		r.QualityTiers = append(r.QualityTiers, patch.TierRule{Tier: tier, MinScore: q.MinScore, YieldMultiplier: q.Multiplier})
	}
	return r
}
