package patch

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// CropStage is the state of a growth patch.
type CropStage int

const (
	StageSeeded CropStage = iota
	StageSprouting
	StageVegetative
	StageBudding
	StageRipening
	StageHarvestable
	StageWithered
)

// growthStages is the number of timed stages before Harvestable.
const growthStages = int(StageHarvestable)

func (s CropStage) String() string {
	switch s {
	case StageSeeded:
		return "seeded"
	case StageSprouting:
		return "sprouting"
	case StageVegetative:
		return "vegetative"
	case StageBudding:
		return "budding"
	case StageRipening:
		return "ripening"
	case StageHarvestable:
		return "harvestable"
	case StageWithered:
		return "withered"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Crop is a growth-state patch.
type Crop struct {
	Base

	cropType string
	def      *CropDef

	water     float64
	quality   float64
	samples   int
	tier      QualityTier
	seasonMod float64
	tempMod   float64

	stageStarted time.Time
	ripeAt       time.Time
}

func NewCrop() *Crop {
	c := &Crop{}
	c.bind(c)
	return c
}

func (*Crop) Kind() Kind { return KindCrop }

func (*Crop) defaults() (Persistence, Priority) { return PersistSave, PriorityNormal }

func (c *Crop) CropType() string  { return c.cropType }
func (c *Crop) Water() float64    { return c.water }
func (c *Crop) Quality() float64  { return c.quality }
func (c *Crop) Tier() QualityTier { return c.tier }
func (c *Crop) Stage() CropStage  { return CropStage(c.state) }

// Modifiers returns the environment-derived season and temperature factors.
func (c *Crop) Modifiers() (season, temperature float64) { return c.seasonMod, c.tempMod }

// Plant assigns the crop type and starts the first stage.
func (c *Crop) Plant(cropType string) error {
	if c.env == nil || c.env.Defs == nil {
		return fmt.Errorf("plant %s: %w", cropType, ErrUnknownDef)
	}
	def, ok := c.env.Defs.Crop(cropType)
	if !ok {
		return fmt.Errorf("plant %s: %w", cropType, ErrUnknownDef)
	}
	c.cropType = cropType
	c.def = &def
	c.water = clamp(def.InitialWater, 0, 1)
	c.stageStarted = c.now()
	c.refreshModifiers()
	c.scheduleNext()
	c.applyStageTile()
	c.dirty = true
	return nil
}

// SetWater overrides the water level (clamped to [0,1]).
func (c *Crop) SetWater(w float64) {
	c.water = clamp(w, 0, 1)
	c.dirty = true
}

func (c *Crop) validState(s int) bool {
	return s >= int(StageSeeded) && s <= int(StageWithered)
}

func (c *Crop) canTransition(from, to int) bool {
	switch CropStage(from) {
	case StageWithered:
		return false
	case StageHarvestable:
		return CropStage(to) == StageWithered
	}
	return to == from+1 || CropStage(to) == StageWithered
}

func (c *Crop) onStateChanged(from, to int) {
	now := c.now()
	c.stageStarted = now
	if CropStage(to) == StageHarvestable {
		c.ripeAt = now
	}
	c.sampleQuality(1)
	c.scheduleNext()
	c.applyStageTile()
}

func (c *Crop) resetVariant() {
	*c = Crop{Base: c.Base}
}

// Update advances water and, when the stage timer has run out, the stage.
func (c *Crop) Update(dt time.Duration) {
	if c.def == nil || c.destroyed || c.Stage() == StageWithered {
		return
	}
	now := c.now()
	if dt > 0 {
		sec := dt.Seconds()
		prev := c.water
		c.water -= c.def.WaterDecayPerSec * sec
		if c.env.Climate != nil {
			c.water += c.env.Climate.WaterAvailability(c.coord) * c.def.RainAbsorbPerSec * sec
		}
		c.water = clamp(c.water, 0, 1)
		if c.water != prev {
			c.dirty = true
		}
	}
	c.refreshModifiers()

	if c.Stage() == StageHarvestable {
		window := secondsToDuration(c.def.RipeWindowSeconds)
		if window > 0 && !now.Before(c.ripeAt.Add(window)) {
			c.ChangeState(int(StageWithered), true)
		}
		return
	}

	c.scheduleNext()
	if c.shouldTransition() && !now.Before(c.nextTransition) {
		c.ChangeState(int(c.nextStage()), true)
	}
}

func (c *Crop) shouldTransition() bool {
	return c.Stage() < StageHarvestable && !c.nextTransition.IsZero()
}

// nextStage checks the wither conditions before normal advancement.
func (c *Crop) nextStage() CropStage {
	if c.water < c.def.MinWater || !c.seasonOK() || !c.temperatureOK() {
		return StageWithered
	}
	return c.Stage() + 1
}

// StageDuration is the current stage's base duration divided by the composite modifier.
func (c *Crop) StageDuration() time.Duration {
	if c.def == nil {
		return 0
	}
	stage := int(c.Stage())
	if stage >= growthStages || stage >= len(c.def.StageSeconds) {
		return 0
	}
	base := c.def.StageSeconds[stage]
	mod := c.compositeModifier()
	if mod <= 0 {
		return 0
	}
	return secondsToDuration(base / mod)
}

func (c *Crop) compositeModifier() float64 {
	r := c.rules()
	waterFactor := r.clampFactor(0.5 + c.water)
	return waterFactor * c.seasonMod * c.tempMod
}

func (c *Crop) scheduleNext() {
	switch c.Stage() {
	case StageWithered:
		c.nextTransition = time.Time{}
		return
	case StageHarvestable:
		c.nextTransition = time.Time{}
		if c.def != nil {
			if window := secondsToDuration(c.def.RipeWindowSeconds); window > 0 {
				c.nextTransition = c.ripeAt.Add(window)
			}
		}
		return
	}
	d := c.StageDuration()
	if d <= 0 {
		c.nextTransition = time.Time{}
		return
	}
	c.nextTransition = c.stageStarted.Add(d)
}

func (c *Crop) refreshModifiers() {
	r := c.rules()
	if c.def == nil {
		c.seasonMod, c.tempMod = 1, 1
		return
	}
	c.seasonMod = r.clampFactor(c.seasonFactor())
	c.tempMod = r.clampFactor(c.temperatureFactor())
}

func (c *Crop) season() Season {
	if c.env == nil || c.env.Climate == nil {
		return ""
	}
	return c.env.Climate.Season()
}

func (c *Crop) temperature() float64 {
	if c.env == nil || c.env.Climate == nil {
		return c.def.OptimalTemp
	}
	return c.env.Climate.Temperature(c.coord)
}

func (c *Crop) seasonOK() bool {
	if len(c.def.Seasons) == 0 {
		return true
	}
	return containsSeason(c.def.Seasons, c.season())
}

func (c *Crop) temperatureOK() bool {
	if c.def.TempTolerance <= 0 {
		return true
	}
	return math.Abs(c.temperature()-c.def.OptimalTemp) <= c.def.TempTolerance
}

func (c *Crop) seasonFactor() float64 {
	s := c.season()
	switch {
	case containsSeason(c.def.PreferredSeasons, s):
		return 1.1
	case c.seasonOK():
		return 1.0
	}
	return 0.5
}

func (c *Crop) temperatureFactor() float64 {
	if c.def.TempTolerance <= 0 {
		return 1
	}
	dist := math.Abs(c.temperature()-c.def.OptimalTemp) / c.def.TempTolerance
	return 1.2 - 0.7*dist
}

// sampleQuality folds one weighted sample into the running quality score.
func (c *Crop) sampleQuality(timing float64) {
	if c.def == nil {
		return
	}
	r := c.rules()
	w := r.QualityWeights
	total := w.Water + w.Temperature + w.Season + w.Timing
	if total <= 0 {
		return
	}
	waterScore := 1.0
	if c.def.IdealWater > 0 {
		waterScore = clamp(c.water/c.def.IdealWater, 0, 1)
	}
	tempScore := 1.0
	if c.def.TempTolerance > 0 {
		tempScore = clamp(1-math.Abs(c.temperature()-c.def.OptimalTemp)/c.def.TempTolerance, 0, 1)
	}
	seasonScore := 0.0
	switch {
	case containsSeason(c.def.PreferredSeasons, c.season()):
		seasonScore = 1
	case c.seasonOK():
		seasonScore = 0.5
	}
	sample := (w.Water*waterScore + w.Temperature*tempScore + w.Season*seasonScore + w.Timing*clamp(timing, 0, 1)) / total

	c.quality = (c.quality*float64(c.samples) + sample) / float64(c.samples+1)
	c.samples++
	c.tier = r.Tier(c.quality).Tier
}

// timingScore is 1 right at ripeness and falls linearly to 0 at the end of the ripe window.
func (c *Crop) timingScore(now time.Time) float64 {
	window := secondsToDuration(c.def.RipeWindowSeconds)
	if window <= 0 || c.ripeAt.IsZero() {
		return 1
	}
	late := now.Sub(c.ripeAt)
	return clamp(1-float64(late)/float64(window), 0, 1)
}

// WaterBy raises the water level, as one use of a watering tool does.
func (c *Crop) WaterBy(amount float64) bool {
	if c.def == nil || c.Stage() == StageWithered || amount <= 0 {
		return false
	}
	c.water = clamp(c.water+amount, 0, 1)
	c.dirty = true
	c.notify(Notification{Type: NoteWatered, From: c.state, To: c.state})
	return true
}

// Harvest is only legal from Harvestable and always destroys the patch.
func (c *Crop) Harvest(a Actor) (int, bool) {
	if c.def == nil || c.Stage() != StageHarvestable || c.destroyed {
		return 0, false
	}
	c.sampleQuality(c.timingScore(c.now()))
	tier := c.rules().Tier(c.quality)

	lo, hi := c.def.YieldMin, c.def.YieldMax
	if hi < lo {
		hi = lo
	}
	rng := rand.New(rand.NewSource(int64(c.id)))
	base := lo
	if hi > lo {
		base += rng.Intn(hi - lo + 1)
	}
	qty := int(math.Round(float64(base) * tier.YieldMultiplier))
	if qty < 1 {
		qty = 1
	}
	actorID := ""
	if a != nil {
		a.Grant(c.def.YieldItem, qty)
		actorID = a.ActorID()
	}
	c.notify(Notification{Type: NoteHarvested, From: c.state, To: c.state, Item: c.def.YieldItem, Quantity: qty, Actor: actorID})
	c.Destroy()
	return qty, true
}

func (c *Crop) OnInteract(a Actor) bool {
	if a == nil || c.def == nil {
		return false
	}
	r := c.rules()
	switch {
	case c.Stage() == StageWithered:
		c.Destroy()
		return true
	case a.Tool() == r.WaterTool:
		return c.WaterBy(r.WaterPerUse)
	case c.Stage() == StageHarvestable:
		_, ok := c.Harvest(a)
		return ok
	}
	return false
}

func (c *Crop) applyStageTile() {
	if c.def == nil {
		return
	}
	stage := int(c.Stage())
	if stage < len(c.def.StageTiles) && c.def.StageTiles[stage] >= 0 {
		c.SetTileOverride(c.def.StageTiles[stage])
	}
}

type cropBlob struct {
	Base         baseState   `json:"base"`
	CropType     string      `json:"crop_type"`
	Water        float64     `json:"water"`
	Quality      float64     `json:"quality"`
	Samples      int         `json:"samples"`
	Tier         QualityTier `json:"tier"`
	SeasonMod    float64     `json:"season_mod"`
	TempMod      float64     `json:"temp_mod"`
	StageStarted time.Time   `json:"stage_started"`
	RipeAt       time.Time   `json:"ripe_at"`
}

func (c *Crop) Serialize() ([]byte, error) {
	return json.Marshal(cropBlob{
		Base:         c.exportState(),
		CropType:     c.cropType,
		Water:        c.water,
		Quality:      c.quality,
		Samples:      c.samples,
		Tier:         c.tier,
		SeasonMod:    c.seasonMod,
		TempMod:      c.tempMod,
		StageStarted: c.stageStarted,
		RipeAt:       c.ripeAt,
	})
}

func (c *Crop) Deserialize(b []byte) error {
	var blob cropBlob
	if err := json.Unmarshal(b, &blob); err != nil {
		return fmt.Errorf("crop blob: %w", err)
	}
	if err := c.importState(blob.Base); err != nil {
		return err
	}
	c.cropType = blob.CropType
	c.def = nil
	if blob.CropType != "" {
		if c.env == nil || c.env.Defs == nil {
			return fmt.Errorf("crop %s: %w", blob.CropType, ErrUnknownDef)
		}
		def, ok := c.env.Defs.Crop(blob.CropType)
		if !ok {
			return fmt.Errorf("crop %s: %w", blob.CropType, ErrUnknownDef)
		}
		c.def = &def
	}
	c.water = blob.Water
	c.quality = blob.Quality
	c.samples = blob.Samples
	c.tier = blob.Tier
	c.seasonMod = blob.SeasonMod
	c.tempMod = blob.TempMod
	c.stageStarted = blob.StageStarted
	c.ripeAt = blob.RipeAt
	return nil
}

func containsSeason(list []Season, s Season) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func secondsToDuration(sec float64) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}
