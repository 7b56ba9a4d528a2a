package patch

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Curve maps progress in [0,1] to an intensity factor.
type Curve string

const (
	CurveConstant Curve = "constant"
	CurveLinear   Curve = "linear"
	CurveEaseOut  Curve = "ease_out"
	CurveEaseIn   Curve = "ease_in"
	CurveBell     Curve = "bell"
	CurvePulse    Curve = "pulse"
)

func (c Curve) Valid() bool {
	switch c {
	case CurveConstant, CurveLinear, CurveEaseOut, CurveEaseIn, CurveBell, CurvePulse:
		return true
	}
	return false
}

// Eval returns the curve value at progress p. Unknown curves are constant.
func (c Curve) Eval(p float64) float64 {
	p = clamp(p, 0, 1)
	switch c {
	case CurveLinear:
		return 1 - p
	case CurveEaseOut:
		return 1 - p*p
	case CurveEaseIn:
		return (1 - p) * (1 - p)
	case CurveBell:
		return math.Sin(math.Pi * p)
	case CurvePulse:
		return (1 - p) * (0.75 + 0.25*math.Cos(8*math.Pi*p))
	}
	return 1
}

// maxEffectState bounds the discretized intensity (intensity 10 -> state 100).
const maxEffectState = 100

// Effect is a time-bounded patch that expires on its own.
type Effect struct {
	Base

	category      string
	duration      time.Duration
	baseIntensity float64
	curve         Curve
	fade          bool

	started   time.Time
	intensity float64
}

func NewEffect() *Effect {
	e := &Effect{}
	e.bind(e)
	return e
}

func (*Effect) Kind() Kind { return KindEffect }

func (*Effect) defaults() (Persistence, Priority) { return PersistSession, PriorityHigh }

func (e *Effect) Category() string        { return e.category }
func (e *Effect) Duration() time.Duration { return e.duration }
func (e *Effect) BaseIntensity() float64  { return e.baseIntensity }
func (e *Effect) Intensity() float64      { return e.intensity }
func (e *Effect) Curve() Curve            { return e.curve }
func (e *Effect) Fade() bool              { return e.fade }

// EffectSpec configures an effect directly, without a catalog entry.
type EffectSpec struct {
	Category  string
	Duration  time.Duration
	Intensity float64
	Curve     Curve
	Fade      bool
}

// Start begins the effect clock at the current time.
func (e *Effect) Start(spec EffectSpec) error {
	if spec.Duration <= 0 {
		return fmt.Errorf("effect %s: duration must be positive", spec.Category)
	}
	if spec.Curve == "" {
		spec.Curve = CurveConstant
	}
	if !spec.Curve.Valid() {
		return fmt.Errorf("effect %s: unknown curve %q", spec.Category, spec.Curve)
	}
	e.category = spec.Category
	e.duration = spec.Duration
	e.baseIntensity = clamp(spec.Intensity, 0, 10)
	e.curve = spec.Curve
	e.fade = spec.Fade
	e.started = e.now()
	e.nextTransition = e.started.Add(e.duration)
	e.dirty = true
	e.evaluate()
	return nil
}

// StartCategory starts the effect from its catalog definition and applies its visuals.
func (e *Effect) StartCategory(category string) error {
	if e.env == nil || e.env.Defs == nil {
		return fmt.Errorf("effect %s: %w", category, ErrUnknownDef)
	}
	def, ok := e.env.Defs.Effect(category)
	if !ok {
		return fmt.Errorf("effect %s: %w", category, ErrUnknownDef)
	}
	if def.TileOverride != nil {
		e.SetTileOverride(*def.TileOverride)
	}
	if def.Tint != nil {
		e.SetTint(*def.Tint)
	}
	if def.Collision != nil {
		e.SetCollisionOverride(*def.Collision)
	}
	if p, ok := ParsePersistence(def.Persistence); ok {
		e.SetPersistence(p)
	}
	return e.Start(EffectSpec{
		Category:  def.Category,
		Duration:  secondsToDuration(def.DurationSeconds),
		Intensity: def.Intensity,
		Curve:     Curve(def.Curve),
		Fade:      def.Fade,
	})
}

func (e *Effect) validState(s int) bool { return s >= 0 && s <= maxEffectState }

func (e *Effect) canTransition(from, to int) bool { return true }

func (e *Effect) onStateChanged(from, to int) {}

func (e *Effect) resetVariant() {
	*e = Effect{Base: e.Base}
}

// Elapsed is the time since Start.
func (e *Effect) Elapsed() time.Duration {
	if e.started.IsZero() {
		return 0
	}
	return e.now().Sub(e.started)
}

// Expired reports whether the effect has outlived its duration.
func (e *Effect) Expired() bool {
	return e.duration > 0 && !e.destroyed && e.Elapsed() >= e.duration
}

// Update re-evaluates intensity and destroys the patch once elapsed >= duration.
func (e *Effect) Update(dt time.Duration) {
	if e.destroyed || e.duration <= 0 {
		return
	}
	if e.Expired() {
		e.Destroy()
		return
	}
	e.evaluate()
}

func (e *Effect) evaluate() {
	intensity := e.baseIntensity
	if e.fade {
		p := float64(e.Elapsed()) / float64(e.duration)
		intensity = e.baseIntensity * e.curve.Eval(p)
	}
	e.intensity = intensity
	s := int(math.Round(intensity * 10))
	if s != e.state {
		e.ChangeState(s, true)
	}
}

func (e *Effect) OnInteract(a Actor) bool {
	if a == nil || e.destroyed {
		return false
	}
	if tool := e.rules().DispelTool; tool != "" && a.Tool() == tool {
		e.Destroy()
		return true
	}
	return false
}

type effectBlob struct {
	Base          baseState `json:"base"`
	Category      string    `json:"category"`
	DurationNS    int64     `json:"duration_ns"`
	BaseIntensity float64   `json:"base_intensity"`
	Curve         Curve     `json:"curve"`
	Fade          bool      `json:"fade"`
	Started       time.Time `json:"started"`
	Intensity     float64   `json:"intensity"`
}

func (e *Effect) Serialize() ([]byte, error) {
	return json.Marshal(effectBlob{
		Base:          e.exportState(),
		Category:      e.category,
		DurationNS:    int64(e.duration),
		BaseIntensity: e.baseIntensity,
		Curve:         e.curve,
		Fade:          e.fade,
		Started:       e.started,
		Intensity:     e.intensity,
	})
}

func (e *Effect) Deserialize(b []byte) error {
	var blob effectBlob
	if err := json.Unmarshal(b, &blob); err != nil {
		return fmt.Errorf("effect blob: %w", err)
	}
	if blob.Curve != "" && !blob.Curve.Valid() {
		return fmt.Errorf("effect blob: unknown curve %q", blob.Curve)
	}
	if err := e.importState(blob.Base); err != nil {
		return err
	}
	e.category = blob.Category
	e.duration = time.Duration(blob.DurationNS)
	e.baseIntensity = blob.BaseIntensity
	e.curve = blob.Curve
	e.fade = blob.Fade
	e.started = blob.Started
	e.intensity = blob.Intensity
	return nil
}
