package climate

import (
	"math"
	"time"

	"tilepatch.ai/internal/sim/patch"
)

// Order is the fixed season cycle.
var Order = []patch.Season{patch.Spring, patch.Summer, patch.Autumn, patch.Winter}

type Config struct {
	// Epoch is day 0, 00:00 of the first spring.
	Epoch      time.Time
	DayLength  time.Duration
	SeasonDays int

	// BaseTemp is the mean temperature per season; DailySwing is the
	// half-amplitude of the day/night cycle around it.
	BaseTemp   map[patch.Season]float64
	DailySwing float64

	// DryWater is the water availability outside of rain.
	DryWater float64
	// UndergroundFrom is the first layer that never sees rain.
	UndergroundFrom int
}

func (c *Config) applyDefaults() {
	if c.DayLength <= 0 {
		c.DayLength = 20 * time.Minute
	}
	if c.SeasonDays <= 0 {
		c.SeasonDays = 7
	}
	if c.BaseTemp == nil {
		c.BaseTemp = map[patch.Season]float64{
			patch.Spring: 14,
			patch.Summer: 24,
			patch.Autumn: 12,
			patch.Winter: 0,
		}
	}
	if c.DailySwing < 0 {
		c.DailySwing = 0
	}
	if c.DryWater < 0 || c.DryWater > 1 {
		c.DryWater = 0
	}
}

// Clock derives season, temperature and water availability from an injected
// time source. Weather is set by the host.
type Clock struct {
	cfg Config
	now patch.Clock

	weather      string
	weatherUntil time.Time
}

func New(now patch.Clock, cfg Config) *Clock {
	cfg.applyDefaults()
	if cfg.Epoch.IsZero() && now != nil {
		cfg.Epoch = now.Now()
	}
	return &Clock{cfg: cfg, now: now, weather: "CLEAR"}
}

func (c *Clock) current() time.Time {
	if c.now == nil {
		return c.cfg.Epoch
	}
	return c.now.Now()
}

// Day is the zero-based day index since the epoch.
func (c *Clock) Day() int {
	d := c.current().Sub(c.cfg.Epoch)
	if d < 0 {
		return 0
	}
	return int(d / c.cfg.DayLength)
}

// TimeOfDay is the fraction of the current day in [0,1).
func (c *Clock) TimeOfDay() float64 {
	d := c.current().Sub(c.cfg.Epoch)
	if d < 0 {
		return 0
	}
	return float64(d%c.cfg.DayLength) / float64(c.cfg.DayLength)
}

func (c *Clock) Season() patch.Season {
	idx := (c.Day() / c.cfg.SeasonDays) % len(Order)
	return Order[idx]
}

// Temperature peaks mid-afternoon and bottoms out before dawn.
func (c *Clock) Temperature(at patch.Coord) float64 {
	base := c.cfg.BaseTemp[c.Season()]
	phase := 2 * math.Pi * (c.TimeOfDay() - 0.375)
	return base + c.cfg.DailySwing*math.Sin(phase)
}

func (c *Clock) WaterAvailability(at patch.Coord) float64 {
	if c.cfg.UndergroundFrom > 0 && at.Layer >= c.cfg.UndergroundFrom {
		return 0
	}
	if c.Weather() == "RAIN" {
		return 1
	}
	return c.cfg.DryWater
}

// SetWeather installs a weather condition until the given time. A zero until
// keeps it until replaced.
func (c *Clock) SetWeather(weather string, until time.Time) {
	if weather == "" {
		weather = "CLEAR"
	}
	c.weather = weather
	c.weatherUntil = until
}

func (c *Clock) Weather() string {
	if !c.weatherUntil.IsZero() && !c.current().Before(c.weatherUntil) {
		return "CLEAR"
	}
	return c.weather
}
