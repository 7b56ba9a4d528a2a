// Package world hosts one map's patches: it owns the registry, the static tile
// store, the climate clock and the persistence manager, and mutates them only
// from its loop goroutine.
package world

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tilepatch.ai/internal/persistence/savestate"
	"tilepatch.ai/internal/sim/climate"
	"tilepatch.ai/internal/sim/patch"
	"tilepatch.ai/internal/sim/registry"
	"tilepatch.ai/internal/sim/tilemap"
	"tilepatch.ai/internal/sim/tuning"
)

// EventSink receives registry events for the active map. The journal and the
// SQLite index implement it.
type EventSink interface {
	Attach(reg *registry.Registry, mapID func() string) (cancel func())
}

// SaveSink receives every persistence outcome.
type SaveSink interface {
	RecordSave(r savestate.SaveResult)
}

type Config struct {
	MapID   string
	DataDir string

	Tuning tuning.Tuning
	Defs   patch.Defs
	// CatalogDigest is stamped into every snapshot header.
	CatalogDigest string
	SessionID     string

	// Terrain fills every map with one static tile until a renderer supplies
	// its own.
	Terrain tilemap.Terrain

	Clock  patch.Clock
	Logger *log.Logger

	Index savestate.Index
	Sinks []EventSink
	Saves []SaveSink

	// RequestBuffer sizes the request channel.
	RequestBuffer int
}

func (c *Config) applyDefaults() {
	if c.Tuning.TickMs <= 0 {
		c.Tuning = tuning.Defaults()
	}
	if c.Clock == nil {
		c.Clock = patch.ClockFunc(time.Now)
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.RequestBuffer <= 0 {
		c.RequestBuffer = 256
	}
}

// World is single-threaded: every field below is owned by the goroutine that
// runs Run (or calls StepOnce/Do in tests).
type World struct {
	cfg   Config
	log   *log.Logger
	clock patch.Clock

	tiles   *tilemap.Store
	climate *climate.Clock
	reg     *registry.Registry
	saves   *savestate.Manager

	requests chan Request
	stop     chan struct{}
	stopOnce sync.Once

	tick     atomic.Uint64
	metrics  atomic.Value
	lastLoad savestate.LoadResult
	cancels  []func()
}

// New builds the world and loads cfg.MapID. A corrupt save leaves the map
// active and empty; unforced saves are refused until it is repaired.
func New(cfg Config) (*World, error) {
	cfg.applyDefaults()
	t := cfg.Tuning

	tiles := tilemap.New()
	tiles.Fill(cfg.Terrain)

	cl := climate.New(cfg.Clock, climateConfig(t))
	env := &patch.Env{
		Clock:   cfg.Clock,
		Climate: cl,
		Tiles:   tiles,
		Defs:    cfg.Defs,
		Rules:   t.Rules(),
	}
	reg := registry.New(env, tiles, registry.Config{
		UpdateBudget:       t.UpdateBudget,
		HighOffset:         time.Duration(t.PriorityOffsetsMs.High) * time.Millisecond,
		NormalOffset:       time.Duration(t.PriorityOffsetsMs.Normal) * time.Millisecond,
		LowOffset:          time.Duration(t.PriorityOffsetsMs.Low) * time.Millisecond,
		PoolMaxFreePerKind: t.PoolMaxFreePerKind,
	})
	saves := savestate.New(reg, savestate.Config{
		DataDir:       cfg.DataDir,
		MaxDeltas:     t.Persistence.MaxDeltas,
		MaxBackups:    t.Persistence.MaxBackups,
		SessionID:     cfg.SessionID,
		CatalogDigest: cfg.CatalogDigest,
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
		Index:         cfg.Index,
	})

	w := &World{
		cfg:      cfg,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		tiles:    tiles,
		climate:  cl,
		reg:      reg,
		saves:    saves,
		requests: make(chan Request, cfg.RequestBuffer),
		stop:     make(chan struct{}),
	}
	for _, s := range cfg.Saves {
		saves.OnResult(s.RecordSave)
	}
	for _, s := range cfg.Sinks {
		w.cancels = append(w.cancels, s.Attach(reg, saves.ActiveMap))
	}

	res, err := saves.SetActiveMap(context.Background(), cfg.MapID)
	w.lastLoad = res
	switch {
	case errors.Is(err, savestate.ErrInvalidMapID):
		w.Close()
		return nil, err
	case err != nil:
		w.log.Printf("map %s: %v (repair required before saving)", cfg.MapID, err)
	}
	w.publishMetrics(0, registry.TickStats{})
	return w, nil
}

func climateConfig(t tuning.Tuning) climate.Config {
	c := climate.Config{
		DayLength:       t.DayLength(),
		SeasonDays:      t.Climate.SeasonDays,
		DailySwing:      t.Climate.DailySwing,
		DryWater:        t.Climate.DryWater,
		UndergroundFrom: t.Climate.Underground,
	}
	if len(t.Climate.BaseTemp) > 0 {
		c.BaseTemp = map[patch.Season]float64{}
		for s, v := range t.Climate.BaseTemp {
			c.BaseTemp[patch.Season(s)] = v
		}
	}
	return c
}

// Close detaches sinks and the persistence manager. It does not save; Run
// does that on the way out.
func (w *World) Close() {
	for _, cancel := range w.cancels {
		cancel()
	}
	w.cancels = nil
	w.saves.Close()
}

// MapID is safe to call from any goroutine.
func (w *World) MapID() string { return w.Metrics().MapID }

func (w *World) SessionID() string              { return w.saves.SessionID() }
func (w *World) CurrentTick() uint64            { return w.tick.Load() }
func (w *World) LastLoad() savestate.LoadResult { return w.lastLoad }
func (w *World) Tuning() tuning.Tuning          { return w.cfg.Tuning }

// Registry, Tiles, Climate and Saves are for same-goroutine callers only.
func (w *World) Registry() *registry.Registry { return w.reg }
func (w *World) Tiles() *tilemap.Store        { return w.tiles }
func (w *World) Climate() *climate.Clock      { return w.climate }
func (w *World) Saves() *savestate.Manager    { return w.saves }
