package world

import (
	"time"

	"tilepatch.ai/internal/persistence/savestate"
	"tilepatch.ai/internal/sim/registry"
)

// Metrics is a thread-safe read-only view of the world runtime.
// It is updated from the world loop goroutine and read from HTTP handlers/tests.
type Metrics struct {
	Tick      uint64 `json:"tick"`
	MapID     string `json:"map_id"`
	SessionID string `json:"session_id"`

	Patches int            `json:"patches"`
	ByKind  map[string]int `json:"by_kind"`

	QueueDepths QueueDepths `json:"queue_depths"`
	LastTick    TickMetrics `json:"last_tick"`
	StepMS      float64     `json:"step_ms"`

	Added    uint64 `json:"added_total"`
	Removed  uint64 `json:"removed_total"`
	Updates  uint64 `json:"updates_total"`
	Restored uint64 `json:"restored_total"`

	Pool PoolMetrics `json:"pool"`
	Save SaveMetrics `json:"save"`

	Season           string `json:"season"`
	Day              int    `json:"day"`
	Weather          string `json:"weather"`
	PendingRefreshes int    `json:"pending_refreshes"`
}

type QueueDepths struct {
	Requests  int `json:"requests"`
	Immediate int `json:"immediate"`
	Timed     int `json:"timed"`
}

type TickMetrics struct {
	Immediate int  `json:"immediate"`
	Timed     int  `json:"timed"`
	Removed   int  `json:"removed"`
	Backlog   int  `json:"backlog"`
	Behind    bool `json:"behind"`
}

type PoolMetrics struct {
	Allocated uint64         `json:"allocated"`
	Reused    uint64         `json:"reused"`
	Released  uint64         `json:"released"`
	Dropped   uint64         `json:"dropped"`
	Free      map[string]int `json:"free"`
}

type SaveMetrics struct {
	HasBase       bool   `json:"has_base"`
	BaseTimestamp int64  `json:"base_timestamp"`
	Deltas        int    `json:"deltas"`
	Corrupt       bool   `json:"corrupt"`
	Persisted     int    `json:"persisted"`
	LastOp        string `json:"last_op,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

func (w *World) Metrics() Metrics {
	if w == nil {
		return Metrics{}
	}
	m, _ := w.metrics.Load().(Metrics)
	return m
}

func (w *World) publishMetrics(step time.Duration, ts registry.TickStats) {
	rs := w.reg.Stats()
	st := w.saves.Status()
	m := Metrics{
		Tick:      w.tick.Load(),
		MapID:     st.ActiveMap,
		SessionID: st.SessionID,
		Patches:   rs.Patches,
		ByKind:    make(map[string]int, len(rs.ByKind)),
		QueueDepths: QueueDepths{
			Requests:  len(w.requests),
			Immediate: rs.Immediate,
			Timed:     rs.Timed,
		},
		LastTick: TickMetrics{Immediate: ts.Immediate, Timed: ts.Timed, Removed: ts.Removed, Backlog: ts.Backlog, Behind: ts.Behind},
		StepMS:   float64(step.Microseconds()) / 1000,
		Added:    rs.Added,
		Removed:  rs.Removed,
		Updates:  rs.Updates,
		Restored: rs.Restored,
		Pool: PoolMetrics{
			Allocated: rs.Pool.Allocated,
			Reused:    rs.Pool.Reused,
			Released:  rs.Pool.Released,
			Dropped:   rs.Pool.Dropped,
			Free:      make(map[string]int, len(rs.Pool.Free)),
		},
		Save:             saveMetrics(st),
		Season:           string(w.climate.Season()),
		Day:              w.climate.Day(),
		Weather:          w.climate.Weather(),
		PendingRefreshes: w.tiles.Pending(),
	}
	for k, n := range rs.ByKind {
		m.ByKind[string(k)] = n
	}
	for k, n := range rs.Pool.Free {
		m.Pool.Free[string(k)] = n
	}
	w.metrics.Store(m)
}

func saveMetrics(st savestate.Status) SaveMetrics {
	s := SaveMetrics{
		HasBase:       st.HasBase,
		BaseTimestamp: st.BaseTimestamp,
		Deltas:        st.Deltas,
		Corrupt:       st.Corrupt,
		Persisted:     st.Persisted,
		LastOp:        string(st.Last.Op),
	}
	if st.Last.Err != nil {
		s.LastError = st.Last.Err.Error()
	}
	return s
}
