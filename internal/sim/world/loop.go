package world

import (
	"context"
	"errors"
	"time"

	"tilepatch.ai/internal/persistence/savestate"
	"tilepatch.ai/internal/sim/registry"
)

// Run drives the world until ctx is cancelled or Stop is called. Requests are
// batched and applied at the start of each tick. On the way out the loop
// answers every queued request and makes an emergency save.
func (w *World) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Tuning.TickInterval())
	defer ticker.Stop()

	var pending []Request
	last := w.clock.Now()
	for {
		select {
		case <-ctx.Done():
			w.shutdown(pending)
			return ctx.Err()
		case <-w.stop:
			w.shutdown(pending)
			return nil
		case req := <-w.requests:
			pending = append(pending, req)
		case <-ticker.C:
			w.handleRequests(ctx, pending)
			pending = pending[:0]
			now := w.clock.Now()
			dt := now.Sub(last)
			last = now
			w.StepOnce(dt)
		}
	}
}

// Stop asks Run to return. It is safe to call more than once.
func (w *World) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *World) handleRequests(ctx context.Context, reqs []Request) {
	for _, req := range reqs {
		resp := w.Do(ctx, req)
		if req.Resp != nil {
			req.Resp <- resp
		}
	}
}

func (w *World) shutdown(pending []Request) {
	// Drain whatever was queued after the last tick as well.
	for drained := false; !drained; {
		select {
		case req := <-w.requests:
			pending = append(pending, req)
		default:
			drained = true
		}
	}
	w.handleRequests(context.Background(), pending)
	w.saves.EmergencySave()
	w.publishMetrics(0, registry.TickStats{})
}

// StepOnce advances the scheduler by one tick. Every AutosaveEveryTicks ticks
// the active map is saved.
func (w *World) StepOnce(dt time.Duration) registry.TickStats {
	start := time.Now()
	ts := w.reg.Tick(dt)
	n := w.tick.Add(1)
	if every := w.cfg.Tuning.AutosaveEveryTicks; every > 0 && n%uint64(every) == 0 {
		w.autosave()
	}
	w.publishMetrics(time.Since(start), ts)
	return ts
}

func (w *World) autosave() {
	res, err := w.saves.SaveCurrentState(false)
	switch {
	case err == nil:
		if res.Op != savestate.OpSkip {
			w.log.Printf("autosave %s: %s records=%d", res.MapID, res.Op, res.Records)
		}
	case errors.Is(err, savestate.ErrCorruptBase):
		// Logged by the manager; a repair is required.
	default:
		w.log.Printf("autosave: %v", err)
	}
}
