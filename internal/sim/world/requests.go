package world

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tilepatch.ai/internal/persistence/savestate"
	"tilepatch.ai/internal/protocol"
	"tilepatch.ai/internal/sim/patch"
	"tilepatch.ai/internal/sim/registry"
)

type Op = string

// Request is one caller operation against the active map. Ops are the
// protocol PATCH_REQ ops.
type Request struct {
	Op    Op
	Coord patch.Coord
	Rect  patch.Rect
	Actor *Actor
	// Tool overrides the actor's held tool for this request.
	Tool string

	// Name is the crop type, effect category, construction id or map id.
	Name   string
	State  int
	Edit   *patch.ChangeSpec
	Effect *patch.EffectSpec

	// Replace allows placing over an occupied coordinate.
	Replace bool
	Force   bool

	Resp chan Response
}

type Response struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Tick    uint64 `json:"tick"`
	MapID   string `json:"map_id"`

	Patch     *protocol.PatchView  `json:"patch,omitempty"`
	Patches   []protocol.PatchView `json:"patches,omitempty"`
	Visual    *protocol.TileVisual `json:"visual,omitempty"`
	Granted   map[string]int       `json:"granted,omitempty"`
	Save      *protocol.SaveInfo   `json:"save,omitempty"`
	Load      *protocol.LoadInfo   `json:"load,omitempty"`
	Valid     *bool                `json:"valid,omitempty"`
	Refreshes []patch.Coord        `json:"refreshes,omitempty"`
	Status    *Metrics             `json:"status,omitempty"`
}

func fail(code, format string, args ...any) Response {
	return Response{Code: code, Message: fmt.Sprintf(format, args...)}
}

func success() Response { return Response{OK: true} }

// Do runs req immediately. It must be called from the goroutine that owns the
// world; other goroutines use Submit.
func (w *World) Do(ctx context.Context, req Request) Response {
	resp := w.dispatch(ctx, req)
	resp.Tick = w.tick.Load()
	resp.MapID = w.saves.ActiveMap()
	return resp
}

func (w *World) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case protocol.OpPlant:
		return w.plant(req)
	case protocol.OpEffect:
		return w.startEffect(req)
	case protocol.OpEdit:
		return w.edit(req)
	case protocol.OpConstruct:
		return w.construct(req)
	case protocol.OpInteract:
		return w.interact(req)
	case protocol.OpTransition:
		return w.transition(req)
	case protocol.OpRemove:
		return w.remove(req)
	case protocol.OpGet:
		return w.get(req)
	case protocol.OpArea:
		return w.area(req)
	case protocol.OpSave:
		return w.save(req)
	case protocol.OpValidate:
		return w.validate(req)
	case protocol.OpRepair:
		return w.repair(ctx, req)
	case protocol.OpSwitchMap:
		return w.switchMap(ctx, req)
	case protocol.OpStatus:
		w.publishMetrics(0, registry.TickStats{})
		m := w.Metrics()
		resp := success()
		resp.Status = &m
		return resp
	case protocol.OpRefreshes:
		resp := success()
		resp.Refreshes = w.tiles.DrainRefreshes()
		return resp
	}
	return fail(protocol.ErrBadRequest, "unknown op %q", req.Op)
}

// checkTarget rejects coordinates outside the static map and, unless replace
// is set, occupied ones.
func (w *World) checkTarget(c patch.Coord, replace bool) (Response, bool) {
	if w.tiles.Len() > 0 {
		if _, _, ok := w.tiles.QueryTile(c.X, c.Y, c.Layer); !ok {
			return fail(protocol.ErrInvalidTarget, "%s is outside the map", c), false
		}
	}
	if !replace && w.reg.Has(c) {
		return fail(protocol.ErrConflict, "%s is occupied", c), false
	}
	return Response{}, true
}

// placed finishes a successful placement: the new patch gets an immediate
// update so its schedule reflects the configured state.
func (w *World) placed(p patch.Patch) Response {
	w.reg.ForceUpdate(p)
	c := p.Coord()
	w.tiles.RefreshTile(c.X, c.Y, c.Layer)
	resp := success()
	v := w.view(p)
	resp.Patch = &v
	return resp
}

// abandon removes a patch whose configuration failed.
func (w *World) abandon(c patch.Coord, err error) Response {
	w.reg.Remove(c)
	if errors.Is(err, patch.ErrUnknownDef) {
		return fail(protocol.ErrInvalidTarget, "%v", err)
	}
	return fail(protocol.ErrBadRequest, "%v", err)
}

func (w *World) plant(req Request) Response {
	if req.Name == "" {
		return fail(protocol.ErrBadRequest, "plant: missing crop type")
	}
	if w.cfg.Defs == nil {
		return fail(protocol.ErrInvalidTarget, "plant %s: no crop catalog", req.Name)
	}
	if _, ok := w.cfg.Defs.Crop(req.Name); !ok {
		return fail(protocol.ErrInvalidTarget, "plant: unknown crop %q", req.Name)
	}
	if resp, ok := w.checkTarget(req.Coord, req.Replace); !ok {
		return resp
	}
	c, ok := registry.AddAs[*patch.Crop](w.reg, req.Coord)
	if !ok {
		return fail(protocol.ErrInternal, "plant: no crop instance")
	}
	if err := c.Plant(req.Name); err != nil {
		return w.abandon(req.Coord, err)
	}
	return w.placed(c)
}

func (w *World) startEffect(req Request) Response {
	if req.Name == "" && req.Effect == nil {
		return fail(protocol.ErrBadRequest, "effect: missing category or spec")
	}
	if resp, ok := w.checkTarget(req.Coord, req.Replace); !ok {
		return resp
	}
	e, ok := registry.AddAs[*patch.Effect](w.reg, req.Coord)
	if !ok {
		return fail(protocol.ErrInternal, "effect: no effect instance")
	}
	var err error
	if req.Effect != nil {
		err = e.Start(*req.Effect)
	} else {
		err = e.StartCategory(req.Name)
	}
	if err != nil {
		return w.abandon(req.Coord, err)
	}
	return w.placed(e)
}

func (w *World) edit(req Request) Response {
	if req.Edit == nil {
		return fail(protocol.ErrBadRequest, "edit: missing change")
	}
	if resp, ok := w.checkTarget(req.Coord, req.Replace); !ok {
		return resp
	}
	d, ok := registry.AddAs[*patch.Durable](w.reg, req.Coord)
	if !ok {
		return fail(protocol.ErrInternal, "edit: no durable instance")
	}
	spec := *req.Edit
	if spec.Source == "" && req.Actor != nil {
		spec.Source = req.Actor.ID
	}
	if err := d.Apply(spec); err != nil {
		return w.abandon(req.Coord, err)
	}
	return w.placed(d)
}

func (w *World) construct(req Request) Response {
	if req.Name == "" {
		return fail(protocol.ErrBadRequest, "construct: missing construction id")
	}
	if resp, ok := w.checkTarget(req.Coord, req.Replace); !ok {
		return resp
	}
	d, ok := registry.AddAs[*patch.Durable](w.reg, req.Coord)
	if !ok {
		return fail(protocol.ErrInternal, "construct: no durable instance")
	}
	source := ""
	if req.Actor != nil {
		source = req.Actor.ID
	}
	if err := d.BeginConstruction(req.Name, "construct", source); err != nil {
		return w.abandon(req.Coord, err)
	}
	return w.placed(d)
}

func (w *World) interact(req Request) Response {
	if req.Actor == nil {
		return fail(protocol.ErrBadRequest, "interact: missing actor")
	}
	var a patch.Actor = req.Actor
	if req.Tool != "" {
		a = withTool{Actor: req.Actor, tool: req.Tool}
	}
	before := req.Actor.Inventory()
	handled, err := w.reg.Interact(req.Coord, a)
	if err != nil {
		return fail(protocol.ErrInvalidTarget, "interact %s: %v", req.Coord, err)
	}
	if !handled {
		return fail(protocol.ErrRejected, "interact %s: nothing happened", req.Coord)
	}
	resp := success()
	resp.Granted = granted(before, req.Actor.Inventory())
	if p, ok := w.reg.Get(req.Coord); ok {
		v := w.view(p)
		resp.Patch = &v
	}
	vis := w.visual(req.Coord)
	resp.Visual = &vis
	return resp
}

func granted(before, after map[string]int) map[string]int {
	var out map[string]int
	for item, n := range after {
		if d := n - before[item]; d > 0 {
			if out == nil {
				out = map[string]int{}
			}
			out[item] = d
		}
	}
	return out
}

func (w *World) transition(req Request) Response {
	changed, err := w.reg.RequestTransition(req.Coord, req.State)
	if err != nil {
		return fail(protocol.ErrInvalidTarget, "transition %s: %v", req.Coord, err)
	}
	if !changed {
		return fail(protocol.ErrRejected, "transition %s to %d refused", req.Coord, req.State)
	}
	p, _ := w.reg.Get(req.Coord)
	w.tiles.RefreshTile(req.Coord.X, req.Coord.Y, req.Coord.Layer)
	resp := success()
	if p != nil {
		v := w.view(p)
		resp.Patch = &v
	}
	return resp
}

func (w *World) remove(req Request) Response {
	if !w.reg.Remove(req.Coord) {
		return fail(protocol.ErrInvalidTarget, "remove: no patch at %s", req.Coord)
	}
	resp := success()
	vis := w.visual(req.Coord)
	resp.Visual = &vis
	return resp
}

func (w *World) get(req Request) Response {
	resp := success()
	if p, ok := w.reg.Get(req.Coord); ok {
		v := w.view(p)
		resp.Patch = &v
	}
	vis := w.visual(req.Coord)
	resp.Visual = &vis
	return resp
}

func (w *World) area(req Request) Response {
	r := req.Rect
	if r.MaxX < r.MinX || r.MaxY < r.MinY {
		return fail(protocol.ErrBadRequest, "area: empty rectangle")
	}
	resp := success()
	for _, p := range w.reg.InArea(r, req.Coord.Layer) {
		resp.Patches = append(resp.Patches, w.view(p))
	}
	return resp
}

func (w *World) save(req Request) Response {
	res, err := w.saves.SaveCurrentState(req.Force)
	resp := Response{OK: err == nil, Save: saveInfo(res)}
	switch {
	case err == nil:
	case errors.Is(err, savestate.ErrCorruptBase):
		resp.Code, resp.Message = protocol.ErrBlocked, err.Error()
	case errors.Is(err, savestate.ErrNoActiveMap):
		resp.Code, resp.Message = protocol.ErrWorldNotFound, err.Error()
	default:
		resp.Code, resp.Message = protocol.ErrInternal, err.Error()
	}
	return resp
}

func (w *World) mapArg(req Request) string {
	if req.Name != "" {
		return req.Name
	}
	return w.saves.ActiveMap()
}

func (w *World) validate(req Request) Response {
	valid := w.saves.ValidateSaveFile(w.mapArg(req))
	resp := success()
	resp.Valid = &valid
	return resp
}

func (w *World) repair(ctx context.Context, req Request) Response {
	id := w.mapArg(req)
	repaired := w.saves.RepairSaveFile(ctx, id)
	resp := Response{OK: repaired, Valid: &repaired}
	if !repaired {
		resp.Code, resp.Message = protocol.ErrRejected, fmt.Sprintf("repair %s: no valid backup", id)
	}
	return resp
}

func (w *World) switchMap(ctx context.Context, req Request) Response {
	if req.Name == "" {
		return fail(protocol.ErrBadRequest, "switch_map: missing map id")
	}
	res, err := w.saves.SetActiveMap(ctx, req.Name)
	if !errors.Is(err, savestate.ErrInvalidMapID) {
		w.lastLoad = res
	}
	w.publishMetrics(0, registry.TickStats{})
	resp := Response{OK: err == nil, Load: loadInfo(res)}
	switch {
	case err == nil:
	case errors.Is(err, savestate.ErrInvalidMapID):
		resp.Code, resp.Message = protocol.ErrWorldNotFound, err.Error()
	case res.Corrupt:
		resp.Code, resp.Message = protocol.ErrBlocked, err.Error()
	default:
		resp.Code, resp.Message = protocol.ErrInternal, err.Error()
	}
	return resp
}

func saveInfo(r savestate.SaveResult) *protocol.SaveInfo {
	s := &protocol.SaveInfo{
		MapID:      r.MapID,
		Op:         string(r.Op),
		Path:       r.Path,
		Timestamp:  r.Timestamp,
		Seq:        r.Seq,
		Records:    r.Records,
		Tombstones: r.Tombstones,
		Backup:     r.Backup,
		DurationMs: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}

func loadInfo(r savestate.LoadResult) *protocol.LoadInfo {
	return &protocol.LoadInfo{
		MapID:          r.MapID,
		Found:          r.Found,
		Corrupt:        r.Corrupt,
		Deltas:         r.Deltas,
		Restored:       r.Restored,
		Skipped:        r.Skipped,
		SkippedSession: r.SkippedSession,
	}
}

// ErrStopped is returned by Submit once the loop has exited.
var ErrStopped = errors.New("world: stopped")

// Submit queues req for the next tick and waits for its response. A full
// queue is answered with E_WORLD_BUSY without blocking.
func (w *World) Submit(ctx context.Context, req Request) (Response, error) {
	req.Resp = make(chan Response, 1)
	select {
	case <-w.stop:
		return Response{}, ErrStopped
	default:
	}
	select {
	case w.requests <- req:
	default:
		return fail(protocol.ErrWorldBusy, "request queue full"), nil
	}
	select {
	case resp := <-req.Resp:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-w.stop:
		// The loop answers queued requests before it exits.
		select {
		case resp := <-req.Resp:
			return resp, nil
		case <-time.After(time.Second):
			return Response{}, ErrStopped
		}
	}
}
