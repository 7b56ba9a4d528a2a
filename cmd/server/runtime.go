package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"tilepatch.ai/internal/persistence/indexdb"
	persistlog "tilepatch.ai/internal/persistence/log"
	"tilepatch.ai/internal/protocol"
	"tilepatch.ai/internal/sim/world"
)

type serverRuntime struct {
	world   *world.World
	index   *indexdb.SQLiteIndex
	journal *persistlog.Journal
	logger  *log.Logger
}

func (rt *serverRuntime) register(mux *http.ServeMux, admin bool) {
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		rt.writeMetrics(rw)
	})
	if !admin {
		rt.logger.Printf("admin endpoints disabled (TP_ENABLE_ADMIN_HTTP=false)")
		return
	}
	// Local-only admin endpoints.
	mux.HandleFunc("/admin/v1/state", rt.loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(struct {
			MapID   string        `json:"map_id"`
			Tick    uint64        `json:"tick"`
			Metrics world.Metrics `json:"metrics"`
		}{rt.world.MapID(), rt.world.CurrentTick(), rt.world.Metrics()})
	}))
	mux.HandleFunc("/admin/v1/save", rt.loopbackOnly(rt.adminOp(protocol.OpSave)))
	mux.HandleFunc("/admin/v1/validate", rt.loopbackOnly(rt.adminOp(protocol.OpValidate)))
	mux.HandleFunc("/admin/v1/repair", rt.loopbackOnly(rt.adminOp(protocol.OpRepair)))
	mux.HandleFunc("/admin/v1/switch", rt.loopbackOnly(rt.adminOp(protocol.OpSwitchMap)))
}

func (rt *serverRuntime) loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

// adminOp runs a persistence op through the world loop. The map defaults to
// the active one; ?map= names another, ?force=1 forces a full save.
func (rt *serverRuntime) adminOp(op string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		req := world.Request{
			Op:    op,
			Name:  strings.TrimSpace(q.Get("map")),
			Force: q.Get("force") == "1" || q.Get("force") == "true",
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		resp, err := rt.world.Submit(ctx, req)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "code": protocol.ErrWorldBusy, "error": err.Error()})
			return
		}
		if !resp.OK {
			rw.WriteHeader(statusFor(resp.Code))
		}
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func statusFor(code string) int {
	switch code {
	case protocol.ErrBadRequest, protocol.ErrInvalidTarget:
		return http.StatusBadRequest
	case protocol.ErrWorldNotFound:
		return http.StatusNotFound
	case protocol.ErrBlocked, protocol.ErrConflict, protocol.ErrRejected:
		return http.StatusConflict
	case protocol.ErrWorldBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (rt *serverRuntime) writeMetrics(w io.Writer) {
	m := rt.world.Metrics()
	mapID := m.MapID

	// Minimal Prometheus exposition format.
	fmt.Fprintf(w, "# HELP tilepatch_world_tick Current world tick.\n")
	fmt.Fprintf(w, "# TYPE tilepatch_world_tick gauge\n")
	fmt.Fprintf(w, "tilepatch_world_tick{map=%q} %d\n", mapID, m.Tick)

	fmt.Fprintf(w, "# HELP tilepatch_patches Live patches by kind.\n")
	fmt.Fprintf(w, "# TYPE tilepatch_patches gauge\n")
	kinds := make([]string, 0, len(m.ByKind))
	for k := range m.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "tilepatch_patches{map=%q,kind=%q} %d\n", mapID, k, m.ByKind[k])
	}

	fmt.Fprintf(w, "# HELP tilepatch_queue_depth Scheduler and request backlog.\n")
	fmt.Fprintf(w, "# TYPE tilepatch_queue_depth gauge\n")
	fmt.Fprintf(w, "tilepatch_queue_depth{map=%q,queue=%q} %d\n", mapID, "requests", m.QueueDepths.Requests)
	fmt.Fprintf(w, "tilepatch_queue_depth{map=%q,queue=%q} %d\n", mapID, "immediate", m.QueueDepths.Immediate)
	fmt.Fprintf(w, "tilepatch_queue_depth{map=%q,queue=%q} %d\n", mapID, "timed", m.QueueDepths.Timed)

	fmt.Fprintf(w, "# HELP tilepatch_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(w, "# TYPE tilepatch_step_ms gauge\n")
	fmt.Fprintf(w, "tilepatch_step_ms{map=%q} %.3f\n", mapID, m.StepMS)

	fmt.Fprintf(w, "# HELP tilepatch_lifecycle_total Patch lifecycle counters.\n")
	fmt.Fprintf(w, "# TYPE tilepatch_lifecycle_total counter\n")
	fmt.Fprintf(w, "tilepatch_lifecycle_total{event=%q} %d\n", "added", m.Added)
	fmt.Fprintf(w, "tilepatch_lifecycle_total{event=%q} %d\n", "removed", m.Removed)
	fmt.Fprintf(w, "tilepatch_lifecycle_total{event=%q} %d\n", "updates", m.Updates)
	fmt.Fprintf(w, "tilepatch_lifecycle_total{event=%q} %d\n", "restored", m.Restored)

	fmt.Fprintf(w, "# HELP tilepatch_pool_total Patch pool counters.\n")
	fmt.Fprintf(w, "# TYPE tilepatch_pool_total counter\n")
	fmt.Fprintf(w, "tilepatch_pool_total{event=%q} %d\n", "allocated", m.Pool.Allocated)
	fmt.Fprintf(w, "tilepatch_pool_total{event=%q} %d\n", "reused", m.Pool.Reused)
	fmt.Fprintf(w, "tilepatch_pool_total{event=%q} %d\n", "released", m.Pool.Released)
	fmt.Fprintf(w, "tilepatch_pool_total{event=%q} %d\n", "dropped", m.Pool.Dropped)

	fmt.Fprintf(w, "# HELP tilepatch_save_deltas Delta files on top of the current base.\n")
	fmt.Fprintf(w, "# TYPE tilepatch_save_deltas gauge\n")
	fmt.Fprintf(w, "tilepatch_save_deltas{map=%q} %d\n", mapID, m.Save.Deltas)
	fmt.Fprintf(w, "# HELP tilepatch_save_corrupt 1 while the base save is corrupt and unrepaired.\n")
	fmt.Fprintf(w, "# TYPE tilepatch_save_corrupt gauge\n")
	fmt.Fprintf(w, "tilepatch_save_corrupt{map=%q} %d\n", mapID, boolInt(m.Save.Corrupt))

	if rt.index != nil {
		s := rt.index.Stats()
		fmt.Fprintf(w, "# HELP tilepatch_index_queue_depth Index writer queue depth.\n")
		fmt.Fprintf(w, "# TYPE tilepatch_index_queue_depth gauge\n")
		fmt.Fprintf(w, "tilepatch_index_queue_depth %d\n", s.QueueDepth)
		fmt.Fprintf(w, "# HELP tilepatch_index_dropped_total Index rows dropped because the queue was full.\n")
		fmt.Fprintf(w, "# TYPE tilepatch_index_dropped_total counter\n")
		fmt.Fprintf(w, "tilepatch_index_dropped_total{row=%q} %d\n", "save", s.DropSaveTotal)
		fmt.Fprintf(w, "tilepatch_index_dropped_total{row=%q} %d\n", "event", s.DropEventTotal)
		fmt.Fprintf(w, "# HELP tilepatch_index_written_total Index rows written.\n")
		fmt.Fprintf(w, "# TYPE tilepatch_index_written_total counter\n")
		fmt.Fprintf(w, "tilepatch_index_written_total %d\n", s.WrittenTotal)
	}
	if rt.journal != nil {
		fmt.Fprintf(w, "# HELP tilepatch_journal_lines_total Journal lines written.\n")
		fmt.Fprintf(w, "# TYPE tilepatch_journal_lines_total counter\n")
		fmt.Fprintf(w, "tilepatch_journal_lines_total %d\n", rt.journal.Lines())
		fmt.Fprintf(w, "tilepatch_journal_errors_total %d\n", rt.journal.Errors())
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
