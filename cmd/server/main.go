package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	persistlog "tilepatch.ai/internal/persistence/log"
	"tilepatch.ai/internal/protocol"
	"tilepatch.ai/internal/sim/catalogs"
	"tilepatch.ai/internal/sim/tilemap"
	"tilepatch.ai/internal/sim/tuning"
	"tilepatch.ai/internal/sim/world"
	"tilepatch.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		mapID      = flag.String("map", "overworld", "map id to load at startup")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		sessionID  = flag.String("session", "", "session id for session-scoped patches (default: random)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite save/event index")
		noJournal  = flag.Bool("disable_journal", false, "disable the patch event journal")
		adminOps   = flag.Bool("admin_ops", false, "allow save/validate/repair/switch_map over the websocket")

		width  = flag.Int("width", 256, "terrain width in tiles")
		height = flag.Int("height", 256, "terrain height in tiles")
		layers = flag.Int("layers", 2, "terrain layers")
		tile   = flag.Int("tile", 1, "base tile id the terrain is filled with")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalogs.Load(filepath.Join(*configDir, "catalogs"))
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	// Optional read-model index; save files remain the source of truth.
	idx, err := openRuntimeIndex(*dataDir, *disableDB, tune.Persistence.IndexBuffer, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(*configDir, cats, tune); err != nil {
			logger.Printf("index backend: upsert catalogs: %v", err)
		}
	}

	cfg := world.Config{
		MapID:         *mapID,
		DataDir:       *dataDir,
		Tuning:        tune,
		Defs:          cats,
		CatalogDigest: cats.Digest(),
		SessionID:     strings.TrimSpace(*sessionID),
		Terrain:       tilemap.Terrain{Width: *width, Height: *height, Layers: *layers, Tile: *tile},
		Logger:        log.New(os.Stdout, "[world] ", log.LstdFlags|log.Lmicroseconds),
	}
	if idx != nil {
		cfg.Sinks = append(cfg.Sinks, idx)
		cfg.Saves = append(cfg.Saves, idx)
	}
	var journal *persistlog.Journal
	if !*noJournal {
		journal = persistlog.NewJournal(*dataDir, nil)
		defer journal.Close()
		cfg.Sinks = append(cfg.Sinks, journal)
		cfg.Saves = append(cfg.Saves, journal)
	}

	w, err := world.New(cfg)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}
	defer w.Close()
	if ld := w.LastLoad(); ld.Found {
		logger.Printf("loaded map=%s deltas=%d restored=%d skipped=%d corrupt=%v",
			ld.MapID, ld.Deltas, ld.Restored, ld.Skipped, ld.Corrupt)
	} else {
		logger.Printf("starting fresh map=%s", *mapID)
	}

	ctx, cancel := signalContext()
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	rt := &serverRuntime{world: w, index: idx, journal: journal, logger: logger}
	mux := http.NewServeMux()
	rt.register(mux, envBool("TP_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()))
	if envBool("TP_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (TP_ENABLE_PPROF_HTTP=false)")
	}

	wsSrv := ws.NewServer(w, ws.Config{
		Params:   worldParams(tune),
		Catalogs: catalogDigests(cats, tune),
		AdminOps: *adminOps,
	}, logger)
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
		cancel()
	}
	// The world answers queued requests and makes its emergency save first.
	<-runDone
}

func worldParams(t tuning.Tuning) protocol.WorldParams {
	return protocol.WorldParams{
		TickMs:     t.TickMs,
		DayMs:      t.DayLength().Milliseconds(),
		SeasonDays: t.Climate.SeasonDays,
		Tools: protocol.Tools{
			Water:  t.Tools.Water,
			Build:  t.Tools.Build,
			Revert: t.Tools.Revert,
			Dispel: t.Tools.Dispel,
		},
		Ops: protocol.Ops,
	}
}

func catalogDigests(c *catalogs.Catalogs, t tuning.Tuning) protocol.CatalogDigests {
	return protocol.CatalogDigests{
		Crops:         protocol.DigestRef{Digest: c.Crops.Digest, Count: len(c.Crops.ByID)},
		Effects:       protocol.DigestRef{Digest: c.Effects.Digest, Count: len(c.Effects.ByCategory)},
		Constructions: protocol.DigestRef{Digest: c.Constructions.Digest, Count: len(c.Constructions.ByID)},
		TuningDigest:  t.Digest(),
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
