package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"tilepatch.ai/internal/persistence/indexdb"
	"tilepatch.ai/internal/protocol"
	"tilepatch.ai/internal/sim/catalogs"
	"tilepatch.ai/internal/sim/tilemap"
	"tilepatch.ai/internal/sim/tuning"
	"tilepatch.ai/internal/sim/world"
)

func newTestRuntime(t *testing.T, admin bool) (*serverRuntime, *httptest.Server) {
	t.Helper()
	cats, err := catalogs.Load(filepath.Join("..", "..", "configs", "catalogs"))
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	tune := tuning.Defaults()
	tune.TickMs = 5
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)

	idx, err := openRuntimeIndex(dir, false, 16, logger)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	w, err := world.New(world.Config{
		MapID:     "farm",
		DataDir:   dir,
		Tuning:    tune,
		Defs:      cats,
		SessionID: "srv-test",
		Terrain:   tilemap.Terrain{Width: 8, Height: 8, Layers: 1, Tile: 1},
		Logger:    logger,
		Sinks:     []world.EventSink{idx},
		Saves:     []world.SaveSink{idx},
	})
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	rt := &serverRuntime{world: w, index: idx, logger: logger}
	mux := http.NewServeMux()
	rt.register(mux, admin)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		w.Close()
		_ = idx.Close()
	})
	return rt, srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestRuntime_HealthAndMetrics(t *testing.T) {
	_, srv := newTestRuntime(t, false)

	if code, body := get(t, srv.URL+"/healthz"); code != 200 || body != "ok" {
		t.Fatalf("healthz %d %q", code, body)
	}
	code, body := get(t, srv.URL+"/metrics")
	if code != 200 {
		t.Fatalf("metrics status %d", code)
	}
	for _, want := range []string{
		`tilepatch_world_tick{map="farm"}`,
		`tilepatch_queue_depth{map="farm",queue="timed"}`,
		`tilepatch_save_corrupt{map="farm"} 0`,
		`tilepatch_index_written_total`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}

	// Admin routes are not registered when disabled.
	if code, _ := get(t, srv.URL+"/admin/v1/state"); code != http.StatusNotFound {
		t.Fatalf("admin state with admin disabled: %d", code)
	}
}

func TestRuntime_AdminSave(t *testing.T) {
	_, srv := newTestRuntime(t, true)

	code, body := get(t, srv.URL+"/admin/v1/save")
	if code != http.StatusMethodNotAllowed {
		t.Fatalf("GET save: %d %s", code, body)
	}

	resp, err := http.Post(srv.URL+"/admin/v1/save?force=1", "application/json", nil)
	if err != nil {
		t.Fatalf("POST save: %v", err)
	}
	defer resp.Body.Close()
	var out world.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != 200 || !out.OK || out.Save == nil || out.Save.Op != "full" || out.MapID != "farm" {
		t.Fatalf("save resp %d %+v", resp.StatusCode, out)
	}

	resp2, err := http.Post(srv.URL+"/admin/v1/switch?map=../etc", "application/json", nil)
	if err != nil {
		t.Fatalf("POST switch: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("switch to invalid map: %d", resp2.StatusCode)
	}

	code, body = get(t, srv.URL+"/admin/v1/state")
	if code != 200 || !strings.Contains(body, `"map_id":"farm"`) {
		t.Fatalf("state %d %s", code, body)
	}
}

func TestOpenRuntimeIndex_Backends(t *testing.T) {
	logger := log.New(io.Discard, "", 0)

	idx, err := openRuntimeIndex(t.TempDir(), true, 8, logger)
	if err != nil || idx != nil {
		t.Fatalf("disabled: idx=%v err=%v", idx, err)
	}

	t.Setenv("TP_INDEX_BACKEND", "off")
	if idx, err := openRuntimeIndex(t.TempDir(), false, 8, logger); err != nil || idx != nil {
		t.Fatalf("off: idx=%v err=%v", idx, err)
	}

	t.Setenv("TP_INDEX_BACKEND", "d1")
	if _, err := openRuntimeIndex(t.TempDir(), false, 8, logger); err == nil {
		t.Fatalf("expected error for unsupported backend")
	}

	t.Setenv("TP_INDEX_BACKEND", "")
	dir := t.TempDir()
	idx, err = openRuntimeIndex(dir, false, 8, logger)
	if err != nil || idx == nil {
		t.Fatalf("sqlite: idx=%v err=%v", idx, err)
	}
	_ = idx.Close()
	if _, err := indexdb.ListSaves(indexPath(dir), "", 10); err != nil {
		t.Fatalf("ListSaves on fresh index: %v", err)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5555": true,
		"[::1]:80":       true,
		"10.0.0.2:80":    false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	if statusFor(protocol.ErrBlocked) != http.StatusConflict || statusFor(protocol.ErrInternal) != http.StatusInternalServerError {
		t.Fatal("unexpected status mapping")
	}
}
