package catalogs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tilepatch.ai/internal/sim/patch"
)

func TestLoad_ShippedCatalogs(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "..", "configs", "catalogs"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	wheat, ok := c.Crop("wheat")
	if !ok || len(wheat.StageSeconds) != 5 || wheat.YieldItem != "WHEAT" {
		t.Fatalf("wheat=%+v ok=%v", wheat, ok)
	}
	fire, ok := c.Effect("FIRE")
	if !ok || fire.TileOverride == nil || patch.Curve(fire.Curve) != patch.CurveLinear {
		t.Fatalf("fire=%+v", fire)
	}
	if _, ok := c.Construction("wooden_wall"); !ok {
		t.Fatalf("missing wooden_wall")
	}
	if len(c.Digest()) != 64 || c.Crops.Digest == c.Effects.Digest {
		t.Fatalf("digests not computed")
	}
	if ids := c.CropIDs(); len(ids) != 3 || ids[0] != "carrot" {
		t.Fatalf("crop ids=%v", ids)
	}
	var _ patch.Defs = c
}

func writeCatalogs(t *testing.T, crops, effects string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "crops.json"), []byte(crops), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "effects.json"), []byte(effects), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoad_SchemaViolation(t *testing.T) {
	dir := writeCatalogs(t,
		`[{"id":"rice","stage_seconds":[1,2,3],"yield_item":"RICE"}]`,
		`[]`)
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "crops.json") {
		t.Fatalf("err=%v want crops.json schema failure", err)
	}

	dir = writeCatalogs(t, `[]`, `[{"category":"FIRE","duration_seconds":5,"curve":"zigzag"}]`)
	if _, err := Load(dir); err == nil {
		t.Fatalf("unknown curve accepted")
	}
}

func TestLoad_SemanticChecks(t *testing.T) {
	dir := writeCatalogs(t,
		`[{"id":"rice","stage_seconds":[1,1,1,1,1],"yield_item":"RICE","yield_min":3,"yield_max":1}]`,
		`[]`)
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "yield_max") {
		t.Fatalf("err=%v", err)
	}

	dir = writeCatalogs(t,
		`[{"id":"rice","stage_seconds":[1,1,1,1,1],"yield_item":"RICE","seasons":["SPRING"],"preferred_seasons":["WINTER"]}]`,
		`[]`)
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "preferred season") {
		t.Fatalf("err=%v", err)
	}
}

func TestLoad_ConstructionsOptional(t *testing.T) {
	dir := writeCatalogs(t, `[]`, `[]`)
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := c.Construction("anything"); ok {
		t.Fatalf("unexpected construction")
	}
}
