package catalogs

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tilepatch.ai/internal/sim/patch"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Catalogs holds every patch definition the server knows. It implements patch.Defs.
type Catalogs struct {
	Crops         CropCatalog
	Effects       EffectCatalog
	Constructions ConstructionCatalog
}

type CropCatalog struct {
	ByID   map[string]patch.CropDef
	Digest string
}

type EffectCatalog struct {
	ByCategory map[string]patch.EffectDef
	Digest     string
}

type ConstructionCatalog struct {
	ByID   map[string]patch.ConstructionDef
	Digest string
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs

	if err := loadCrops(filepath.Join(configDir, "crops.json"), &c.Crops); err != nil {
		return nil, err
	}
	if err := loadEffects(filepath.Join(configDir, "effects.json"), &c.Effects); err != nil {
		return nil, err
	}
	if err := loadConstructions(filepath.Join(configDir, "constructions.json"), &c.Constructions); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalogs) Crop(name string) (patch.CropDef, bool) {
	d, ok := c.Crops.ByID[name]
	return d, ok
}

func (c *Catalogs) Effect(category string) (patch.EffectDef, bool) {
	d, ok := c.Effects.ByCategory[category]
	return d, ok
}

func (c *Catalogs) Construction(id string) (patch.ConstructionDef, bool) {
	d, ok := c.Constructions.ByID[id]
	return d, ok
}

// Digest fingerprints the whole catalog set, for save headers and HELLO replies.
func (c *Catalogs) Digest() string {
	var b bytes.Buffer
	b.WriteString(c.Crops.Digest)
	b.WriteByte('\n')
	b.WriteString(c.Effects.Digest)
	b.WriteByte('\n')
	b.WriteString(c.Constructions.Digest)
	return sha256Hex(b.Bytes())
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(name, string(raw))
}

// readValidated reads path and checks it against the named embedded schema.
func readValidated(path, schemaName string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	schema, err := compileSchema(schemaName)
	if err != nil {
		return nil, fmt.Errorf("%s: schema: %w", schemaName, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return raw, nil
}

func loadCrops(path string, out *CropCatalog) error {
	raw, err := readValidated(path, "crops.schema.json")
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []patch.CropDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("crops.json: %w", err)
	}
	out.ByID = map[string]patch.CropDef{}
	for _, d := range defs {
		if _, dup := out.ByID[d.ID]; dup {
			return fmt.Errorf("crops.json: duplicate id %s", d.ID)
		}
		if d.YieldMax < d.YieldMin {
			return fmt.Errorf("crops.json: %s: yield_max < yield_min", d.ID)
		}
		if d.MinWater > d.IdealWater && d.IdealWater > 0 {
			return fmt.Errorf("crops.json: %s: min_water above ideal_water", d.ID)
		}
		for _, s := range d.PreferredSeasons {
			if len(d.Seasons) > 0 && !containsSeason(d.Seasons, s) {
				return fmt.Errorf("crops.json: %s: preferred season %s not allowed", d.ID, s)
			}
		}
		out.ByID[d.ID] = d
	}
	return nil
}

func loadEffects(path string, out *EffectCatalog) error {
	raw, err := readValidated(path, "effects.schema.json")
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []patch.EffectDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("effects.json: %w", err)
	}
	out.ByCategory = map[string]patch.EffectDef{}
	for _, d := range defs {
		if _, dup := out.ByCategory[d.Category]; dup {
			return fmt.Errorf("effects.json: duplicate category %s", d.Category)
		}
		out.ByCategory[d.Category] = d
	}
	return nil
}

func loadConstructions(path string, out *ConstructionCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		// Constructions are optional.
		if os.IsNotExist(err) {
			out.Digest = sha256Hex(nil)
			out.ByID = map[string]patch.ConstructionDef{}
			return nil
		}
		return err
	}
	if raw, err = readValidated(path, "constructions.schema.json"); err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []patch.ConstructionDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("constructions.json: %w", err)
	}
	out.ByID = map[string]patch.ConstructionDef{}
	for _, d := range defs {
		if _, dup := out.ByID[d.ID]; dup {
			return fmt.Errorf("constructions.json: duplicate id %s", d.ID)
		}
		out.ByID[d.ID] = d
	}
	return nil
}

// CropIDs lists crop ids in sorted order.
func (c *Catalogs) CropIDs() []string {
	ids := make([]string, 0, len(c.Crops.ByID))
	for id := range c.Crops.ByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func containsSeason(list []patch.Season, s patch.Season) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
