package worlddata

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

var (
	ErrEmptySection = errors.New("empty section")
	ErrEmptyLayer   = errors.New("empty tile layer")
)

// LoadError reports a missing or malformed world description section.
// It is fatal: the subsystem must not run on partially loaded data.
type LoadError struct {
	Section string
	Path    string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("worlddata: %s: %v", e.Section, e.Err)
	}
	return fmt.Sprintf("worlddata: %s (%s): %v", e.Section, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Paths locates the six world description files. Files ending in .zst are
// decompressed transparently.
type Paths struct {
	Map           string
	Rooms         string
	Path          string
	IslandTiles   string
	MountainTiles string
	CementTiles   string
}

type section struct {
	name   string
	path   string
	schema string
	raw    []byte
}

// Load reads and validates all sections concurrently.
func Load(ctx context.Context, p Paths) (*WorldData, error) {
	secs := []*section{
		{name: "map", path: p.Map, schema: schemaMap},
		{name: "rooms", path: p.Rooms, schema: schemaRooms},
		{name: "path", path: p.Path, schema: schemaPath},
		{name: "tiles.island", path: p.IslandTiles, schema: schemaTiles},
		{name: "tiles.mountain", path: p.MountainTiles, schema: schemaTiles},
		{name: "tiles.cement", path: p.CementTiles, schema: schemaTiles},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range secs {
		s := s
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if strings.TrimSpace(s.path) == "" {
				return &LoadError{Section: s.name, Err: fmt.Errorf("no path configured")}
			}
			raw, err := readFile(s.path)
			if err != nil {
				return &LoadError{Section: s.name, Path: s.path, Err: err}
			}
			if err := validateDoc(s.schema, raw); err != nil {
				return &LoadError{Section: s.name, Path: s.path, Err: err}
			}
			s.raw = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return decode(secs)
}

func decode(secs []*section) (*WorldData, error) {
	byName := map[string]*section{}
	h := sha256.New()
	for _, s := range secs {
		byName[s.name] = s
		h.Write([]byte(s.name))
		h.Write(s.raw)
	}

	var md mapDoc
	if err := json.Unmarshal(byName["map"].raw, &md); err != nil {
		return nil, &LoadError{Section: "map", Path: byName["map"].path, Err: err}
	}
	for _, sec := range []struct {
		name string
		n    int
	}{
		{"map.buildings", len(md.Buildings)},
		{"map.mountains", len(md.Mountains)},
		{"map.roads", len(md.Roads)},
		{"map.forests", len(md.Forests)},
		{"map.grassfields", len(md.Grassfields)},
	} {
		if sec.n == 0 {
			return nil, &LoadError{Section: sec.name, Path: byName["map"].path, Err: ErrEmptySection}
		}
	}

	var rd roomDoc
	if err := json.Unmarshal(byName["rooms"].raw, &rd); err != nil {
		return nil, &LoadError{Section: "rooms", Path: byName["rooms"].path, Err: err}
	}

	var graph Graph
	if err := json.Unmarshal(byName["path"].raw, &graph); err != nil {
		return nil, &LoadError{Section: "path", Path: byName["path"].path, Err: err}
	}
	if err := graph.validate(); err != nil {
		return nil, &LoadError{Section: "path", Path: byName["path"].path, Err: err}
	}
	graph.computeLongest()

	layers := map[TileLayerKind]*TileLayer{}
	for kind, name := range map[TileLayerKind]string{
		TilesIsland:   "tiles.island",
		TilesMountain: "tiles.mountain",
		TilesCement:   "tiles.cement",
	} {
		s := byName[name]
		var l TileLayer
		if err := json.Unmarshal(s.raw, &l); err != nil {
			return nil, &LoadError{Section: name, Path: s.path, Err: err}
		}
		if len(l.Points) == 0 {
			return nil, &LoadError{Section: name, Path: s.path, Err: ErrEmptyLayer}
		}
		layers[kind] = &l
	}

	wd := &WorldData{
		buildings: md.Buildings,
		features: map[FeatureKind][]Feature{
			KindMountain:   md.Mountains,
			KindRoad:       md.Roads,
			KindForest:     md.Forests,
			KindGrassfield: md.Grassfields,
		},
		land:   md.Land,
		sand:   md.Sand,
		rooms:  rd.byArchetype(),
		graph:  &graph,
		layers: layers,
		digest: hex.EncodeToString(h.Sum(nil)),
	}
	return wd, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
