package worlddata

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func testdataPaths() Paths {
	return Paths{
		Map:           filepath.Join("testdata", "map_data.json"),
		Rooms:         filepath.Join("testdata", "room_data.json"),
		Path:          filepath.Join("testdata", "path_data.json"),
		IslandTiles:   filepath.Join("testdata", "island_tiles.json"),
		MountainTiles: filepath.Join("testdata", "mountain_tiles.json"),
		CementTiles:   filepath.Join("testdata", "cement_tiles.json"),
	}
}

func TestLoadTestdata(t *testing.T) {
	wd, err := Load(context.Background(), testdataPaths())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(wd.Buildings()); got != 3 {
		t.Fatalf("buildings: got %d want 3", got)
	}
	forests := wd.Features(KindForest)
	if len(forests) != 1 || len(forests[0].PointsData) != 2 {
		t.Fatalf("forest sub points not decoded: %+v", forests)
	}
	if forests[0].PointsData[1].PointType != PointSpawn {
		t.Fatalf("expected spawn marker, got %q", forests[0].PointsData[1].PointType)
	}
	g := wd.Graph()
	if g.Len() != 5 {
		t.Fatalf("graph nodes: got %d want 5", g.Len())
	}
	if g.LongestEdge() != 40 {
		t.Fatalf("longest edge: got %v want 40", g.LongestEdge())
	}
	if tile, ok := wd.Layer(TilesIsland).Tile(14, 224); !ok || tile != 6 {
		t.Fatalf("island tile (14,224): got %d,%v", tile, ok)
	}
	if _, ok := wd.Layer(TilesIsland).Tile(0, 0); ok {
		t.Fatalf("expected missing tile")
	}
	if got := len(wd.Rooms(RoomShop)); got != 2 {
		t.Fatalf("shop layouts: got %d want 2", got)
	}
	if wd.LandOutline() == nil || wd.LandOutline().ID != "land" {
		t.Fatalf("land outline not decoded")
	}
	if len(wd.Digest()) != 64 {
		t.Fatalf("digest: got %q", wd.Digest())
	}
}

func TestLoadDigestStable(t *testing.T) {
	a, err := Load(context.Background(), testdataPaths())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Load(context.Background(), testdataPaths())
	if err != nil {
		t.Fatal(err)
	}
	if a.Digest() != b.Digest() {
		t.Fatalf("digest changed between loads: %s vs %s", a.Digest(), b.Digest())
	}
}

func TestLoadZstdSection(t *testing.T) {
	dir := t.TempDir()
	raw, err := os.ReadFile(filepath.Join("testdata", "path_data.json"))
	if err != nil {
		t.Fatal(err)
	}
	zpath := filepath.Join(dir, "path_data.json.zst")
	f, err := os.Create(zpath)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	p := testdataPaths()
	p.Path = zpath
	wd, err := Load(context.Background(), p)
	if err != nil {
		t.Fatalf("load zst: %v", err)
	}
	if wd.Graph().Len() != 5 {
		t.Fatalf("graph nodes from zst: got %d", wd.Graph().Len())
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		t.Helper()
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	cases := []struct {
		name    string
		mutate  func(p *Paths)
		section string
		is      error
	}{
		{
			name:    "missing file",
			mutate:  func(p *Paths) { p.Rooms = filepath.Join(dir, "nope.json") },
			section: "rooms",
			is:      os.ErrNotExist,
		},
		{
			name:    "graph length mismatch",
			mutate:  func(p *Paths) { p.Path = write("mismatch.json", `{"points":[[0,0],[1,1]],"vertices":[[1]]}`) },
			section: "path",
		},
		{
			name:    "adjacency out of range",
			mutate:  func(p *Paths) { p.Path = write("oob.json", `{"points":[[0,0]],"vertices":[[3]]}`) },
			section: "path",
		},
		{
			name:    "empty tile layer",
			mutate:  func(p *Paths) { p.CementTiles = write("empty_tiles.json", `{"points":{}}`) },
			section: "tiles.cement",
			is:      ErrEmptyLayer,
		},
		{
			name:    "schema violation",
			mutate:  func(p *Paths) { p.Map = write("bad_map.json", `{"buildings":[]}`) },
			section: "map",
		},
		{
			name:    "malformed json",
			mutate:  func(p *Paths) { p.IslandTiles = write("broken.json", `{"points":`) },
			section: "tiles.island",
		},
		{
			name:    "no path",
			mutate:  func(p *Paths) { p.MountainTiles = "" },
			section: "tiles.mountain",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testdataPaths()
			tc.mutate(&p)
			_, err := Load(context.Background(), p)
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("expected *LoadError, got %v", err)
			}
			if !strings.HasPrefix(le.Section, tc.section) {
				t.Fatalf("section: got %q want %q", le.Section, tc.section)
			}
			if tc.is != nil && !errors.Is(err, tc.is) {
				t.Fatalf("expected errors.Is(%v), got %v", tc.is, err)
			}
		})
	}
}

func TestLoadRejectsEmptyFeatureSections(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("testdata", "map_data.json"))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	for key, section := range map[string]string{
		"buildings":                    "map.buildings",
		"mountain_list_vectorpoints":   "map.mountains",
		"grayroad_list_vectorpoints":   "map.roads",
		"forest_list_vectorpoints":     "map.forests",
		"grassfield_list_vectorpoints": "map.grassfields",
	} {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			t.Fatal(err)
		}
		doc[key] = []any{}
		b, err := json.Marshal(doc)
		if err != nil {
			t.Fatal(err)
		}
		p := testdataPaths()
		p.Map = filepath.Join(dir, key+".json")
		if err := os.WriteFile(p.Map, b, 0o644); err != nil {
			t.Fatal(err)
		}
		_, err = Load(context.Background(), p)
		var le *LoadError
		if !errors.As(err, &le) || le.Section != section || !errors.Is(err, ErrEmptySection) {
			t.Fatalf("%s: got %v, want LoadError{%s, ErrEmptySection}", key, err, section)
		}
	}
}

func TestLoadRejectsZeroTile(t *testing.T) {
	p := testdataPaths()
	p.IslandTiles = filepath.Join(t.TempDir(), "zero.json")
	body := `{"points":{"0013_0224":{"x":13,"y":224,"tile":0}}}`
	if err := os.WriteFile(p.IslandTiles, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(context.Background(), p)
	var le *LoadError
	if !errors.As(err, &le) || le.Section != "tiles.island" {
		t.Fatalf("expected tiles.island LoadError, got %v", err)
	}
}

func TestNewGraphRejectsEmpty(t *testing.T) {
	if _, err := NewGraph(nil, nil); err == nil {
		t.Fatalf("expected error for empty graph")
	}
}
