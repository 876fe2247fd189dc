package tuning

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int     `yaml:"tick_rate_hz"`
	MapScale   float64 `yaml:"map_scale"`

	Log         Log         `yaml:"log"`
	Data        Data        `yaml:"data"`
	Streaming   Streaming   `yaml:"streaming"`
	Pathfinding Pathfinding `yaml:"pathfinding"`
	Observer    Observer    `yaml:"observer"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Data names the world description files. Relative paths resolve against Dir.
type Data struct {
	Dir           string `yaml:"dir"`
	Map           string `yaml:"map"`
	Rooms         string `yaml:"rooms"`
	Path          string `yaml:"path"`
	IslandTiles   string `yaml:"island_tiles"`
	MountainTiles string `yaml:"mountain_tiles"`
	CementTiles   string `yaml:"cement_tiles"`
}

type Streaming struct {
	// Base radii in world units. Per-category values default to multiples of these.
	TriggerRadius    float64 `yaml:"trigger_radius"`
	SpawnRadius      float64 `yaml:"spawn_radius"`
	SpawnProbability float64 `yaml:"spawn_probability"`
	Seed             int64   `yaml:"seed"`

	Buildings   Category `yaml:"buildings"`
	Mountains   Category `yaml:"mountains"`
	Forests     Category `yaml:"forests"`
	Grassfields Category `yaml:"grassfields"`
	Roads       Category `yaml:"roads"`
	Tiles       Tiles    `yaml:"tiles"`
}

type Category struct {
	TriggerRadius   float64 `yaml:"trigger_radius"`
	SpawnRadius     float64 `yaml:"spawn_radius"`
	CameraMargin    float64 `yaml:"camera_margin"`
	FeatureMargin   float64 `yaml:"feature_margin"`
	SubSpawnRadius  float64 `yaml:"sub_spawn_radius,omitempty"`
	SubPointRadius  float64 `yaml:"sub_point_radius,omitempty"`
	SubRetainRadius float64 `yaml:"sub_retain_radius,omitempty"`
	RoadWidth       float64 `yaml:"road_width,omitempty"`
}

type Tiles struct {
	TriggerRadius  float64 `yaml:"trigger_radius"`
	TileSize       float64 `yaml:"tile_size"`
	ChunkTiles     int     `yaml:"chunk_tiles"`
	PaddingX       int     `yaml:"padding_x"`
	PaddingY       int     `yaml:"padding_y"`
	NeighborRadius int     `yaml:"neighbor_radius"`
	RetireDistance float64 `yaml:"retire_distance"`
	RoadTileOffset int     `yaml:"road_tile_offset"`
}

type Pathfinding struct {
	TimeoutMs        int     `yaml:"timeout_ms"`
	Workers          int     `yaml:"workers"`
	PointSize        float64 `yaml:"point_size"`
	KeepResultsMs    int     `yaml:"keep_results_ms"`
	DefaultStartNode int     `yaml:"default_start_node"`
}

type Observer struct {
	PathQueriesPerSec float64 `yaml:"path_queries_per_sec"`
	PathQueryBurst    int     `yaml:"path_query_burst"`
	MaxSessions       int     `yaml:"max_sessions"`
}

func (p Pathfinding) Timeout() time.Duration { return time.Duration(p.TimeoutMs) * time.Millisecond }
func (p Pathfinding) KeepResults() time.Duration {
	return time.Duration(p.KeepResultsMs) * time.Millisecond
}

// Defaults mirrors the island map the service was first tuned for: map scale 2,
// trigger 50 map units, spawn radius twice the trigger in world units.
func Defaults() Tuning {
	const scale = 2.0
	trigger := 50 * scale
	spawn := trigger * 2 * scale
	return Tuning{
		ProtocolVersion: "0.1",
		TickRateHz:      20,
		MapScale:        scale,
		Log:             Log{Level: "info"},
		Data: Data{
			Dir:           "./assets/map",
			Map:           "map_data.json",
			Rooms:         "room_data.json",
			Path:          "path_data.json",
			IslandTiles:   "island_tiles.json",
			MountainTiles: "mountain_tiles.json",
			CementTiles:   "cement_tiles.json",
		},
		Streaming: Streaming{
			TriggerRadius:    trigger,
			SpawnRadius:      spawn,
			SpawnProbability: 0.5,
			Buildings: Category{
				TriggerRadius: trigger,
				SpawnRadius:   spawn,
				CameraMargin:  1.0,
				FeatureMargin: 1.0,
			},
			Mountains: Category{
				TriggerRadius: trigger / 2,
				SpawnRadius:   spawn,
				CameraMargin:  1.5,
				FeatureMargin: 1.5,
			},
			Forests: Category{
				TriggerRadius:   trigger * 0.45 / 2,
				SpawnRadius:     spawn,
				CameraMargin:    1.5,
				FeatureMargin:   1.5,
				SubSpawnRadius:  spawn * 0.45,
				SubPointRadius:  15,
				SubRetainRadius: 43,
			},
			Grassfields: Category{
				TriggerRadius:   trigger * 0.6 / 2,
				SpawnRadius:     spawn * 0.6,
				CameraMargin:    1.5,
				FeatureMargin:   1.5,
				SubSpawnRadius:  spawn * 0.6,
				SubPointRadius:  15,
				SubRetainRadius: 43,
			},
			Roads: Category{
				TriggerRadius: trigger / 2,
				SpawnRadius:   spawn * 2,
				CameraMargin:  1.5,
				FeatureMargin: 1.0,
				RoadWidth:     10,
			},
			Tiles: Tiles{
				TriggerRadius:  trigger / 2,
				TileSize:       16 * scale,
				ChunkTiles:     16,
				PaddingX:       13,
				PaddingY:       224,
				NeighborRadius: 1,
				RetireDistance: spawn * 1.15,
				RoadTileOffset: 14,
			},
		},
		Pathfinding: Pathfinding{
			TimeoutMs:     2000,
			Workers:       4,
			PointSize:     15,
			KeepResultsMs: 30000,
		},
		Observer: Observer{
			PathQueriesPerSec: 5,
			PathQueryBurst:    10,
			MaxSessions:       64,
		},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalize fills zero values with defaults so partial files stay usable.
func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	d := Defaults()
	if strings.TrimSpace(t.ProtocolVersion) == "" {
		t.ProtocolVersion = d.ProtocolVersion
	}
	if t.TickRateHz <= 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.MapScale <= 0 {
		t.MapScale = d.MapScale
	}
	if strings.TrimSpace(t.Log.Level) == "" {
		t.Log.Level = d.Log.Level
	}

	fillStr(&t.Data.Map, d.Data.Map)
	fillStr(&t.Data.Rooms, d.Data.Rooms)
	fillStr(&t.Data.Path, d.Data.Path)
	fillStr(&t.Data.IslandTiles, d.Data.IslandTiles)
	fillStr(&t.Data.MountainTiles, d.Data.MountainTiles)
	fillStr(&t.Data.CementTiles, d.Data.CementTiles)

	s := &t.Streaming
	fillF(&s.TriggerRadius, d.Streaming.TriggerRadius)
	fillF(&s.SpawnRadius, d.Streaming.SpawnRadius)
	if s.SpawnProbability < 0 {
		s.SpawnProbability = d.Streaming.SpawnProbability
	}
	fillCategory(&s.Buildings, d.Streaming.Buildings)
	fillCategory(&s.Mountains, d.Streaming.Mountains)
	fillCategory(&s.Forests, d.Streaming.Forests)
	fillCategory(&s.Grassfields, d.Streaming.Grassfields)
	fillCategory(&s.Roads, d.Streaming.Roads)

	dt := d.Streaming.Tiles
	fillF(&s.Tiles.TriggerRadius, dt.TriggerRadius)
	fillF(&s.Tiles.TileSize, dt.TileSize)
	fillF(&s.Tiles.RetireDistance, dt.RetireDistance)
	if s.Tiles.ChunkTiles <= 0 {
		s.Tiles.ChunkTiles = dt.ChunkTiles
	}
	if s.Tiles.NeighborRadius < 0 {
		s.Tiles.NeighborRadius = 0
	}
	if s.Tiles.RoadTileOffset <= 0 {
		s.Tiles.RoadTileOffset = dt.RoadTileOffset
	}

	p := &t.Pathfinding
	if p.TimeoutMs <= 0 {
		p.TimeoutMs = d.Pathfinding.TimeoutMs
	}
	if p.Workers <= 0 {
		p.Workers = d.Pathfinding.Workers
	}
	fillF(&p.PointSize, d.Pathfinding.PointSize)
	if p.KeepResultsMs <= 0 {
		p.KeepResultsMs = d.Pathfinding.KeepResultsMs
	}
	if p.DefaultStartNode < 0 {
		p.DefaultStartNode = 0
	}

	o := &t.Observer
	fillF(&o.PathQueriesPerSec, d.Observer.PathQueriesPerSec)
	if o.PathQueryBurst <= 0 {
		o.PathQueryBurst = d.Observer.PathQueryBurst
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = d.Observer.MaxSessions
	}
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be > 0")
	}
	if t.MapScale <= 0 {
		return fmt.Errorf("map_scale must be > 0")
	}
	s := t.Streaming
	if s.SpawnProbability < 0 || s.SpawnProbability > 1 {
		return fmt.Errorf("streaming.spawn_probability must be in [0,1]")
	}
	cats := []struct {
		name string
		c    Category
	}{
		{"buildings", s.Buildings},
		{"mountains", s.Mountains},
		{"forests", s.Forests},
		{"grassfields", s.Grassfields},
		{"roads", s.Roads},
	}
	for _, c := range cats {
		if c.c.TriggerRadius <= 0 {
			return fmt.Errorf("streaming.%s.trigger_radius must be > 0", c.name)
		}
		if c.c.SpawnRadius <= c.c.TriggerRadius {
			return fmt.Errorf("streaming.%s.spawn_radius must exceed trigger_radius", c.name)
		}
		if c.c.CameraMargin < 1 || c.c.FeatureMargin < 1 {
			return fmt.Errorf("streaming.%s margins must be >= 1", c.name)
		}
	}
	tl := s.Tiles
	if tl.TileSize <= 0 || tl.ChunkTiles <= 0 {
		return fmt.Errorf("streaming.tiles tile_size and chunk_tiles must be > 0")
	}
	halfDiag := float64(tl.ChunkTiles) * tl.TileSize * math.Sqrt2 / 2
	if tl.RetireDistance <= halfDiag {
		return fmt.Errorf("streaming.tiles.retire_distance must exceed chunk half diagonal (%.1f)", halfDiag)
	}
	if t.Pathfinding.PointSize <= 0 {
		return fmt.Errorf("pathfinding.point_size must be > 0")
	}
	return nil
}

// Resolve returns the path of a data file relative to Data.Dir.
func (d Data) Resolve(name string) string {
	if name == "" || filepath.IsAbs(name) || d.Dir == "" {
		return name
	}
	return filepath.Join(d.Dir, name)
}

func fillF(v *float64, def float64) {
	if *v <= 0 {
		*v = def
	}
}

func fillStr(v *string, def string) {
	if strings.TrimSpace(*v) == "" {
		*v = def
	}
}

func fillCategory(c *Category, d Category) {
	fillF(&c.TriggerRadius, d.TriggerRadius)
	fillF(&c.SpawnRadius, d.SpawnRadius)
	fillF(&c.CameraMargin, d.CameraMargin)
	fillF(&c.FeatureMargin, d.FeatureMargin)
	fillF(&c.SubSpawnRadius, d.SubSpawnRadius)
	fillF(&c.SubPointRadius, d.SubPointRadius)
	fillF(&c.SubRetainRadius, d.SubRetainRadius)
	fillF(&c.RoadWidth, d.RoadWidth)
}
