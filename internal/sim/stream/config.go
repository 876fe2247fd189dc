package stream

import (
	"math"

	"boracay.world/internal/sim/tuning"
)

// CategoryConfig holds the radii of one feature category, in world units.
type CategoryConfig struct {
	TriggerRadius float64
	SpawnRadius   float64
	CameraMargin  float64
	FeatureMargin float64

	// Composite categories only (forests, grassfields).
	SubSpawnRadius  float64
	SubPointRadius  float64
	SubRetainRadius float64
	TreeSize        float64
	MarkerSize      float64
	Outline         PolygonStyle

	RoadWidth float64
}

type TileConfig struct {
	TriggerRadius  float64
	TileSize       float64
	ChunkTiles     int
	PaddingX       int
	PaddingY       int
	NeighborRadius int
	RetireDistance float64
	RoadTileOffset int
}

type Config struct {
	MapScale         float64
	SpawnProbability float64
	Categories       [numCategories]CategoryConfig
	Tiles            TileConfig
}

func (c Config) Category(cat Category) CategoryConfig {
	if cat < 0 || cat >= numCategories {
		return CategoryConfig{}
	}
	return c.Categories[cat]
}

var (
	green     = Color{R: 0, G: 1, B: 0, A: 1}
	darkGreen = Color{R: 0, G: 0.5, B: 0, A: 1}
	roadGray  = Color{R: 0.2, G: 0.2, B: 0.2, A: 1}
)

func ConfigFromTuning(t tuning.Tuning) Config {
	s := t.Streaming
	scale := t.MapScale
	cat := func(c tuning.Category) CategoryConfig {
		return CategoryConfig{
			TriggerRadius:   c.TriggerRadius,
			SpawnRadius:     c.SpawnRadius,
			CameraMargin:    c.CameraMargin,
			FeatureMargin:   c.FeatureMargin,
			SubSpawnRadius:  c.SubSpawnRadius,
			SubPointRadius:  c.SubPointRadius,
			SubRetainRadius: c.SubRetainRadius,
			RoadWidth:       c.RoadWidth,
		}
	}
	cfg := Config{
		MapScale:         scale,
		SpawnProbability: s.SpawnProbability,
		Tiles: TileConfig{
			TriggerRadius:  s.Tiles.TriggerRadius,
			TileSize:       s.Tiles.TileSize,
			ChunkTiles:     s.Tiles.ChunkTiles,
			PaddingX:       s.Tiles.PaddingX,
			PaddingY:       s.Tiles.PaddingY,
			NeighborRadius: s.Tiles.NeighborRadius,
			RetireDistance: s.Tiles.RetireDistance,
			RoadTileOffset: s.Tiles.RoadTileOffset,
		},
	}
	cfg.Categories[CategoryBuildings] = cat(s.Buildings)

	m := cat(s.Mountains)
	m.Outline = PolygonStyle{Fill: green, Stroke: darkGreen, StrokeWidth: scale}
	cfg.Categories[CategoryMountains] = m

	f := cat(s.Forests)
	f.TreeSize = 50
	f.MarkerSize = 10
	f.Outline = PolygonStyle{
		Fill:        Color{G: 1, A: 0.5},
		Stroke:      Color{G: 0.5, A: 0.25},
		StrokeWidth: scale,
	}
	cfg.Categories[CategoryForests] = f

	g := cat(s.Grassfields)
	g.TreeSize = 30
	g.MarkerSize = 10
	g.Outline = PolygonStyle{
		Fill:        Color{G: 1, A: 0.05},
		Stroke:      Color{G: 0.5, A: 0.025},
		StrokeWidth: scale,
	}
	cfg.Categories[CategoryGrassfields] = g

	r := cat(s.Roads)
	r.Outline = PolygonStyle{Fill: roadGray, Stroke: roadGray, StrokeWidth: scale * r.RoadWidth}
	cfg.Categories[CategoryRoads] = r

	cfg.Categories[CategoryTiles] = CategoryConfig{TriggerRadius: s.Tiles.TriggerRadius}
	return cfg
}

// DefaultConfig is ConfigFromTuning(tuning.Defaults()).
func DefaultConfig() Config {
	return ConfigFromTuning(tuning.Defaults())
}

// chunkHalfDiagonal is the distance from a chunk center to its corner.
func (t TileConfig) chunkHalfDiagonal() float64 {
	return float64(t.ChunkTiles) * t.TileSize * math.Sqrt2 / 2
}
