package stream

import (
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"boracay.world/internal/sim/worlddata"
)

// Category is one independently streamed feature family.
type Category int

const (
	CategoryBuildings Category = iota
	CategoryMountains
	CategoryForests
	CategoryGrassfields
	CategoryRoads
	CategoryTiles

	numCategories
)

// FeatureCategories are the record-driven categories, in evaluation order.
var FeatureCategories = []Category{
	CategoryBuildings,
	CategoryMountains,
	CategoryForests,
	CategoryGrassfields,
	CategoryRoads,
}

func (c Category) String() string {
	switch c {
	case CategoryBuildings:
		return "buildings"
	case CategoryMountains:
		return "mountains"
	case CategoryForests:
		return "forests"
	case CategoryGrassfields:
		return "grassfields"
	case CategoryRoads:
		return "roads"
	case CategoryTiles:
		return "tiles"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// ParseCategory is the inverse of Category.String.
func ParseCategory(name string) (Category, bool) {
	for c := Category(0); c < numCategories; c++ {
		if c.String() == name {
			return c, true
		}
	}
	return 0, false
}

// DespawnCircle tells the retirement pass when the entity leaves range: it
// retires once a circle of CameraRadius around the viewpoint stops overlapping
// a circle of FeatureRadius around Center. Center is the feature center, which
// for outlines differs from the spawn position.
type DespawnCircle struct {
	Center        mgl64.Vec2 `json:"center"`
	CameraRadius  float64    `json:"camera_radius"`
	FeatureRadius float64    `json:"feature_radius"`
}

// SpawnIntent asks the host to materialize one feature. Position is in world units.
type SpawnIntent struct {
	ID       string        `json:"id"`
	Category Category      `json:"category"`
	Position mgl64.Vec2    `json:"position"`
	Size     mgl64.Vec2    `json:"size,omitempty"`
	Despawn  DespawnCircle `json:"despawn"`
	Payload  Payload       `json:"payload"`
}

// Payload is the category-specific part of a spawn intent. The set of
// implementations is closed; see Describe for the exhaustive switch.
type Payload interface {
	isPayload()
	Kind() string
}

type Color struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

type PolygonStyle struct {
	Fill        Color   `json:"fill"`
	Stroke      Color   `json:"stroke"`
	StrokeWidth float64 `json:"stroke_width"`
}

type BuildingPayload struct {
	BuildingType string                  `json:"building_type"`
	Room         worlddata.RoomArchetype `json:"room"`
	// LayoutIndex selects an interior from the room catalogue; -1 when the
	// archetype has no catalogue entries.
	LayoutIndex int     `json:"layout_index"`
	Radius      float64 `json:"radius"`
}

type PolygonPayload struct {
	Outline    []mgl64.Vec2 `json:"outline"`
	Style      PolygonStyle `json:"style"`
	Collidable bool         `json:"collidable"`
}

type RoadPayload struct {
	Path  []mgl64.Vec2 `json:"path"`
	Width float64      `json:"width"`
	Style PolygonStyle `json:"style"`
}

type TreePayload struct {
	ClusterID           string  `json:"cluster_id"`
	InternalRadiusRatio float64 `json:"internal_radius_ratio"`
}

type SpawnMarkerPayload struct {
	ClusterID string `json:"cluster_id"`
}

func (BuildingPayload) isPayload()    {}
func (PolygonPayload) isPayload()     {}
func (RoadPayload) isPayload()        {}
func (TreePayload) isPayload()        {}
func (SpawnMarkerPayload) isPayload() {}

func (BuildingPayload) Kind() string    { return "building" }
func (PolygonPayload) Kind() string     { return "polygon" }
func (RoadPayload) Kind() string        { return "road" }
func (TreePayload) Kind() string        { return "tree" }
func (SpawnMarkerPayload) Kind() string { return "spawn_marker" }

// Describe renders a short human summary of a payload.
func Describe(p Payload) string {
	switch v := p.(type) {
	case BuildingPayload:
		return fmt.Sprintf("building %s room=%s layout=%d", v.BuildingType, v.Room, v.LayoutIndex)
	case PolygonPayload:
		return fmt.Sprintf("polygon points=%d collidable=%t", len(v.Outline), v.Collidable)
	case RoadPayload:
		return fmt.Sprintf("road points=%d width=%.1f", len(v.Path), v.Width)
	case TreePayload:
		return fmt.Sprintf("tree cluster=%s", v.ClusterID)
	case SpawnMarkerPayload:
		return fmt.Sprintf("spawn marker cluster=%s", v.ClusterID)
	default:
		panic(fmt.Sprintf("stream: unknown payload %T", p))
	}
}

type DespawnReason string

const (
	ReasonOutOfRange DespawnReason = "out_of_range"
	ReasonDeadline   DespawnReason = "deadline"
)

// DespawnIntent asks the host to destroy a materialized feature.
type DespawnIntent struct {
	ID       string        `json:"id"`
	Category Category      `json:"category"`
	Reason   DespawnReason `json:"reason"`
}

type ChunkEventKind string

const (
	ChunkSpawned   ChunkEventKind = "spawned"
	ChunkDespawned ChunkEventKind = "despawned"
)

type ChunkEvent struct {
	Kind  ChunkEventKind `json:"kind"`
	Key   ChunkKey       `json:"key"`
	Chunk *Chunk         `json:"chunk,omitempty"`
}

// Batch is everything one Step produced.
type Batch struct {
	At        time.Time       `json:"at"`
	Viewpoint mgl64.Vec2      `json:"viewpoint"`
	Spawns    []SpawnIntent   `json:"spawns,omitempty"`
	Despawns  []DespawnIntent `json:"despawns,omitempty"`
	Chunks    []ChunkEvent    `json:"chunks,omitempty"`
	Evaluated []Category      `json:"evaluated,omitempty"`
}

func (b Batch) Empty() bool {
	return len(b.Spawns) == 0 && len(b.Despawns) == 0 && len(b.Chunks) == 0
}
