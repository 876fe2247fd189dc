package worlddata

import (
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
)

// FeatureKind names a polyline-based terrain feature list in the map file.
type FeatureKind string

const (
	KindMountain   FeatureKind = "mountain"
	KindRoad       FeatureKind = "road"
	KindForest     FeatureKind = "forest"
	KindGrassfield FeatureKind = "grassfield"
)

var FeatureKinds = []FeatureKind{KindMountain, KindRoad, KindForest, KindGrassfield}

const (
	PointTree  = "tree"
	PointSpawn = "spawn"
)

// SubPoint is a tree or enemy spawn marker inside a forest or grass cluster.
// Center is relative to the owning feature's Start.
type SubPoint struct {
	ID        string     `json:"id"`
	PointType string     `json:"point_type"`
	Center    mgl64.Vec2 `json:"center"`
}

// Feature is a polyline terrain feature. All coordinates are in data units.
type Feature struct {
	ID         string       `json:"id"`
	Start      mgl64.Vec2   `json:"start"`
	Points     []mgl64.Vec2 `json:"points"`
	PointsLess []mgl64.Vec2 `json:"points_less"`
	Center     mgl64.Vec2   `json:"center"`
	Radius     float64      `json:"radius"`
	PointsData []SubPoint   `json:"points_data,omitempty"`
}

type Building struct {
	ID       string     `json:"id"`
	Center   mgl64.Vec2 `json:"center"`
	Width    float64    `json:"width"`
	Height   float64    `json:"height"`
	Radius   float64    `json:"radius"`
	BldgType string     `json:"bldg_type"`
}

type mapDoc struct {
	Mountains   []Feature  `json:"mountain_list_vectorpoints"`
	Roads       []Feature  `json:"grayroad_list_vectorpoints"`
	Forests     []Feature  `json:"forest_list_vectorpoints"`
	Grassfields []Feature  `json:"grassfield_list_vectorpoints"`
	Land        *Feature   `json:"land_vectorpoints_outline,omitempty"`
	Sand        *Feature   `json:"sand_vectorpoints_outline,omitempty"`
	Buildings   []Building `json:"buildings"`
}

// RoomArchetype selects an interior layout catalogue.
type RoomArchetype string

const (
	RoomSafeHouse RoomArchetype = "safehouse"
	RoomHouse     RoomArchetype = "house"
	RoomHotel     RoomArchetype = "hotel"
	RoomShop      RoomArchetype = "shop"
	RoomClinic    RoomArchetype = "clinic"
	RoomMechanic  RoomArchetype = "mechanic"
	RoomGunshop   RoomArchetype = "gunshop"
)

type RoomElement struct {
	Width       float64    `json:"width"`
	Height      float64    `json:"height"`
	Center      mgl64.Vec2 `json:"center"`
	ElementType string     `json:"element_type"`
	RoomCode    string     `json:"room_code"`
	Level       uint32     `json:"level"`
}

type RoomLayout struct {
	Walls   []RoomElement `json:"walls"`
	Doors   []RoomElement `json:"doors"`
	Roofs   []RoomElement `json:"roofs"`
	Crates  []RoomElement `json:"crates"`
	Pickups []RoomElement `json:"pickups"`
	Enemies []RoomElement `json:"enemies"`
}

type roomDoc struct {
	House    []RoomLayout `json:"house"`
	Hotel    []RoomLayout `json:"hotel"`
	Shop     []RoomLayout `json:"shop"`
	Clinic   []RoomLayout `json:"clinic"`
	Mechanic []RoomLayout `json:"mechanic"`
	Gunshop  []RoomLayout `json:"gunshop"`
}

func (d roomDoc) byArchetype() map[RoomArchetype][]RoomLayout {
	return map[RoomArchetype][]RoomLayout{
		RoomHouse:    d.House,
		RoomHotel:    d.Hotel,
		RoomShop:     d.Shop,
		RoomClinic:   d.Clinic,
		RoomMechanic: d.Mechanic,
		RoomGunshop:  d.Gunshop,
	}
}

// Graph is the precomputed navigation graph: node positions plus adjacency.
// Positions are in graph units.
type Graph struct {
	Points   []mgl64.Vec2 `json:"points"`
	Vertices [][]uint32   `json:"vertices"`

	longest float64
}

func (g *Graph) Len() int { return len(g.Points) }

// LongestEdge is the largest euclidean length of any edge, cached at load.
func (g *Graph) LongestEdge() float64 { return g.longest }

func (g *Graph) validate() error {
	if len(g.Points) == 0 {
		return fmt.Errorf("graph has no points")
	}
	if len(g.Points) != len(g.Vertices) {
		return fmt.Errorf("graph points/vertices length mismatch: %d != %d", len(g.Points), len(g.Vertices))
	}
	n := uint32(len(g.Points))
	for i, adj := range g.Vertices {
		for _, j := range adj {
			if j >= n {
				return fmt.Errorf("graph vertex %d references node %d out of range", i, j)
			}
		}
	}
	return nil
}

func (g *Graph) computeLongest() {
	longest := 0.0
	for i, adj := range g.Vertices {
		for _, j := range adj {
			d := g.Points[i].Sub(g.Points[j]).Len()
			if d > longest {
				longest = d
			}
		}
	}
	if longest <= 0 || math.IsNaN(longest) {
		longest = 1
	}
	g.longest = longest
}

// NewGraph builds a validated graph from raw points and adjacency. Used by tools
// and tests that construct graphs without files.
func NewGraph(points []mgl64.Vec2, vertices [][]uint32) (*Graph, error) {
	g := &Graph{Points: points, Vertices: vertices}
	if err := g.validate(); err != nil {
		return nil, err
	}
	g.computeLongest()
	return g, nil
}

type TilePoint struct {
	X    int `json:"x"`
	Y    int `json:"y"`
	Tile int `json:"tile"`
}

// TileLayer is a sparse tile dictionary keyed by "%04d_%04d" tile coordinates.
// Tile values are 1-based.
type TileLayer struct {
	XSize  int                  `json:"xsize"`
	YSize  int                  `json:"ysize"`
	Total  int                  `json:"total"`
	Points map[string]TilePoint `json:"points"`
}

func TileKey(x, y int) string {
	return fmt.Sprintf("%04d_%04d", x, y)
}

// Tile returns the 1-based tile index stored at (x, y).
func (l *TileLayer) Tile(x, y int) (int, bool) {
	if l == nil {
		return 0, false
	}
	p, ok := l.Points[TileKey(x, y)]
	if !ok {
		return 0, false
	}
	return p.Tile, true
}

func (l *TileLayer) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Points)
}

// TileLayerKind names one of the three source tile layers.
type TileLayerKind string

const (
	TilesIsland   TileLayerKind = "island"
	TilesMountain TileLayerKind = "mountain"
	TilesCement   TileLayerKind = "cement"
)

// WorldData is immutable after Load and safe for concurrent readers.
type WorldData struct {
	buildings []Building
	features  map[FeatureKind][]Feature
	land      *Feature
	sand      *Feature
	rooms     map[RoomArchetype][]RoomLayout
	graph     *Graph
	layers    map[TileLayerKind]*TileLayer
	digest    string
}

func (w *WorldData) Buildings() []Building { return w.buildings }

func (w *WorldData) Features(kind FeatureKind) []Feature { return w.features[kind] }

func (w *WorldData) LandOutline() *Feature { return w.land }
func (w *WorldData) SandOutline() *Feature { return w.sand }

func (w *WorldData) Rooms(a RoomArchetype) []RoomLayout { return w.rooms[a] }

func (w *WorldData) Graph() *Graph { return w.graph }

func (w *WorldData) Layer(kind TileLayerKind) *TileLayer { return w.layers[kind] }

// Digest is a sha256 over the raw loaded documents, in a fixed section order.
func (w *WorldData) Digest() string { return w.digest }

// Counts reports section sizes for logs and the index db.
func (w *WorldData) Counts() map[string]int {
	out := map[string]int{
		"buildings":   len(w.buildings),
		"graph_nodes": w.graph.Len(),
	}
	for _, k := range FeatureKinds {
		out[string(k)] = len(w.features[k])
	}
	for k, l := range w.layers {
		out["tiles_"+string(k)] = l.Len()
	}
	return out
}

// CountKeys returns the Counts keys sorted, for stable log output.
func CountKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// New assembles WorldData from already decoded parts. Load is the normal entry
// point; New exists for tests and tools that synthesize worlds in memory.
func New(buildings []Building, features map[FeatureKind][]Feature, rooms map[RoomArchetype][]RoomLayout, graph *Graph, layers map[TileLayerKind]*TileLayer) *WorldData {
	if features == nil {
		features = map[FeatureKind][]Feature{}
	}
	if rooms == nil {
		rooms = map[RoomArchetype][]RoomLayout{}
	}
	if layers == nil {
		layers = map[TileLayerKind]*TileLayer{}
	}
	if graph == nil {
		graph = &Graph{longest: 1}
	}
	return &WorldData{
		buildings: buildings,
		features:  features,
		rooms:     rooms,
		graph:     graph,
		layers:    layers,
	}
}
