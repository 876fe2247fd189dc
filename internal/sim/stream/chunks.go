package stream

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"boracay.world/internal/sim/geom"
	"boracay.world/internal/sim/worlddata"
)

// ChunkLayer selects which tile layers feed a chunk.
type ChunkLayer int

const (
	// LayerTerrain is the island/grass layer.
	LayerTerrain ChunkLayer = iota
	// LayerMountainRoad overlays mountain tiles on cement tiles.
	LayerMountainRoad
)

var ChunkLayers = []ChunkLayer{LayerTerrain, LayerMountainRoad}

func (l ChunkLayer) String() string {
	switch l {
	case LayerTerrain:
		return "terrain"
	case LayerMountainRoad:
		return "mountain_road"
	default:
		return fmt.Sprintf("layer(%d)", int(l))
	}
}

func (l ChunkLayer) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// EmptyTile marks a cell with no entry in the source dictionary.
const EmptyTile int32 = -1

type ChunkKey struct {
	CX    int        `json:"cx"`
	CY    int        `json:"cy"`
	Layer ChunkLayer `json:"layer"`
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%s:%d:%d", k.Layer, k.CX, k.CY)
}

func chunkKeyLess(a, b ChunkKey) bool {
	if a.Layer != b.Layer {
		return a.Layer < b.Layer
	}
	if a.CY != b.CY {
		return a.CY < b.CY
	}
	return a.CX < b.CX
}

// Chunk is an immutable Size x Size grid of 0-based texture indices.
type Chunk struct {
	Key    ChunkKey   `json:"key"`
	Size   int        `json:"size"`
	Tiles  []int32    `json:"tiles"` // x fastest, then y
	Center mgl64.Vec2 `json:"center"`

	hash [32]byte
}

func (c *Chunk) At(x, y int) int32 {
	if x < 0 || y < 0 || x >= c.Size || y >= c.Size {
		return EmptyTile
	}
	return c.Tiles[x+y*c.Size]
}

func (c *Chunk) Digest() [32]byte { return c.hash }

func (c *Chunk) DigestHex() string { return fmt.Sprintf("%x", c.hash) }

func (c *Chunk) computeDigest() {
	h := sha256.New()
	var tmp [4]byte
	for _, v := range c.Tiles {
		binary.LittleEndian.PutUint32(tmp[:], uint32(v))
		h.Write(tmp[:])
	}
	copy(c.hash[:], h.Sum(nil))
}

// tileOf maps a world position to tile dictionary coordinates.
func (t TileConfig) tileOf(p mgl64.Vec2) (int, int) {
	tx := int(math.Floor(p.X()/t.TileSize)) + t.PaddingX
	ty := int(math.Floor(p.Y()/t.TileSize)) + t.PaddingY
	return tx, ty
}

func (t TileConfig) chunkOf(p mgl64.Vec2) (int, int) {
	tx, ty := t.tileOf(p)
	return geom.FloorDiv(tx, t.ChunkTiles), geom.FloorDiv(ty, t.ChunkTiles)
}

func (t TileConfig) chunkCenter(cx, cy int) mgl64.Vec2 {
	n := t.ChunkTiles
	half := float64(n) * t.TileSize / 2
	return mgl64.Vec2{
		float64(cx*n-t.PaddingX)*t.TileSize + half,
		float64(cy*n-t.PaddingY)*t.TileSize + half,
	}
}

// buildChunk is a pure function of the world data and the key.
func buildChunk(w *worlddata.WorldData, t TileConfig, key ChunkKey) *Chunk {
	n := t.ChunkTiles
	ch := &Chunk{
		Key:    key,
		Size:   n,
		Tiles:  make([]int32, n*n),
		Center: t.chunkCenter(key.CX, key.CY),
	}
	island := w.Layer(worlddata.TilesIsland)
	mountain := w.Layer(worlddata.TilesMountain)
	cement := w.Layer(worlddata.TilesCement)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			tx := key.CX*n + x
			ty := key.CY*n + y
			v := EmptyTile
			switch key.Layer {
			case LayerTerrain:
				if tile, ok := island.Tile(tx, ty); ok {
					v = int32(tile - 1)
				}
			case LayerMountainRoad:
				if tile, ok := mountain.Tile(tx, ty); ok {
					v = int32(tile - 1)
				} else if tile, ok := cement.Tile(tx, ty); ok {
					v = int32(tile - 1 + t.RoadTileOffset)
				}
			}
			ch.Tiles[x+y*n] = v
		}
	}
	ch.computeDigest()
	return ch
}

// retireChunks drops every loaded chunk whose center is farther than
// RetireDistance from vp. Runs every tick.
func (m *Manager) retireChunks(vp mgl64.Vec2, b *Batch) {
	limit := m.cfg.Tiles.RetireDistance
	var gone []ChunkKey
	for key, ch := range m.chunks {
		if geom.DistSq(ch.Center, vp) > limit*limit {
			gone = append(gone, key)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return chunkKeyLess(gone[i], gone[j]) })
	for _, key := range gone {
		delete(m.chunks, key)
		m.stats.ChunksDespawned++
		b.Chunks = append(b.Chunks, ChunkEvent{Kind: ChunkDespawned, Key: key})
	}
}

// spawnChunks creates the chunks around vp that are within RetireDistance,
// always including the chunk containing vp.
func (m *Manager) spawnChunks(vp mgl64.Vec2, b *Batch) {
	t := m.cfg.Tiles
	cx, cy := t.chunkOf(vp)
	r := t.NeighborRadius
	limit := t.RetireDistance
	for _, layer := range ChunkLayers {
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				key := ChunkKey{CX: cx + dx, CY: cy + dy, Layer: layer}
				if _, ok := m.chunks[key]; ok {
					continue
				}
				own := dx == 0 && dy == 0
				if !own && geom.DistSq(t.chunkCenter(key.CX, key.CY), vp) > limit*limit {
					continue
				}
				ch := buildChunk(m.world, t, key)
				m.chunks[key] = ch
				m.stats.ChunksSpawned++
				b.Chunks = append(b.Chunks, ChunkEvent{Kind: ChunkSpawned, Key: key, Chunk: ch})
			}
		}
	}
}

// LoadedChunks returns the keys of every loaded chunk, sorted.
func (m *Manager) LoadedChunks() []ChunkKey {
	out := make([]ChunkKey, 0, len(m.chunks))
	for k := range m.chunks {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return chunkKeyLess(out[i], out[j]) })
	return out
}

func (m *Manager) Chunk(key ChunkKey) (*Chunk, bool) {
	ch, ok := m.chunks[key]
	return ch, ok
}
