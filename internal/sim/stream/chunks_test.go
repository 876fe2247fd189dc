package stream

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"boracay.world/internal/sim/geom"
	"boracay.world/internal/sim/worlddata"
)

func layer(points ...worlddata.TilePoint) *worlddata.TileLayer {
	l := &worlddata.TileLayer{Points: map[string]worlddata.TilePoint{}}
	for _, p := range points {
		l.Points[worlddata.TileKey(p.X, p.Y)] = p
	}
	l.Total = len(points)
	return l
}

func tileWorld() *worlddata.WorldData {
	return worlddata.New(nil, nil, nil, nil, map[worlddata.TileLayerKind]*worlddata.TileLayer{
		worlddata.TilesIsland: layer(
			worlddata.TilePoint{X: 13, Y: 224, Tile: 5},
			worlddata.TilePoint{X: 14, Y: 224, Tile: 6},
			worlddata.TilePoint{X: 20, Y: 230, Tile: 1},
		),
		worlddata.TilesMountain: layer(worlddata.TilePoint{X: 13, Y: 224, Tile: 3}),
		worlddata.TilesCement: layer(
			worlddata.TilePoint{X: 13, Y: 224, Tile: 2},
			worlddata.TilePoint{X: 15, Y: 225, Tile: 4},
		),
	})
}

func TestChunkOfOrigin(t *testing.T) {
	tc := DefaultConfig().Tiles
	tx, ty := tc.tileOf(mgl64.Vec2{0, 0})
	if tx != 13 || ty != 224 {
		t.Fatalf("tileOf origin: (%d,%d)", tx, ty)
	}
	if tx, ty := tc.tileOf(mgl64.Vec2{-1, -1}); tx != 12 || ty != 223 {
		t.Fatalf("tileOf just below origin: (%d,%d)", tx, ty)
	}
	cx, cy := tc.chunkOf(mgl64.Vec2{0, 0})
	if cx != 0 || cy != 14 {
		t.Fatalf("chunkOf origin: (%d,%d)", cx, cy)
	}
	// The chunk containing a point has its center within half a diagonal.
	for _, p := range []mgl64.Vec2{{0, 0}, {-5000, 1234}, {777, -9999}} {
		cx, cy := tc.chunkOf(p)
		if d := geom.Dist(tc.chunkCenter(cx, cy), p); d > tc.chunkHalfDiagonal() {
			t.Fatalf("point %v is %.1f from its chunk center", p, d)
		}
	}
}

func TestBuildChunkLayers(t *testing.T) {
	w := tileWorld()
	tc := DefaultConfig().Tiles

	terrain := buildChunk(w, tc, ChunkKey{CX: 0, CY: 14, Layer: LayerTerrain})
	if terrain.At(13, 0) != 4 || terrain.At(14, 0) != 5 {
		t.Fatalf("terrain cells: %d %d", terrain.At(13, 0), terrain.At(14, 0))
	}
	if terrain.At(0, 0) != EmptyTile || terrain.At(-1, 0) != EmptyTile {
		t.Fatalf("absent cells must be empty")
	}

	mr := buildChunk(w, tc, ChunkKey{CX: 0, CY: 14, Layer: LayerMountainRoad})
	if mr.At(13, 0) != 2 {
		t.Fatalf("mountain tile should win over cement: %d", mr.At(13, 0))
	}
	if mr.At(15, 1) != 3+14 {
		t.Fatalf("cement tile offset: %d", mr.At(15, 1))
	}
}

func TestChunkSymmetry(t *testing.T) {
	m := newTestManager(tileWorld(), 1)
	b := m.Step(vec(0, 0), t0)

	first := map[ChunkKey][32]byte{}
	for _, ev := range b.Chunks {
		if ev.Kind != ChunkSpawned {
			t.Fatalf("unexpected chunk event %+v", ev)
		}
		first[ev.Key] = ev.Chunk.Digest()
	}
	own := ChunkKey{CX: 0, CY: 14, Layer: LayerTerrain}
	if _, ok := first[own]; !ok {
		t.Fatalf("own chunk not spawned; got %v", m.LoadedChunks())
	}
	for _, k := range m.LoadedChunks() {
		ch, _ := m.Chunk(k)
		ownCell := k.CX == 0 && k.CY == 14
		if !ownCell && geom.Dist(ch.Center, mgl64.Vec2{0, 0}) > m.cfg.Tiles.RetireDistance {
			t.Fatalf("chunk %v spawned beyond retire distance", k)
		}
	}

	b = m.Step(vec(20000, 0), t0)
	gone := 0
	for _, ev := range b.Chunks {
		if ev.Kind == ChunkDespawned {
			if _, ok := first[ev.Key]; !ok {
				t.Fatalf("despawned unknown chunk %v", ev.Key)
			}
			gone++
		}
	}
	if gone != len(first) {
		t.Fatalf("expected all %d chunks retired, got %d", len(first), gone)
	}

	b = m.Step(vec(0, 0), t0)
	again := map[ChunkKey][32]byte{}
	for _, ev := range b.Chunks {
		if ev.Kind == ChunkSpawned {
			again[ev.Key] = ev.Chunk.Digest()
		}
	}
	if len(again) != len(first) {
		t.Fatalf("returned with %d chunks, first visit had %d", len(again), len(first))
	}
	for k, d := range first {
		if again[k] != d {
			t.Fatalf("chunk %v digest changed after despawn/return", k)
		}
	}
}

func TestChunksNotRetiredWhileInRange(t *testing.T) {
	m := newTestManager(tileWorld(), 1)
	m.Step(vec(0, 0), t0)
	n := len(m.LoadedChunks())
	// Below the tile trigger: no creation pass, and nothing leaves range.
	b := m.Step(vec(10, 10), t0)
	if len(b.Chunks) != 0 || len(m.LoadedChunks()) != n {
		t.Fatalf("small move changed chunks: %+v", b.Chunks)
	}
}
