package stream

import (
	"math/rand"
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"boracay.world/internal/sim/geom"
	"boracay.world/internal/sim/worlddata"
)

// retention records how a materialized (or suppressed) id leaves the world.
type retention struct {
	category Category
	circle   DespawnCircle
	deadline time.Time
	timed    bool
}

func (r retention) due(vp mgl64.Vec2, now time.Time) (DespawnReason, bool) {
	if r.timed {
		return ReasonDeadline, !now.Before(r.deadline)
	}
	camera := geom.Circle{Center: vp, Radius: r.circle.CameraRadius}
	feature := geom.Circle{Center: r.circle.Center, Radius: r.circle.FeatureRadius}
	return ReasonOutOfRange, !camera.Overlaps(feature)
}

type CategoryStats struct {
	Evaluations uint64 `json:"evaluations"`
	Skipped     uint64 `json:"skipped"`
	Spawned     uint64 `json:"spawned"`
	Despawned   uint64 `json:"despawned"`
}

type Stats struct {
	Categories      [numCategories]CategoryStats `json:"categories"`
	Suppressed      uint64                       `json:"suppressed"`
	ChunksSpawned   uint64                       `json:"chunks_spawned"`
	ChunksDespawned uint64                       `json:"chunks_despawned"`
	Tracked         int                          `json:"tracked"`
	LoadedChunks    int                          `json:"loaded_chunks"`
}

func (s Stats) For(c Category) CategoryStats {
	if c < 0 || c >= numCategories {
		return CategoryStats{}
	}
	return s.Categories[c]
}

type Options struct {
	// Rand drives spawn-marker rolls and room layout picks. Nil seeds a new
	// source from Seed.
	Rand   *rand.Rand
	Seed   int64
	Logger *zap.Logger
}

// Manager decides, once per tick, which features must exist near the
// viewpoint. It owns the tracker, retention records, per-category last
// evaluated positions and the chunk table. Not safe for concurrent use.
type Manager struct {
	cfg   Config
	world *worlddata.WorldData
	frame geom.Frame
	rng   *rand.Rand
	log   *zap.Logger

	tracker    *Tracker
	retain     map[string]retention
	suppressed map[string]retention

	last    [numCategories]mgl64.Vec2
	hasLast [numCategories]bool

	chunks map[ChunkKey]*Chunk

	stats Stats
}

func NewManager(w *worlddata.WorldData, cfg Config, opts Options) *Manager {
	if cfg.MapScale <= 0 {
		cfg.MapScale = 1
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if hd := cfg.Tiles.chunkHalfDiagonal(); cfg.Tiles.RetireDistance <= hd {
		log.Warn("chunk retire distance below chunk half diagonal; raising it",
			zap.Float64("retire_distance", cfg.Tiles.RetireDistance),
			zap.Float64("half_diagonal", hd))
		cfg.Tiles.RetireDistance = hd + cfg.Tiles.TileSize
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(opts.Seed))
	}
	return &Manager{
		cfg:        cfg,
		world:      w,
		frame:      geom.Frame{Scale: cfg.MapScale},
		rng:        rng,
		log:        log,
		tracker:    NewTracker(),
		retain:     map[string]retention{},
		suppressed: map[string]retention{},
		chunks:     map[ChunkKey]*Chunk{},
	}
}

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) Tracker() *Tracker { return m.tracker }

// Step runs one streaming pass. A nil viewpoint is a no-op. Retirement runs
// first and is never trigger gated; each category is then evaluated only if
// the viewpoint moved at least its trigger radius since its last evaluation.
func (m *Manager) Step(vp *mgl64.Vec2, now time.Time) Batch {
	b := Batch{At: now}
	if vp == nil {
		return b
	}
	p := *vp
	b.Viewpoint = p

	m.retire(p, now, &b)
	m.retireChunks(p, &b)

	for _, c := range FeatureCategories {
		if !m.gate(c, p) {
			continue
		}
		b.Evaluated = append(b.Evaluated, c)
		switch c {
		case CategoryBuildings:
			m.streamBuildings(p, &b)
		case CategoryMountains:
			m.streamOutlines(CategoryMountains, worlddata.KindMountain, p, &b)
		case CategoryForests:
			m.streamOutlines(CategoryForests, worlddata.KindForest, p, &b)
		case CategoryGrassfields:
			m.streamOutlines(CategoryGrassfields, worlddata.KindGrassfield, p, &b)
		case CategoryRoads:
			m.streamRoads(p, &b)
		}
	}
	if m.gate(CategoryTiles, p) {
		b.Evaluated = append(b.Evaluated, CategoryTiles)
		m.spawnChunks(p, &b)
	}
	return b
}

// gate reports whether category c should be evaluated at p, and records p as
// the category's last evaluated position when it should.
func (m *Manager) gate(c Category, p mgl64.Vec2) bool {
	trigger := m.cfg.Category(c).TriggerRadius
	if m.hasLast[c] && geom.Dist(m.last[c], p) < trigger {
		m.stats.Categories[c].Skipped++
		return false
	}
	m.last[c] = p
	m.hasLast[c] = true
	m.stats.Categories[c].Evaluations++
	return true
}

func (m *Manager) spawn(b *Batch, in SpawnIntent) {
	if m.tracker.Contains(in.ID) {
		return
	}
	m.tracker.MarkSpawned(in.ID)
	m.retain[in.ID] = retention{category: in.Category, circle: in.Despawn}
	m.stats.Categories[in.Category].Spawned++
	b.Spawns = append(b.Spawns, in)
}

func (m *Manager) retire(vp mgl64.Vec2, now time.Time, b *Batch) {
	if len(m.retain) > 0 {
		ids := make([]string, 0, len(m.retain))
		for id := range m.retain {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			r := m.retain[id]
			reason, ok := r.due(vp, now)
			if !ok {
				continue
			}
			delete(m.retain, id)
			m.tracker.Clear(id)
			m.stats.Categories[r.category].Despawned++
			b.Despawns = append(b.Despawns, DespawnIntent{ID: id, Category: r.category, Reason: reason})
		}
	}
	for id, r := range m.suppressed {
		if _, ok := r.due(vp, now); ok {
			delete(m.suppressed, id)
		}
	}
}

// MarkTimed tracks an externally spawned feature that retires at deadline
// regardless of the viewpoint.
func (m *Manager) MarkTimed(id string, c Category, deadline time.Time) {
	m.tracker.MarkSpawned(id)
	m.retain[id] = retention{category: c, deadline: deadline, timed: true}
}

// Clear forgets id after the host destroyed it out of band. Reports whether
// the id was known.
func (m *Manager) Clear(id string) bool {
	known := m.tracker.Contains(id)
	if _, ok := m.suppressed[id]; ok {
		known = true
	}
	m.tracker.Clear(id)
	delete(m.retain, id)
	delete(m.suppressed, id)
	return known
}

func (m *Manager) Stats() Stats {
	st := m.stats
	st.Tracked = m.tracker.Len()
	st.LoadedChunks = len(m.chunks)
	return st
}
