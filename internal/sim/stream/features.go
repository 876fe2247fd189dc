package stream

import (
	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"boracay.world/internal/sim/geom"
	"boracay.world/internal/sim/worlddata"
)

// Buildings with these types are terrain placeholders in the map export.
var skipBuildingTypes = map[string]bool{
	"mountain": true,
	"forest":   true,
	"road":     true,
}

func roomFor(bldgType string) worlddata.RoomArchetype {
	switch bldgType {
	case "home":
		return worlddata.RoomSafeHouse
	case "loot":
		return worlddata.RoomHouse
	case "big":
		return worlddata.RoomHotel
	case "market":
		return worlddata.RoomShop
	case "clinic":
		return worlddata.RoomClinic
	case "mechanic":
		return worlddata.RoomMechanic
	case "gunshop":
		return worlddata.RoomGunshop
	default:
		return worlddata.RoomHouse
	}
}

func (m *Manager) streamBuildings(vp mgl64.Vec2, b *Batch) {
	cfg := m.cfg.Category(CategoryBuildings)
	view := geom.Circle{Center: vp, Radius: cfg.SpawnRadius}
	for _, bl := range m.world.Buildings() {
		if skipBuildingTypes[bl.BldgType] {
			continue
		}
		center := m.frame.DataToWorld(bl.Center)
		radius := m.frame.Length(bl.Radius)
		if !view.Overlaps(geom.Circle{Center: center, Radius: radius}) || m.tracker.Contains(bl.ID) {
			continue
		}
		room := roomFor(bl.BldgType)
		layout := -1
		if n := len(m.world.Rooms(room)); n > 0 {
			layout = m.rng.Intn(n)
		}
		m.spawn(b, SpawnIntent{
			ID:       bl.ID,
			Category: CategoryBuildings,
			Position: center,
			Size:     mgl64.Vec2{m.frame.Length(bl.Width), m.frame.Length(bl.Height)},
			Despawn: DespawnCircle{
				Center:        center,
				CameraRadius:  cfg.SpawnRadius * cfg.CameraMargin,
				FeatureRadius: radius * cfg.FeatureMargin,
			},
			Payload: BuildingPayload{
				BuildingType: bl.BldgType,
				Room:         room,
				LayoutIndex:  layout,
				Radius:       radius,
			},
		})
	}
}

// streamOutlines handles the polygon categories. Forests and grassfields also
// evaluate the sub-points of every overlapping cluster, whether or not the
// outline itself is already materialized.
func (m *Manager) streamOutlines(c Category, kind worlddata.FeatureKind, vp mgl64.Vec2, b *Batch) {
	cfg := m.cfg.Category(c)
	view := geom.Circle{Center: vp, Radius: cfg.SpawnRadius}
	composite := c == CategoryForests || c == CategoryGrassfields
	for i := range m.world.Features(kind) {
		f := &m.world.Features(kind)[i]
		center := m.frame.DataToWorld(f.Center)
		radius := m.frame.Length(f.Radius)
		if !view.Overlaps(geom.Circle{Center: center, Radius: radius}) {
			continue
		}
		if composite {
			m.streamSubPoints(c, f, vp, b)
		}
		if m.tracker.Contains(f.ID) {
			continue
		}
		outline := f.PointsLess
		if len(outline) == 0 {
			outline = f.Points
		}
		m.spawn(b, SpawnIntent{
			ID:       f.ID,
			Category: c,
			Position: m.frame.DataToWorld(f.Start),
			Despawn: DespawnCircle{
				Center:        center,
				CameraRadius:  cfg.SpawnRadius * cfg.CameraMargin,
				FeatureRadius: radius * cfg.FeatureMargin,
			},
			Payload: PolygonPayload{
				Outline:    m.toWorld(outline),
				Style:      cfg.Outline,
				Collidable: c == CategoryMountains,
			},
		})
	}
}

func (m *Manager) streamSubPoints(c Category, f *worlddata.Feature, vp mgl64.Vec2, b *Batch) {
	cfg := m.cfg.Category(c)
	view := geom.Circle{Center: vp, Radius: cfg.SubSpawnRadius}
	start := m.frame.DataToWorld(f.Start)
	for _, sp := range f.PointsData {
		pos := start.Add(m.frame.DataToWorld(sp.Center))
		if !view.Overlaps(geom.Circle{Center: pos, Radius: cfg.SubPointRadius}) {
			continue
		}
		if m.tracker.Contains(sp.ID) {
			continue
		}
		if _, ok := m.suppressed[sp.ID]; ok {
			continue
		}
		switch sp.PointType {
		case worlddata.PointTree:
			m.spawn(b, SpawnIntent{
				ID:       sp.ID,
				Category: c,
				Position: pos,
				Size:     mgl64.Vec2{cfg.TreeSize, cfg.TreeSize},
				Despawn: DespawnCircle{
					Center:        pos,
					CameraRadius:  cfg.SubSpawnRadius,
					FeatureRadius: cfg.SubRetainRadius,
				},
				Payload: TreePayload{ClusterID: f.ID, InternalRadiusRatio: 0.20},
			})
		case worlddata.PointSpawn:
			circle := DespawnCircle{
				Center:        pos,
				CameraRadius:  cfg.SubSpawnRadius,
				FeatureRadius: cfg.SubPointRadius,
			}
			if m.rng.Float64() >= m.cfg.SpawnProbability {
				// Rolled once for this visit; retried after the viewpoint leaves.
				m.suppressed[sp.ID] = retention{category: c, circle: circle}
				m.stats.Suppressed++
				continue
			}
			m.spawn(b, SpawnIntent{
				ID:       sp.ID,
				Category: c,
				Position: pos,
				Size:     mgl64.Vec2{cfg.MarkerSize, cfg.MarkerSize},
				Despawn:  circle,
				Payload:  SpawnMarkerPayload{ClusterID: f.ID},
			})
		default:
			m.log.Debug("unknown sub-point type", zap.String("id", sp.ID), zap.String("type", sp.PointType))
		}
	}
}

func (m *Manager) streamRoads(vp mgl64.Vec2, b *Batch) {
	cfg := m.cfg.Category(CategoryRoads)
	view := geom.Circle{Center: vp, Radius: cfg.SpawnRadius}
	for _, f := range m.world.Features(worlddata.KindRoad) {
		center := m.frame.DataToWorld(f.Center)
		radius := m.frame.Length(f.Radius)
		if !view.Overlaps(geom.Circle{Center: center, Radius: radius}) || m.tracker.Contains(f.ID) {
			continue
		}
		m.spawn(b, SpawnIntent{
			ID:       f.ID,
			Category: CategoryRoads,
			Position: m.frame.DataToWorld(f.Start),
			Despawn: DespawnCircle{
				Center:        center,
				CameraRadius:  cfg.SpawnRadius * cfg.CameraMargin,
				FeatureRadius: radius * cfg.FeatureMargin,
			},
			Payload: RoadPayload{
				Path:  m.toWorld(f.Points),
				Width: m.frame.Length(cfg.RoadWidth),
				Style: cfg.Outline,
			},
		})
	}
}

// toWorld converts outline points (relative to the feature start) into world
// offsets. The returned slice is freshly allocated.
func (m *Manager) toWorld(pts []mgl64.Vec2) []mgl64.Vec2 {
	out := make([]mgl64.Vec2, len(pts))
	for i, p := range pts {
		out[i] = m.frame.DataToWorld(p)
	}
	return out
}
