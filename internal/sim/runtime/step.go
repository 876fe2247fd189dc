package runtime

import (
	"context"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"boracay.world/internal/sim/obstacle"
	"boracay.world/internal/sim/pathfind"
	"boracay.world/internal/sim/stream"
)

// TickEntry is what one tick produced. It is handed to every sink and then
// fanned out to observers.
type TickEntry struct {
	Tick     uint64            `json:"tick"`
	At       time.Time         `json:"at"`
	Batch    stream.Batch      `json:"batch"`
	// Cleared lists tracked features the host reported destroyed this tick.
	Cleared  []string          `json:"cleared,omitempty"`
	Paths    []pathfind.Result `json:"paths,omitempty"`
	Rejected []RejectedPath    `json:"rejected,omitempty"`
}

type RejectedPath struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error"`
}

func (e TickEntry) Empty() bool {
	return e.Batch.Empty() && len(e.Cleared) == 0 && len(e.Paths) == 0 && len(e.Rejected) == 0
}

func (r *Runtime) step(ctx context.Context, in Inputs, now time.Time) TickEntry {
	start := time.Now()
	tick := r.tick.Load()

	if in.Viewpoint != nil {
		v := *in.Viewpoint
		r.viewpoint = &v
	}
	if in.SetCollidables {
		r.collidables = in.Collidables
	}
	// Rebuilt every tick; boxes from an earlier tick are never reused.
	r.boxes = obstacle.Snapshot(r.collidables, r.frame)
	var cleared []string
	for _, id := range in.Clears {
		if r.stream.Clear(id) {
			delete(r.live, id)
			cleared = append(cleared, id)
		}
	}
	for _, t := range in.Timed {
		r.stream.MarkTimed(t.ID, t.Category, t.Deadline)
	}

	batch := r.stream.Step(r.viewpoint, now)
	for _, d := range batch.Despawns {
		delete(r.live, d.ID)
	}
	for _, s := range batch.Spawns {
		r.live[s.ID] = s
	}

	entry := TickEntry{Tick: tick, At: now, Batch: batch, Cleared: cleared}
	for _, req := range in.Paths {
		r.submitPath(ctx, req, &entry)
	}
	entry.Paths = r.paths.Poll(now)
	r.paths.Prune(now, r.cfg.KeepResults)

	r.publish(entry)
	r.broadcast(entry)
	for _, res := range entry.Paths {
		delete(r.pathOwners, res.ID)
	}

	r.tick.Add(1)
	r.updateMetrics(tick+1, time.Since(start))
	return entry
}

func (r *Runtime) submitPath(ctx context.Context, req PathRequest, entry *TickEntry) {
	q := pathfind.Query{ID: req.ID, Start: req.Start, Goal: req.Goal}
	if req.ByPosition {
		q.Start = r.nearestNode(req.From)
		q.Goal = r.nearestNode(req.To)
	}
	id, err := r.paths.Submit(ctx, q, r.boxes)
	if err != nil {
		r.pathRejected++
		r.log.Warn("path query rejected", zap.String("query", id), zap.String("session", req.SessionID), zap.Error(err))
		entry.Rejected = append(entry.Rejected, RejectedPath{ID: id, SessionID: req.SessionID, Error: err.Error()})
		if req.SessionID != "" {
			r.sendError(req.SessionID, "path_rejected", err.Error())
		}
		return
	}
	if req.SessionID != "" {
		r.pathOwners[id] = req.SessionID
	}
}

// nearestNode maps a world-frame position to the closest graph node, or to the
// index fallback while the index is still building.
func (r *Runtime) nearestNode(p mgl64.Vec2) pathfind.GraphPoint {
	i, _, _ := r.index.Nearest(r.frame.WorldToGraph(p))
	if i < 0 {
		i = 0
	}
	return pathfind.GraphPoint(i)
}

func (r *Runtime) publish(entry TickEntry) {
	if entry.Empty() {
		return
	}
	for _, s := range r.sinks {
		if err := s.WriteTick(entry); err != nil {
			r.sinkErrors++
			r.log.Warn("sink write failed", zap.Uint64("tick", entry.Tick), zap.Error(err))
		}
	}
}
