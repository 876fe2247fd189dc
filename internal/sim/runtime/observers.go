package runtime

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"boracay.world/internal/observerproto"
	"boracay.world/internal/sim/encoding"
	"boracay.world/internal/sim/pathfind"
	"boracay.world/internal/sim/stream"
)

// ObserverJoinRequest registers an observer session. Messages for the session
// are written to Out without blocking; a full Out drops the message.
type ObserverJoinRequest struct {
	SessionID string
	Out       chan []byte

	Categories []string
	Chunks     bool
}

// ObserverSubscribeRequest updates what an existing session receives.
type ObserverSubscribeRequest struct {
	SessionID  string
	Categories []string
	Chunks     bool
}

type observerClient struct {
	id  string
	out chan []byte

	categories map[string]bool // empty: all
	chunks     bool

	dropped uint64
}

func (c *observerClient) wants(category string) bool {
	return len(c.categories) == 0 || c.categories[category]
}

func categorySet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func (r *Runtime) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.Out == nil {
		return
	}
	c := &observerClient{
		id:         req.SessionID,
		out:        req.Out,
		categories: categorySet(req.Categories),
		chunks:     req.Chunks,
	}
	r.observers[c.id] = c
	r.log.Info("observer joined", zap.String("session", c.id), zap.Int("observers", len(r.observers)))

	r.send(c, encode(observerproto.HelloMsg{
		Type:            observerproto.TypeHello,
		ProtocolVersion: observerproto.Version,
		SessionID:       c.id,
		Tick:            r.tick.Load(),
		TickRateHz:      r.cfg.TickRateHz,
		MapScale:        r.cfg.MapScale,
		GraphNodes:      r.world.Graph().Len(),
		WorldDigest:     r.world.Digest(),
		ChunkTiles:      r.stream.Config().Tiles.ChunkTiles,
		TileSize:        r.stream.Config().Tiles.TileSize,
	}))
	r.replayLive(c)
}

func (r *Runtime) handleObserverSubscribe(req ObserverSubscribeRequest) {
	c := r.observers[req.SessionID]
	if c == nil {
		return
	}
	hadChunks := c.chunks
	c.categories = categorySet(req.Categories)
	c.chunks = req.Chunks
	if c.chunks && !hadChunks {
		for _, key := range r.stream.LoadedChunks() {
			if ch, ok := r.stream.Chunk(key); ok {
				r.send(c, encodeChunk(ch))
			}
		}
	}
}

func (r *Runtime) handleObserverLeave(id string) {
	if _, ok := r.observers[id]; !ok {
		return
	}
	delete(r.observers, id)
	for q, owner := range r.pathOwners {
		if owner == id {
			delete(r.pathOwners, q)
		}
	}
	r.log.Info("observer left", zap.String("session", id), zap.Int("observers", len(r.observers)))
}

// replayLive sends everything currently materialized to a new session.
func (r *Runtime) replayLive(c *observerClient) {
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	msg := observerproto.StreamBatchMsg{
		Type:            observerproto.TypeStreamBatch,
		ProtocolVersion: observerproto.Version,
		Tick:            r.tick.Load(),
	}
	if r.viewpoint != nil {
		msg.Viewpoint = *r.viewpoint
	}
	for _, id := range ids {
		s := r.live[id]
		if c.wants(s.Category.String()) {
			msg.Spawns = append(msg.Spawns, wireSpawn(s))
		}
	}
	if len(msg.Spawns) > 0 {
		r.send(c, encode(msg))
	}
	if c.chunks {
		for _, key := range r.stream.LoadedChunks() {
			if ch, ok := r.stream.Chunk(key); ok {
				r.send(c, encodeChunk(ch))
			}
		}
	}
}

func (r *Runtime) broadcast(entry TickEntry) {
	if len(r.observers) == 0 {
		return
	}
	b := entry.Batch

	var chunkMsgs [][]byte
	for _, ev := range b.Chunks {
		switch ev.Kind {
		case stream.ChunkSpawned:
			chunkMsgs = append(chunkMsgs, encodeChunk(ev.Chunk))
		case stream.ChunkDespawned:
			chunkMsgs = append(chunkMsgs, encode(observerproto.ChunkEvictMsg{
				Type:            observerproto.TypeChunkEvict,
				ProtocolVersion: observerproto.Version,
				Layer:           ev.Key.Layer.String(),
				CX:              ev.Key.CX,
				CY:              ev.Key.CY,
			}))
		}
	}

	var all []byte
	for _, id := range r.observerIDs() {
		c := r.observers[id]
		if len(b.Spawns) > 0 || len(b.Despawns) > 0 {
			if len(c.categories) == 0 {
				if all == nil {
					all = encode(batchMsg(entry.Tick, b, c))
				}
				r.send(c, all)
			} else if msg := batchMsg(entry.Tick, b, c); len(msg.Spawns) > 0 || len(msg.Despawns) > 0 {
				r.send(c, encode(msg))
			}
		}
		if c.chunks {
			for _, m := range chunkMsgs {
				r.send(c, m)
			}
		}
	}

	for _, res := range entry.Paths {
		owner, ok := r.pathOwners[res.ID]
		if !ok {
			continue
		}
		if c := r.observers[owner]; c != nil {
			r.send(c, encode(r.pathResultMsg(entry.Tick, res)))
		}
	}
}

func (r *Runtime) observerIDs() []string {
	ids := make([]string, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Runtime) send(c *observerClient, b []byte) {
	if b == nil {
		return
	}
	select {
	case c.out <- b:
	default:
		c.dropped++
		r.observerDropped++
	}
}

func (r *Runtime) sendError(sessionID, code, message string) {
	c := r.observers[sessionID]
	if c == nil {
		return
	}
	r.send(c, encode(observerproto.ErrorMsg{
		Type:            observerproto.TypeError,
		ProtocolVersion: observerproto.Version,
		Code:            code,
		Message:         message,
	}))
}

func batchMsg(tick uint64, b stream.Batch, c *observerClient) observerproto.StreamBatchMsg {
	msg := observerproto.StreamBatchMsg{
		Type:            observerproto.TypeStreamBatch,
		ProtocolVersion: observerproto.Version,
		Tick:            tick,
		Viewpoint:       b.Viewpoint,
	}
	for _, s := range b.Spawns {
		if c.wants(s.Category.String()) {
			msg.Spawns = append(msg.Spawns, wireSpawn(s))
		}
	}
	for _, d := range b.Despawns {
		if c.wants(d.Category.String()) {
			msg.Despawns = append(msg.Despawns, observerproto.Despawn{
				ID:       d.ID,
				Category: d.Category.String(),
				Reason:   string(d.Reason),
			})
		}
	}
	return msg
}

func wireSpawn(s stream.SpawnIntent) observerproto.Spawn {
	return observerproto.Spawn{
		ID:            s.ID,
		Category:      s.Category.String(),
		Kind:          s.Payload.Kind(),
		Position:      s.Position,
		Size:          s.Size,
		Center:        s.Despawn.Center,
		CameraRadius:  s.Despawn.CameraRadius,
		FeatureRadius: s.Despawn.FeatureRadius,
		Payload:       s.Payload,
	}
}

func (r *Runtime) pathResultMsg(tick uint64, res pathfind.Result) observerproto.PathResultMsg {
	msg := observerproto.PathResultMsg{
		Type:            observerproto.TypePathResult,
		ProtocolVersion: observerproto.Version,
		Tick:            tick,
		ID:              res.ID,
		State:           res.State.String(),
		Reason:          res.Reason,
		Path:            make([]uint32, len(res.Path)),
		Cost:            res.Cost,
	}
	for i, n := range res.Path {
		msg.Path[i] = uint32(n)
	}
	for _, p := range pathfind.Positions(r.world.Graph(), res.Path) {
		msg.Positions = append(msg.Positions, r.frame.GraphToWorld(p))
	}
	return msg
}

func encodeChunk(ch *stream.Chunk) []byte {
	enc, data := encoding.EncodeTiles(ch.Tiles)
	return encode(observerproto.ChunkTilesMsg{
		Type:            observerproto.TypeChunkTiles,
		ProtocolVersion: observerproto.Version,
		Layer:           ch.Key.Layer.String(),
		CX:              ch.Key.CX,
		CY:              ch.Key.CY,
		Size:            ch.Size,
		Center:          ch.Center,
		Encoding:        enc,
		Data:            data,
		Digest:          ch.DigestHex(),
	})
}

// encode returns nil when v cannot be marshalled (NaN coordinates in the
// source data); send skips nil messages.
func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
