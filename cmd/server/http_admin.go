package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"boracay.world/internal/persistence/indexdb"
	"boracay.world/internal/sim/pathfind"
	"boracay.world/internal/sim/runtime"
	"boracay.world/internal/sim/stream"
	"boracay.world/internal/transport/observer"
)

type adminAPI struct {
	rt    *runtime.Runtime
	idx   *indexdb.SQLiteIndex // nil when the index is disabled
	obs   *observer.Server
	async []*runtime.AsyncSink
	log   *zap.Logger
}

func (a *adminAPI) register(mux *http.ServeMux, enableAdmin, enablePprof bool) {
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", a.handleMetrics)

	if enableAdmin {
		// Local-only; none of these bypass the tick loop.
		mux.HandleFunc("GET /admin/v1/state", localOnly(a.handleState))
		mux.HandleFunc("POST /admin/v1/viewpoint", localOnly(a.handleViewpoint))
		mux.HandleFunc("POST /admin/v1/paths", localOnly(a.handleSubmitPath))
		mux.HandleFunc("GET /admin/v1/paths/{id}", localOnly(a.handlePathResult))
		mux.HandleFunc("POST /admin/v1/features/{id}/clear", localOnly(a.handleClear))
		mux.HandleFunc("POST /admin/v1/features/timed", localOnly(a.handleTimed))
		mux.HandleFunc("/admin/v1/observer/bootstrap", a.obs.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", a.obs.WSHandler())
	} else {
		a.log.Info("admin endpoints disabled (BW_ENABLE_ADMIN_HTTP=false)")
	}

	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

func localOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func (a *adminAPI) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	m := a.rt.Metrics()
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	gauge(rw, "boracay_tick", "Current runtime tick.", float64(m.Tick))
	gauge(rw, "boracay_step_ms", "Last tick step duration in milliseconds.", m.StepMS)
	gauge(rw, "boracay_live_features", "Spawned features currently materialized.", float64(m.Live))
	gauge(rw, "boracay_tracked_features", "Features inside their retention radius.", float64(m.Stream.Tracked))
	gauge(rw, "boracay_loaded_chunks", "Loaded tile chunk count.", float64(m.Stream.LoadedChunks))
	gauge(rw, "boracay_obstacles", "Obstacle boxes used by path queries.", float64(m.Obstacles))
	gauge(rw, "boracay_observers", "Observer sessions joined to the runtime.", float64(m.Observers))
	if a.obs != nil {
		gauge(rw, "boracay_observer_connections", "Open observer websocket connections.", float64(a.obs.Sessions()))
	}
	gauge(rw, "boracay_spatial_index_ready", "1 once the nearest-node index is built.", boolGauge(m.IndexReady))

	fmt.Fprintf(rw, "# HELP boracay_stream_category_total Per-category streaming counters.\n")
	fmt.Fprintf(rw, "# TYPE boracay_stream_category_total counter\n")
	for _, c := range stream.FeatureCategories {
		cs := m.Stream.For(c)
		fmt.Fprintf(rw, "boracay_stream_category_total{category=%q,event=\"evaluated\"} %d\n", c.String(), cs.Evaluations)
		fmt.Fprintf(rw, "boracay_stream_category_total{category=%q,event=\"skipped\"} %d\n", c.String(), cs.Skipped)
		fmt.Fprintf(rw, "boracay_stream_category_total{category=%q,event=\"spawned\"} %d\n", c.String(), cs.Spawned)
		fmt.Fprintf(rw, "boracay_stream_category_total{category=%q,event=\"despawned\"} %d\n", c.String(), cs.Despawned)
	}
	counter(rw, "boracay_stream_suppressed_total", "Spawns suppressed by the min-interval throttle.", m.Stream.Suppressed)

	fmt.Fprintf(rw, "# HELP boracay_path_queries_total Path query outcomes.\n")
	fmt.Fprintf(rw, "# TYPE boracay_path_queries_total counter\n")
	fmt.Fprintf(rw, "boracay_path_queries_total{outcome=\"submitted\"} %d\n", m.Paths.Submitted)
	fmt.Fprintf(rw, "boracay_path_queries_total{outcome=\"found\"} %d\n", m.Paths.Found)
	fmt.Fprintf(rw, "boracay_path_queries_total{outcome=\"resolved\"} %d\n", m.Paths.Resolved)
	fmt.Fprintf(rw, "boracay_path_queries_total{outcome=\"expired\"} %d\n", m.Paths.Expired)
	fmt.Fprintf(rw, "boracay_path_queries_total{outcome=\"short_circuited\"} %d\n", m.Paths.ShortCircuited)
	fmt.Fprintf(rw, "boracay_path_queries_total{outcome=\"rejected\"} %d\n", m.PathRejected)
	gauge(rw, "boracay_path_queries_pending", "Path queries not yet terminal.", float64(m.Paths.Pending))

	fmt.Fprintf(rw, "# HELP boracay_queue_depth Runtime input channel backlog.\n")
	fmt.Fprintf(rw, "# TYPE boracay_queue_depth gauge\n")
	q := m.QueueDepths
	for _, kv := range []struct {
		name string
		n    int
	}{{"paths", q.Paths}, {"clears", q.Clears}, {"timed", q.Timed}, {"join", q.Join}, {"leave", q.Leave}, {"requests", q.Requests}} {
		fmt.Fprintf(rw, "boracay_queue_depth{queue=%q} %d\n", kv.name, kv.n)
	}

	counter(rw, "boracay_observer_dropped_total", "Observer messages dropped on full session buffers.", m.ObserverDropped)
	counter(rw, "boracay_sink_errors_total", "Tick sink write errors.", m.SinkErrors)

	var dropped uint64
	for _, s := range a.async {
		dropped += s.Dropped()
	}
	counter(rw, "boracay_eventlog_dropped_total", "Tick entries dropped by full event log queues.", dropped)

	if a.idx != nil {
		st := a.idx.Stats()
		gauge(rw, "boracay_indexdb_queue_depth", "SQLite index writer queue depth.", float64(st.QueueDepth))
		gauge(rw, "boracay_indexdb_queue_capacity", "SQLite index writer queue capacity.", float64(st.QueueCapacity))
		counter(rw, "boracay_indexdb_drop_tick_total", "Tick entries dropped by the SQLite index writer.", st.DropTickTotal)
		counter(rw, "boracay_indexdb_drop_flush_total", "Flush requests dropped by the SQLite index writer.", st.DropFlushTotal)
	}
}

func gauge(rw http.ResponseWriter, name, help string, v float64) {
	fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
	fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
	fmt.Fprintf(rw, "%s %g\n", name, v)
}

func counter(rw http.ResponseWriter, name, help string, v uint64) {
	fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
	fmt.Fprintf(rw, "# TYPE %s counter\n", name)
	fmt.Fprintf(rw, "%s %d\n", name, v)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (a *adminAPI) handleState(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	st, err := a.rt.State(ctx)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(rw, http.StatusOK, struct {
		State   runtime.State   `json:"state"`
		Metrics runtime.Metrics `json:"metrics"`
	}{st, a.rt.Metrics()})
}

type viewpointBody struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (a *adminAPI) handleViewpoint(rw http.ResponseWriter, r *http.Request) {
	var body viewpointBody
	if err := decodeBody(rw, r, &body); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	a.rt.SetViewpoint(mgl64.Vec2{body.X, body.Y})
	rw.WriteHeader(http.StatusAccepted)
}

// pathBody queries by node (start/goal) or, when from/to are set, by
// world-frame position.
type pathBody struct {
	ID    string      `json:"id"`
	Start uint32      `json:"start"`
	Goal  uint32      `json:"goal"`
	From  *[2]float64 `json:"from,omitempty"`
	To    *[2]float64 `json:"to,omitempty"`
}

func (a *adminAPI) handleSubmitPath(rw http.ResponseWriter, r *http.Request) {
	var body pathBody
	if err := decodeBody(rw, r, &body); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	if (body.From == nil) != (body.To == nil) {
		http.Error(rw, "from and to must be set together", http.StatusBadRequest)
		return
	}
	req := runtime.PathRequest{
		ID:    body.ID,
		Start: pathfind.GraphPoint(body.Start),
		Goal:  pathfind.GraphPoint(body.Goal),
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if body.From != nil {
		req.ByPosition = true
		req.From = mgl64.Vec2{body.From[0], body.From[1]}
		req.To = mgl64.Vec2{body.To[0], body.To[1]}
	}
	if err := a.rt.SubmitPath(req); err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]string{"id": req.ID})
}

// handlePathResult answers from the live process table first and falls back
// to the index for queries that were already pruned.
func (a *adminAPI) handlePathResult(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	res, err := a.rt.PathResult(ctx, id)
	if err == nil {
		writeJSON(rw, http.StatusOK, res)
		return
	}
	if !errors.Is(err, pathfind.ErrQueryNotFound) {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if a.idx != nil {
		row, err := a.idx.PathResult(ctx, id)
		switch {
		case err == nil:
			writeJSON(rw, http.StatusOK, row)
			return
		case !errors.Is(err, sql.ErrNoRows):
			a.log.Warn("index path lookup", zap.String("query", id), zap.Error(err))
		}
	}
	http.Error(rw, "unknown path query", http.StatusNotFound)
}

func (a *adminAPI) handleClear(rw http.ResponseWriter, r *http.Request) {
	if err := a.rt.ClearFeature(r.PathValue("id")); err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	rw.WriteHeader(http.StatusAccepted)
}

type timedBody struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	TTLMs    int64  `json:"ttl_ms"`
}

func (a *adminAPI) handleTimed(rw http.ResponseWriter, r *http.Request) {
	var body timedBody
	if err := decodeBody(rw, r, &body); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	cat, ok := stream.ParseCategory(body.Category)
	if !ok || body.ID == "" || body.TTLMs <= 0 {
		http.Error(rw, "id, a known category and a positive ttl_ms are required", http.StatusBadRequest)
		return
	}
	err := a.rt.MarkTimed(runtime.TimedRequest{
		ID:       body.ID,
		Category: cat,
		Deadline: time.Now().Add(time.Duration(body.TTLMs) * time.Millisecond),
	})
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	rw.WriteHeader(http.StatusAccepted)
}

func decodeBody(rw http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("bad json: %w", err)
	}
	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
