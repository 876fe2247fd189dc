package runtime

import (
	"time"

	"boracay.world/internal/sim/pathfind"
	"boracay.world/internal/sim/stream"
)

// Metrics is a thread-safe read-only view of the runtime. It is updated from
// the tick goroutine and read from HTTP handlers and tests.
type Metrics struct {
	Tick   uint64  `json:"tick"`
	StepMS float64 `json:"step_ms"`

	HasViewpoint bool       `json:"has_viewpoint"`
	Viewpoint    [2]float64 `json:"viewpoint"`

	Live      int `json:"live"`
	Obstacles int `json:"obstacles"`
	Observers int `json:"observers"`

	ObserverDropped uint64 `json:"observer_dropped"`
	PathRejected    uint64 `json:"path_rejected"`
	SinkErrors      uint64 `json:"sink_errors"`

	IndexReady   bool    `json:"index_ready"`
	IndexBuildMS float64 `json:"index_build_ms"`

	Stream stream.Stats   `json:"stream"`
	Paths  pathfind.Stats `json:"paths"`

	QueueDepths QueueDepths `json:"queue_depths"`
}

type QueueDepths struct {
	Paths    int `json:"paths"`
	Clears   int `json:"clears"`
	Timed    int `json:"timed"`
	Join     int `json:"join"`
	Leave    int `json:"leave"`
	Requests int `json:"requests"`
}

func (r *Runtime) Metrics() Metrics {
	if r == nil {
		return Metrics{}
	}
	m, ok := r.metrics.Load().(Metrics)
	if !ok {
		return Metrics{}
	}
	return m
}

func (r *Runtime) updateMetrics(tick uint64, d time.Duration) {
	m := Metrics{
		Tick:            tick,
		StepMS:          float64(d.Microseconds()) / 1000.0,
		Live:            len(r.live),
		Obstacles:       len(r.boxes),
		Observers:       len(r.observers),
		ObserverDropped: r.observerDropped,
		PathRejected:    r.pathRejected,
		SinkErrors:      r.sinkErrors,
		IndexReady:      r.index.Ready(),
		IndexBuildMS:    float64(r.index.BuildDuration().Microseconds()) / 1000.0,
		Stream:          r.stream.Stats(),
		Paths:           r.paths.Stats(),
		QueueDepths: QueueDepths{
			Paths:    len(r.pathIn),
			Clears:   len(r.clearIn),
			Timed:    len(r.timedIn),
			Join:     len(r.observerJoin),
			Leave:    len(r.observerLeave),
			Requests: len(r.stateReq) + len(r.resultReq),
		},
	}
	if r.viewpoint != nil {
		m.HasViewpoint = true
		m.Viewpoint = *r.viewpoint
	}
	r.metrics.Store(m)
}
