package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"boracay.world/internal/sim/geom"
	"boracay.world/internal/sim/obstacle"
	"boracay.world/internal/sim/pathfind"
	"boracay.world/internal/sim/spatial"
	"boracay.world/internal/sim/stream"
	"boracay.world/internal/sim/worlddata"
)

var ErrBusy = errors.New("runtime request queue full")

type Config struct {
	TickRateHz  int
	MapScale    float64
	KeepResults time.Duration
	Clock       func() time.Time
}

type Deps struct {
	World  *worlddata.WorldData
	Stream *stream.Manager
	Paths  *pathfind.Service
	// Index resolves positions to graph nodes. Nil answers every lookup with
	// node 0.
	Index  *spatial.Index
	Sinks  []Sink
	Logger *zap.Logger
}

// PathRequest asks for a path between two nodes, or, with ByPosition, between
// the nodes nearest two world-frame positions.
type PathRequest struct {
	ID         string
	Start      pathfind.GraphPoint
	Goal       pathfind.GraphPoint
	ByPosition bool
	From       mgl64.Vec2
	To         mgl64.Vec2
	// SessionID routes the result to one observer session. Empty means sinks only.
	SessionID string
}

// TimedRequest registers an externally spawned feature that retires at Deadline.
type TimedRequest struct {
	ID       string
	Category stream.Category
	Deadline time.Time
}

// Inputs is everything accumulated between two ticks.
type Inputs struct {
	Viewpoint      *mgl64.Vec2
	Collidables    []obstacle.Collidable
	SetCollidables bool
	Paths          []PathRequest
	Clears         []string
	Timed          []TimedRequest
}

func (in *Inputs) reset() {
	in.Viewpoint = nil
	in.Collidables = nil
	in.SetCollidables = false
	in.Paths = in.Paths[:0]
	in.Clears = in.Clears[:0]
	in.Timed = in.Timed[:0]
}

// Runtime is the single-threaded owner of the streaming manager and the path
// query table. All of that state is accessed only from the Run goroutine (or
// the caller of StepOnce when Run is not running).
type Runtime struct {
	cfg   Config
	log   *zap.Logger
	world *worlddata.WorldData
	frame geom.Frame

	stream *stream.Manager
	paths  *pathfind.Service
	index  *spatial.Index
	sinks  []Sink

	tick    atomic.Uint64
	metrics atomic.Value

	viewpoint   *mgl64.Vec2
	collidables []obstacle.Collidable
	boxes       []obstacle.Box

	// Spawn intents currently materialized, replayed to observers that join late.
	live map[string]stream.SpawnIntent

	pathOwners map[string]string // query id -> observer session
	observers  map[string]*observerClient

	observerDropped uint64
	pathRejected    uint64
	sinkErrors      uint64

	viewpointIn   chan mgl64.Vec2
	collidablesIn chan []obstacle.Collidable
	pathIn        chan PathRequest
	clearIn       chan string
	timedIn       chan TimedRequest
	observerJoin  chan ObserverJoinRequest
	observerSub   chan ObserverSubscribeRequest
	observerLeave chan string
	stateReq      chan stateReq
	resultReq     chan resultReq
	stop          chan struct{}
	stopped       atomic.Bool
}

func New(cfg Config, d Deps) (*Runtime, error) {
	if d.World == nil || d.Stream == nil || d.Paths == nil {
		return nil, fmt.Errorf("runtime: world, stream manager and path service are required")
	}
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 20
	}
	if cfg.MapScale <= 0 {
		cfg.MapScale = 1
	}
	if cfg.KeepResults <= 0 {
		cfg.KeepResults = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	index := d.Index
	if index == nil {
		index = spatial.NewIndex(0, logger)
	}
	r := &Runtime{
		cfg:    cfg,
		log:    logger,
		world:  d.World,
		frame:  geom.Frame{Scale: cfg.MapScale},
		stream: d.Stream,
		paths:  d.Paths,
		index:  index,
		sinks:  d.Sinks,

		live:       map[string]stream.SpawnIntent{},
		pathOwners: map[string]string{},
		observers:  map[string]*observerClient{},

		viewpointIn:   make(chan mgl64.Vec2, 1),
		collidablesIn: make(chan []obstacle.Collidable, 1),
		pathIn:        make(chan PathRequest, 1024),
		clearIn:       make(chan string, 1024),
		timedIn:       make(chan TimedRequest, 1024),
		observerJoin:  make(chan ObserverJoinRequest, 64),
		observerSub:   make(chan ObserverSubscribeRequest, 256),
		observerLeave: make(chan string, 64),
		stateReq:      make(chan stateReq, 16),
		resultReq:     make(chan resultReq, 64),
		stop:          make(chan struct{}),
	}
	r.metrics.Store(Metrics{})
	return r, nil
}

func (r *Runtime) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(r.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer r.paths.Close()

	var pending Inputs
	var pendingState []stateReq
	var pendingResults []resultReq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case p := <-r.viewpointIn:
			v := p
			pending.Viewpoint = &v
		case cs := <-r.collidablesIn:
			pending.Collidables = cs
			pending.SetCollidables = true
		case req := <-r.pathIn:
			pending.Paths = append(pending.Paths, req)
		case id := <-r.clearIn:
			pending.Clears = append(pending.Clears, id)
		case req := <-r.timedIn:
			pending.Timed = append(pending.Timed, req)
		case req := <-r.observerJoin:
			r.handleObserverJoin(req)
		case req := <-r.observerSub:
			r.handleObserverSubscribe(req)
		case id := <-r.observerLeave:
			r.handleObserverLeave(id)
		case req := <-r.stateReq:
			pendingState = append(pendingState, req)
		case req := <-r.resultReq:
			pendingResults = append(pendingResults, req)
		case <-ticker.C:
			r.step(ctx, pending, r.cfg.Clock())
			r.handleStateRequests(pendingState)
			r.handleResultRequests(pendingResults)
			pending.reset()
			pendingState = pendingState[:0]
			pendingResults = pendingResults[:0]
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (r *Runtime) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		close(r.stop)
	}
}

// StepOnce advances one tick with the given inputs, using the same ordering
// as Run. It must not be called while Run is running.
func (r *Runtime) StepOnce(in Inputs, now time.Time) TickEntry {
	return r.step(context.Background(), in, now)
}

func (r *Runtime) CurrentTick() uint64 { return r.tick.Load() }

func (r *Runtime) TickRateHz() int { return r.cfg.TickRateHz }

func (r *Runtime) MapScale() float64 { return r.cfg.MapScale }

func (r *Runtime) World() *worlddata.WorldData { return r.world }

func (r *Runtime) StreamConfig() stream.Config { return r.stream.Config() }

// SetViewpoint replaces the pending viewpoint; only the latest value before a
// tick is used.
func (r *Runtime) SetViewpoint(p mgl64.Vec2) { sendLatest(r.viewpointIn, p) }

// SetCollidables replaces the pending collidable set.
func (r *Runtime) SetCollidables(cs []obstacle.Collidable) {
	cp := append([]obstacle.Collidable(nil), cs...)
	sendLatest(r.collidablesIn, cp)
}

// SubmitPath queues a path request for the next tick. It never blocks.
func (r *Runtime) SubmitPath(req PathRequest) error {
	select {
	case r.pathIn <- req:
		return nil
	default:
		return ErrBusy
	}
}

// ClearFeature reports a feature destroyed by the host.
func (r *Runtime) ClearFeature(id string) error {
	select {
	case r.clearIn <- id:
		return nil
	default:
		return ErrBusy
	}
}

func (r *Runtime) MarkTimed(req TimedRequest) error {
	select {
	case r.timedIn <- req:
		return nil
	default:
		return ErrBusy
	}
}

func (r *Runtime) ObserverJoin() chan<- ObserverJoinRequest           { return r.observerJoin }
func (r *Runtime) ObserverSubscribe() chan<- ObserverSubscribeRequest { return r.observerSub }
func (r *Runtime) ObserverLeave() chan<- string                       { return r.observerLeave }

func sendLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
