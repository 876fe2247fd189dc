package pathfind

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"boracay.world/internal/sim/obstacle"
	"boracay.world/internal/sim/worlddata"
)

var (
	ErrQueryNotFound  = errors.New("path query not found")
	ErrDuplicateQuery = errors.New("path query id already in use")
	ErrNotTerminal    = errors.New("path query still pending")
)

// QueryError is returned for operations on an unknown or misused query ID.
// It is a caller bug, never fatal to the tick loop.
type QueryError struct {
	ID  string
	Err error
}

func (e *QueryError) Error() string { return fmt.Sprintf("path query %s: %v", e.ID, e.Err) }
func (e *QueryError) Unwrap() error { return e.Err }

type State int

const (
	StatePending State = iota
	StateResolved
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateResolved:
		return "RESOLVED"
	case StateExpired:
		return "EXPIRED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{StatePending, StateResolved, StateExpired} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown path state %q", b)
}

// Reasons attached to terminal results, for diagnostics only.
const (
	ReasonFound        = "found"
	ReasonNoRoute      = "no_route"
	ReasonSameNode     = "same_node"
	ReasonBlocked      = "endpoint_blocked"
	ReasonTimeout      = "timeout"
	ReasonCancelled    = "cancelled"
	ReasonSearchFailed = "search_failed"
)

type Query struct {
	ID    string
	Start GraphPoint
	Goal  GraphPoint
}

// Result is the caller-visible view of a process. Expired results carry an
// empty path and must be treated like "no route".
type Result struct {
	ID          string       `json:"id"`
	Start       GraphPoint   `json:"start"`
	Goal        GraphPoint   `json:"goal"`
	State       State        `json:"state"`
	Path        []GraphPoint `json:"path"`
	Cost        int          `json:"cost"`
	Expanded    int          `json:"expanded"`
	Reason      string       `json:"reason,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
	ExpireAt    time.Time    `json:"expire_at"`
	FinishedAt  time.Time    `json:"finished_at,omitempty"`
}

func (r Result) Terminal() bool { return r.State != StatePending }

type outcome struct {
	path Path
	err  error
}

type process struct {
	res    Result
	cancel context.CancelFunc
	done   chan outcome // buffered(1); the worker never blocks on send
}

type Options struct {
	Timeout   time.Duration
	Workers   int
	PointSize float64
	Clock     func() time.Time
	Logger    *zap.Logger
}

type Stats struct {
	Submitted      uint64 `json:"submitted"`
	Resolved       uint64 `json:"resolved"`
	Found          uint64 `json:"found"`
	Expired        uint64 `json:"expired"`
	ShortCircuited uint64 `json:"short_circuited"`
	LateDiscarded  uint64 `json:"late_discarded"`
	Pending        int    `json:"pending"`
	InFlight       int64  `json:"in_flight"`
}

// Service owns the path query process table. Submit, Poll, Result, Take,
// Cancel and Prune must be called from a single goroutine (the tick loop);
// searches run on worker goroutines that only read the graph and the obstacle
// slice captured at submission.
type Service struct {
	graph *worlddata.Graph
	opts  Options
	log   *zap.Logger

	sem    *semaphore.Weighted
	search searchFunc

	procs    map[string]*process
	finished []Result // terminal since the last Poll

	stats    Stats
	inflight atomic.Int64
	late     atomic.Uint64
}

func NewService(g *worlddata.Graph, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PointSize <= 0 {
		opts.PointSize = 15
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		graph:  g,
		opts:   opts,
		log:    opts.Logger,
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
		search: Search,
		procs:  map[string]*process{},
	}
}

func (s *Service) Graph() *worlddata.Graph { return s.graph }

func (s *Service) pointHalf() float64 { return s.opts.PointSize / 2 }

// Submit records a Pending process and dispatches the search. It never blocks.
// An empty q.ID is replaced with a fresh UUID; the effective ID is returned.
// start == goal, or an endpoint inside an obstacle, resolves immediately with an
// empty path and no worker.
func (s *Service) Submit(ctx context.Context, q Query, boxes []obstacle.Box) (string, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if _, ok := s.procs[q.ID]; ok {
		return q.ID, &QueryError{ID: q.ID, Err: ErrDuplicateQuery}
	}
	now := s.opts.Clock()
	p := &process{
		res: Result{
			ID:          q.ID,
			Start:       q.Start,
			Goal:        q.Goal,
			State:       StatePending,
			SubmittedAt: now,
			ExpireAt:    now.Add(s.opts.Timeout),
		},
	}
	s.procs[q.ID] = p
	s.stats.Submitted++

	half := s.pointHalf()
	switch {
	case q.Start == q.Goal:
		s.finish(p, StateResolved, Path{}, ReasonSameNode, now)
		s.stats.ShortCircuited++
		return q.ID, nil
	case endpointBlocked(s.graph, boxes, half, q.Start) || endpointBlocked(s.graph, boxes, half, q.Goal):
		s.finish(p, StateResolved, Path{}, ReasonBlocked, now)
		s.stats.ShortCircuited++
		return q.ID, nil
	}

	wctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan outcome, 1)
	graph := s.graph
	search := s.search
	go func() {
		if err := s.sem.Acquire(wctx, 1); err != nil {
			p.done <- outcome{err: err}
			return
		}
		defer s.sem.Release(1)
		s.inflight.Add(1)
		defer s.inflight.Add(-1)
		path, err := search(wctx, graph, boxes, half, q.Start, q.Goal)
		p.done <- outcome{path: path, err: err}
	}()
	return q.ID, nil
}

// Poll advances Pending processes: a finished search resolves; otherwise a
// passed deadline cancels the worker and expires the process. Completion is
// checked before the deadline, so a result already delivered when Poll runs is
// accepted even if the deadline has also passed. Anything arriving after a
// process expired is discarded. Returns processes that became terminal since
// the previous Poll, ordered by ID.
func (s *Service) Poll(now time.Time) []Result {
	for _, p := range s.procs {
		if p.res.State != StatePending {
			continue
		}
		select {
		case o := <-p.done:
			p.cancel()
			switch {
			case o.err == nil && len(o.path.Nodes) > 0:
				s.finish(p, StateResolved, o.path, ReasonFound, now)
			case o.err == nil:
				s.finish(p, StateResolved, o.path, ReasonNoRoute, now)
			case errors.Is(o.err, context.Canceled):
				// Parent context gone (service shutdown); nothing will deliver later.
				s.finish(p, StateExpired, Path{}, ReasonCancelled, now)
			default:
				s.log.Warn("path search failed", zap.String("query", p.res.ID), zap.Error(o.err))
				s.finish(p, StateResolved, Path{}, ReasonSearchFailed, now)
			}
		default:
			if !now.Before(p.res.ExpireAt) {
				p.cancel()
				s.finish(p, StateExpired, Path{}, ReasonTimeout, now)
				go s.drainLate(p.done)
			}
		}
	}
	out := s.finished
	s.finished = nil
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// drainLate counts results delivered after expiry. The process is already
// terminal; the value is dropped.
func (s *Service) drainLate(done <-chan outcome) {
	o := <-done
	if o.err == nil {
		s.late.Add(1)
	}
}

func (s *Service) finish(p *process, st State, path Path, reason string, now time.Time) {
	p.res.State = st
	p.res.Path = path.Nodes
	p.res.Cost = path.Cost
	p.res.Expanded = path.Expanded
	p.res.Reason = reason
	p.res.FinishedAt = now
	switch st {
	case StateResolved:
		s.stats.Resolved++
		if len(path.Nodes) > 0 {
			s.stats.Found++
		}
	case StateExpired:
		s.stats.Expired++
	}
	s.finished = append(s.finished, p.res)
}

// Result returns the current view of a query.
func (s *Service) Result(id string) (Result, error) {
	p, ok := s.procs[id]
	if !ok {
		return Result{ID: id}, &QueryError{ID: id, Err: ErrQueryNotFound}
	}
	return p.res, nil
}

// Take returns a terminal result and forgets the process.
func (s *Service) Take(id string) (Result, error) {
	p, ok := s.procs[id]
	if !ok {
		return Result{ID: id}, &QueryError{ID: id, Err: ErrQueryNotFound}
	}
	if p.res.State == StatePending {
		return p.res, &QueryError{ID: id, Err: ErrNotTerminal}
	}
	delete(s.procs, id)
	return p.res, nil
}

// Cancel expires a pending query and stops its worker. Cancelling a terminal
// query is a no-op.
func (s *Service) Cancel(id string) error {
	p, ok := s.procs[id]
	if !ok {
		return &QueryError{ID: id, Err: ErrQueryNotFound}
	}
	if p.res.State != StatePending {
		return nil
	}
	p.cancel()
	s.finish(p, StateExpired, Path{}, ReasonCancelled, s.opts.Clock())
	go s.drainLate(p.done)
	return nil
}

// Prune forgets terminal processes that finished more than keep ago.
func (s *Service) Prune(now time.Time, keep time.Duration) int {
	n := 0
	for id, p := range s.procs {
		if p.res.State == StatePending {
			continue
		}
		if now.Sub(p.res.FinishedAt) > keep {
			delete(s.procs, id)
			n++
		}
	}
	return n
}

// Close cancels every pending search. Processes still pending stay pending
// until the next Poll observes the cancellation.
func (s *Service) Close() {
	for _, p := range s.procs {
		if p.res.State == StatePending && p.cancel != nil {
			p.cancel()
		}
	}
}

func (s *Service) Stats() Stats {
	st := s.stats
	st.LateDiscarded = s.late.Load()
	st.InFlight = s.inflight.Load()
	for _, p := range s.procs {
		if p.res.State == StatePending {
			st.Pending++
		}
	}
	return st
}
