package runtime

import (
	"context"
	"errors"

	"boracay.world/internal/sim/pathfind"
	"boracay.world/internal/sim/stream"
)

var ErrStopped = errors.New("runtime stopped")

// State is a consistent snapshot taken between two ticks.
type State struct {
	Tick         uint64         `json:"tick"`
	HasViewpoint bool           `json:"has_viewpoint"`
	Viewpoint    [2]float64     `json:"viewpoint"`
	Tracked      []string       `json:"tracked"`
	LoadedChunks []string       `json:"loaded_chunks"`
	Obstacles    int            `json:"obstacles"`
	Observers    []string       `json:"observers"`
	Stream       stream.Stats   `json:"stream"`
	Paths        pathfind.Stats `json:"paths"`
}

type stateReq struct {
	resp chan State
}

type resultResp struct {
	res pathfind.Result
	err error
}

type resultReq struct {
	id   string
	resp chan resultResp
}

// State asks the tick goroutine for a snapshot. It is answered right after
// the next tick.
func (r *Runtime) State(ctx context.Context) (State, error) {
	req := stateReq{resp: make(chan State, 1)}
	select {
	case r.stateReq <- req:
	case <-r.stop:
		return State{}, ErrStopped
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
	select {
	case st := <-req.resp:
		return st, nil
	case <-r.stop:
		return State{}, ErrStopped
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// PathResult returns the current view of a path query. Unknown ids return a
// *pathfind.QueryError.
func (r *Runtime) PathResult(ctx context.Context, id string) (pathfind.Result, error) {
	req := resultReq{id: id, resp: make(chan resultResp, 1)}
	select {
	case r.resultReq <- req:
	case <-r.stop:
		return pathfind.Result{}, ErrStopped
	case <-ctx.Done():
		return pathfind.Result{}, ctx.Err()
	}
	select {
	case resp := <-req.resp:
		return resp.res, resp.err
	case <-r.stop:
		return pathfind.Result{}, ErrStopped
	case <-ctx.Done():
		return pathfind.Result{}, ctx.Err()
	}
}

func (r *Runtime) snapshot() State {
	st := State{
		Tick:      r.tick.Load(),
		Tracked:   r.stream.Tracker().IDs(),
		Obstacles: len(r.boxes),
		Observers: r.observerIDs(),
		Stream:    r.stream.Stats(),
		Paths:     r.paths.Stats(),
	}
	if r.viewpoint != nil {
		st.HasViewpoint = true
		st.Viewpoint = *r.viewpoint
	}
	for _, k := range r.stream.LoadedChunks() {
		st.LoadedChunks = append(st.LoadedChunks, k.String())
	}
	return st
}

func (r *Runtime) handleStateRequests(reqs []stateReq) {
	if len(reqs) == 0 {
		return
	}
	st := r.snapshot()
	for _, req := range reqs {
		select {
		case req.resp <- st:
		default:
		}
	}
}

func (r *Runtime) handleResultRequests(reqs []resultReq) {
	for _, req := range reqs {
		res, err := r.paths.Result(req.id)
		select {
		case req.resp <- resultResp{res: res, err: err}:
		default:
		}
	}
}
