package pathfind

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"boracay.world/internal/sim/obstacle"
	"boracay.world/internal/sim/worlddata"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestService(g *worlddata.Graph, clk *fakeClock) *Service {
	return NewService(g, Options{Timeout: 2 * time.Second, Workers: 2, PointSize: 15, Clock: clk.Now})
}

func pollUntilTerminal(t *testing.T, s *Service, clk *fakeClock, id string) Result {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.Poll(clk.Now())
		r, err := s.Result(id)
		if err != nil {
			t.Fatal(err)
		}
		if r.Terminal() {
			return r
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("query %s never became terminal", id)
	return Result{}
}

func TestServiceResolvesOnPoll(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	s := newTestService(arcGraph(t), clk)
	id, err := s.Submit(context.Background(), Query{ID: "q1", Start: 0, Goal: 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := pollUntilTerminal(t, s, clk, id)
	if r.State != StateResolved || !reflect.DeepEqual(r.Path, []GraphPoint{0, 4}) {
		t.Fatalf("got state=%v path=%v", r.State, r.Path)
	}
	if r.Reason != ReasonFound {
		t.Fatalf("reason: got %q", r.Reason)
	}
}

func TestServiceSameNodeResolvesOnSubmit(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	s := newTestService(arcGraph(t), clk)
	id, err := s.Submit(context.Background(), Query{Start: 2, Goal: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatalf("expected generated id")
	}
	r, err := s.Result(id)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != StateResolved || len(r.Path) != 0 || r.Reason != ReasonSameNode {
		t.Fatalf("got state=%v path=%v reason=%q", r.State, r.Path, r.Reason)
	}
	done := s.Poll(clk.Now())
	if len(done) != 1 || done[0].ID != id {
		t.Fatalf("poll should report the short-circuited query once, got %+v", done)
	}
	if again := s.Poll(clk.Now()); len(again) != 0 {
		t.Fatalf("second poll reported %d results", len(again))
	}
}

func TestServiceBlockedEndpointShortCircuits(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	s := newTestService(arcGraph(t), clk)
	boxes := []obstacle.Box{obstacle.NewBox(mgl64.Vec2{40, 0}, mgl64.Vec2{1, 1}, 0)}
	id, _ := s.Submit(context.Background(), Query{ID: "blocked", Start: 0, Goal: 4}, boxes)
	r, _ := s.Result(id)
	if r.State != StateResolved || len(r.Path) != 0 || r.Reason != ReasonBlocked {
		t.Fatalf("got state=%v path=%v reason=%q", r.State, r.Path, r.Reason)
	}
}

func TestServiceExpiryDiscardsLateResult(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	s := newTestService(arcGraph(t), clk)

	release := make(chan struct{})
	finished := make(chan struct{})
	s.search = func(ctx context.Context, g *worlddata.Graph, boxes []obstacle.Box, half float64, a, b GraphPoint) (Path, error) {
		// Ignores cancellation on purpose: produce a result after expiry.
		<-release
		defer close(finished)
		return Path{Nodes: []GraphPoint{a, b}, Cost: 1}, nil
	}

	id, err := s.Submit(context.Background(), Query{ID: "slow", Start: 0, Goal: 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Poll(clk.Advance(time.Second)); len(got) != 0 {
		t.Fatalf("nothing should be terminal before expiry, got %+v", got)
	}
	got := s.Poll(clk.Advance(1500 * time.Millisecond))
	if len(got) != 1 || got[0].State != StateExpired || got[0].Reason != ReasonTimeout {
		t.Fatalf("expected one expired result, got %+v", got)
	}

	close(release)
	<-finished
	deadline := time.Now().Add(5 * time.Second)
	for s.Stats().LateDiscarded == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Stats().LateDiscarded != 1 {
		t.Fatalf("expected late result to be discarded and counted")
	}
	s.Poll(clk.Advance(time.Second))
	r, err := s.Result(id)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != StateExpired || len(r.Path) != 0 {
		t.Fatalf("expired query changed state: %v path=%v", r.State, r.Path)
	}
}

func TestServiceExpiryCancelsWorker(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	s := newTestService(arcGraph(t), clk)
	cancelled := make(chan struct{})
	s.search = func(ctx context.Context, g *worlddata.Graph, boxes []obstacle.Box, half float64, a, b GraphPoint) (Path, error) {
		<-ctx.Done()
		close(cancelled)
		return Path{}, ctx.Err()
	}
	if _, err := s.Submit(context.Background(), Query{ID: "q", Start: 0, Goal: 4}, nil); err != nil {
		t.Fatal(err)
	}
	s.Poll(clk.Advance(3 * time.Second))
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker was not cancelled on expiry")
	}
}

func TestServiceCancel(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	s := newTestService(arcGraph(t), clk)
	s.search = func(ctx context.Context, g *worlddata.Graph, boxes []obstacle.Box, half float64, a, b GraphPoint) (Path, error) {
		<-ctx.Done()
		return Path{}, ctx.Err()
	}
	id, _ := s.Submit(context.Background(), Query{ID: "c", Start: 0, Goal: 4}, nil)
	if err := s.Cancel(id); err != nil {
		t.Fatal(err)
	}
	r, _ := s.Result(id)
	if r.State != StateExpired || r.Reason != ReasonCancelled {
		t.Fatalf("got state=%v reason=%q", r.State, r.Reason)
	}
	if err := s.Cancel(id); err != nil {
		t.Fatalf("cancel on terminal query should be a no-op, got %v", err)
	}
}

func TestServiceQueryErrors(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	s := newTestService(arcGraph(t), clk)

	_, err := s.Result("missing")
	var qe *QueryError
	if !errors.As(err, &qe) || !errors.Is(err, ErrQueryNotFound) {
		t.Fatalf("expected QueryError/ErrQueryNotFound, got %v", err)
	}
	if err := s.Cancel("missing"); !errors.Is(err, ErrQueryNotFound) {
		t.Fatalf("cancel unknown: got %v", err)
	}

	if _, err := s.Submit(context.Background(), Query{ID: "dup", Start: 1, Goal: 1}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(context.Background(), Query{ID: "dup", Start: 1, Goal: 1}, nil); !errors.Is(err, ErrDuplicateQuery) {
		t.Fatalf("expected ErrDuplicateQuery, got %v", err)
	}
}

func TestServiceTakeAndPrune(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	s := newTestService(arcGraph(t), clk)
	s.Submit(context.Background(), Query{ID: "a", Start: 1, Goal: 1}, nil)
	s.Submit(context.Background(), Query{ID: "b", Start: 2, Goal: 2}, nil)

	r, err := s.Take("a")
	if err != nil || r.ID != "a" {
		t.Fatalf("take: %+v %v", r, err)
	}
	if _, err := s.Result("a"); !errors.Is(err, ErrQueryNotFound) {
		t.Fatalf("taken query should be forgotten")
	}

	if n := s.Prune(clk.Advance(time.Minute), 30*time.Second); n != 1 {
		t.Fatalf("prune: got %d want 1", n)
	}
	if _, err := s.Result("b"); !errors.Is(err, ErrQueryNotFound) {
		t.Fatalf("pruned query should be forgotten")
	}
}

func TestServiceOutOfOrderCompletion(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	s := newTestService(arcGraph(t), clk)
	gates := map[GraphPoint]chan struct{}{1: make(chan struct{}), 3: make(chan struct{})}
	s.search = func(ctx context.Context, g *worlddata.Graph, boxes []obstacle.Box, half float64, a, b GraphPoint) (Path, error) {
		<-gates[b]
		return Path{Nodes: []GraphPoint{a, b}, Cost: 1}, nil
	}
	s.Submit(context.Background(), Query{ID: "first", Start: 0, Goal: 1}, nil)
	s.Submit(context.Background(), Query{ID: "second", Start: 0, Goal: 3}, nil)

	close(gates[3])
	r := pollUntilTerminal(t, s, clk, "second")
	if r.State != StateResolved {
		t.Fatalf("second: %v", r.State)
	}
	if first, _ := s.Result("first"); first.State != StatePending {
		t.Fatalf("first should still be pending, got %v", first.State)
	}
	close(gates[1])
	if r := pollUntilTerminal(t, s, clk, "first"); r.State != StateResolved {
		t.Fatalf("first: %v", r.State)
	}
}
