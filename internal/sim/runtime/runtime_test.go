package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"boracay.world/internal/observerproto"
	"boracay.world/internal/sim/encoding"
	"boracay.world/internal/sim/obstacle"
	"boracay.world/internal/sim/pathfind"
	"boracay.world/internal/sim/spatial"
	"boracay.world/internal/sim/stream"
	"boracay.world/internal/sim/worlddata"
)

type recordSink struct {
	mu      sync.Mutex
	entries []TickEntry
}

func (s *recordSink) WriteTick(e TickEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type failSink struct{}

func (failSink) WriteTick(TickEntry) error { return errors.New("disk full") }

// testWorld has one building 200 world units east of the origin and a five
// node arc graph, chained 0-1-2-3-4 with a 0-4 chord.
func testWorld(t *testing.T) *worlddata.WorldData {
	t.Helper()
	g, err := worlddata.NewGraph(
		[]mgl64.Vec2{{0, 0}, {10, 10}, {20, 12}, {30, 10}, {40, 0}},
		[][]uint32{{1, 4}, {0, 2}, {1, 3}, {2, 4}, {3, 0}},
	)
	if err != nil {
		t.Fatal(err)
	}
	return worlddata.New([]worlddata.Building{
		{ID: "near", Center: mgl64.Vec2{100, 0}, Radius: 0.5, BldgType: "loot"},
		{ID: "far", Center: mgl64.Vec2{5000, 0}, Radius: 0.5, BldgType: "loot"},
	}, nil, nil, g, nil)
}

func newTestRuntime(t *testing.T, index *spatial.Index, sinks ...Sink) *Runtime {
	t.Helper()
	w := testWorld(t)
	cfg := stream.DefaultConfig()
	m := stream.NewManager(w, cfg, stream.Options{Rand: rand.New(rand.NewSource(1))})
	paths := pathfind.NewService(w.Graph(), pathfind.Options{Timeout: 2 * time.Second, Workers: 2})
	t.Cleanup(paths.Close)
	r, err := New(Config{TickRateHz: 100, MapScale: cfg.MapScale}, Deps{
		World:  w,
		Stream: m,
		Paths:  paths,
		Index:  index,
		Sinks:  sinks,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func vp(x, y float64) *mgl64.Vec2 {
	v := mgl64.Vec2{x, y}
	return &v
}

func hasSpawn(b stream.Batch, id string) bool {
	for _, s := range b.Spawns {
		if s.ID == id {
			return true
		}
	}
	return false
}

// stepUntilPath steps with empty inputs until a terminal result for id shows
// up in a tick entry.
func stepUntilPath(t *testing.T, r *Runtime, first TickEntry, id string) pathfind.Result {
	t.Helper()
	entry := first
	deadline := time.Now().Add(5 * time.Second)
	for {
		for _, res := range entry.Paths {
			if res.ID == id {
				return res
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no result for %s", id)
		}
		time.Sleep(time.Millisecond)
		entry = r.StepOnce(Inputs{}, time.Now())
	}
}

func readMsg(t *testing.T, out chan []byte) (string, []byte) {
	t.Helper()
	select {
	case b := <-out:
		var env observerproto.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("bad message %s: %v", b, err)
		}
		return env.Type, b
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
		return "", nil
	}
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("expected error without world, stream and paths")
	}
}

func TestStepOnceSpawnsAndPublishes(t *testing.T) {
	sink := &recordSink{}
	r := newTestRuntime(t, nil, sink)

	entry := r.StepOnce(Inputs{Viewpoint: vp(0, 0)}, time.Now())
	if entry.Tick != 0 {
		t.Fatalf("tick: got %d", entry.Tick)
	}
	if !hasSpawn(entry.Batch, "near") || hasSpawn(entry.Batch, "far") {
		t.Fatalf("spawns: %+v", entry.Batch.Spawns)
	}
	if sink.Len() != 1 {
		t.Fatalf("sink entries: got %d", sink.Len())
	}
	m := r.Metrics()
	if m.Tick != 1 || r.CurrentTick() != 1 {
		t.Fatalf("metrics tick: %d current: %d", m.Tick, r.CurrentTick())
	}
	if m.Live != 1 || !m.HasViewpoint || m.Stream.For(stream.CategoryBuildings).Spawned != 1 {
		t.Fatalf("metrics: %+v", m)
	}
}

func TestStepWithoutViewpointPublishesNothing(t *testing.T) {
	sink := &recordSink{}
	r := newTestRuntime(t, nil, sink)
	entry := r.StepOnce(Inputs{}, time.Now())
	if !entry.Empty() {
		t.Fatalf("expected empty entry, got %+v", entry)
	}
	if sink.Len() != 0 {
		t.Fatalf("sink should not see empty ticks, got %d", sink.Len())
	}
	if r.CurrentTick() != 1 {
		t.Fatalf("tick should still advance, got %d", r.CurrentTick())
	}
}

func TestSinkErrorsAreCounted(t *testing.T) {
	r := newTestRuntime(t, nil, failSink{})
	r.StepOnce(Inputs{Viewpoint: vp(0, 0)}, time.Now())
	if got := r.Metrics().SinkErrors; got != 1 {
		t.Fatalf("sink errors: got %d", got)
	}
}

func TestClearRemovesLiveFeature(t *testing.T) {
	r := newTestRuntime(t, nil)
	r.StepOnce(Inputs{Viewpoint: vp(0, 0)}, time.Now())
	if r.Metrics().Live != 1 {
		t.Fatalf("live: %d", r.Metrics().Live)
	}
	r.StepOnce(Inputs{Clears: []string{"near"}}, time.Now())
	if r.Metrics().Live != 0 {
		t.Fatalf("live after clear: %d", r.Metrics().Live)
	}
	if r.stream.Tracker().Contains("near") {
		t.Fatal("tracker still holds cleared feature")
	}
}

func TestPathQueryByNode(t *testing.T) {
	sink := &recordSink{}
	r := newTestRuntime(t, nil, sink)
	first := r.StepOnce(Inputs{Paths: []PathRequest{{ID: "q1", Start: 0, Goal: 4}}}, time.Now())
	res := stepUntilPath(t, r, first, "q1")
	if res.State != pathfind.StateResolved || !reflect.DeepEqual(res.Path, []pathfind.GraphPoint{0, 4}) {
		t.Fatalf("got state=%v path=%v", res.State, res.Path)
	}
	got, err := r.paths.Result("q1")
	if err != nil || got.State != pathfind.StateResolved {
		t.Fatalf("stored result: %+v err=%v", got, err)
	}
}

func TestPathQueryByPositionUsesIndex(t *testing.T) {
	w := testWorld(t)
	index := spatial.NewIndex(0, nil)
	index.Set(spatial.Build(w.Graph().Points))
	r := newTestRuntime(t, index)

	// Node 3 sits at graph (30, 10), world (60, 20) with map scale 2.
	first := r.StepOnce(Inputs{Paths: []PathRequest{{
		ID:         "qp",
		ByPosition: true,
		From:       mgl64.Vec2{1, -1},
		To:         mgl64.Vec2{61, 19},
	}}}, time.Now())
	res := stepUntilPath(t, r, first, "qp")
	if res.Start != 0 || res.Goal != 3 {
		t.Fatalf("endpoints: start=%d goal=%d", res.Start, res.Goal)
	}
	if !reflect.DeepEqual(res.Path, []pathfind.GraphPoint{0, 4, 3}) && !reflect.DeepEqual(res.Path, []pathfind.GraphPoint{0, 1, 2, 3}) {
		t.Fatalf("path: %v", res.Path)
	}
}

func TestDuplicatePathIDRejected(t *testing.T) {
	r := newTestRuntime(t, nil)
	entry := r.StepOnce(Inputs{Paths: []PathRequest{
		{ID: "dup", Start: 0, Goal: 2},
		{ID: "dup", Start: 1, Goal: 3},
	}}, time.Now())
	if len(entry.Rejected) != 1 || entry.Rejected[0].ID != "dup" {
		t.Fatalf("rejected: %+v", entry.Rejected)
	}
	if r.Metrics().PathRejected != 1 {
		t.Fatalf("path rejected counter: %d", r.Metrics().PathRejected)
	}
}

func TestObstacleSnapshotRebuiltEveryTick(t *testing.T) {
	r := newTestRuntime(t, nil)
	// World (80, 0) is graph node 4.
	cs := []obstacle.Collidable{{Extent: mgl64.Vec2{10, 10}, Transform: mgl64.Translate3D(80, 0, 0)}}
	r.StepOnce(Inputs{Collidables: cs, SetCollidables: true}, time.Now())
	if len(r.boxes) != 1 {
		t.Fatalf("boxes after set: %d", len(r.boxes))
	}
	prev := &r.boxes[0]

	entry := r.StepOnce(Inputs{Paths: []PathRequest{{ID: "blocked", Start: 0, Goal: 4}}}, time.Now())
	if len(r.boxes) != 1 {
		t.Fatalf("boxes on later tick: %d", len(r.boxes))
	}
	if &r.boxes[0] == prev {
		t.Fatal("obstacle snapshot reused across ticks")
	}
	res := stepUntilPath(t, r, entry, "blocked")
	if res.State != pathfind.StateResolved || len(res.Path) != 0 || res.Reason != pathfind.ReasonBlocked {
		t.Fatalf("goal under obstacle: state=%v path=%v reason=%s", res.State, res.Path, res.Reason)
	}

	r.StepOnce(Inputs{SetCollidables: true}, time.Now())
	if len(r.boxes) != 0 {
		t.Fatalf("boxes after clearing collidables: %d", len(r.boxes))
	}
}

func TestObserverReceivesHelloBatchAndPathResult(t *testing.T) {
	r := newTestRuntime(t, nil)
	out := make(chan []byte, 64)
	r.handleObserverJoin(ObserverJoinRequest{SessionID: "s1", Out: out})

	typ, raw := readMsg(t, out)
	if typ != observerproto.TypeHello {
		t.Fatalf("first message: %s", typ)
	}
	var hello observerproto.HelloMsg
	if err := json.Unmarshal(raw, &hello); err != nil {
		t.Fatal(err)
	}
	if hello.SessionID != "s1" || hello.GraphNodes != 5 || hello.MapScale != 2 {
		t.Fatalf("hello: %+v", hello)
	}

	first := r.StepOnce(Inputs{
		Viewpoint: vp(0, 0),
		Paths:     []PathRequest{{ID: "q1", Start: 0, Goal: 4, SessionID: "s1"}},
	}, time.Now())
	typ, raw = readMsg(t, out)
	if typ != observerproto.TypeStreamBatch {
		t.Fatalf("expected stream batch, got %s", typ)
	}
	var batch observerproto.StreamBatchMsg
	if err := json.Unmarshal(raw, &batch); err != nil {
		t.Fatal(err)
	}
	if len(batch.Spawns) != 1 || batch.Spawns[0].ID != "near" || batch.Spawns[0].Kind != "building" {
		t.Fatalf("batch: %+v", batch)
	}

	stepUntilPath(t, r, first, "q1")
	var res observerproto.PathResultMsg
	for {
		typ, raw = readMsg(t, out)
		if typ == observerproto.TypePathResult {
			if err := json.Unmarshal(raw, &res); err != nil {
				t.Fatal(err)
			}
			break
		}
	}
	if res.ID != "q1" || res.State != "RESOLVED" || !reflect.DeepEqual(res.Path, []uint32{0, 4}) {
		t.Fatalf("path result: %+v", res)
	}
	if want := [][2]float64{{0, 0}, {80, 0}}; !reflect.DeepEqual(res.Positions, want) {
		t.Fatalf("positions: got %v want %v", res.Positions, want)
	}
	if _, ok := r.pathOwners["q1"]; ok {
		t.Fatal("path owner not released")
	}
}

func TestLateObserverGetsLiveReplay(t *testing.T) {
	r := newTestRuntime(t, nil)
	r.StepOnce(Inputs{Viewpoint: vp(0, 0)}, time.Now())

	out := make(chan []byte, 64)
	r.handleObserverJoin(ObserverJoinRequest{SessionID: "late", Out: out})
	if typ, _ := readMsg(t, out); typ != observerproto.TypeHello {
		t.Fatalf("first message: %s", typ)
	}
	typ, raw := readMsg(t, out)
	if typ != observerproto.TypeStreamBatch {
		t.Fatalf("expected replay, got %s", typ)
	}
	var batch observerproto.StreamBatchMsg
	if err := json.Unmarshal(raw, &batch); err != nil {
		t.Fatal(err)
	}
	if len(batch.Spawns) != 1 || batch.Spawns[0].ID != "near" {
		t.Fatalf("replay: %+v", batch)
	}
}

func TestObserverCategoryFilter(t *testing.T) {
	r := newTestRuntime(t, nil)
	out := make(chan []byte, 64)
	r.handleObserverJoin(ObserverJoinRequest{SessionID: "roads-only", Out: out, Categories: []string{"roads"}})
	readMsg(t, out) // HELLO

	r.StepOnce(Inputs{Viewpoint: vp(0, 0)}, time.Now())
	select {
	case b := <-out:
		t.Fatalf("unexpected message %s", b)
	default:
	}

	r.handleObserverSubscribe(ObserverSubscribeRequest{SessionID: "roads-only", Chunks: true})
	typ, b := readMsg(t, out)
	if typ != observerproto.TypeChunkTiles {
		t.Fatalf("expected loaded chunks after enabling them, got %s", typ)
	}
	var msg observerproto.ChunkTilesMsg
	if err := json.Unmarshal(b, &msg); err != nil {
		t.Fatal(err)
	}
	if _, err := encoding.DecodeTiles(msg.Encoding, msg.Data, msg.Size*msg.Size); err != nil {
		t.Fatalf("chunk payload: %v", err)
	}
}

func TestObserverDropsWhenOutFull(t *testing.T) {
	r := newTestRuntime(t, nil)
	out := make(chan []byte) // unbuffered, never read
	r.handleObserverJoin(ObserverJoinRequest{SessionID: "slow", Out: out})
	if r.observerDropped == 0 {
		t.Fatal("expected HELLO to be dropped")
	}
	r.handleObserverLeave("slow")
	if len(r.observers) != 0 {
		t.Fatalf("observers: %d", len(r.observers))
	}
}

func TestAsyncSinkDeliversInOrder(t *testing.T) {
	rec := &recordSink{}
	s := NewAsyncSink(rec, 16, nil)
	for i := uint64(0); i < 5; i++ {
		if err := s.WriteTick(TickEntry{Tick: i}); err != nil {
			t.Fatal(err)
		}
	}
	s.Close()
	s.Close()
	if rec.Len() != 5 {
		t.Fatalf("delivered: %d", rec.Len())
	}
	for i, e := range rec.entries {
		if e.Tick != uint64(i) {
			t.Fatalf("order: entry %d has tick %d", i, e.Tick)
		}
	}
	if err := s.WriteTick(TickEntry{Tick: 99}); err != nil {
		t.Fatal(err)
	}
	if rec.Len() != 5 {
		t.Fatal("write after close must be ignored")
	}
}

func TestRunServesStateAndStops(t *testing.T) {
	r := newTestRuntime(t, nil)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	r.SetViewpoint(mgl64.Vec2{0, 0})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		st, err := r.State(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(st.Tracked) == 1 && st.Tracked[0] == "near" {
			if !st.HasViewpoint || len(st.LoadedChunks) == 0 {
				t.Fatalf("state: %+v", st)
			}
			break
		}
	}

	if _, err := r.PathResult(ctx, "missing"); !errors.Is(err, pathfind.ErrQueryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	r.Stop()
	r.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	if _, err := r.State(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("state after stop: %v", err)
	}
}
