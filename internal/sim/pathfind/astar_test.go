package pathfind

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"boracay.world/internal/sim/obstacle"
	"boracay.world/internal/sim/worlddata"
)

// arcGraph is five nodes on an arc, chained 0-1-2-3-4, plus a direct 0-4 chord.
func arcGraph(t *testing.T) *worlddata.Graph {
	t.Helper()
	g, err := worlddata.NewGraph(
		[]mgl64.Vec2{{0, 0}, {10, 10}, {20, 12}, {30, 10}, {40, 0}},
		[][]uint32{{1, 4}, {0, 2}, {1, 3}, {2, 4}, {3, 0}},
	)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func gridGraph(t *testing.T, w, h int, spacing float64) *worlddata.Graph {
	t.Helper()
	pts := make([]mgl64.Vec2, 0, w*h)
	adj := make([][]uint32, w*h)
	id := func(x, y int) uint32 { return uint32(y*w + x) }
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pts = append(pts, mgl64.Vec2{float64(x) * spacing, float64(y) * spacing})
			if x > 0 {
				adj[id(x, y)] = append(adj[id(x, y)], id(x-1, y))
				adj[id(x-1, y)] = append(adj[id(x-1, y)], id(x, y))
			}
			if y > 0 {
				adj[id(x, y)] = append(adj[id(x, y)], id(x, y-1))
				adj[id(x, y-1)] = append(adj[id(x, y-1)], id(x, y))
			}
		}
	}
	g, err := worlddata.NewGraph(pts, adj)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestSearchDirectEdge(t *testing.T) {
	g := arcGraph(t)
	p, err := Search(context.Background(), g, nil, 7.5, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if want := []GraphPoint{0, 4}; !reflect.DeepEqual(p.Nodes, want) {
		t.Fatalf("path: got %v want %v", p.Nodes, want)
	}
	if p.Cost != 1 {
		t.Fatalf("cost: got %d want 1", p.Cost)
	}
}

func TestSearchDetoursAroundBlockedNode(t *testing.T) {
	// The arc again, but the chord runs through node 5 at (20, 0).
	g, err := worlddata.NewGraph(
		[]mgl64.Vec2{{0, 0}, {10, 10}, {20, 12}, {30, 10}, {40, 0}, {20, 0}},
		[][]uint32{{1, 5}, {0, 2}, {1, 3}, {2, 4}, {3, 5}, {0, 4}},
	)
	if err != nil {
		t.Fatal(err)
	}
	p, err := Search(context.Background(), g, nil, 7.5, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if want := []GraphPoint{0, 5, 4}; !reflect.DeepEqual(p.Nodes, want) {
		t.Fatalf("open chord: got %v want %v", p.Nodes, want)
	}

	boxes := []obstacle.Box{obstacle.NewBox(mgl64.Vec2{20, 0}, mgl64.Vec2{2, 2}, 0)}
	p, err = Search(context.Background(), g, boxes, 7.5, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if want := []GraphPoint{0, 1, 2, 3, 4}; !reflect.DeepEqual(p.Nodes, want) {
		t.Fatalf("path: got %v want %v", p.Nodes, want)
	}
	if p.Cost != 4 {
		t.Fatalf("cost: got %d want 4", p.Cost)
	}
}

func TestSearchIgnoresObstacleBetweenFreeNodes(t *testing.T) {
	g, err := worlddata.NewGraph(
		[]mgl64.Vec2{{0, 0}, {20, 0}, {10, 30}},
		[][]uint32{{1, 2}, {0, 2}, {0, 1}},
	)
	if err != nil {
		t.Fatal(err)
	}
	// Straddles the 0-1 edge but touches neither endpoint.
	boxes := []obstacle.Box{obstacle.NewBox(mgl64.Vec2{10, 0}, mgl64.Vec2{2, 2}, 0)}
	for i := range g.Points {
		if obstacle.AnyCollides(boxes, g.Points[i], 1) {
			t.Fatalf("node %d unexpectedly blocked", i)
		}
	}
	p, err := Search(context.Background(), g, boxes, 1, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if want := []GraphPoint{0, 1}; !reflect.DeepEqual(p.Nodes, want) || p.Cost != 1 {
		t.Fatalf("got %v cost %d, want %v cost 1", p.Nodes, p.Cost, want)
	}
}

func TestSearchNeverStepsIntoObstacles(t *testing.T) {
	g := gridGraph(t, 20, 20, 10)
	rng := rand.New(rand.NewSource(3))
	const half = 2.0
	for trial := 0; trial < 30; trial++ {
		var boxes []obstacle.Box
		for i := 0; i < 6; i++ {
			c := mgl64.Vec2{rng.Float64() * 190, rng.Float64() * 190}
			boxes = append(boxes, obstacle.NewBox(c, mgl64.Vec2{5 + rng.Float64()*15, 2 + rng.Float64()*5}, rng.Float64()*3.14))
		}
		start, goal := GraphPoint(0), GraphPoint(399)
		if endpointBlocked(g, boxes, half, start) || endpointBlocked(g, boxes, half, goal) {
			continue
		}
		p, err := Search(context.Background(), g, boxes, half, start, goal)
		if err != nil {
			t.Fatal(err)
		}
		for _, n := range p.Nodes {
			if obstacle.AnyCollides(boxes, g.Points[n], half) {
				t.Fatalf("trial %d: node %d at %v is inside an obstacle", trial, n, g.Points[n])
			}
		}
		if len(p.Nodes) > 0 && (p.Nodes[0] != start || p.Nodes[len(p.Nodes)-1] != goal) {
			t.Fatalf("trial %d: path endpoints %v", trial, p.Nodes)
		}
	}
}

func TestSearchShortestOnGrid(t *testing.T) {
	g := gridGraph(t, 10, 10, 10)
	p, err := Search(context.Background(), g, nil, 1, 0, 99)
	if err != nil {
		t.Fatal(err)
	}
	if p.Cost != 18 || len(p.Nodes) != 19 {
		t.Fatalf("expected 18 hops, got cost=%d len=%d", p.Cost, len(p.Nodes))
	}
}

func TestSearchDeterministic(t *testing.T) {
	g := gridGraph(t, 12, 12, 10)
	a, _ := Search(context.Background(), g, nil, 1, 0, 143)
	for i := 0; i < 5; i++ {
		b, _ := Search(context.Background(), g, nil, 1, 0, 143)
		if !reflect.DeepEqual(a.Nodes, b.Nodes) {
			t.Fatalf("run %d differs: %v vs %v", i, a.Nodes, b.Nodes)
		}
	}
}

func TestSearchNoRoute(t *testing.T) {
	g, err := worlddata.NewGraph([]mgl64.Vec2{{0, 0}, {1, 0}, {5, 5}}, [][]uint32{{1}, {0}, {}})
	if err != nil {
		t.Fatal(err)
	}
	p, err := Search(context.Background(), g, nil, 1, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Nodes) != 0 {
		t.Fatalf("expected empty path, got %v", p.Nodes)
	}
}

func TestSearchHonoursCancellation(t *testing.T) {
	g := gridGraph(t, 30, 30, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Search(ctx, g, nil, 1, 0, 899)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOpenSetOrdering(t *testing.T) {
	s := &openSet{}
	for _, e := range []openEntry{
		{node: 5, f: 3, h: 1},
		{node: 1, f: 2, h: 2},
		{node: 2, f: 2, h: 1},
		{node: 0, f: 2, h: 1},
		{node: 9, f: 1, h: 0},
	} {
		s.push(e)
	}
	var got []GraphPoint
	for s.len() > 0 {
		got = append(got, s.pop().node)
	}
	if want := []GraphPoint{9, 0, 2, 1, 5}; !reflect.DeepEqual(got, want) {
		t.Fatalf("pop order: got %v want %v", got, want)
	}
}
