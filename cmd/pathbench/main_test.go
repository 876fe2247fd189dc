package main

import (
	"context"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"boracay.world/internal/sim/spatial"
	"boracay.world/internal/sim/worlddata"
)

func testGraph(t *testing.T) *worlddata.Graph {
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

func TestMakePairsIsSeeded(t *testing.T) {
	g := testGraph(t)
	tree := spatial.Build(g.Points)
	for _, byPos := range []bool{false, true} {
		a := makePairs(g, tree, 50, 7, byPos)
		b := makePairs(g, tree, 50, 7, byPos)
		if len(a) != 50 {
			t.Fatalf("pairs: %d", len(a))
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("byPosition=%v: pair %d differs", byPos, i)
			}
			if int(a[i].start) >= g.Len() || int(a[i].goal) >= g.Len() {
				t.Fatalf("pair out of range: %+v", a[i])
			}
		}
	}
}

func TestRunAndSummarize(t *testing.T) {
	g := testGraph(t)
	pairs := []pair{{0, 4}, {0, 2}, {3, 3}}
	samples, err := run(context.Background(), g, pairs, 2, time.Second, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	r := summarize(samples)
	// 0->4 is one hop over the chord, 0->2 goes through 1; 3->3 yields no path.
	if r.Queries != 3 || r.Found != 2 || r.NoPath != 1 || r.TimedOut != 0 {
		t.Fatalf("report: %+v", r)
	}
	if r.AvgHops != 2.5 {
		t.Fatalf("avg hops: %v", r.AvgHops)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if r := summarize(nil); r.Queries != 0 || r.P50 != 0 {
		t.Fatalf("empty: %+v", r)
	}
}
