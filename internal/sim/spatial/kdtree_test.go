package spatial

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

func bruteNearest(pts []mgl64.Vec2, p mgl64.Vec2) (int, float64) {
	best, bestD := -1, 0.0
	for i, q := range pts {
		d := q.Sub(p)
		dd := d.Dot(d)
		if best < 0 || dd < bestD {
			best, bestD = i, dd
		}
	}
	return best, bestD
}

func TestKDTreeMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pts := make([]mgl64.Vec2, 2000)
	for i := range pts {
		pts[i] = mgl64.Vec2{rng.Float64()*1000 - 500, rng.Float64()*1000 - 500}
	}
	tree := Build(pts)
	if tree.Len() != len(pts) {
		t.Fatalf("len: got %d", tree.Len())
	}
	for i := 0; i < 500; i++ {
		q := mgl64.Vec2{rng.Float64()*1200 - 600, rng.Float64()*1200 - 600}
		gi, gd, ok := tree.Nearest(q)
		if !ok {
			t.Fatalf("nearest not ok")
		}
		_, wd := bruteNearest(pts, q)
		if gd != wd {
			t.Fatalf("query %v: got idx=%d d=%v want d=%v", q, gi, gd, wd)
		}
	}
}

func TestKDTreeDuplicatePointsPickLowestIndex(t *testing.T) {
	pts := []mgl64.Vec2{{5, 5}, {1, 1}, {1, 1}, {9, 9}}
	i, d, ok := Build(pts).Nearest(mgl64.Vec2{1, 1})
	if !ok || d != 0 || i != 1 {
		t.Fatalf("got idx=%d d=%v ok=%v want idx=1 d=0", i, d, ok)
	}
}

func TestKDTreeEmpty(t *testing.T) {
	if _, _, ok := Build(nil).Nearest(mgl64.Vec2{}); ok {
		t.Fatalf("empty tree should not answer")
	}
}

func TestIndexFallbackBeforeReady(t *testing.T) {
	ix := NewIndex(7, nil)
	i, _, ok := ix.Nearest(mgl64.Vec2{0, 0})
	if ok || i != 7 {
		t.Fatalf("expected fallback 7, got %d ok=%v", i, ok)
	}
	if ix.Ready() {
		t.Fatalf("index should not be ready")
	}
}

func TestIndexBuildAsyncSwapsIn(t *testing.T) {
	ix := NewIndex(0, nil)
	pts := []mgl64.Vec2{{0, 0}, {10, 0}, {20, 0}}
	ix.BuildAsync(context.Background(), pts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ix.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	i, d, ok := ix.Nearest(mgl64.Vec2{18, 1})
	if !ok || i != 2 || d != 5 {
		t.Fatalf("got idx=%d d=%v ok=%v", i, d, ok)
	}
	// A second build request must not replace the published tree.
	ix.BuildAsync(context.Background(), []mgl64.Vec2{{100, 100}})
	if i, _, _ := ix.Nearest(mgl64.Vec2{18, 1}); i != 2 {
		t.Fatalf("tree replaced by second build: idx=%d", i)
	}
}
