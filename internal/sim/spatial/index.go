package spatial

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"
)

// Index wraps a KDTree that is built off the tick goroutine and published with a
// single atomic swap. Before the swap, Nearest answers with the fallback node.
type Index struct {
	fallback int
	log      *zap.Logger

	tree  atomic.Pointer[KDTree]
	ready chan struct{}
	built atomic.Bool

	buildDur atomic.Int64 // nanoseconds
}

func NewIndex(fallback int, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		fallback: fallback,
		log:      logger,
		ready:    make(chan struct{}),
	}
}

// BuildAsync starts the build goroutine. Calling it more than once is a no-op.
// Cancelling ctx before the build finishes leaves the index on its fallback.
func (ix *Index) BuildAsync(ctx context.Context, points []mgl64.Vec2) {
	if !ix.built.CompareAndSwap(false, true) {
		return
	}
	go func() {
		start := time.Now()
		t := Build(points)
		if ctx.Err() != nil {
			ix.log.Warn("spatial index build abandoned", zap.Error(ctx.Err()))
			return
		}
		ix.tree.Store(t)
		d := time.Since(start)
		ix.buildDur.Store(int64(d))
		close(ix.ready)
		ix.log.Info("spatial index ready", zap.Int("points", len(points)), zap.Duration("took", d))
	}()
}

// Set publishes an already-built tree. Tools that build synchronously use this.
func (ix *Index) Set(t *KDTree) {
	if !ix.built.CompareAndSwap(false, true) {
		return
	}
	ix.tree.Store(t)
	close(ix.ready)
}

func (ix *Index) Ready() bool { return ix.tree.Load() != nil }

// Wait blocks until the tree is published or ctx is done.
func (ix *Index) Wait(ctx context.Context) error {
	select {
	case <-ix.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ix *Index) BuildDuration() time.Duration { return time.Duration(ix.buildDur.Load()) }

func (ix *Index) Fallback() int { return ix.fallback }

// Nearest returns the closest node. ok is false when the answer is the fallback
// (index not yet built, or empty).
func (ix *Index) Nearest(p mgl64.Vec2) (index int, sqDist float64, ok bool) {
	t := ix.tree.Load()
	if t == nil {
		return ix.fallback, 0, false
	}
	i, d, ok := t.Nearest(p)
	if !ok {
		return ix.fallback, 0, false
	}
	return i, d, true
}
