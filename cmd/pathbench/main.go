// Command pathbench loads the world data offline and runs a batch of random
// graph searches against it, reporting latency and expansion counts. It
// exercises the same loader, spatial index and A* code the server uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"boracay.world/internal/sim/pathfind"
	"boracay.world/internal/sim/spatial"
	"boracay.world/internal/sim/tuning"
	"boracay.world/internal/sim/worlddata"
)

func main() {
	var (
		configDir   = flag.String("configs", "./configs", "config directory")
		tuningPath  = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		mapDir      = flag.String("map", "", "world data directory (overrides tuning data.dir)")
		n           = flag.Int("n", 1000, "number of queries")
		concurrency = flag.Int("concurrency", 4, "parallel searches")
		seed        = flag.Int64("seed", 1, "query pair seed")
		byPosition  = flag.Bool("by_position", false, "pick random positions and snap them through the spatial index")
		timeout     = flag.Duration("timeout", 0, "per-search timeout (default: tuning pathfinding.timeout_ms)")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	tp := *tuningPath
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		logger.Warn("tuning: using defaults", zap.String("path", tp), zap.Error(err))
		tune = tuning.Defaults()
	}
	if *mapDir != "" {
		tune.Data.Dir = *mapDir
	}
	if *timeout <= 0 {
		*timeout = tune.Pathfinding.Timeout()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d := tune.Data
	w, err := worlddata.Load(ctx, worlddata.Paths{
		Map:           d.Resolve(d.Map),
		Rooms:         d.Resolve(d.Rooms),
		Path:          d.Resolve(d.Path),
		IslandTiles:   d.Resolve(d.IslandTiles),
		MountainTiles: d.Resolve(d.MountainTiles),
		CementTiles:   d.Resolve(d.CementTiles),
	})
	if err != nil {
		logger.Fatal("load world data", zap.Error(err))
	}
	g := w.Graph()
	if g.Len() < 2 {
		logger.Fatal("graph too small", zap.Int("nodes", g.Len()))
	}

	buildStart := time.Now()
	tree := spatial.Build(g.Points)
	logger.Info("spatial index built", zap.Int("nodes", tree.Len()), zap.Duration("took", time.Since(buildStart)))

	pairs := makePairs(g, tree, *n, *seed, *byPosition)
	res, err := run(ctx, g, pairs, *concurrency, *timeout, tune.Pathfinding.PointSize/2)
	if err != nil {
		logger.Fatal("bench", zap.Error(err))
	}
	r := summarize(res)
	logger.Info("pathbench done",
		zap.Int("queries", r.Queries),
		zap.Int("found", r.Found),
		zap.Int("no_path", r.NoPath),
		zap.Int("timed_out", r.TimedOut),
		zap.Duration("p50", r.P50),
		zap.Duration("p95", r.P95),
		zap.Duration("max", r.Max),
		zap.Float64("avg_expanded", r.AvgExpanded),
		zap.Float64("avg_hops", r.AvgHops))
}

type pair struct{ start, goal pathfind.GraphPoint }

// makePairs picks random node pairs, or with byPosition random points inside
// the graph's bounding box resolved to their nearest nodes.
func makePairs(g *worlddata.Graph, tree *spatial.KDTree, n int, seed int64, byPosition bool) []pair {
	rng := rand.New(rand.NewSource(seed))
	out := make([]pair, 0, n)
	if !byPosition {
		for i := 0; i < n; i++ {
			out = append(out, pair{pathfind.GraphPoint(rng.Intn(g.Len())), pathfind.GraphPoint(rng.Intn(g.Len()))})
		}
		return out
	}

	lo, hi := g.Points[0], g.Points[0]
	for _, p := range g.Points[1:] {
		for k := 0; k < 2; k++ {
			if p[k] < lo[k] {
				lo[k] = p[k]
			}
			if p[k] > hi[k] {
				hi[k] = p[k]
			}
		}
	}
	snap := func() pathfind.GraphPoint {
		p := lo
		p[0] += rng.Float64() * (hi[0] - lo[0])
		p[1] += rng.Float64() * (hi[1] - lo[1])
		i, _, _ := tree.Nearest(p)
		return pathfind.GraphPoint(i)
	}
	for i := 0; i < n; i++ {
		out = append(out, pair{snap(), snap()})
	}
	return out
}

type sample struct {
	took     time.Duration
	hops     int
	expanded int
	timedOut bool
}

func run(ctx context.Context, g *worlddata.Graph, pairs []pair, concurrency int, timeout time.Duration, pointHalf float64) ([]sample, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	var (
		mu  sync.Mutex
		out = make([]sample, 0, len(pairs))
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)
	for _, p := range pairs {
		p := p
		eg.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			path, err := pathfind.Search(sctx, g, nil, pointHalf, p.start, p.goal)
			s := sample{took: time.Since(start), hops: len(path.Nodes), expanded: path.Expanded}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.timedOut = true
			}
			mu.Lock()
			out = append(out, s)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

type report struct {
	Queries     int
	Found       int
	NoPath      int
	TimedOut    int
	P50, P95    time.Duration
	Max         time.Duration
	AvgExpanded float64
	AvgHops     float64
}

func summarize(samples []sample) report {
	r := report{Queries: len(samples)}
	if len(samples) == 0 {
		return r
	}
	took := make([]time.Duration, 0, len(samples))
	var expanded, hops int
	for _, s := range samples {
		took = append(took, s.took)
		expanded += s.expanded
		switch {
		case s.timedOut:
			r.TimedOut++
		case s.hops > 0:
			r.Found++
			hops += s.hops
		default:
			r.NoPath++
		}
	}
	sort.Slice(took, func(i, j int) bool { return took[i] < took[j] })
	r.P50 = took[(len(took)-1)/2]
	r.P95 = took[int(0.95*float64(len(took)-1))]
	r.Max = took[len(took)-1]
	r.AvgExpanded = float64(expanded) / float64(len(samples))
	if r.Found > 0 {
		r.AvgHops = float64(hops) / float64(r.Found)
	}
	return r
}
