// Command bot drives the viewpoint around a circle and fires path queries,
// logging what the server streams back. Useful for soak runs against a local
// server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"boracay.world/internal/observerproto"
)

func main() {
	var (
		url      = flag.String("url", "ws://127.0.0.1:8080/admin/v1/observer/ws", "observer ws url")
		cx       = flag.Float64("cx", 0, "circle center x (world frame)")
		cy       = flag.Float64("cy", 0, "circle center y (world frame)")
		radius   = flag.Float64("radius", 400, "circle radius")
		period   = flag.Duration("period", 60*time.Second, "time for one lap")
		step     = flag.Duration("step", 100*time.Millisecond, "viewpoint update interval")
		queryInt = flag.Duration("query_every", 2*time.Second, "path query interval (0 disables)")
		chunks   = flag.Bool("chunks", false, "subscribe to tile chunks")
		duration = flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var c context.CancelFunc
		ctx, c = context.WithTimeout(ctx, *duration)
		defer c()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *url, nil)
	if err != nil {
		logger.Fatal("dial", zap.Error(err))
	}
	defer conn.Close()

	sub := observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		Chunks:          *chunks,
		Drive:           true,
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Fatal("send SUBSCRIBE", zap.Error(err))
	}

	var hello observerproto.HelloMsg
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != observerproto.TypeHello {
		logger.Fatal("expected HELLO", zap.Error(err), zap.String("type", hello.Type))
	}
	logger.Info("HELLO",
		zap.String("session", hello.SessionID),
		zap.Int("tick_rate_hz", hello.TickRateHz),
		zap.Int("graph_nodes", hello.GraphNodes),
		zap.String("digest", hello.WorldDigest))

	st := &tally{spawned: map[string]int{}, despawned: map[string]int{}}
	readDone := make(chan error, 1)
	go func() { readDone <- readLoop(conn, st, logger) }()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	moveT := time.NewTicker(*step)
	defer moveT.Stop()
	var queryC <-chan time.Time
	if *queryInt > 0 && hello.GraphNodes > 1 {
		qt := time.NewTicker(*queryInt)
		defer qt.Stop()
		queryC = qt.C
	}

	start := time.Now()
	var (
		queries    int
		readerDone bool
	)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-readDone:
			readerDone = true
			logger.Warn("connection closed", zap.Error(err))
			break loop
		case now := <-moveT.C:
			x, y := circlePoint(*cx, *cy, *radius, now.Sub(start), *period)
			if err := conn.WriteJSON(observerproto.ViewpointMsg{Type: observerproto.TypeViewpoint, X: x, Y: y}); err != nil {
				logger.Warn("send VIEWPOINT", zap.Error(err))
				break loop
			}
		case <-queryC:
			queries++
			q := observerproto.PathQueryMsg{
				Type:  observerproto.TypePathQuery,
				ID:    fmt.Sprintf("bot-%d", queries),
				Start: uint32(rng.Intn(hello.GraphNodes)),
				Goal:  uint32(rng.Intn(hello.GraphNodes)),
			}
			if err := conn.WriteJSON(q); err != nil {
				logger.Warn("send PATH_QUERY", zap.Error(err))
				break loop
			}
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	_ = conn.Close()
	if !readerDone {
		<-readDone
	}
	st.log(logger, queries)
}

func circlePoint(cx, cy, r float64, elapsed, period time.Duration) (float64, float64) {
	if period <= 0 {
		return cx + r, cy
	}
	a := 2 * math.Pi * float64(elapsed%period) / float64(period)
	return cx + r*math.Cos(a), cy + r*math.Sin(a)
}

type tally struct {
	batches   int
	spawned   map[string]int
	despawned map[string]int
	chunks    int
	evicted   int
	paths     int
	found     int
	errors    int
}

func readLoop(conn *websocket.Conn, st *tally, logger *zap.Logger) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env observerproto.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		switch env.Type {
		case observerproto.TypeStreamBatch:
			var b observerproto.StreamBatchMsg
			if err := json.Unmarshal(msg, &b); err != nil {
				continue
			}
			st.batches++
			for _, s := range b.Spawns {
				st.spawned[s.Category]++
			}
			for _, d := range b.Despawns {
				st.despawned[d.Category]++
			}
			logger.Debug("STREAM_BATCH", zap.Uint64("tick", b.Tick), zap.Int("spawns", len(b.Spawns)), zap.Int("despawns", len(b.Despawns)))
		case observerproto.TypeChunkTiles:
			st.chunks++
		case observerproto.TypeChunkEvict:
			st.evicted++
		case observerproto.TypePathResult:
			var p observerproto.PathResultMsg
			if err := json.Unmarshal(msg, &p); err != nil {
				continue
			}
			st.paths++
			if len(p.Path) > 0 {
				st.found++
			}
			logger.Info("PATH_RESULT", zap.String("id", p.ID), zap.String("state", p.State), zap.String("reason", p.Reason), zap.Int("hops", len(p.Path)))
		case observerproto.TypeError:
			var e observerproto.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			st.errors++
			logger.Warn("ERROR", zap.String("code", e.Code), zap.String("message", e.Message))
		}
	}
}

// log must run after readLoop has returned.
func (st *tally) log(logger *zap.Logger, queries int) {
	cats := make([]string, 0, len(st.spawned))
	for c := range st.spawned {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	fields := []zap.Field{
		zap.Int("batches", st.batches),
		zap.Int("chunks", st.chunks),
		zap.Int("evicted", st.evicted),
		zap.Int("queries", queries),
		zap.Int("path_results", st.paths),
		zap.Int("paths_found", st.found),
		zap.Int("errors", st.errors),
	}
	for _, c := range cats {
		fields = append(fields, zap.String(c, fmt.Sprintf("+%d/-%d", st.spawned[c], st.despawned[c])))
	}
	logger.Info("bot done", fields...)
}
