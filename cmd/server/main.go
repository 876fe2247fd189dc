package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"boracay.world/internal/persistence/indexdb"
	persistlog "boracay.world/internal/persistence/log"
	"boracay.world/internal/sim/pathfind"
	"boracay.world/internal/sim/runtime"
	"boracay.world/internal/sim/spatial"
	"boracay.world/internal/sim/stream"
	"boracay.world/internal/sim/tuning"
	"boracay.world/internal/sim/worlddata"
	"boracay.world/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory (event logs, index db)")
		mapDir     = flag.String("map", "", "world data directory (overrides tuning data.dir)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index")
		disableLog = flag.Bool("disable_event_log", false, "disable zstd JSONL stream/path logs")
		logLevel   = flag.String("log_level", "", "debug|info|warn|error (default: tuning log.level)")
		logDev     = flag.Bool("log_dev", false, "development console logging")
		seed       = flag.Int64("seed", 0, "spawn roll seed (0: tuning streaming.seed, or time based when that is 0 too)")
	)
	flag.Parse()

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, tuneErr := tuning.Load(tp)
	if tuneErr != nil && !os.IsNotExist(tuneErr) {
		// Logger is not built yet.
		_, _ = os.Stderr.WriteString("load tuning: " + tuneErr.Error() + "\n")
		os.Exit(1)
	}
	if tuneErr != nil {
		tune = tuning.Defaults()
	}

	level := tune.Log.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger, err := newLogger(level, *logDev || tune.Log.Development)
	if err != nil {
		_, _ = os.Stderr.WriteString("build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	if tuneErr != nil {
		logger.Warn("tuning not found; using defaults", zap.String("path", tp))
	}
	if *mapDir != "" {
		tune.Data.Dir = *mapDir
	}

	ctx, cancel := signalContext()
	defer cancel()

	loadStart := time.Now()
	w, err := worlddata.Load(ctx, dataPaths(tune.Data))
	if err != nil {
		logger.Fatal("load world data", zap.Error(err))
	}
	counts := w.Counts()
	fields := []zap.Field{zap.String("digest", w.Digest()), zap.Duration("took", time.Since(loadStart))}
	for _, k := range worlddata.CountKeys(counts) {
		fields = append(fields, zap.Int(k, counts[k]))
	}
	logger.Info("world data loaded", fields...)

	index := spatial.NewIndex(tune.Pathfinding.DefaultStartNode, logger.Named("spatial"))
	index.BuildAsync(ctx, w.Graph().Points)

	rollSeed := *seed
	if rollSeed == 0 {
		rollSeed = tune.Streaming.Seed
	}
	if rollSeed == 0 {
		rollSeed = time.Now().UnixNano()
	}
	streamCfg := stream.ConfigFromTuning(tune)
	mgr := stream.NewManager(w, streamCfg, stream.Options{Seed: rollSeed, Logger: logger.Named("stream")})
	logger.Info("streaming configured", zap.Int64("seed", rollSeed), zap.Float64("map_scale", streamCfg.MapScale))

	paths := pathfind.NewService(w.Graph(), pathfind.Options{
		Timeout:   tune.Pathfinding.Timeout(),
		Workers:   tune.Pathfinding.Workers,
		PointSize: tune.Pathfinding.PointSize,
		Logger:    logger.Named("pathfind"),
	})

	var (
		sinks  []runtime.Sink
		async  []*runtime.AsyncSink
		closer []func() error
	)
	if !*disableLog {
		streamLog := persistlog.NewStreamLogger(*dataDir)
		pathLog := persistlog.NewPathLogger(*dataDir)
		for _, s := range []runtime.Sink{streamLog, pathLog} {
			a := runtime.NewAsyncSink(s, 4096, logger.Named("eventlog"))
			async = append(async, a)
			sinks = append(sinks, a)
		}
		closer = append(closer, streamLog.Close, pathLog.Close)
	}
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "boracay.sqlite"), logger.Named("indexdb"))
		if err != nil {
			logger.Fatal("open index db", zap.Error(err))
		}
		if err := idx.UpsertSources(w, tune, streamCfg); err != nil {
			logger.Warn("index db: upsert sources", zap.Error(err))
		}
		sinks = append(sinks, idx)
		closer = append(closer, idx.Close)
	}

	rt, err := runtime.New(runtime.Config{
		TickRateHz:  tune.TickRateHz,
		MapScale:    tune.MapScale,
		KeepResults: tune.Pathfinding.KeepResults(),
	}, runtime.Deps{
		World:  w,
		Stream: mgr,
		Paths:  paths,
		Index:  index,
		Sinks:  sinks,
		Logger: logger.Named("runtime"),
	})
	if err != nil {
		logger.Fatal("runtime", zap.Error(err))
	}

	obs := observer.NewServer(rt, observer.Config{
		PathQueriesPerSec: tune.Observer.PathQueriesPerSec,
		PathQueryBurst:    tune.Observer.PathQueryBurst,
		MaxSessions:       tune.Observer.MaxSessions,
	}, logger.Named("observer"))

	api := &adminAPI{rt: rt, idx: idx, obs: obs, async: async, log: logger.Named("admin")}
	mux := http.NewServeMux()
	api.register(mux,
		envBool("BW_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		envBool("BW_ENABLE_PPROF_HTTP", false),
	)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := rt.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", *addr), zap.Int("tick_rate_hz", rt.TickRateHz()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}

	for _, a := range async {
		a.Close()
	}
	for _, c := range closer {
		if err := c(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete", zap.Uint64("tick", rt.CurrentTick()))
}

func dataPaths(d tuning.Data) worlddata.Paths {
	return worlddata.Paths{
		Map:           d.Resolve(d.Map),
		Rooms:         d.Resolve(d.Rooms),
		Path:          d.Resolve(d.Path),
		IslandTiles:   d.Resolve(d.IslandTiles),
		MountainTiles: d.Resolve(d.MountainTiles),
		CementTiles:   d.Resolve(d.CementTiles),
	}
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		cfg.EncoderConfig.ConsoleSeparator = "  "
		cfg.DisableCaller = true
		cfg.DisableStacktrace = true
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
