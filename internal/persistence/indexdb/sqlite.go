package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"boracay.world/internal/sim/runtime"
	"boracay.world/internal/sim/stream"
	"boracay.world/internal/sim/tuning"
	"boracay.world/internal/sim/worlddata"
)

var ErrClosed = errors.New("index closed")

// SQLiteIndex is a queryable secondary index of the stream and path logs.
// Writes are queued and applied in batched transactions by one goroutine; the
// JSONL logs remain the source of truth when the queue overflows.
type SQLiteIndex struct {
	db  *sql.DB
	log *zap.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once
	mu   sync.RWMutex // guards send vs close

	closed atomic.Bool

	dropTick  atomic.Uint64
	dropFlush atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqFlush
)

type req struct {
	kind reqKind

	tick runtime.TickEntry
	done chan struct{}
}

type Stats struct {
	DropTickTotal  uint64 `json:"drop_tick_total"`
	DropFlushTotal uint64 `json:"drop_flush_total"`
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
}

func OpenSQLite(path string, logger *zap.Logger) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:  db,
		log: logger,
		ch:  make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sources (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS stream_ticks (
			tick INTEGER PRIMARY KEY,
			at TEXT NOT NULL,
			vx REAL NOT NULL,
			vy REAL NOT NULL,
			spawns INTEGER NOT NULL,
			despawns INTEGER NOT NULL,
			chunks_spawned INTEGER NOT NULL,
			chunks_despawned INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS spawns (
			tick INTEGER NOT NULL,
			id TEXT NOT NULL,
			category TEXT NOT NULL,
			kind TEXT NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			PRIMARY KEY (tick, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_spawns_id ON spawns(id, tick);`,
		`CREATE TABLE IF NOT EXISTS despawns (
			tick INTEGER NOT NULL,
			id TEXT NOT NULL,
			category TEXT NOT NULL,
			reason TEXT NOT NULL,
			PRIMARY KEY (tick, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_despawns_id ON despawns(id, tick);`,
		`CREATE TABLE IF NOT EXISTS chunk_events (
			tick INTEGER NOT NULL,
			chunk TEXT NOT NULL,
			event TEXT NOT NULL,
			digest TEXT,
			PRIMARY KEY (tick, chunk)
		);`,
		`CREATE TABLE IF NOT EXISTS path_results (
			id TEXT PRIMARY KEY,
			tick INTEGER NOT NULL,
			state TEXT NOT NULL,
			reason TEXT,
			start_node INTEGER NOT NULL,
			goal_node INTEGER NOT NULL,
			hops INTEGER NOT NULL,
			cost INTEGER NOT NULL,
			expanded INTEGER NOT NULL,
			took_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_path_results_tick ON path_results(tick);`,
		`CREATE TABLE IF NOT EXISTS path_rejections (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			error TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteTick queues one tick. It never blocks; a full queue drops the tick.
func (s *SQLiteIndex) WriteTick(entry runtime.TickEntry) error {
	if s == nil {
		return nil
	}
	if !s.enqueue(req{kind: reqTick, tick: entry}) {
		s.dropTick.Add(1)
	}
	return nil
}

// Flush commits everything queued so far.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !s.enqueue(req{kind: reqFlush, done: done}) {
		s.dropFlush.Add(1)
		if s.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("index queue full")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) enqueue(r req) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- r:
		return true
	default:
		return false
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropTickTotal:  s.dropTick.Load(),
		DropFlushTotal: s.dropFlush.Load(),
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
	}
}

// UpsertSources records what the server was started with: the world digest
// and per-kind counts, the effective tuning and the streaming config.
func (s *SQLiteIndex) UpsertSources(w *worlddata.WorldData, tune tuning.Tuning, cfg stream.Config) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	digestOf := func(b []byte) string {
		sum := sha256.Sum256(b)
		return hex.EncodeToString(sum[:])
	}
	var rows []kv
	if b, err := json.Marshal(w.Counts()); err == nil {
		rows = append(rows, kv{name: "world", digest: w.Digest(), json: b})
	}
	if b, err := json.Marshal(tune); err == nil {
		rows = append(rows, kv{name: "tuning", digest: digestOf(b), json: b})
	}
	if b, err := json.Marshal(cfg); err == nil {
		rows = append(rows, kv{name: "stream_config", digest: digestOf(b), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('world_digest',?)`, w.Digest()); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO sources(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PathRow is an indexed terminal path query.
type PathRow struct {
	ID       string `json:"id"`
	Tick     uint64 `json:"tick"`
	State    string `json:"state"`
	Reason   string `json:"reason,omitempty"`
	Start    int    `json:"start"`
	Goal     int    `json:"goal"`
	Hops     int    `json:"hops"`
	Cost     int    `json:"cost"`
	Expanded int    `json:"expanded"`
	TookMS   int64  `json:"took_ms"`
}

// PathResult looks up a committed path result. It returns sql.ErrNoRows for
// unknown ids.
func (s *SQLiteIndex) PathResult(ctx context.Context, id string) (PathRow, error) {
	var (
		row    PathRow
		tick   int64
		reason sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id,tick,state,reason,start_node,goal_node,hops,cost,expanded,took_ms FROM path_results WHERE id=?`, id,
	).Scan(&row.ID, &tick, &row.State, &reason, &row.Start, &row.Goal, &row.Hops, &row.Cost, &row.Expanded, &row.TookMS)
	if err != nil {
		return PathRow{}, err
	}
	row.Tick = uint64(tick)
	row.Reason = reason.String
	return row, nil
}

// batch is the writer goroutine's open transaction.
type batch struct {
	db  *sql.DB
	log *zap.Logger

	stmts map[string]*sql.Stmt

	tx         *sql.Tx
	ops        int
	lastCommit time.Time
}

var statements = map[string]string{
	"tick":    `INSERT OR REPLACE INTO stream_ticks(tick,at,vx,vy,spawns,despawns,chunks_spawned,chunks_despawned) VALUES(?,?,?,?,?,?,?,?)`,
	"spawn":   `INSERT OR REPLACE INTO spawns(tick,id,category,kind,x,y) VALUES(?,?,?,?,?,?)`,
	"despawn": `INSERT OR REPLACE INTO despawns(tick,id,category,reason) VALUES(?,?,?,?)`,
	"chunk":   `INSERT OR REPLACE INTO chunk_events(tick,chunk,event,digest) VALUES(?,?,?,?)`,
	"path":    `INSERT OR REPLACE INTO path_results(id,tick,state,reason,start_node,goal_node,hops,cost,expanded,took_ms) VALUES(?,?,?,?,?,?,?,?,?,?)`,
	"reject":  `INSERT OR REPLACE INTO path_rejections(tick,seq,id,error) VALUES(?,?,?,?)`,
}

func (b *batch) begin() bool {
	if b.tx != nil {
		return true
	}
	tx, err := b.db.BeginTx(context.Background(), nil)
	if err != nil {
		b.log.Warn("index begin failed", zap.Error(err))
		time.Sleep(50 * time.Millisecond)
		return false
	}
	b.tx = tx
	b.ops = 0
	b.lastCommit = time.Now()
	return true
}

func (b *batch) commit() {
	if b.tx == nil {
		return
	}
	if err := b.tx.Commit(); err != nil {
		b.log.Warn("index commit failed", zap.Error(err))
	}
	b.tx = nil
	b.ops = 0
	b.lastCommit = time.Now()
}

func (b *batch) rollback(err error) {
	b.log.Warn("index write failed", zap.Error(err))
	if b.tx == nil {
		return
	}
	_ = b.tx.Rollback()
	b.tx = nil
	b.ops = 0
	b.lastCommit = time.Now()
}

// exec runs a prepared statement inside the open transaction. A failure
// rolls the whole batch back.
func (b *batch) exec(name string, args ...any) bool {
	st := b.stmts[name]
	if st == nil || b.tx == nil {
		return false
	}
	if _, err := b.tx.Stmt(st).Exec(args...); err != nil {
		b.rollback(err)
		return false
	}
	b.ops++
	return true
}

func (s *SQLiteIndex) loop() {
	const (
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)
	b := &batch{db: s.db, log: s.log, stmts: map[string]*sql.Stmt{}, lastCommit: time.Now()}
	for name, q := range statements {
		st, err := s.db.Prepare(q)
		if err != nil {
			s.log.Error("index prepare failed", zap.String("stmt", name), zap.Error(err))
			continue
		}
		b.stmts[name] = st
	}
	defer func() {
		for _, st := range b.stmts {
			_ = st.Close()
		}
	}()

	// Commit on a timer too, so an idle queue never holds the only connection.
	ticker := time.NewTicker(commitMaxWait / 4)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				b.commit()
				return
			}
			if r.kind == reqFlush {
				b.commit()
				close(r.done)
				continue
			}
			if !b.begin() {
				continue
			}
			writeTick(b, r.tick)
			if b.ops >= commitEvery || time.Since(b.lastCommit) >= commitMaxWait {
				b.commit()
			}
		case <-ticker.C:
			if time.Since(b.lastCommit) >= commitMaxWait {
				b.commit()
			}
		}
	}
}

func writeTick(b *batch, e runtime.TickEntry) {
	tick := int64(e.Tick)
	sb := e.Batch
	if !sb.Empty() {
		var up, down int
		for _, ev := range sb.Chunks {
			if ev.Kind == stream.ChunkSpawned {
				up++
			} else {
				down++
			}
		}
		if !b.exec("tick", tick, e.At.UTC().Format(time.RFC3339Nano), sb.Viewpoint.X(), sb.Viewpoint.Y(),
			len(sb.Spawns), len(sb.Despawns), up, down) {
			return
		}
		for _, sp := range sb.Spawns {
			if !b.exec("spawn", tick, sp.ID, sp.Category.String(), sp.Payload.Kind(), sp.Position.X(), sp.Position.Y()) {
				return
			}
		}
		for _, d := range sb.Despawns {
			if !b.exec("despawn", tick, d.ID, d.Category.String(), string(d.Reason)) {
				return
			}
		}
		for _, ev := range sb.Chunks {
			event, digest := "despawned", ""
			if ev.Kind == stream.ChunkSpawned {
				event = "spawned"
				if ev.Chunk != nil {
					digest = ev.Chunk.DigestHex()
				}
			}
			if !b.exec("chunk", tick, ev.Key.String(), event, digest) {
				return
			}
		}
	}
	for _, id := range e.Cleared {
		if !b.exec("despawn", tick, id, "", "cleared") {
			return
		}
	}
	for _, p := range e.Paths {
		var took int64
		if !p.FinishedAt.IsZero() {
			took = p.FinishedAt.Sub(p.SubmittedAt).Milliseconds()
		}
		if !b.exec("path", p.ID, tick, p.State.String(), p.Reason, int64(p.Start), int64(p.Goal), len(p.Path), p.Cost, p.Expanded, took) {
			return
		}
	}
	for i, rj := range e.Rejected {
		if !b.exec("reject", tick, i, rj.ID, rj.Error) {
			return
		}
	}
}
