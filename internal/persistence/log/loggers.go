package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"boracay.world/internal/sim/runtime"
	"boracay.world/internal/sim/stream"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir. Reopening an hour appends a
// new zstd frame, which readers decode transparently.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Path returns the file the writer is currently appending to, or "" before
// the first write.
func (w *JSONLZstdWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curHour == "" {
		return ""
	}
	return w.pathForHour(w.curHour)
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	p := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ReadJSONL calls fn for every line of a .jsonl.zst file.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return DecodeJSONL(f, fn)
}

func DecodeJSONL(r io.Reader, fn func(line []byte) error) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

// StreamRecord is one line of the stream log: what spawned, retired and
// which chunks moved in one tick. Payloads are not logged.
type StreamRecord struct {
	Tick      uint64          `json:"tick"`
	At        time.Time       `json:"at"`
	Viewpoint [2]float64      `json:"viewpoint"`
	Spawns    []SpawnRecord   `json:"spawns,omitempty"`
	Despawns  []DespawnRecord `json:"despawns,omitempty"`
	Cleared   []string        `json:"cleared,omitempty"`
	Chunks    []ChunkRecord   `json:"chunks,omitempty"`
}

type SpawnRecord struct {
	ID       string     `json:"id"`
	Category string     `json:"category"`
	Kind     string     `json:"kind"`
	Position [2]float64 `json:"position"`
}

type DespawnRecord struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

type ChunkRecord struct {
	Event  string `json:"event"`
	Key    string `json:"key"`
	Digest string `json:"digest,omitempty"`
}

func NewStreamRecord(e runtime.TickEntry) StreamRecord {
	b := e.Batch
	rec := StreamRecord{Tick: e.Tick, At: e.At, Viewpoint: b.Viewpoint, Cleared: e.Cleared}
	for _, s := range b.Spawns {
		rec.Spawns = append(rec.Spawns, SpawnRecord{
			ID:       s.ID,
			Category: s.Category.String(),
			Kind:     s.Payload.Kind(),
			Position: s.Position,
		})
	}
	for _, d := range b.Despawns {
		rec.Despawns = append(rec.Despawns, DespawnRecord{ID: d.ID, Category: d.Category.String(), Reason: string(d.Reason)})
	}
	for _, ev := range b.Chunks {
		cr := ChunkRecord{Key: ev.Key.String()}
		switch ev.Kind {
		case stream.ChunkSpawned:
			cr.Event = "spawned"
			if ev.Chunk != nil {
				cr.Digest = ev.Chunk.DigestHex()
			}
		case stream.ChunkDespawned:
			cr.Event = "despawned"
		}
		rec.Chunks = append(rec.Chunks, cr)
	}
	return rec
}

// StreamLogger writes one StreamRecord per tick that changed the stream.
type StreamLogger struct{ w *JSONLZstdWriter }

func NewStreamLogger(dataDir string) *StreamLogger {
	return &StreamLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "stream"), "stream")}
}

func (l *StreamLogger) WriteTick(e runtime.TickEntry) error {
	if e.Batch.Empty() && len(e.Cleared) == 0 {
		return nil
	}
	return l.w.Write(NewStreamRecord(e))
}

func (l *StreamLogger) Close() error { return l.w.Close() }

// PathRecord is one terminal path query, or one rejected submission.
type PathRecord struct {
	Tick     uint64 `json:"tick"`
	ID       string `json:"id"`
	State    string `json:"state"`
	Reason   string `json:"reason,omitempty"`
	Start    int    `json:"start"`
	Goal     int    `json:"goal"`
	Hops     int    `json:"hops"`
	Expanded int    `json:"expanded"`
	TookMS   int64  `json:"took_ms"`
	Error    string `json:"error,omitempty"`
}

// PathLogger writes path query outcomes.
type PathLogger struct{ w *JSONLZstdWriter }

func NewPathLogger(dataDir string) *PathLogger {
	return &PathLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "paths"), "paths")}
}

func (l *PathLogger) WriteTick(e runtime.TickEntry) error {
	for _, r := range e.Paths {
		rec := PathRecord{
			Tick:     e.Tick,
			ID:       r.ID,
			State:    r.State.String(),
			Reason:   r.Reason,
			Start:    int(r.Start),
			Goal:     int(r.Goal),
			Hops:     len(r.Path),
			Expanded: r.Expanded,
		}
		if !r.FinishedAt.IsZero() {
			rec.TookMS = r.FinishedAt.Sub(r.SubmittedAt).Milliseconds()
		}
		if err := l.w.Write(rec); err != nil {
			return err
		}
	}
	for _, r := range e.Rejected {
		if err := l.w.Write(PathRecord{Tick: e.Tick, ID: r.ID, State: "REJECTED", Error: r.Error}); err != nil {
			return err
		}
	}
	return nil
}

func (l *PathLogger) Close() error { return l.w.Close() }
