// Command replay walks the zstd JSONL stream and path logs a server wrote and
// checks them for consistency: no feature spawned twice while live, no
// despawn or chunk eviction of something not loaded, ticks increasing within
// a run.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	persistlog "boracay.world/internal/persistence/log"
)

func main() {
	var (
		dataDir  = flag.String("data", "./data", "runtime data directory")
		fromTick = flag.Uint64("from_tick", 0, "skip records before tick (optional)")
		toTick   = flag.Uint64("to_tick", 0, "stop after tick (inclusive, optional)")
		paths    = flag.Bool("paths", true, "also summarize path logs")
	)
	flag.Parse()

	streamDir := filepath.Join(*dataDir, "stream")
	files, err := listLogFiles(streamDir, "stream-")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list stream logs:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no stream logs found in", streamDir)
		os.Exit(1)
	}

	c := newChecker()
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(line []byte) error {
			var rec persistlog.StreamRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			if rec.Tick < *fromTick || (*toTick != 0 && rec.Tick > *toTick) {
				return nil
			}
			c.add(rec)
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}

	fmt.Printf("stream: files=%d records=%d runs=%d last_tick=%d live=%d max_live=%d chunks=%d cleared=%d\n",
		len(files), c.records, c.runs, c.lastTick, len(c.live), c.maxLive, len(c.chunks), c.cleared)
	for _, cat := range c.categories() {
		fmt.Printf("  %-10s spawned=%d despawned=%d\n", cat, c.spawned[cat], c.despawned[cat])
	}

	if *paths {
		summarizePaths(filepath.Join(*dataDir, "paths"))
	}

	if len(c.violations) > 0 {
		fmt.Fprintf(os.Stderr, "replay found %d+ violations:\n", len(c.violations))
		for _, v := range c.violations {
			fmt.Fprintln(os.Stderr, "  "+v)
		}
		os.Exit(1)
	}
	fmt.Println("replay ok")
}

func summarizePaths(dir string) {
	files, err := listLogFiles(dir, "paths-")
	if err != nil || len(files) == 0 {
		return
	}
	s := newPathSummary()
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(line []byte) error {
			var rec persistlog.PathRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return err
			}
			s.add(rec)
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "path log:", err)
			return
		}
	}
	states := make([]string, 0, len(s.byState))
	for k := range s.byState {
		states = append(states, k)
	}
	sort.Strings(states)
	parts := make([]string, 0, len(states))
	for _, k := range states {
		parts = append(parts, fmt.Sprintf("%s=%d", k, s.byState[k]))
	}
	fmt.Printf("paths: %s p50_ms=%d p95_ms=%d p99_ms=%d\n",
		strings.Join(parts, " "), s.percentile(0.5), s.percentile(0.95), s.percentile(0.99))
}

func listLogFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	// Hour stamps sort lexically.
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}
