package main

import (
	"fmt"
	"sort"

	persistlog "boracay.world/internal/persistence/log"
)

// checker replays stream records and tracks which features and chunks are
// live. A tick number that goes backwards starts a new server run.
type checker struct {
	runs     int
	records  int
	lastTick uint64
	started  bool

	live   map[string]string // id -> category
	chunks map[string]bool

	spawned   map[string]int
	despawned map[string]int
	cleared   int
	maxLive   int

	violations []string
	maxReport  int
}

func newChecker() *checker {
	return &checker{
		live:      map[string]string{},
		chunks:    map[string]bool{},
		spawned:   map[string]int{},
		despawned: map[string]int{},
		maxReport: 50,
	}
}

func (c *checker) violate(format string, args ...any) {
	if len(c.violations) < c.maxReport {
		c.violations = append(c.violations, fmt.Sprintf(format, args...))
	}
}

func (c *checker) add(rec persistlog.StreamRecord) {
	c.records++
	if !c.started || rec.Tick < c.lastTick {
		c.runs++
		c.live = map[string]string{}
		c.chunks = map[string]bool{}
	} else if rec.Tick == c.lastTick {
		c.violate("tick %d logged twice", rec.Tick)
	}
	c.started = true
	c.lastTick = rec.Tick

	for _, d := range rec.Despawns {
		c.despawned[d.Category]++
		if _, ok := c.live[d.ID]; !ok {
			// Timed features are spawned by the host, not the stream.
			if d.Reason != "deadline" {
				c.violate("tick %d: despawn of %s (%s) which is not live", rec.Tick, d.ID, d.Category)
			}
			continue
		}
		delete(c.live, d.ID)
	}
	for _, id := range rec.Cleared {
		c.cleared++
		delete(c.live, id)
	}
	for _, s := range rec.Spawns {
		c.spawned[s.Category]++
		if _, ok := c.live[s.ID]; ok {
			c.violate("tick %d: %s (%s) spawned while already live", rec.Tick, s.ID, s.Category)
		}
		c.live[s.ID] = s.Category
	}
	if len(c.live) > c.maxLive {
		c.maxLive = len(c.live)
	}

	for _, ch := range rec.Chunks {
		switch ch.Event {
		case "spawned":
			if c.chunks[ch.Key] {
				c.violate("tick %d: chunk %s loaded twice", rec.Tick, ch.Key)
			}
			c.chunks[ch.Key] = true
		case "despawned":
			if !c.chunks[ch.Key] {
				c.violate("tick %d: chunk %s evicted while not loaded", rec.Tick, ch.Key)
			}
			delete(c.chunks, ch.Key)
		}
	}
}

func (c *checker) categories() []string {
	seen := map[string]bool{}
	for k := range c.spawned {
		seen[k] = true
	}
	for k := range c.despawned {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// pathSummary aggregates path log records.
type pathSummary struct {
	byState  map[string]int
	byReason map[string]int
	rejected int
	took     []int64
}

func newPathSummary() *pathSummary {
	return &pathSummary{byState: map[string]int{}, byReason: map[string]int{}}
}

func (p *pathSummary) add(rec persistlog.PathRecord) {
	p.byState[rec.State]++
	if rec.Reason != "" {
		p.byReason[rec.Reason]++
	}
	if rec.Error != "" {
		p.rejected++
		return
	}
	p.took = append(p.took, rec.TookMS)
}

// percentile returns the q-th percentile (0..1) of the recorded latencies.
func (p *pathSummary) percentile(q float64) int64 {
	if len(p.took) == 0 {
		return 0
	}
	s := append([]int64(nil), p.took...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	i := int(q * float64(len(s)-1))
	return s[i]
}
