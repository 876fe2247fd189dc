package observer

import (
	"fmt"
	"sort"

	"boracay.world/internal/observerproto"
	"boracay.world/internal/sim/pathfind"
	"boracay.world/internal/sim/stream"
)

// normalizeSubscribe dedupes and sorts the category filter and rejects names
// the stream does not produce. "tiles" in the filter is the same as Chunks.
func normalizeSubscribe(sub *observerproto.SubscribeMsg) error {
	if len(sub.Categories) == 0 {
		sub.Categories = nil
		return nil
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(sub.Categories))
	for _, name := range sub.Categories {
		c, ok := stream.ParseCategory(name)
		if !ok {
			return fmt.Errorf("unknown category %q", name)
		}
		if c == stream.CategoryTiles {
			sub.Chunks = true
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	if len(out) == 0 {
		// Only "tiles" was asked for: no feature categories at all.
		out = []string{stream.CategoryTiles.String()}
	}
	sub.Categories = out
	return nil
}

func pathNode(n uint32) pathfind.GraphPoint { return pathfind.GraphPoint(n) }
