package pathfind

import (
	"context"

	"github.com/go-gl/mathgl/mgl64"

	"boracay.world/internal/sim/obstacle"
	"boracay.world/internal/sim/worlddata"
)

// GraphPoint is a node index in the navigation graph.
type GraphPoint uint32

// cancelCheckEvery bounds how many expansions run between context checks.
const cancelCheckEvery = 256

// Path is a search result. An empty Nodes slice means no route.
type Path struct {
	Nodes    []GraphPoint
	Cost     int
	Expanded int
}

type searchFunc func(ctx context.Context, g *worlddata.Graph, boxes []obstacle.Box, pointHalf float64, start, goal GraphPoint) (Path, error)

// Search runs A* from start to goal. Every edge costs 1. A successor is
// discarded when its own position collides with any obstacle box (the node is
// treated as a square of half size pointHalf); the edge itself is never swept.
// The heuristic is the straight-line distance to the goal divided by the
// graph's longest edge, floored. With unit edge costs that is a lower bound on
// the remaining hop count, so it stays admissible where raw Euclidean distance
// would overestimate.
//
// Search returns ctx.Err() if cancelled. Exhausting the graph is not an error;
// it returns an empty Path.
func Search(ctx context.Context, g *worlddata.Graph, boxes []obstacle.Box, pointHalf float64, start, goal GraphPoint) (Path, error) {
	n := g.Len()
	if int(start) >= n || int(goal) >= n {
		return Path{}, nil
	}
	if start == goal {
		return Path{}, nil
	}

	goalPos := g.Points[goal]
	longest := g.LongestEdge()
	if longest <= 0 {
		longest = 1
	}
	heuristic := func(i GraphPoint) int {
		return int(g.Points[i].Sub(goalPos).Len() / longest)
	}

	const (
		unknown uint8 = iota
		free
		blocked
	)
	nodeState := make([]uint8, n)
	nodeBlocked := func(i GraphPoint) bool {
		switch nodeState[i] {
		case free:
			return false
		case blocked:
			return true
		}
		if obstacle.AnyCollides(boxes, g.Points[i], pointHalf) {
			nodeState[i] = blocked
			return true
		}
		nodeState[i] = free
		return false
	}

	gScore := make([]int32, n)
	for i := range gScore {
		gScore[i] = -1
	}
	cameFrom := make([]int32, n)
	closed := make([]bool, n)

	open := &openSet{}
	gScore[start] = 0
	cameFrom[start] = -1
	h0 := heuristic(start)
	open.push(openEntry{node: start, g: 0, h: h0, f: h0})

	expanded := 0
	for open.len() > 0 {
		if expanded%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return Path{Expanded: expanded}, err
			}
		}
		cur := open.pop()
		if closed[cur.node] {
			continue
		}
		if cur.node == goal {
			return Path{Nodes: reconstruct(cameFrom, goal), Cost: cur.g, Expanded: expanded}, nil
		}
		closed[cur.node] = true
		expanded++

		for _, raw := range g.Vertices[cur.node] {
			m := GraphPoint(raw)
			if closed[m] {
				continue
			}
			if nodeBlocked(m) {
				continue
			}
			ng := cur.g + 1
			if old := gScore[m]; old >= 0 && int(old) <= ng {
				continue
			}
			gScore[m] = int32(ng)
			cameFrom[m] = int32(cur.node)
			h := heuristic(m)
			open.push(openEntry{node: m, g: ng, h: h, f: ng + h})
		}
	}
	return Path{Expanded: expanded}, nil
}

func reconstruct(cameFrom []int32, goal GraphPoint) []GraphPoint {
	var rev []GraphPoint
	for at := int32(goal); at >= 0; at = cameFrom[at] {
		rev = append(rev, GraphPoint(at))
	}
	out := make([]GraphPoint, len(rev))
	for i := range rev {
		out[i] = rev[len(rev)-1-i]
	}
	return out
}

// endpointBlocked reports whether a query endpoint sits inside an obstacle.
func endpointBlocked(g *worlddata.Graph, boxes []obstacle.Box, pointHalf float64, p GraphPoint) bool {
	if int(p) >= g.Len() {
		return true
	}
	return obstacle.AnyCollides(boxes, g.Points[p], pointHalf)
}

// Positions maps a node path to graph-frame positions.
func Positions(g *worlddata.Graph, nodes []GraphPoint) []mgl64.Vec2 {
	out := make([]mgl64.Vec2, 0, len(nodes))
	for _, n := range nodes {
		if int(n) < g.Len() {
			out = append(out, g.Points[n])
		}
	}
	return out
}
