package spatial

import (
	"sort"

	"github.com/go-gl/mathgl/mgl64"
)

// KDTree is a static 2-D tree over point indices. Build once, query from any
// goroutine.
type KDTree struct {
	pts   []mgl64.Vec2
	nodes []kdNode
	root  int
}

type kdNode struct {
	idx         int // index into pts
	axis        int
	left, right int // -1 when absent
}

// Build constructs a balanced tree by median split. The points slice is retained,
// not copied; callers must not mutate it afterwards.
func Build(points []mgl64.Vec2) *KDTree {
	t := &KDTree{pts: points, root: -1}
	if len(points) == 0 {
		return t
	}
	order := make([]int, len(points))
	for i := range order {
		order[i] = i
	}
	t.nodes = make([]kdNode, 0, len(points))
	t.root = t.build(order, 0)
	return t
}

func (t *KDTree) build(order []int, depth int) int {
	if len(order) == 0 {
		return -1
	}
	axis := depth % 2
	sort.Slice(order, func(i, j int) bool {
		a, b := t.pts[order[i]][axis], t.pts[order[j]][axis]
		if a != b {
			return a < b
		}
		return order[i] < order[j]
	})
	mid := len(order) / 2
	id := len(t.nodes)
	t.nodes = append(t.nodes, kdNode{idx: order[mid], axis: axis, left: -1, right: -1})

	// Children get copies so sorting a subtree never reorders its sibling.
	left := append([]int(nil), order[:mid]...)
	right := append([]int(nil), order[mid+1:]...)
	l := t.build(left, depth+1)
	r := t.build(right, depth+1)
	t.nodes[id].left = l
	t.nodes[id].right = r
	return id
}

func (t *KDTree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.pts)
}

// Nearest returns the index of the closest point and its squared distance.
// Ties resolve to the lower point index.
func (t *KDTree) Nearest(p mgl64.Vec2) (index int, sqDist float64, ok bool) {
	if t == nil || t.root < 0 {
		return 0, 0, false
	}
	best := -1
	bestD := 0.0
	var walk func(n int)
	walk = func(n int) {
		if n < 0 {
			return
		}
		node := &t.nodes[n]
		q := t.pts[node.idx]
		d := q.Sub(p)
		dd := d.Dot(d)
		if best < 0 || dd < bestD || (dd == bestD && node.idx < best) {
			best, bestD = node.idx, dd
		}
		diff := p[node.axis] - q[node.axis]
		near, far := node.left, node.right
		if diff > 0 {
			near, far = node.right, node.left
		}
		walk(near)
		if diff*diff <= bestD {
			walk(far)
		}
	}
	walk(t.root)
	return best, bestD, true
}
