package pathfind

type openEntry struct {
	node GraphPoint
	g    int
	h    int
	f    int
}

// less orders by f, then h (prefer nodes closer to the goal), then node index.
func (a openEntry) less(b openEntry) bool {
	if a.f != b.f {
		return a.f < b.f
	}
	if a.h != b.h {
		return a.h < b.h
	}
	return a.node < b.node
}

// openSet is a binary min-heap of openEntry.
type openSet struct {
	items []openEntry
}

func (s *openSet) len() int { return len(s.items) }

func (s *openSet) push(e openEntry) {
	s.items = append(s.items, e)
	i := len(s.items) - 1
	for i > 0 {
		p := (i - 1) / 2
		if !s.items[i].less(s.items[p]) {
			break
		}
		s.items[i], s.items[p] = s.items[p], s.items[i]
		i = p
	}
}

func (s *openSet) pop() openEntry {
	top := s.items[0]
	last := len(s.items) - 1
	s.items[0] = s.items[last]
	s.items = s.items[:last]

	i := 0
	n := len(s.items)
	for {
		l := 2*i + 1
		if l >= n {
			break
		}
		m := l
		if r := l + 1; r < n && s.items[r].less(s.items[l]) {
			m = r
		}
		if !s.items[m].less(s.items[i]) {
			break
		}
		s.items[i], s.items[m] = s.items[m], s.items[i]
		i = m
	}
	return top
}
