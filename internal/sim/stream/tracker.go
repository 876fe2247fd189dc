package stream

import "sort"

// Tracker is the set of feature IDs currently materialized. Only the tick
// goroutine touches it.
type Tracker struct {
	ids map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{ids: map[string]struct{}{}}
}

func (t *Tracker) Contains(id string) bool {
	_, ok := t.ids[id]
	return ok
}

// MarkSpawned records id. Marking an already tracked id is a no-op.
func (t *Tracker) MarkSpawned(id string) {
	t.ids[id] = struct{}{}
}

func (t *Tracker) Clear(id string) {
	delete(t.ids, id)
}

func (t *Tracker) Len() int { return len(t.ids) }

func (t *Tracker) IDs() []string {
	out := make([]string, 0, len(t.ids))
	for id := range t.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
