package forest

import (
	"sort"
	"sync"

	"taskboard/domain"
)

// Roster holds the contributor list alongside the forest. Contributor
// events merge here, never into the task forest itself.
type Roster struct {
	mu           sync.RWMutex
	contributors map[int]domain.Contributor
}

// NewRoster returns an empty contributor roster.
func NewRoster() *Roster {
	return &Roster{contributors: make(map[int]domain.Contributor)}
}

// Merge applies a contributor record, or drops it when removed is set.
func (r *Roster) Merge(c domain.Contributor, removed bool) {
	if c.ID <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if removed {
		delete(r.contributors, c.ID)
		return
	}
	r.contributors[c.ID] = c
}

// Get returns the contributor by id.
func (r *Roster) Get(id int) (domain.Contributor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contributors[id]
	return c, ok
}

// All returns the contributors ordered by id.
func (r *Roster) All() []domain.Contributor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Contributor, 0, len(r.contributors))
	for _, c := range r.contributors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
