// Package forest maintains the in-memory collection of tasks for one
// browsing session: an id-to-task map plus a derived parent-to-children
// index kept sorted by sibling order. It is the single shared mutable
// structure of the core and never talks to the network.
package forest

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// rootKey indexes root-level tasks (nil parent). Backend ids start at 1.
const rootKey = 0

// Forest owns all known tasks and their hierarchy.
type Forest struct {
	mu       sync.RWMutex
	tasks    map[int]domain.Task
	children map[int][]int
	orphans  map[int]struct{}
}

// New returns an empty forest.
func New() *Forest {
	return &Forest{
		tasks:    make(map[int]domain.Task),
		children: make(map[int][]int),
		orphans:  make(map[int]struct{}),
	}
}

func parentKey(parentID *int) int {
	if parentID == nil {
		return rootKey
	}
	return *parentID
}

// Load replaces the entire task set and rebuilds the parent index.
// Entries without a positive id are dropped with a warning; the previous
// state is kept only if the whole input is unusable (nil).
func (f *Forest) Load(tasks []domain.Task) {
	if tasks == nil {
		log.Warn("forest: ignoring nil task list")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = make(map[int]domain.Task, len(tasks))
	f.orphans = make(map[int]struct{})
	for _, t := range tasks {
		if t.ID <= 0 {
			log.WithField("name", t.Name).Warn("forest: dropping task without id")
			continue
		}
		f.tasks[t.ID] = t
	}
	f.rebuildIndex()
}

// Upsert inserts an unseen task or merges an updated one by id. The
// parent index is rebuilt only when the task is new or its parent
// changed; plain field edits adjust the existing entry in place.
func (f *Forest) Upsert(t domain.Task) {
	if t.ID <= 0 {
		log.WithField("name", t.Name).Warn("forest: ignoring upsert without id")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, seen := f.tasks[t.ID]
	f.tasks[t.ID] = t
	if !seen || parentKey(prev.ParentID) != parentKey(t.ParentID) || prev.SortOrder != t.SortOrder {
		f.rebuildIndex()
	}
}

// Remove deletes the task. With cascade it removes all descendants and
// returns every removed id. Without cascade, direct children are
// orphaned to the root and flagged for user follow-up.
func (f *Forest) Remove(id int, cascade bool) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		log.WithField("task_id", id).Debug("forest: remove of unknown task is a no-op")
		return nil
	}
	var removed []int
	if cascade {
		removed = f.collectSubtree(id)
	} else {
		for _, childID := range f.children[id] {
			child := f.tasks[childID]
			child.ParentID = nil
			f.tasks[childID] = child
			f.orphans[childID] = struct{}{}
		}
		removed = []int{id}
	}
	for _, rid := range removed {
		delete(f.tasks, rid)
		delete(f.orphans, rid)
	}
	f.rebuildIndex()
	return removed
}

func (f *Forest) collectSubtree(id int) []int {
	ids := []int{id}
	for i := 0; i < len(ids); i++ {
		ids = append(ids, f.children[ids[i]]...)
	}
	return ids
}

// Get returns a copy of the task.
func (f *Forest) Get(id int) (domain.Task, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tasks[id]
	return t, ok
}

// ChildrenOf returns the current children of the given parent (nil for
// root) sorted by sort_order ascending, ties broken by id ascending.
func (f *Forest) ChildrenOf(parentID *int) []domain.Task {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := f.children[parentKey(parentID)]
	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.tasks[id])
	}
	return out
}

// AncestorsOf walks the parent chain from the task's immediate parent to
// the root. A broken or cyclic chain is cut short rather than looping.
func (f *Forest) AncestorsOf(id int) []int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var chain []int
	seen := map[int]struct{}{id: {}}
	t, ok := f.tasks[id]
	for ok && t.ParentID != nil {
		pid := *t.ParentID
		if _, dup := seen[pid]; dup {
			log.WithField("task_id", id).Error("forest: cycle detected in parent chain")
			break
		}
		seen[pid] = struct{}{}
		chain = append(chain, pid)
		t, ok = f.tasks[pid]
	}
	return chain
}

// ApplyMove atomically reparents the task and renumbers the destination
// sibling group. A render between the parent change and the renumbering
// can never be observed; both happen under one lock.
func (f *Forest) ApplyMove(taskID int, newParentID *int, siblings []domain.SiblingOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return &domain.NotFoundError{ID: taskID}
	}
	t.ParentID = newParentID
	f.tasks[taskID] = t
	for _, s := range siblings {
		sib, ok := f.tasks[s.ID]
		if !ok {
			continue
		}
		sib.SortOrder = s.SortOrder
		sib.ParentID = s.ParentID
		f.tasks[s.ID] = sib
	}
	f.rebuildIndex()
	return nil
}

// ApplySiblingOrders renumbers a sibling group without reparenting,
// used when merging a remote task_sorted event.
func (f *Forest) ApplySiblingOrders(siblings []domain.SiblingOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := false
	for _, s := range siblings {
		t, ok := f.tasks[s.ID]
		if !ok {
			continue
		}
		t.SortOrder = s.SortOrder
		t.ParentID = s.ParentID
		f.tasks[s.ID] = t
		changed = true
	}
	if changed {
		f.rebuildIndex()
	}
}

// Orphans returns the ids flagged by non-cascading deletes, for the UI
// to surface.
func (f *Forest) Orphans() []int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]int, 0, len(f.orphans))
	for id := range f.orphans {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// ClearOrphan drops the follow-up flag once the user has dealt with it.
func (f *Forest) ClearOrphan(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.orphans, id)
}

// Len reports the number of known tasks.
func (f *Forest) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.tasks)
}

// Tasks returns a snapshot of all tasks in no particular order.
func (f *Forest) Tasks() []domain.Task {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out
}

// rebuildIndex recomputes the parent index. Callers hold the write lock.
func (f *Forest) rebuildIndex() {
	parent := make(map[int]int, len(f.tasks))
	for id, t := range f.tasks {
		k := parentKey(t.ParentID)
		if t.ParentID != nil {
			if _, ok := f.tasks[*t.ParentID]; !ok {
				// Dangling parent reference: surface at root rather
				// than losing the task.
				log.WithFields(log.Fields{"task_id": id, "parent_id": *t.ParentID}).
					Warn("forest: parent not loaded, showing task at root")
				k = rootKey
			}
		}
		parent[id] = k
	}

	// A parent chain that never reaches the root would make its whole
	// component invisible. Cut each cycle by surfacing one member at the
	// root, same as the dangling-parent case. Interleaved reparent events
	// from concurrent sessions can produce such chains.
	const (
		visiting = 1
		resolved = 2
	)
	state := make(map[int]int, len(f.tasks))
	for id := range f.tasks {
		var chain []int
		cur := id
		for cur != rootKey && state[cur] != resolved {
			if state[cur] == visiting {
				log.WithField("task_id", cur).
					Warn("forest: cyclic parent chain, showing task at root")
				parent[cur] = rootKey
				break
			}
			state[cur] = visiting
			chain = append(chain, cur)
			cur = parent[cur]
		}
		for _, cid := range chain {
			state[cid] = resolved
		}
	}

	idx := make(map[int][]int, len(f.tasks))
	for id := range f.tasks {
		idx[parent[id]] = append(idx[parent[id]], id)
	}
	for k, ids := range idx {
		sort.Slice(ids, func(i, j int) bool {
			a, b := f.tasks[ids[i]], f.tasks[ids[j]]
			if a.SortOrder != b.SortOrder {
				return a.SortOrder < b.SortOrder
			}
			return a.ID < b.ID
		})
		idx[k] = ids
	}
	f.children = idx
}
