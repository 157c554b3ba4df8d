// Package membership holds the set of nodes the local process believes
// alive, ordered by birth time.
package membership

import (
	"math/rand"
	"sync"

	"github.com/google/btree"

	"github.com/devrev/swimfs/internal/model"
)

func byBirth(a, b model.Member) bool {
	return a.BirthTime < b.BirthTime
}

// Table is an ordered birthTime -> member map. Entries are only ever
// inserted or erased, and the local identity is never erased.
type Table struct {
	mu     sync.RWMutex
	self   model.Member
	tree   *btree.BTreeG[model.Member]
	bySlot map[int]uint64
}

// NewTable creates a table containing only self
func NewTable(self model.Member) *Table {
	t := &Table{
		self:   self,
		tree:   btree.NewG[model.Member](8, byBirth),
		bySlot: make(map[int]uint64),
	}
	t.tree.ReplaceOrInsert(self)
	t.bySlot[self.Slot] = self.BirthTime
	return t
}

// Self returns the local member
func (t *Table) Self() model.Member {
	return t.self
}

// Add inserts m. A slot holds one incarnation at a time: an older identity
// at the same slot is evicted and returned, while an identity older than the
// one present is ignored. added is false when m was already known or stale.
func (t *Table) Add(m model.Member) (added bool, evicted []model.Member) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.tree.Get(m); ok {
		return false, nil
	}
	if birth, ok := t.bySlot[m.Slot]; ok {
		if birth > m.BirthTime || m.Slot == t.self.Slot {
			return false, nil
		}
		old, _ := t.tree.Delete(model.Member{NodeIdentity: model.NodeIdentity{BirthTime: birth}})
		evicted = append(evicted, old)
	}
	t.tree.ReplaceOrInsert(m)
	t.bySlot[m.Slot] = m.BirthTime
	return true, evicted
}

// Remove erases the member with the given birth time. Removing self or an
// unknown member is a no-op.
func (t *Table) Remove(birth uint64) (model.Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if birth == t.self.BirthTime {
		return model.Member{}, false
	}
	m, ok := t.tree.Delete(model.Member{NodeIdentity: model.NodeIdentity{BirthTime: birth}})
	if !ok {
		return model.Member{}, false
	}
	if t.bySlot[m.Slot] == birth {
		delete(t.bySlot, m.Slot)
	}
	return m, true
}

// Get looks up a member by birth time
func (t *Table) Get(birth uint64) (model.Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Get(model.Member{NodeIdentity: model.NodeIdentity{BirthTime: birth}})
}

// BySlot returns the member currently occupying slot
func (t *Table) BySlot(slot int) (model.Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	birth, ok := t.bySlot[slot]
	if !ok {
		return model.Member{}, false
	}
	return t.tree.Get(model.Member{NodeIdentity: model.NodeIdentity{BirthTime: birth}})
}

// Len returns the number of members, self included
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

// Snapshot returns every member in ascending birth order
func (t *Table) Snapshot() []model.Member {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.Member, 0, t.tree.Len())
	t.tree.Ascend(func(m model.Member) bool {
		out = append(out, m)
		return true
	})
	return out
}

// Others returns every member except self, in ascending birth order
func (t *Table) Others() []model.Member {
	return t.Random(-1, nil)
}

// Random returns up to n members chosen uniformly at random, never including
// self or any member for which exclude returns true. A negative n returns
// every eligible member in birth order.
func (t *Table) Random(n int, exclude func(model.Member) bool) []model.Member {
	t.mu.RLock()
	eligible := make([]model.Member, 0, t.tree.Len())
	t.tree.Ascend(func(m model.Member) bool {
		if m.BirthTime != t.self.BirthTime && (exclude == nil || !exclude(m)) {
			eligible = append(eligible, m)
		}
		return true
	})
	t.mu.RUnlock()

	if n < 0 || n >= len(eligible) {
		if n >= 0 {
			rand.Shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })
		}
		return eligible
	}
	out := make([]model.Member, 0, n)
	for _, i := range rand.Perm(len(eligible))[:n] {
		out = append(out, eligible[i])
	}
	return out
}
