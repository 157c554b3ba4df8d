// Package ring places files on the fixed slot ring. The alive vector is kept
// in lockstep with the membership table by the node's event handlers.
package ring

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/devrev/swimfs/internal/model"
)

// Ring is a boolean alive vector over slots 1..N. The local slot is always
// alive.
type Ring struct {
	mu    sync.RWMutex
	self  int
	alive []bool // alive[slot-1]
}

// New creates a ring of size slots where only self is alive
func New(size, self int) *Ring {
	r := &Ring{self: self, alive: make([]bool, size)}
	r.alive[self-1] = true
	return r
}

// Size is the number of slots N
func (r *Ring) Size() int {
	return len(r.alive)
}

// Self is the local slot
func (r *Ring) Self() int {
	return r.self
}

// MarkAlive records that slot is occupied by a live node
func (r *Ring) MarkAlive(slot int) {
	if !r.valid(slot) {
		return
	}
	r.mu.Lock()
	r.alive[slot-1] = true
	r.mu.Unlock()
}

// MarkDead records that slot is empty. The local slot cannot be marked dead.
func (r *Ring) MarkDead(slot int) {
	if !r.valid(slot) || slot == r.self {
		return
	}
	r.mu.Lock()
	r.alive[slot-1] = false
	r.mu.Unlock()
}

// IsAlive reports whether slot is alive
func (r *Ring) IsAlive(slot int) bool {
	if !r.valid(slot) {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.alive[slot-1]
}

// Alive returns the alive slots in ascending order
func (r *Ring) Alive() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []int
	for i, ok := range r.alive {
		if ok {
			out = append(out, i+1)
		}
	}
	return out
}

// Successor returns the first alive slot after slot, wrapping around. With
// self as the only alive slot, Successor(self) is self.
func (r *Ring) Successor(slot int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.successorLocked(slot)
}

// Predecessor returns the first alive slot before slot, wrapping around
func (r *Ring) Predecessor(slot int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.alive)
	for i := 1; i <= n; i++ {
		s := ((slot-1-i)%n+n)%n + 1
		if r.alive[s-1] {
			return s
		}
	}
	return r.self
}

func (r *Ring) successorLocked(slot int) int {
	n := len(r.alive)
	for i := 1; i <= n; i++ {
		s := (slot-1+i)%n + 1
		if r.alive[s-1] {
			return s
		}
	}
	return r.self
}

// Hash maps a file name to its home slot in 1..n, ignoring liveness
func Hash(name string, n int) int {
	sum := sha256.Sum256([]byte(name))
	slot := int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
	if slot == 0 {
		slot = n
	}
	return slot
}

// Location returns the primary slot of name: its home slot if alive,
// otherwise the home slot's successor
func (r *Ring) Location(name string) int {
	home := Hash(name, len(r.alive))

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.alive[home-1] {
		return home
	}
	return r.successorLocked(home)
}

// Chain returns the distinct alive slots holding name, primary first. It has
// min(3, alive) entries.
func (r *Ring) Chain(name string) []int {
	home := Hash(name, len(r.alive))

	r.mu.RLock()
	defer r.mu.RUnlock()

	primary := home
	if !r.alive[home-1] {
		primary = r.successorLocked(home)
	}
	chain := make([]int, 0, model.ChainLength)
	chain = append(chain, primary)
	for s := r.successorLocked(primary); len(chain) < model.ChainLength && s != primary; s = r.successorLocked(s) {
		chain = append(chain, s)
	}
	return chain
}

// RoleOf returns the role slot plays in name's chain
func (r *Ring) RoleOf(name string, slot int) (model.Role, bool) {
	for i, s := range r.Chain(name) {
		if s == slot {
			return model.RoleAt(i), true
		}
	}
	return 0, false
}

// IsNeighbour reports whether slot is the local predecessor, successor or
// second successor
func (r *Ring) IsNeighbour(slot int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	succ := r.successorLocked(r.self)
	if slot == succ || slot == r.successorLocked(succ) {
		return true
	}
	n := len(r.alive)
	for i := 1; i <= n; i++ {
		s := ((r.self-1-i)%n+n)%n + 1
		if r.alive[s-1] {
			return s == slot
		}
	}
	return false
}

func (r *Ring) valid(slot int) bool {
	return slot >= 1 && slot <= len(r.alive)
}
