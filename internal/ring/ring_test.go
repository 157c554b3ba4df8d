package ring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/swimfs/internal/model"
)

func ringWith(size, self int, alive ...int) *Ring {
	r := New(size, self)
	for _, s := range alive {
		r.MarkAlive(s)
	}
	return r
}

func TestSelfAlwaysAlive(t *testing.T) {
	r := New(5, 3)
	r.MarkDead(3)
	assert.True(t, r.IsAlive(3))
	assert.Equal(t, []int{3}, r.Alive())
	assert.Equal(t, 3, r.Successor(3))
	assert.Equal(t, 3, r.Predecessor(3))
}

func TestSuccessorAndPredecessorWrap(t *testing.T) {
	r := ringWith(10, 2, 5, 9)

	assert.Equal(t, 5, r.Successor(2))
	assert.Equal(t, 9, r.Successor(5))
	assert.Equal(t, 2, r.Successor(9))
	assert.Equal(t, 2, r.Successor(10))

	assert.Equal(t, 9, r.Predecessor(2))
	assert.Equal(t, 2, r.Predecessor(5))
	assert.Equal(t, 5, r.Predecessor(9))
	assert.Equal(t, 9, r.Predecessor(1))
}

func TestThreeSuccessorsAreDistinct(t *testing.T) {
	r := ringWith(10, 1, 3, 4, 7, 10)
	for _, origin := range r.Alive() {
		s1 := r.Successor(origin)
		s2 := r.Successor(s1)
		s3 := r.Successor(s2)
		seen := map[int]bool{origin: true}
		for _, s := range []int{s1, s2, s3} {
			require.True(t, r.IsAlive(s))
			assert.False(t, seen[s], "origin %d revisited %d", origin, s)
			seen[s] = true
		}
	}
}

func TestHashRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		slot := Hash(fmt.Sprintf("file-%d", i), 7)
		assert.GreaterOrEqual(t, slot, 1)
		assert.LessOrEqual(t, slot, 7)
	}
	assert.Equal(t, Hash("report.txt", 10), Hash("report.txt", 10))
}

func TestLocationSkipsDeadHome(t *testing.T) {
	r := ringWith(6, 1, 2, 3, 4, 5, 6)
	name := "report.txt"
	home := Hash(name, 6)
	assert.Equal(t, home, r.Location(name))

	if home != 1 {
		r.MarkDead(home)
		loc := r.Location(name)
		assert.NotEqual(t, home, loc)
		assert.Equal(t, r.Successor(home), loc)
	}
}

func TestChainLengthTracksMembership(t *testing.T) {
	r := New(5, 2)
	assert.Equal(t, []int{2}, r.Chain("x"))

	r.MarkAlive(4)
	chain := r.Chain("x")
	assert.Len(t, chain, 2)
	assert.ElementsMatch(t, []int{2, 4}, chain)

	r.MarkAlive(5)
	r.MarkAlive(1)
	chain = r.Chain("x")
	require.Len(t, chain, 3)
	assert.Equal(t, r.Location("x"), chain[0])
	assert.Equal(t, r.Successor(chain[0]), chain[1])
	assert.Equal(t, r.Successor(chain[1]), chain[2])

	role, ok := r.RoleOf("x", chain[2])
	require.True(t, ok)
	assert.Equal(t, model.RoleTertiary, role)
}

func TestIsNeighbour(t *testing.T) {
	r := ringWith(8, 4, 1, 2, 5, 7, 8)

	assert.True(t, r.IsNeighbour(2)) // predecessor
	assert.True(t, r.IsNeighbour(5)) // successor
	assert.True(t, r.IsNeighbour(7)) // second successor
	assert.False(t, r.IsNeighbour(8))
	assert.False(t, r.IsNeighbour(1))
}

func TestOutOfRangeSlotsIgnored(t *testing.T) {
	r := New(3, 1)
	r.MarkAlive(0)
	r.MarkAlive(4)
	assert.False(t, r.IsAlive(4))
	assert.Equal(t, []int{1}, r.Alive())
}
