package scheduler

import (
	"fmt"
	"testing"

	"github.com/ChuLiYu/llmqueue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var clock int64

// push adds an item with a strictly increasing timestamp
func push(s *Scheduler, user string, id string) {
	clock++
	s.Push(Item{ID: types.RequestID(id), UserKey: user, EnqueuedAt: clock})
}

// drain pops everything and returns ids in dequeue order
func drain(s *Scheduler) []types.RequestID {
	var out []types.RequestID
	for {
		item, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, item.ID)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestEmptyScheduler(t *testing.T) {
	s := New()
	_, ok := s.Next()
	assert.False(t, ok)
	_, ok = s.Peek()
	assert.False(t, ok)
	assert.Equal(t, types.NoPosition, s.Position("missing"))
	assert.Empty(t, s.Positions())
}

func TestPerUserFIFO(t *testing.T) {
	s := New()
	push(s, "u1", "a")
	push(s, "u1", "b")
	push(s, "u1", "c")

	assert.Equal(t, []types.RequestID{"a", "b", "c"}, drain(s))
}

func TestTieBreakByID(t *testing.T) {
	s := New()
	s.Push(Item{ID: "b", UserKey: "u1", EnqueuedAt: 100})
	s.Push(Item{ID: "a", UserKey: "u1", EnqueuedAt: 100})
	s.Push(Item{ID: "c", UserKey: "u1", EnqueuedAt: 50})

	assert.Equal(t, []types.RequestID{"c", "a", "b"}, drain(s))
}

func TestRoundRobinAcrossUsers(t *testing.T) {
	s := New()
	push(s, "A", "a1")
	push(s, "A", "a2")
	push(s, "A", "a3")
	push(s, "B", "b1")
	push(s, "B", "b2")
	push(s, "C", "c1")

	assert.Equal(t,
		[]types.RequestID{"a1", "b1", "c1", "a2", "b2", "a3"},
		drain(s))
}

func TestNoisyUserDoesNotStarveOthers(t *testing.T) {
	s := New()
	for i := 0; i < 10; i++ {
		push(s, "A", fmt.Sprintf("a%d", i))
	}
	push(s, "B", "b0")

	first, ok := s.Next()
	require.True(t, ok)
	second, ok := s.Next()
	require.True(t, ok)

	got := []types.RequestID{first.ID, second.ID}
	assert.Contains(t, got, types.RequestID("b0"))
}

func TestNewUserJoinsAtTailOfRotation(t *testing.T) {
	s := New()
	push(s, "A", "a1")
	push(s, "A", "a2")
	push(s, "B", "b1")
	push(s, "B", "b2")
	push(s, "C", "c1")
	push(s, "C", "c2")

	item, _ := s.Next() // a1, cursor → B
	assert.Equal(t, types.RequestID("a1"), item.ID)

	push(s, "D", "d1")

	// B and C were already waiting, then A, then the newcomer D
	assert.Equal(t, []types.RequestID{"b1", "c1", "a2", "d1", "b2", "c2"}, drain(s))
}

func TestRemove(t *testing.T) {
	s := New()
	push(s, "A", "a1")
	push(s, "B", "b1")
	push(s, "B", "b2")

	assert.True(t, s.Remove("a1"))
	assert.False(t, s.Remove("a1"))
	assert.False(t, s.Contains("a1"))
	assert.Equal(t, 1, s.Users())
	assert.Equal(t, []types.RequestID{"b1", "b2"}, drain(s))
}

func TestPositionMatchesDequeueOrder(t *testing.T) {
	s := New()
	push(s, "A", "a1")
	push(s, "A", "a2")
	push(s, "A", "a3")
	push(s, "B", "b1")
	push(s, "C", "c1")
	push(s, "C", "c2")
	s.Next() // advance the cursor so positions are not trivially aligned

	order := s.Order()
	all := s.Positions()
	require.Len(t, all, s.Len())
	for want, id := range order {
		assert.Equal(t, want, s.Position(id), "position of %s", id)
		assert.Equal(t, want, all[id], "bulk position of %s", id)
	}

	peek, ok := s.Peek()
	require.True(t, ok)
	assert.Equal(t, 0, s.Position(peek.ID))
}

func TestPositionNeverIncreasesOnDequeueOrRemove(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		push(s, "A", fmt.Sprintf("a%d", i))
	}
	push(s, "B", "b0")
	push(s, "B", "b1")
	push(s, "C", "c0")
	target := types.RequestID("a4")

	last := s.Position(target)
	steps := 0
	for s.Contains(target) {
		if steps%3 == 2 && s.Contains("b1") {
			s.Remove("b1")
		} else {
			s.Next()
		}
		steps++
		if !s.Contains(target) {
			break
		}
		pos := s.Position(target)
		assert.GreaterOrEqual(t, pos, 0)
		assert.LessOrEqual(t, pos, last, "position increased after step %d", steps)
		last = pos
	}
}
