package ringchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendDropsOldestWhenFull(t *testing.T) {
	// GOAL: Verify a full ring discards its oldest element so producers
	// never block
	//
	// TEST SCENARIO: Fill a capacity-2 ring → send a third value → verify
	// oldest gone and newest kept
	rc := New[int](2)

	assert.False(t, rc.Send(1))
	assert.False(t, rc.Send(2))
	assert.True(t, rc.Send(3), "send into a full ring MUST report a drop")

	v, ok := rc.TryReceive()
	assert.True(t, ok)
	assert.Equal(t, 2, v, "the oldest element MUST be the one dropped")

	v, ok = rc.TryReceive()
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = rc.TryReceive()
	assert.False(t, ok)
}

func TestTrySend(t *testing.T) {
	// GOAL: Verify TrySend refuses instead of dropping when full
	rc := New[string](1)
	assert.True(t, rc.TrySend("a"))
	assert.False(t, rc.TrySend("b"), "TrySend on a full ring MUST fail")
	assert.Equal(t, 1, rc.Len())
}

func TestMetrics(t *testing.T) {
	// GOAL: Verify the written/overwritten/processed counters track activity
	rc := New[int](1)
	rc.Send(1)
	rc.Send(2) // overwrites
	rc.TryReceive()

	m := rc.GetMetrics()
	assert.Equal(t, int64(2), m.Written)
	assert.Equal(t, int64(1), m.Overwritten)
	assert.Equal(t, int64(1), m.Processed)
}

func TestCloseEndsRange(t *testing.T) {
	// GOAL: Verify consumers ranging over C observe Close as end-of-stream
	rc := New[int](4)
	rc.Send(1)
	rc.Send(2)
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2}, got)
}

func TestZeroCapacityPanics(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
