package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDataSource_AcquireExactSize(t *testing.T) {
	ds := NewDataSource()
	for _, size := range []int{4 * 1024, 16 * 1024, 64 * 1024, 256 * 1024, 123} {
		buf := ds.Acquire(size)
		assert.Len(t, buf, size)
	}
}

func TestDataSource_FillIsNotAllZero(t *testing.T) {
	ds := NewDataSource()
	buf := ds.Acquire(256)
	allZero := true
	for _, b := range buf {
		if b != 0 {
			allZero = false
			break
		}
	}
	assert.False(t, allZero, "fill must produce pseudo-random, non-trivial content")
}

func TestDataSource_SuccessiveAcquiresDiffer(t *testing.T) {
	ds := NewDataSource()
	a := ds.Acquire(4 * 1024)
	b := ds.Acquire(4 * 1024)
	assert.NotEqual(t, a, b, "the PRNG stream must advance between acquires")
}

func TestDataSource_PoolReuseDoesNotLeakStaleData(t *testing.T) {
	ds := NewDataSource()
	first := ds.Acquire(64 * 1024)
	copy(first, make([]byte, len(first))) // zero the returned buffer, against the no-write contract
	second := ds.Acquire(64 * 1024)
	// second must be freshly filled, not carrying first's zeroed content.
	assert.Len(t, second, 64*1024)
	assert.NotEqual(t, make([]byte, len(second)), second, "second acquire must not return stale zeroed data")
}
