package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThroughputAccountant_SlidingWindow(t *testing.T) {
	now := time.Now()
	a := NewThroughputAccountant()
	a.now = func() time.Time { return now }

	a.Record(1_000_000) // 1MB at t=0

	now = now.Add(500 * time.Millisecond)
	bps := a.SlidingWindowBps()
	// floor of 1s elapsed applies even though only 500ms have passed
	assert.InDelta(t, float64(1_000_000*8), bps, 1)
}

func TestThroughputAccountant_PrunesOldEvents(t *testing.T) {
	now := time.Now()
	a := NewThroughputAccountant()
	a.now = func() time.Time { return now }

	a.Record(1_000_000)
	now = now.Add(6 * time.Second) // past the 5s horizon
	a.Record(0)

	bps := a.SlidingWindowBps()
	assert.Equal(t, 0.0, bps, "events older than the horizon must be pruned")
}

func TestThroughputAccountant_EMADecaysToZero(t *testing.T) {
	now := time.Now()
	a := NewThroughputAccountant()
	a.now = func() time.Time { return now }
	a.lastEMATick = now

	a.Record(1_000_000)
	now = now.Add(emaInterval)
	initial := a.EMABps()
	assert.Greater(t, initial, 0.0)

	for i := 0; i < 10; i++ {
		now = now.Add(emaInterval)
		a.Tick()
	}
	assert.Less(t, a.EMABps(), initial*0.1, "EMA must decay toward zero with no traffic")
}

func TestLatencyAccountant_MeanJitterWindow(t *testing.T) {
	l := NewLatencyAccountant()
	for i := 0; i < 15; i++ {
		l.RecordPing()
		l.RecordRTT(float64(10 + i))
	}
	mean, jitter := l.MeanJitter()
	assert.InDelta(t, 19.5, mean, 0.01) // mean of samples 15..24 (last 10 kept)
	assert.Greater(t, jitter, 0.0)
}

func TestLatencyAccountant_PacketLoss(t *testing.T) {
	l := NewLatencyAccountant()
	for i := 0; i < 10; i++ {
		l.RecordPing()
	}
	for i := 0; i < 7; i++ {
		l.RecordRTT(20)
	}
	assert.InDelta(t, 0.3, l.PacketLoss(), 0.001)
}

func TestLatencyAccountant_PacketLossClipped(t *testing.T) {
	l := NewLatencyAccountant()
	l.RecordRTT(5) // pong with no matching ping recorded
	assert.Equal(t, 0.0, l.PacketLoss(), "zero pings must not divide by zero or go negative")
}
