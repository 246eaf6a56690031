package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTicker lets a test drive PhaseController through the full 60s
// timetable without sleeping in real wall-clock time.
func fakeTicker(steps []time.Duration) (<-chan time.Time, func(time.Duration) <-chan time.Time) {
	ch := make(chan time.Time, len(steps))
	t0 := time.Now()
	for _, d := range steps {
		ch <- t0.Add(d)
	}
	close(ch)
	return ch, func(time.Duration) <-chan time.Time { return ch }
}

func TestPhaseController_RunsFullTimetable(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(64)

	var steps []time.Duration
	for d := 100 * time.Millisecond; d <= TestEnd+100*time.Millisecond; d += 100 * time.Millisecond {
		steps = append(steps, d)
	}

	var t0 time.Time
	ch, factory := fakeTicker(steps)
	_ = ch

	c := &PhaseController{
		bus:       bus,
		now:       func() time.Time { return t0 },
		newTicker: factory,
	}
	t0 = time.Now()

	c.Start(context.Background())

	var phases []Phase
	complete := false
loop:
	for {
		select {
		case evt := <-sub:
			switch evt.Type {
			case EventPhaseChanged:
				phases = append(phases, evt.Payload.(PhaseChangedPayload).Phase)
			case EventTestComplete:
				complete = true
			}
		default:
			break loop
		}
	}

	require.True(t, complete)
	require.NotEmpty(t, phases)
	// phases must appear in strictly non-decreasing timetable order
	for i := 1; i < len(phases); i++ {
		assert.GreaterOrEqual(t, phases[i], phases[i-1])
	}
	assert.Equal(t, PhaseComplete, phases[len(phases)-1])
	assert.Contains(t, phases, PhaseBaseline)
	assert.Contains(t, phases, PhaseDLWarmup)
	assert.Contains(t, phases, PhaseDL)
	assert.Contains(t, phases, PhaseULWarmup)
	assert.Contains(t, phases, PhaseUL)
	assert.Contains(t, phases, PhaseBidi)
}

// TestPhaseController_OvershootDoesNotSkip exercises spec.md §8's boundary
// scenario where a tick lands well past a phase boundary: every
// intervening phase must still be published, in order.
func TestPhaseController_OvershootDoesNotSkip(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(64)

	// t0 is taken before the fake ticker's own base time, so the tick's
	// elapsed time is at least TestEnd.
	t0 := time.Now()
	// A single huge overshoot tick landing at TestEnd: every phase must
	// still fire once, in timetable order.
	ch, factory := fakeTicker([]time.Duration{TestEnd})
	_ = ch

	c := &PhaseController{
		bus:       bus,
		now:       func() time.Time { return t0 },
		newTicker: factory,
	}
	c.Start(context.Background())

	var phases []Phase
	for {
		select {
		case evt := <-sub:
			if evt.Type == EventPhaseChanged {
				phases = append(phases, evt.Payload.(PhaseChangedPayload).Phase)
			}
		default:
			goto done
		}
	}
done:
	want := []Phase{PhaseBaseline, PhaseDLWarmup, PhaseDL, PhaseULWarmup, PhaseUL, PhaseBidi, PhaseComplete}
	assert.Equal(t, want, phases)
}
