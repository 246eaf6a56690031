package engine

import (
	"context"
	"time"
)

const phaseTick = 100 * time.Millisecond

// PhaseController runs the fixed single-user wall-clock timeline and
// publishes phase-changed events at exact offsets (spec.md §4.C). It never
// raises; downstream consumers start/stop streams in response to published
// phases.
type PhaseController struct {
	bus *Bus
	// now and newTicker are overridable so tests can drive the 60s
	// timetable without sleeping in real wall-clock time.
	now       func() time.Time
	newTicker func(time.Duration) <-chan time.Time
}

// NewPhaseController constructs a PhaseController driven by the real
// monotonic clock and a real 100ms ticker.
func NewPhaseController(bus *Bus) *PhaseController {
	return &PhaseController{
		bus: bus,
		now: time.Now,
		newTicker: func(d time.Duration) <-chan time.Time {
			return time.NewTicker(d).C
		},
	}
}

// Start captures t0 and runs the timetable to completion, blocking until
// elapsed >= TestEnd or ctx is cancelled. It publishes phase-changed for
// every threshold crossed, in strictly forward order; a late tick (e.g. a
// 200ms overshoot) still transitions through every intervening phase rather
// than skipping to the one elapsed now falls in.
func (c *PhaseController) Start(ctx context.Context) {
	t0 := c.now()
	current := PhaseIdle

	tick := c.newTicker(phaseTick)

	c.bus.Publish(Event{Type: EventTestStart})

	for {
		select {
		case <-ctx.Done():
			return
		case tickTime, ok := <-tick:
			if !ok {
				return
			}
			elapsed := tickTime.Sub(t0)
			current = c.advance(elapsed, current)
			if elapsed >= TestEnd {
				c.transitionTo(&current, PhaseComplete)
				c.bus.Publish(Event{Type: EventTestComplete})
				return
			}
		}
	}
}

// advance walks the timetable in order from current up to whichever phase
// elapsed now falls in, publishing an event at every phase boundary crossed.
func (c *PhaseController) advance(elapsed time.Duration, current Phase) Phase {
	for _, w := range Timetable {
		if elapsed < w.Start {
			break
		}
		if current < w.Phase {
			c.transitionTo(&current, w.Phase)
		}
	}
	return current
}

func (c *PhaseController) transitionTo(current *Phase, next Phase) {
	*current = next
	c.bus.Publish(Event{
		Type:    EventPhaseChanged,
		Payload: PhaseChangedPayload{Phase: next},
	})
}
