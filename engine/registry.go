package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Stream is a single persistent upload or download conversation (spec.md
// §3). The registry sets the plain fields at registration and owns the
// active flag; the stream's I/O loop updates the atomic byte and pending
// counters. Readers outside the registry should copy via Snapshot.
type Stream struct {
	ID               uint64
	Direction        Direction
	CreatedAt        time.Time
	bytesTransferred atomic.Int64
	activeFlag       atomic.Bool
	ChunkSize        int
	Cancel           context.CancelFunc
	PendingCount     atomic.Int32 // upload only
	// Done is closed by the goroutine that owns this stream's I/O loop once
	// it has observed cancellation and fully exited (reader cancelled,
	// connection released). Terminate waits on it, not on Cancel returning.
	Done chan struct{}
}

// AddBytes records n bytes transferred. A no-op once the stream is inactive
// (spec.md invariant: "once active=false, no further byte counts may be
// added").
func (s *Stream) AddBytes(n int64) {
	if !s.activeFlag.Load() {
		return
	}
	s.bytesTransferred.Add(n)
}

// Bytes returns the current byte count.
func (s *Stream) Bytes() int64 { return s.bytesTransferred.Load() }

// Active reports whether the stream is still live.
func (s *Stream) Active() bool { return s.activeFlag.Load() }

// StreamSnapshot is an immutable point-in-time copy of a Stream.
type StreamSnapshot struct {
	ID        uint64
	Direction Direction
	CreatedAt time.Time
	Bytes     int64
	Active    bool
}

// Counts holds the live stream count per direction.
type Counts struct {
	Download int
	Upload   int
}

// Total returns Download + Upload.
func (c Counts) Total() int { return c.Download + c.Upload }

// Registry tracks every live stream with a unique id, lifecycle state and
// per-stream byte counters (spec.md §4.B). All mutations are serialized
// through mu, the single shared lock the spec designates for this
// structure.
type Registry struct {
	bus       *Bus
	mu        sync.Mutex
	streams   map[uint64]*Stream
	nextID    atomic.Uint64
	terminateTimeout time.Duration
	terminateAllTimeout time.Duration
}

// NewRegistry constructs a Registry publishing lifecycle events on bus.
func NewRegistry(bus *Bus, terminateTimeout, terminateAllTimeout time.Duration) *Registry {
	return &Registry{
		bus:                 bus,
		streams:             make(map[uint64]*Stream),
		terminateTimeout:    terminateTimeout,
		terminateAllTimeout: terminateAllTimeout,
	}
}

// Register assigns a unique id to a new stream, marks it active, and
// publishes a "created" lifecycle event. done is closed by the stream's
// owning goroutine when its I/O loop has fully exited; pass a fresh channel
// per stream.
func (r *Registry) Register(direction Direction, chunkSize int, cancel context.CancelFunc, done chan struct{}) *Stream {
	id := r.nextID.Add(1)
	s := &Stream{
		ID:        id,
		Direction: direction,
		CreatedAt: time.Now(),
		ChunkSize: chunkSize,
		Cancel:    cancel,
		Done:      done,
	}
	s.activeFlag.Store(true)

	r.mu.Lock()
	r.streams[id] = s
	r.mu.Unlock()

	r.publish("created", id, direction)
	return s
}

// Terminate is idempotent: marks inactive, cancels the transport, removes
// from the registry, and publishes "terminated". The whole operation races
// a timeout; on timeout the in-memory state is forced closed and
// "terminated" is still published (spec.md §4.B).
func (r *Registry) Terminate(id uint64) {
	r.terminate(id, nil)
}

// terminate is Terminate's implementation. If abort fires first, the
// per-stream state is still force-closed but no "terminated" event is
// published — the caller (TerminateAll, after its own outer timeout) has
// already published stream:emergency_cleanup and owns reporting for this id.
func (r *Registry) terminate(id uint64, abort <-chan struct{}) {
	r.mu.Lock()
	s, ok := r.streams[id]
	if !ok {
		r.mu.Unlock()
		return // idempotent: already removed
	}
	delete(r.streams, id)
	r.mu.Unlock()

	if !s.activeFlag.CompareAndSwap(true, false) {
		// Already terminated by a racing caller; do not publish twice.
		return
	}

	if s.Cancel != nil {
		s.Cancel()
	}

	if s.Done != nil {
		select {
		case <-s.Done:
		case <-time.After(r.terminateTimeout):
			// Owning goroutine never observed cancellation in time; force
			// the in-memory state closed and move on (spec.md §4.B).
		case <-abort:
			return
		}
	}

	r.publish("terminated", id, s.Direction)
}

// TerminateAll awaits Terminate for every live stream, one at a time (the
// source's "await all terminate calls" loop), with a 5s outer timeout; on
// timeout it calls emergencyCleanup. Sequential awaiting means a handful of
// individually-slow streams (each capped at the per-stream 3s timeout) can
// still blow through the outer window, which is the scenario the outer
// timeout exists to catch.
func (r *Registry) TerminateAll() {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	abort := make(chan struct{})
	go func() {
		for _, id := range ids {
			r.terminate(id, abort)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.terminateAllTimeout):
		close(abort)
		r.emergencyCleanup()
	}

	r.bus.Publish(Event{Type: EventStreamAllTerminated})
}

// emergencyCleanup forces every remaining stream to inactive, best-effort
// cancels its transport, and clears the registry.
func (r *Registry) emergencyCleanup() {
	r.mu.Lock()
	remaining := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		remaining = append(remaining, s)
	}
	r.streams = make(map[uint64]*Stream)
	r.mu.Unlock()

	for _, s := range remaining {
		s.activeFlag.Store(false)
		if s.Cancel != nil {
			func() {
				defer func() { recover() }()
				s.Cancel()
			}()
		}
	}

	r.bus.Publish(Event{Type: EventStreamEmergencyCleanup})
}

// Counts returns current live counts per direction.
func (r *Registry) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c Counts
	for _, s := range r.streams {
		if !s.Active() {
			continue
		}
		switch s.Direction {
		case Download:
			c.Download++
		case Upload:
			c.Upload++
		}
	}
	return c
}

// Snapshot returns a point-in-time copy of every live stream.
func (r *Registry) Snapshot() []StreamSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StreamSnapshot, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, StreamSnapshot{
			ID:        s.ID,
			Direction: s.Direction,
			CreatedAt: s.CreatedAt,
			Bytes:     s.Bytes(),
			Active:    s.Active(),
		})
	}
	return out
}

func (r *Registry) publish(kind string, id uint64, dir Direction) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(Event{
		Type: EventStreamLifecycle,
		Payload: StreamLifecyclePayload{
			Kind:       kind,
			StreamID:   id,
			StreamType: dir,
		},
	})
}
