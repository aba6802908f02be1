// Package events provides a bounded, overwrite-oldest event channel used to
// fan out discovery events and decoded readings without ever blocking the
// producer side (BLE callbacks run on the transport's own goroutine).
package events

// Ring wraps a buffered channel with drop-oldest semantics. A slow or absent
// consumer costs old events, never producer progress.
type Ring[T any] struct {
	ch chan T
}

// NewRing creates a Ring with the given capacity. Capacity must be positive.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("events: ring capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. Consumers range over it until Close.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// TrySend inserts v if there is room, reporting whether it was accepted.
func (r *Ring[T]) TrySend(v T) bool {
	select {
	case r.ch <- v:
		return true
	default:
		return false
	}
}

// ForceSend inserts v, discarding the oldest buffered event if the ring is
// full. It never blocks. Reports whether an event was discarded.
func (r *Ring[T]) ForceSend(v T) bool {
	dropped := false
	select {
	case r.ch <- v:
	default:
		select {
		case <-r.ch:
			dropped = true
		default:
			// consumer drained the ring between the two selects
		}
		r.ch <- v
	}
	return dropped
}

// Len returns the number of buffered events.
func (r *Ring[T]) Len() int {
	return len(r.ch)
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return cap(r.ch)
}

// Close closes the receive side. Sending after Close panics; callers must
// fence their producers before closing.
func (r *Ring[T]) Close() {
	close(r.ch)
}
