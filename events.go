package pcf

import (
	"time"
)

// EventKind names what happened.
type EventKind string

const (
	EventPeerDiscovered EventKind = "peer-discovered"
	EventError          EventKind = "dcf-error"
)

// Event is published to every channel registered with `WithEvents`.
type Event struct {
	Kind EventKind
	// Address of the peer for EventPeerDiscovered.
	Address string
	// Message describes the error for EventError.
	Message string
	Time    time.Time
}

// publish never blocks: a full channel loses the event and the drop is
// counted.
func (fb *Fabric) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = fb.config.clock.Now()
	}
	for _, ch := range fb.config.events {
		select {
		case ch <- ev:
		default:
			fb.tracker.dropped(ev.Kind)
		}
	}
}
