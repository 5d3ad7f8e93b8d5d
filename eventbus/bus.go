// Package eventbus is a small typed publish/subscribe bus.
//
// It exists so that the pieces of a tethering control plane (the
// orchestrator, the upstream monitor, the address coordinator, and the
// external event sources that feed them) can exchange events without
// holding direct references to one another. Every external event —
// a USB state broadcast, a Wi-Fi AP mode change, a netlink route update,
// a settings change — becomes a typed value published on the bus; every
// component that cares subscribes to the types it wants and reacts on its
// own goroutine.
package eventbus

import (
	"reflect"
	"sync"
)

// Bus distributes published events to interested subscribers, keyed by the
// runtime type of the event value.
type Bus struct {
	mu     sync.Mutex
	topics map[reflect.Type][]*subscription
}

// New returns a new, empty Bus.
func New() *Bus {
	return &Bus{topics: map[reflect.Type][]*subscription{}}
}

// Client returns a new client attached to the bus. name is used only for
// debugging, to identify which component owns a given publisher or
// subscriber.
func (b *Bus) Client(name string) *Client {
	return &Client{name: name, bus: b}
}

func (b *Bus) subscribe(t reflect.Type, s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[t] = append(b.topics[t], s)
}

func (b *Bus) unsubscribe(t reflect.Type, s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[t]
	for i, sub := range subs {
		if sub == s {
			b.topics[t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) dest(t reflect.Type) []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.topics[t]) == 0 {
		return nil
	}
	dests := make([]*subscription, len(b.topics[t]))
	copy(dests, b.topics[t])
	return dests
}

// publish delivers evt to every subscriber of its concrete type. Delivery
// to a single subscriber never blocks publish beyond that subscriber's own
// bounded queue; a full queue drops the oldest pending event for that
// subscriber rather than stalling the publisher, since the tethering core
// depends on the publishing goroutine (the serial event loop) never
// blocking on a slow consumer.
func (b *Bus) publish(evt any) {
	t := reflect.TypeOf(evt)
	for _, s := range b.dest(t) {
		s.deliver(evt)
	}
}
