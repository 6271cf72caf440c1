package transport

import (
	"github.com/taskora/chatcore/internal/bus"
)

// Subscriber is the subscription surface the chat core consumes: subscribe
// to a topic, receive an event channel and an unsubscribe function. Every
// open subscription has exactly one matching close.
//
// *bus.Bus satisfies Subscriber directly; remote transports are wrapped in
// a Resubscriber so subscription failures never reach the consumers.
type Subscriber interface {
	Subscribe(topic string, bufSize int) (<-chan bus.Event, func())
}

// Source is a subscription transport whose Subscribe can fail and whose
// event channel closes when the underlying stream is lost. The
// Resubscriber turns a Source into an infallible Subscriber.
type Source interface {
	Subscribe(topic string, bufSize int) (<-chan bus.Event, func(), error)
}

// BusSource adapts the in-process bus to the Source interface.
type BusSource struct {
	Bus *bus.Bus
}

func (s BusSource) Subscribe(topic string, bufSize int) (<-chan bus.Event, func(), error) {
	ch, unsub := s.Bus.Subscribe(topic, bufSize)
	return ch, unsub, nil
}
