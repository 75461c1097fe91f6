package sync_

import "sync"

// Event is a one-shot latch: once Set, it stays set and every Wait channel is closed. The zero value is ready to
// use, so it can be embedded by value.
type Event struct {
	init sync.Once
	fire sync.Once
	ch   chan struct{}
}

func NewEvent() *Event {
	return &Event{}
}

func (e *Event) channel() chan struct{} {
	e.init.Do(func() { e.ch = make(chan struct{}) })
	return e.ch
}

// Set releases all waiters. Only the first call returns true.
func (e *Event) Set() (first bool) {
	ch := e.channel()
	e.fire.Do(func() {
		close(ch)
		first = true
	})
	return first
}

func (e *Event) IsSet() bool {
	select {
	case <-e.channel():
		return true
	default:
		return false
	}
}

// Wait returns a channel that is closed once the Event is set.
func (e *Event) Wait() <-chan struct{} {
	return e.channel()
}
