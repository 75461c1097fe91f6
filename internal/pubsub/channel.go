// Package pubsub carries events between the session loop, transfers and subscribers. Every channel here can be
// closed from either end, any number of times, while other goroutines are still sending.
package pubsub

import (
	"sync"
)

type Sender[T any] interface {
	// Send blocks until msg is delivered or the channel is closed, and reports which happened.
	Send(msg T) bool
}

type Receiver[T any] interface {
	Receive() <-chan T
}

type Closer interface {
	Close()
	Closed() <-chan struct{}
}

type SenderCloser[T any] interface {
	Sender[T]
	Closer
}

type ReceiverCloser[T any] interface {
	Receiver[T]
	Closer
}

type Channel[T any] interface {
	Sender[T]
	Receiver[T]
	Closer
}

type channel[T any] struct {
	mu       sync.RWMutex
	queue    chan T
	stop     chan struct{}
	closed   bool
	inflight sync.WaitGroup
}

func NewChannel[T any](bufSize int) Channel[T] {
	return &channel[T]{
		queue: make(chan T, bufSize),
		stop:  make(chan struct{}),
	}
}

func (c *channel[T]) Receive() <-chan T {
	return c.queue
}

func (c *channel[T]) Send(msg T) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	// Registered under the read lock, so Close cannot close queue underneath us
	c.inflight.Add(1)
	defer c.inflight.Done()
	c.mu.RUnlock()

	select {
	case c.queue <- msg:
		return true
	case <-c.stop:
		return false
	}
}

// Close unblocks pending senders, then closes the receive side. Buffered messages can still be drained.
func (c *channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	close(c.stop)
	c.inflight.Wait()
	close(c.queue)
	c.closed = true
}

func (c *channel[T]) Closed() <-chan struct{} {
	return c.stop
}
