package pubsub

import (
	"sync"
)

const DefaultMergerBufSize = 1

// Merger fans the messages of many sources into one channel. The session uses it so a single select sees the
// events of every in-flight transfer.
//
// A source is forwarded until it closes or the Merger closes, whichever is first. Closing the Merger also closes
// every source still attached to it.
type Merger[T any] struct {
	mu      sync.RWMutex
	out     Channel[T]
	stop    chan struct{}
	sources sync.WaitGroup
	closed  bool
}

func NewMerger[T any](sources ...ReceiverCloser[T]) *Merger[T] {
	return NewMergerBufSize[T](DefaultMergerBufSize, sources...)
}

func NewMergerBufSize[T any](bufSize int, sources ...ReceiverCloser[T]) *Merger[T] {
	m := &Merger[T]{
		out:  NewChannel[T](bufSize),
		stop: make(chan struct{}),
	}
	for _, src := range sources {
		m.Add(src)
	}
	return m
}

// Add attaches src. It returns false, leaving src untouched, once the Merger is closed.
func (m *Merger[T]) Add(src ReceiverCloser[T]) bool {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return false
	}
	m.sources.Add(1)
	m.mu.RUnlock()

	go m.forward(src)
	return true
}

func (m *Merger[T]) forward(src ReceiverCloser[T]) {
	defer m.sources.Done()
	defer src.Close()
	in := src.Receive()
	for {
		select {
		case msg, ok := <-in:
			if !ok || !m.out.Send(msg) {
				return
			}
		case <-m.stop:
			return
		}
	}
}

func (m *Merger[T]) Receive() <-chan T {
	return m.out.Receive()
}

func (m *Merger[T]) Close() {
	// The write lock keeps Add from starting forwarders while we wait for the existing ones
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	close(m.stop)
	m.out.Close()
	m.sources.Wait()
	m.closed = true
}

func (m *Merger[T]) Closed() <-chan struct{} {
	return m.stop
}
