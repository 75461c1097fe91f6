package pubsub

import (
	"errors"
	"sync"

	"github.com/alanbriolat/media-fetch/internal/sync_"
)

const DefaultPublisherBufSize = 1

var ErrPublisherClosed = errors.New("publisher closed")

// Publisher copies every message it is sent to all of its subscribers, in order. A subscriber whose Send fails is
// dropped. Close delivers whatever was already sent before returning.
type Publisher[T any] interface {
	SenderCloser[T]
	// AddSubscriber attaches s. An owned subscriber is closed when the publisher closes.
	AddSubscriber(s SenderCloser[T], owned bool) error
	// Subscribe attaches a fresh owned channel with the given buffer.
	Subscribe(bufSize int) (ReceiverCloser[T], error)
}

type publisher[T any] struct {
	mu          sync.Mutex
	inbox       Channel[T]
	dispatching sync.WaitGroup
	// subscriber -> owned
	subscribers *sync_.Mutexed[map[SenderCloser[T]]bool]
	closed      bool
}

func NewPublisher[T any]() Publisher[T] {
	return NewPublisherBufSize[T](DefaultPublisherBufSize)
}

func NewPublisherBufSize[T any](bufSize int) Publisher[T] {
	p := &publisher[T]{
		inbox:       NewChannel[T](bufSize),
		subscribers: sync_.NewMutexed(make(map[SenderCloser[T]]bool)),
	}
	p.dispatching.Add(1)
	go p.dispatch()
	return p
}

func (p *publisher[T]) snapshot() []SenderCloser[T] {
	var targets []SenderCloser[T]
	_ = p.subscribers.Locked(func(subs map[SenderCloser[T]]bool) error {
		targets = make([]SenderCloser[T], 0, len(subs))
		for s := range subs {
			targets = append(targets, s)
		}
		return nil
	})
	return targets
}

func (p *publisher[T]) dispatch() {
	defer p.dispatching.Done()
	for msg := range p.inbox.Receive() {
		// Sending outside the lock, so a slow subscriber never blocks AddSubscriber
		for _, s := range p.snapshot() {
			if !s.Send(msg) {
				_ = p.subscribers.Locked(func(subs map[SenderCloser[T]]bool) error {
					delete(subs, s)
					return nil
				})
			}
		}
	}
}

// Send queues msg for delivery, blocking only while the queue is full. It fails once the publisher is closed.
func (p *publisher[T]) Send(msg T) bool {
	return p.inbox.Send(msg)
}

func (p *publisher[T]) Subscribe(bufSize int) (ReceiverCloser[T], error) {
	s := NewChannel[T](bufSize)
	if err := p.AddSubscriber(s, true); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *publisher[T]) AddSubscriber(s SenderCloser[T], owned bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	return p.subscribers.Locked(func(subs map[SenderCloser[T]]bool) error {
		subs[s] = owned
		return nil
	})
}

func (p *publisher[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.inbox.Close()
	p.dispatching.Wait()
	_ = p.subscribers.Locked(func(subs map[SenderCloser[T]]bool) error {
		for s, owned := range subs {
			if owned {
				s.Close()
			}
			delete(subs, s)
		}
		return nil
	})
	p.closed = true
}

func (p *publisher[T]) Closed() <-chan struct{} {
	return p.inbox.Closed()
}
