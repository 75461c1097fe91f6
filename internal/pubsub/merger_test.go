package pubsub

import (
	"sync"
	"testing"

	assert_ "github.com/stretchr/testify/assert"

	"github.com/alanbriolat/media-fetch/generic"
)

var _ ReceiverCloser[int] = &Merger[int]{}

type progress struct {
	handle  int
	written int64
}

func TestMerger_Add_Close(t *testing.T) {
	assert := assert_.New(t)

	m := NewMerger[int]()
	a := NewChannel[int](1)
	b := NewChannel[int](1)
	assert.True(m.Add(a))
	assert.True(m.Add(b))

	m.Close()
	// Attached sources are closed along with the merger
	assert.False(a.Send(-1))
	assert.False(b.Send(-2))
	<-m.Closed()

	late := NewChannel[int](1)
	assert.False(m.Add(late))
	assert.True(late.Send(3), "a rejected source is left open")
	m.Close()
}

func TestMerger_FanIn(t *testing.T) {
	assert := assert_.New(t)

	m := NewMergerBufSize[progress](8)
	var senders sync.WaitGroup
	var messages sync.WaitGroup
	for h := 0; h < 20; h++ {
		c := NewChannel[progress](0)
		m.Add(c)
		senders.Add(1)
		go func(h int) {
			defer senders.Done()
			defer c.Close()
			for j := int64(1); j <= 50; j++ {
				messages.Add(1)
				c.Send(progress{handle: h, written: j * 1024})
			}
		}(h)
	}

	last := make(map[int]int64)
	seen := generic.NewSet[int]()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range m.Receive() {
			// Per-source order is preserved through the merger
			if p.written <= last[p.handle] {
				t.Errorf("handle %d went backwards", p.handle)
			}
			last[p.handle] = p.written
			seen.Add(p.handle)
			messages.Done()
		}
	}()

	senders.Wait()
	messages.Wait()
	assert.Equal(20, seen.Count())
	m.Close()
	<-done
}

func TestMerger_SourceClosed(t *testing.T) {
	assert := assert_.New(t)

	m := NewMerger[int]()
	c1 := NewChannel[int](0)
	c2 := NewChannel[int](0)
	m.Add(c1)
	m.Add(c2)

	assert.True(c1.Send(1))
	assert.Equal(1, <-m.Receive())
	c1.Close()
	assert.True(c2.Send(2))
	assert.Equal(2, <-m.Receive())
	m.Close()
	assert.False(c2.Send(3))
	_, ok := <-m.Receive()
	assert.False(ok)
}
