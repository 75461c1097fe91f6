package sync_

import (
	"errors"
	"sync"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

var errExample = errors.New("example")

func TestRWMutexed_Readers(t *testing.T) {
	assert := assert_.New(t)
	rw := NewRWMutexed(map[string]int{"a": 1})

	// Two readers can hold the lock at the same time
	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = rw.RLocked(func(m map[string]int) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside
	err := rw.RLocked(func(m map[string]int) error {
		assert.Equal(1, m["a"])
		return nil
	})
	close(release)
	assert.NoError(err)

	assert.ErrorIs(rw.Locked(func(m map[string]int) error {
		m["b"] = 2
		return errExample
	}), errExample)
	_ = rw.RLocked(func(m map[string]int) error {
		assert.Len(m, 2)
		return nil
	})
}

func TestMutexed_Race(t *testing.T) {
	assert := assert_.New(t)
	counts := NewMutexed(map[int]int{})
	start := NewEvent()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start.Wait()
			for j := 0; j < 50; j++ {
				_ = counts.Locked(func(m map[int]int) error {
					m[i%4]++
					return nil
				})
			}
		}(i)
	}
	start.Set()
	wg.Wait()

	total := 0
	_ = counts.Locked(func(m map[int]int) error {
		for _, v := range m {
			total += v
		}
		return nil
	})
	assert.Equal(1000, total)
}
