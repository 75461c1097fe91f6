package store_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/store"
	"github.com/alanbriolat/media-fetch/internal/store/storetest"
)

// countingBackend counts writes reaching the backend and can be told to fail them.
type countingBackend struct {
	*store.Memory
	writes int32
	fail   error
}

func (b *countingBackend) WriteFileTask(t *model.FileTask) error {
	atomic.AddInt32(&b.writes, 1)
	if b.fail != nil {
		return b.fail
	}
	return b.Memory.WriteFileTask(t)
}

func TestMemory(t *testing.T) {
	storetest.RunBackendTests(t, func(t *testing.T) store.Backend {
		return store.NewMemory()
	})
}

func TestStore_Debounce(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)

	backend := &countingBackend{Memory: store.NewMemory()}
	s := store.New(backend, time.Hour)
	task := model.NewFileTask("https://cdn.example.com/a.mp4", "a.mp4")
	for i := int64(1); i <= 10; i++ {
		task.UpdateProgress(i*100, 1000)
		s.SaveFile(task)
	}
	assert.EqualValues(0, atomic.LoadInt32(&backend.writes), "nothing written before the flush")

	require.NoError(s.Flush())
	assert.EqualValues(1, atomic.LoadInt32(&backend.writes), "repeated saves collapse into one write")
	tasks, err := backend.ListFileTasks()
	require.NoError(err)
	require.Len(tasks, 1)
	assert.EqualValues(1000, tasks[0].BytesWritten)
}

func TestStore_SnapshotIsolation(t *testing.T) {
	assert := assert_.New(t)

	backend := store.NewMemory()
	s := store.New(backend, time.Hour)
	task := model.NewFileTask("https://cdn.example.com/a.mp4", "a.mp4")
	s.SaveFile(task)
	task.Status = model.FileFailed
	assert.NoError(s.Flush())
	tasks, _ := backend.ListFileTasks()
	assert.Equal(model.FileWaiting, tasks[0].Status, "later mutation doesn't leak into the queued snapshot")
}

func TestStore_TimerFlush(t *testing.T) {
	backend := &countingBackend{Memory: store.NewMemory()}
	s := store.New(backend, 10*time.Millisecond)
	s.SaveFile(model.NewFileTask("https://cdn.example.com/a.mp4", "a.mp4"))
	assert_.Eventually(t, func() bool {
		return atomic.LoadInt32(&backend.writes) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStore_WriteThrough(t *testing.T) {
	backend := &countingBackend{Memory: store.NewMemory()}
	s := store.New(backend, 0)
	s.SaveFile(model.NewFileTask("https://cdn.example.com/a.mp4", "a.mp4"))
	assert_.EqualValues(t, 1, atomic.LoadInt32(&backend.writes))
}

func TestStore_DeleteSupersedesSave(t *testing.T) {
	assert := assert_.New(t)

	backend := store.NewMemory()
	s := store.New(backend, time.Hour)
	task := model.NewSegmentedTask("https://cdn.example.com/index.m3u8", "v.mp4")
	s.SaveSegmented(task)
	assert.NoError(s.Flush())
	s.SaveSegmented(task)
	s.Delete(task.ID)
	assert.NoError(s.Flush())
	tasks, _ := backend.ListSegmentedTasks()
	assert.Empty(tasks)
}

func TestStore_FlushErrors(t *testing.T) {
	boom := errors.New("disk full")
	backend := &countingBackend{Memory: store.NewMemory(), fail: boom}
	s := store.New(backend, time.Hour)
	s.SaveFile(model.NewFileTask("https://cdn.example.com/a.mp4", "a.mp4"))
	s.SaveFile(model.NewFileTask("https://cdn.example.com/b.mp4", "b.mp4"))
	err := s.Flush()
	assert_.ErrorIs(t, err, boom)
	assert_.EqualValues(t, 2, atomic.LoadInt32(&backend.writes), "every write is attempted")
}

func TestStore_LoadReclassifies(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)

	backend := store.NewMemory()
	downloading := model.NewFileTask("https://cdn.example.com/a.mp4", "a.mp4")
	downloading.Status = model.FileDownloading
	downloading.UpdateProgress(10, 100)
	completed := model.NewFileTask("https://cdn.example.com/b.mp4", "b.mp4")
	completed.Status = model.FileCompleted
	merging := model.NewSegmentedTask("https://cdn.example.com/index.m3u8", "v.mp4")
	merging.SetSegments([]model.SegmentDescriptor{{Index: 0, URL: "https://cdn.example.com/0.ts"}, {Index: 1, URL: "https://cdn.example.com/1.ts"}})
	merging.Status = model.SegmentedDownloading
	merging.Segments[0].State = model.SegmentCompleted
	merging.Segments[1].State = model.SegmentDownloading
	require.NoError(backend.WriteFileTask(downloading))
	require.NoError(backend.WriteFileTask(completed))
	require.NoError(backend.WriteSegmentedTask(merging))

	s := store.New(backend, time.Hour)
	loaded, err := s.Load()
	require.NoError(err)
	require.Len(loaded.Files, 2)
	require.Len(loaded.Segmented, 1)
	for _, f := range loaded.Files {
		assert.False(f.Status.IsRunning())
		if f.ID == downloading.ID {
			assert.Equal(model.FilePaused, f.Status)
			assert.EqualValues(10, f.BytesWritten)
		} else {
			assert.Equal(model.FileCompleted, f.Status)
		}
	}
	seg := loaded.Segmented[0]
	assert.Equal(model.SegmentedPaused, seg.Status)
	assert.Equal(model.SegmentCompleted, seg.Segments[0].State)
	assert.Equal(model.SegmentWaiting, seg.Segments[1].State)

	// The reclassification is persisted too
	require.NoError(s.Close())
	tasks, _ := backend.ListSegmentedTasks()
	assert.Equal(model.SegmentedPaused, tasks[0].Status)
}

func TestStore_Tokens(t *testing.T) {
	assert := assert_.New(t)
	s := store.New(store.NewMemory(), time.Hour)
	assert.NoError(s.WriteToken("ref", []byte("tok")))
	data, err := s.ReadToken("ref")
	assert.NoError(err)
	assert.Equal("tok", string(data))
	assert.NoError(s.DeleteToken("ref"))
	_, err = s.ReadToken("ref")
	assert.ErrorIs(err, store.ErrTokenNotFound)
}
