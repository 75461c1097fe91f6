// Package storetest holds the conformance tests every store.Backend must pass.
package storetest

import (
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/store"
)

// RunBackendTests exercises a Backend created fresh by newBackend for each subtest. The backend is closed by the
// tests themselves.
func RunBackendTests(t *testing.T, newBackend func(t *testing.T) store.Backend) {
	t.Run("FileTasks", func(t *testing.T) {
		assert := assert_.New(t)
		require := require_.New(t)
		b := newBackend(t)
		defer b.Close()

		tasks, err := b.ListFileTasks()
		require.NoError(err)
		assert.Empty(tasks)

		a := model.NewFileTask("https://cdn.example.com/a.mp4", "a.mp4")
		a.CreatedAt = time.Date(2022, 5, 1, 12, 0, 0, 0, time.UTC)
		c := model.NewFileTask("https://cdn.example.com/c.mp4", "c.mp4")
		c.CreatedAt = a.CreatedAt.Add(time.Minute)
		require.NoError(b.WriteFileTask(a))
		require.NoError(b.WriteFileTask(c))

		a.Status = model.FilePaused
		a.UpdateProgress(500, 1000)
		a.ResumeTokenRef = string(a.ID)
		require.NoError(b.WriteFileTask(a))

		tasks, err = b.ListFileTasks()
		require.NoError(err)
		require.Len(tasks, 2)
		got := byID(tasks)[a.ID]
		require.NotNil(got)
		assert.Equal(model.FilePaused, got.Status)
		assert.EqualValues(500, got.BytesWritten)
		assert.EqualValues(1000, got.BytesTotal)
		assert.InDelta(0.5, got.Progress, 1e-9)
		assert.Equal(a.ResumeTokenRef, got.ResumeTokenRef)
		assert.True(a.CreatedAt.Equal(got.CreatedAt))
		assert.Equal("c.mp4", byID(tasks)[c.ID].FileName)

		require.NoError(b.DeleteTask(a.ID))
		require.NoError(b.DeleteTask(a.ID), "deleting twice is fine")
		tasks, err = b.ListFileTasks()
		require.NoError(err)
		require.Len(tasks, 1)
		assert.Equal(c.ID, tasks[0].ID)
	})

	t.Run("SegmentedTasks", func(t *testing.T) {
		assert := assert_.New(t)
		require := require_.New(t)
		b := newBackend(t)
		defer b.Close()

		s := model.NewSegmentedTask("https://cdn.example.com/v/index.m3u8", "v.mp4")
		s.SetSegments([]model.SegmentDescriptor{
			{Index: 0, URL: "https://cdn.example.com/v/seg0.ts", Duration: 4},
			{Index: 1, URL: "https://cdn.example.com/v/seg1.ts", Duration: 4.5},
			{Index: 2, URL: "https://cdn.example.com/v/seg2.ts"},
		})
		s.Status = model.SegmentedDownloading
		s.Segments[0].State = model.SegmentCompleted
		s.Segments[1].State = model.SegmentFailed
		s.Segments[1].Retries = 2
		require.NoError(b.WriteSegmentedTask(s))

		// Rewriting replaces the segment list rather than appending to it
		s.Segments = s.Segments[:2]
		s.Error = "segment 2 gone"
		require.NoError(b.WriteSegmentedTask(s))

		tasks, err := b.ListSegmentedTasks()
		require.NoError(err)
		require.Len(tasks, 1)
		got := tasks[0]
		assert.Equal(s.ID, got.ID)
		assert.Equal(s.URL, got.URL)
		assert.Equal(model.SegmentedDownloading, got.Status)
		assert.Equal("segment 2 gone", got.Error)
		require.Len(got.Segments, 2)
		assert.Equal(s.Segments, got.Segments)

		files, err := b.ListFileTasks()
		require.NoError(err)
		assert.Empty(files, "kinds are kept apart")

		require.NoError(b.DeleteTask(s.ID))
		tasks, err = b.ListSegmentedTasks()
		require.NoError(err)
		assert.Empty(tasks)
	})

	t.Run("Tokens", func(t *testing.T) {
		assert := assert_.New(t)
		require := require_.New(t)
		b := newBackend(t)
		defer b.Close()

		_, err := b.ReadToken("missing")
		assert.ErrorIs(err, store.ErrTokenNotFound)

		require.NoError(b.WriteToken("t1", []byte(`{"offset":10}`)))
		require.NoError(b.WriteToken("t1", []byte(`{"offset":20}`)))
		data, err := b.ReadToken("t1")
		require.NoError(err)
		assert.Equal(`{"offset":20}`, string(data))

		require.NoError(b.DeleteToken("t1"))
		require.NoError(b.DeleteToken("t1"))
		_, err = b.ReadToken("t1")
		assert.ErrorIs(err, store.ErrTokenNotFound)
	})
}

func byID(tasks []*model.FileTask) map[model.TaskID]*model.FileTask {
	m := make(map[model.TaskID]*model.FileTask, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return m
}
