package sqlitedb

import (
	"path/filepath"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/store"
	"github.com/alanbriolat/media-fetch/internal/store/storetest"
)

func TestBackend(t *testing.T) {
	storetest.RunBackendTests(t, func(t *testing.T) store.Backend {
		db, err := New(filepath.Join(t.TempDir(), "tasks.sqlite"))
		require_.NoError(t, err)
		return db
	})
}

func TestMigrateTwice(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)

	path := filepath.Join(t.TempDir(), "tasks.sqlite")
	db, err := New(path)
	require.NoError(err)
	task := model.NewSegmentedTask("https://cdn.example.com/index.m3u8", "v.mp4")
	task.SetSegments([]model.SegmentDescriptor{{Index: 0, URL: "https://cdn.example.com/0.ts", Duration: 2}})
	require.NoError(db.WriteSegmentedTask(task))
	require.NoError(db.Close())

	db, err = New(path)
	require.NoError(err, "reopening an up-to-date database is not an error")
	defer db.Close()
	assert.NoError(db.Migrate())
	tasks, err := db.ListSegmentedTasks()
	require.NoError(err)
	require.Len(tasks, 1)
	assert.Equal(task.Segments, tasks[0].Segments)
}
