package boltdb

import (
	"path/filepath"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/store"
	"github.com/alanbriolat/media-fetch/internal/store/storetest"
)

func TestBackend(t *testing.T) {
	storetest.RunBackendTests(t, func(t *testing.T) store.Backend {
		db, err := New(filepath.Join(t.TempDir(), "tasks.db"))
		require_.NoError(t, err)
		return db
	})
}

func TestReopen(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)

	path := filepath.Join(t.TempDir(), "tasks.db")
	db, err := New(path)
	require.NoError(err)
	task := model.NewFileTask("https://cdn.example.com/a.mp4", "a.mp4")
	require.NoError(db.WriteFileTask(task))
	require.NoError(db.WriteToken(string(task.ID), []byte("token")))
	require.NoError(db.Close())

	db, err = New(path)
	require.NoError(err)
	defer db.Close()
	tasks, err := db.ListFileTasks()
	require.NoError(err)
	require.Len(tasks, 1)
	assert.Equal(task.ID, tasks[0].ID)
	data, err := db.ReadToken(string(task.ID))
	require.NoError(err)
	assert.Equal("token", string(data))
}

func TestNewerVersionRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	raw, err := bbolt.Open(path, 0600, nil)
	require_.NoError(t, err)
	require_.NoError(t, raw.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(Buckets.Metadata)
		if err != nil {
			return err
		}
		return b.Put(MetadataKeys.Version, []byte("99"))
	}))
	require_.NoError(t, raw.Close())

	_, err = New(path)
	assert_.Error(t, err)
}
