// Package boltdb is the default task store backend: one bbolt file with a JSON value per task.
package boltdb

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/store"
)

var Buckets = struct {
	Metadata  []byte
	Files     []byte
	Segmented []byte
	Tokens    []byte
}{
	Metadata:  []byte("__metadata__"),
	Files:     []byte("files"),
	Segmented: []byte("segmented"),
	Tokens:    []byte("tokens"),
}

var MetadataKeys = struct {
	Version []byte
}{
	Version: []byte("version"),
}

const currentVersion = 1

type database struct {
	*bbolt.DB
}

var _ store.Backend = (*database)(nil)

func New(path string) (_ store.Backend, err error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) (err error) {
		// Ensure buckets exist
		var metadata *bbolt.Bucket
		if metadata, err = tx.CreateBucketIfNotExists(Buckets.Metadata); err != nil {
			return err
		}
		for _, name := range [][]byte{Buckets.Files, Buckets.Segmented, Buckets.Tokens} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		// Get the current version of the database
		var version int
		if versionBytes := metadata.Get(MetadataKeys.Version); versionBytes == nil {
			version = 0
		} else if err = json.Unmarshal(versionBytes, &version); err != nil {
			return err
		}
		if version > currentVersion {
			return fmt.Errorf("database version %d is newer than supported version %d", version, currentVersion)
		}

		// Set the current version of the database
		if versionBytes, err := json.Marshal(currentVersion); err != nil {
			return err
		} else if err = metadata.Put(MetadataKeys.Version, versionBytes); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &database{db}, nil
}

func (d *database) ListFileTasks() (tasks []*model.FileTask, err error) {
	err = d.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(Buckets.Files).ForEach(func(k, v []byte) error {
			var t model.FileTask
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("decode file task %s: %w", k, err)
			}
			tasks = append(tasks, &t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (d *database) ListSegmentedTasks() (tasks []*model.SegmentedTask, err error) {
	err = d.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(Buckets.Segmented).ForEach(func(k, v []byte) error {
			var t model.SegmentedTask
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("decode segmented task %s: %w", k, err)
			}
			tasks = append(tasks, &t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (d *database) WriteFileTask(t *model.FileTask) error {
	return d.put(Buckets.Files, []byte(t.ID), t)
}

func (d *database) WriteSegmentedTask(t *model.SegmentedTask) error {
	return d.put(Buckets.Segmented, []byte(t.ID), t)
}

func (d *database) put(bucket []byte, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return d.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (d *database) DeleteTask(id model.TaskID) error {
	return d.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(Buckets.Files).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(Buckets.Segmented).Delete([]byte(id))
	})
}

func (d *database) ReadToken(ref string) (data []byte, err error) {
	err = d.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(Buckets.Tokens).Get([]byte(ref))
		if v == nil {
			return store.ErrTokenNotFound
		}
		// Values are only valid for the life of the transaction
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (d *database) WriteToken(ref string, data []byte) error {
	return d.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(Buckets.Tokens).Put([]byte(ref), data)
	})
}

func (d *database) DeleteToken(ref string) error {
	return d.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(Buckets.Tokens).Delete([]byte(ref))
	})
}
