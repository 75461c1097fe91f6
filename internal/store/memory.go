package store

import (
	"sort"

	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/sync_"
)

type memoryData struct {
	files     map[model.TaskID]*model.FileTask
	segmented map[model.TaskID]*model.SegmentedTask
	tokens    map[string][]byte
}

// Memory is a Backend that keeps everything in process memory, for tests and for running without a data directory.
type Memory struct {
	data *sync_.RWMutexed[*memoryData]
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{data: sync_.NewRWMutexed(&memoryData{
		files:     make(map[model.TaskID]*model.FileTask),
		segmented: make(map[model.TaskID]*model.SegmentedTask),
		tokens:    make(map[string][]byte),
	})}
}

func (m *Memory) ListFileTasks() (tasks []*model.FileTask, err error) {
	_ = m.data.RLocked(func(d *memoryData) error {
		for _, t := range d.files {
			tasks = append(tasks, t.Clone())
		}
		return nil
	})
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (m *Memory) ListSegmentedTasks() (tasks []*model.SegmentedTask, err error) {
	_ = m.data.RLocked(func(d *memoryData) error {
		for _, t := range d.segmented {
			tasks = append(tasks, t.Clone())
		}
		return nil
	})
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (m *Memory) WriteFileTask(t *model.FileTask) error {
	return m.data.Locked(func(d *memoryData) error {
		d.files[t.ID] = t.Clone()
		return nil
	})
}

func (m *Memory) WriteSegmentedTask(t *model.SegmentedTask) error {
	return m.data.Locked(func(d *memoryData) error {
		d.segmented[t.ID] = t.Clone()
		return nil
	})
}

func (m *Memory) DeleteTask(id model.TaskID) error {
	return m.data.Locked(func(d *memoryData) error {
		delete(d.files, id)
		delete(d.segmented, id)
		return nil
	})
}

func (m *Memory) ReadToken(ref string) (data []byte, err error) {
	err = m.data.RLocked(func(d *memoryData) error {
		token, ok := d.tokens[ref]
		if !ok {
			return ErrTokenNotFound
		}
		data = append([]byte(nil), token...)
		return nil
	})
	return data, err
}

func (m *Memory) WriteToken(ref string, data []byte) error {
	return m.data.Locked(func(d *memoryData) error {
		d.tokens[ref] = append([]byte(nil), data...)
		return nil
	})
}

func (m *Memory) DeleteToken(ref string) error {
	return m.data.Locked(func(d *memoryData) error {
		delete(d.tokens, ref)
		return nil
	})
}

func (m *Memory) Close() error {
	return nil
}
