// Package store persists task snapshots through a pluggable Backend, batching writes behind a flush timer.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/sync_"
)

var ErrTokenNotFound = errors.New("resumption token not found")

// Backend is the durable storage under a Store. Implementations must be safe for use from multiple goroutines.
type Backend interface {
	ListFileTasks() ([]*model.FileTask, error)
	ListSegmentedTasks() ([]*model.SegmentedTask, error)
	WriteFileTask(*model.FileTask) error
	WriteSegmentedTask(*model.SegmentedTask) error
	// DeleteTask removes a task of either kind; deleting a missing task is not an error.
	DeleteTask(id model.TaskID) error
	// ReadToken returns ErrTokenNotFound for an unknown ref.
	ReadToken(ref string) ([]byte, error)
	WriteToken(ref string, data []byte) error
	DeleteToken(ref string) error
	Close() error
}

// pendingWrite is the latest queued change for one task. Exactly one of file, segmented or deleted is set.
type pendingWrite struct {
	file      *model.FileTask
	segmented *model.SegmentedTask
	deleted   bool
}

type pendingState struct {
	writes map[model.TaskID]pendingWrite
	timer  *time.Timer
	closed bool
}

// Store debounces task writes: each Save replaces any queued write for the same task, and queued writes reach the
// backend when the flush timer fires, on Flush, or on Close.
type Store struct {
	backend  Backend
	interval time.Duration
	pending  *sync_.Mutexed[*pendingState]
	// flushing serialises flushes so an older batch can never land after a newer one.
	flushing sync.Mutex
	log      *zap.SugaredLogger
}

// New creates a Store. An interval of zero or less writes through on every Save.
func New(backend Backend, interval time.Duration) *Store {
	return &Store{
		backend:  backend,
		interval: interval,
		pending:  sync_.NewMutexed(&pendingState{writes: make(map[model.TaskID]pendingWrite)}),
		log:      zap.S().Named("store"),
	}
}

// Loaded is the persisted state, ready to seed a session.
type Loaded struct {
	Files     []*model.FileTask
	Segmented []*model.SegmentedTask
}

// Load reads every task from the backend. Tasks that were running when last saved come back in their non-running
// state: no transfer survives a restart, so nothing may claim to be downloading.
func (s *Store) Load() (*Loaded, error) {
	files, err := s.backend.ListFileTasks()
	if err != nil {
		return nil, fmt.Errorf("list file tasks: %w", err)
	}
	segmented, err := s.backend.ListSegmentedTasks()
	if err != nil {
		return nil, fmt.Errorf("list segmented tasks: %w", err)
	}
	for _, t := range files {
		if status := t.Status.NonRunning(); status != t.Status {
			s.log.Infow("reclassifying interrupted task", "task_id", t.ID, "from", t.Status, "to", status)
			t.Status = status
			s.SaveFile(t)
		}
	}
	for _, t := range segmented {
		changed := false
		if status := t.Status.NonRunning(); status != t.Status {
			s.log.Infow("reclassifying interrupted task", "task_id", t.ID, "from", t.Status, "to", status)
			t.Status = status
			changed = true
		}
		for i := range t.Segments {
			if state := t.Segments[i].State.NonRunning(); state != t.Segments[i].State {
				t.Segments[i].State = state
				changed = true
			}
		}
		if changed {
			s.SaveSegmented(t)
		}
	}
	return &Loaded{Files: files, Segmented: segmented}, nil
}

// SaveFile queues a snapshot of t.
func (s *Store) SaveFile(t *model.FileTask) {
	s.enqueue(t.ID, pendingWrite{file: t.Clone()})
}

// SaveSegmented queues a snapshot of t.
func (s *Store) SaveSegmented(t *model.SegmentedTask) {
	s.enqueue(t.ID, pendingWrite{segmented: t.Clone()})
}

// Delete queues removal of a task, superseding any queued write for it.
func (s *Store) Delete(id model.TaskID) {
	s.enqueue(id, pendingWrite{deleted: true})
}

func (s *Store) enqueue(id model.TaskID, w pendingWrite) {
	writeThrough := false
	_ = s.pending.Locked(func(p *pendingState) error {
		if p.closed {
			s.log.Warnw("write after close ignored", "task_id", id)
			return nil
		}
		p.writes[id] = w
		if s.interval <= 0 {
			writeThrough = true
		} else if p.timer == nil {
			p.timer = time.AfterFunc(s.interval, s.flushFromTimer)
		}
		return nil
	})
	if writeThrough {
		if err := s.Flush(); err != nil {
			s.log.Errorw("failed to persist task", "task_id", id, "error", err)
		}
	}
}

func (s *Store) flushFromTimer() {
	if err := s.Flush(); err != nil {
		s.log.Errorw("failed to persist tasks", "error", err)
	}
}

// Flush writes every queued change to the backend. Every write is attempted; failures are aggregated.
func (s *Store) Flush() error {
	s.flushing.Lock()
	defer s.flushing.Unlock()
	var writes map[model.TaskID]pendingWrite
	_ = s.pending.Locked(func(p *pendingState) error {
		writes = p.writes
		p.writes = make(map[model.TaskID]pendingWrite)
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		return nil
	})
	var result *multierror.Error
	for id, w := range writes {
		var err error
		switch {
		case w.deleted:
			err = s.backend.DeleteTask(id)
		case w.file != nil:
			err = s.backend.WriteFileTask(w.file)
		case w.segmented != nil:
			err = s.backend.WriteSegmentedTask(w.segmented)
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("task %s: %w", id, err))
		}
	}
	if len(writes) > 0 {
		s.log.Debugw("flushed tasks", "count", len(writes))
	}
	return result.ErrorOrNil()
}

func (s *Store) ReadToken(ref string) ([]byte, error) {
	return s.backend.ReadToken(ref)
}

func (s *Store) WriteToken(ref string, data []byte) error {
	return s.backend.WriteToken(ref, data)
}

func (s *Store) DeleteToken(ref string) error {
	return s.backend.DeleteToken(ref)
}

// Close flushes outstanding writes and closes the backend. Later writes are dropped.
func (s *Store) Close() error {
	flushErr := s.Flush()
	_ = s.pending.Locked(func(p *pendingState) error {
		p.closed = true
		return nil
	})
	var result *multierror.Error
	if flushErr != nil {
		result = multierror.Append(result, flushErr)
	}
	if err := s.backend.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close backend: %w", err))
	}
	return result.ErrorOrNil()
}
