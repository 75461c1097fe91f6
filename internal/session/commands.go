package session

import (
	"errors"
	"fmt"
	"os"

	"github.com/alanbriolat/media-fetch/generic"
	"github.com/alanbriolat/media-fetch/internal/model"
)

// Pause stops a running task. A file task keeps its partial data if the transfer hands back a resumption token;
// a segmented task keeps its completed segments.
func (s *Session) Pause(id model.TaskID) error {
	_, err := call(s, func() (generic.Void, error) {
		if d, ok := s.files[id]; ok {
			if d.Status.IsTerminal() {
				return generic.Void{}, ErrInvalidState
			}
			s.log.Infow("pausing file task", "task_id", id)
			s.pauseFile(d)
			return generic.Void{}, nil
		}
		if d, ok := s.segmented[id]; ok {
			if d.Status == model.SegmentedPaused {
				return generic.Void{}, nil
			}
			if !d.Status.IsRunning() {
				return generic.Void{}, ErrInvalidState
			}
			s.pauseSegmented(d)
			return generic.Void{}, nil
		}
		return generic.Void{}, s.notActive(id)
	})
	return err
}

// Resume restarts a paused task. Failed tasks can be resumed too, as a retry.
func (s *Session) Resume(id model.TaskID) error {
	_, err := call(s, func() (generic.Void, error) {
		if d, ok := s.files[id]; ok {
			s.log.Infow("resuming file task", "task_id", id)
			return generic.Void{}, s.resumeFile(d)
		}
		if d, ok := s.segmented[id]; ok {
			return generic.Void{}, s.resumeSegmented(d)
		}
		return generic.Void{}, s.notActive(id)
	})
	return err
}

// Cancel stops a task for good, discarding its partial data and removing it from the session.
func (s *Session) Cancel(id model.TaskID) error {
	_, err := call(s, func() (generic.Void, error) {
		if d, ok := s.files[id]; ok {
			s.log.Infow("cancelling file task", "task_id", id)
			s.cancelFile(d)
			return generic.Void{}, nil
		}
		if d, ok := s.segmented[id]; ok {
			s.log.Infow("cancelling segmented task", "task_id", id)
			s.cancelSegmented(d)
			return generic.Void{}, nil
		}
		return generic.Void{}, s.notActive(id)
	})
	return err
}

// DeleteCompleted forgets a completed task, optionally deleting the downloaded file as well.
func (s *Session) DeleteCompleted(id model.TaskID, deleteFile bool) error {
	_, err := call(s, func() (generic.Void, error) {
		t, ok := s.completed[id]
		if !ok {
			if s.snapshot(id) != nil {
				return generic.Void{}, ErrInvalidState
			}
			return generic.Void{}, ErrNotFound
		}
		// The file goes first, so a failed delete leaves the record pointing at it
		if deleteFile {
			if path := outputPath(t); path != "" {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					return generic.Void{}, fmt.Errorf("delete %s: %w", path, err)
				}
			}
		}
		delete(s.completed, id)
		s.config.Store.Delete(id)
		s.events.Send(TaskRemoved{Task: cloneTask(t)})
		return generic.Void{}, nil
	})
	return err
}

// Remove deletes a failed task together with its working files.
func (s *Session) Remove(id model.TaskID) error {
	_, err := call(s, func() (generic.Void, error) {
		if d, ok := s.files[id]; ok {
			if d.Status != model.FileFailed {
				return generic.Void{}, ErrInvalidState
			}
			if d.ResumeTokenRef != "" {
				_ = s.config.Store.DeleteToken(d.ResumeTokenRef)
			}
			s.removeFile(d)
			return generic.Void{}, nil
		}
		if d, ok := s.segmented[id]; ok {
			if d.Status != model.SegmentedFailed {
				return generic.Void{}, ErrInvalidState
			}
			s.removeSegmented(d)
			return generic.Void{}, nil
		}
		return generic.Void{}, s.notActive(id)
	})
	return err
}

func (s *Session) notActive(id model.TaskID) error {
	if _, ok := s.completed[id]; ok {
		return ErrInvalidState
	}
	return ErrNotFound
}

func outputPath(t model.Task) string {
	switch t := t.(type) {
	case *model.FileTask:
		return t.OutputPath
	case *model.SegmentedTask:
		return t.OutputPath
	default:
		return ""
	}
}
