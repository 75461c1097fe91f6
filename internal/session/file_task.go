package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/store"
	"github.com/alanbriolat/media-fetch/internal/transfer"
	"github.com/alanbriolat/media-fetch/internal/workdir"
)

// fileDownload is the live record of a whole-file task. A resumption token only exists as a stored blob while the
// task is paused, so the record never holds a token and a transfer at the same time.
type fileDownload struct {
	model.FileTask
	snapshot *model.FileTask
	transfer transfer.Transfer
	// pausing is set between asking the transfer to stop and its terminal event.
	pausing bool
	// resumeAfterPause restarts the task as soon as a pending pause settles.
	resumeAfterPause bool
}

func newFileDownload(t *model.FileTask) *fileDownload {
	return &fileDownload{FileTask: *t, snapshot: t.Clone()}
}

// commitFile persists the task and publishes the change, if there is one.
func (s *Session) commitFile(d *fileDownload) {
	next := d.FileTask.Clone()
	if d.snapshot != nil && *d.snapshot == *next {
		return
	}
	old := d.snapshot
	d.snapshot = next
	s.config.Store.SaveFile(next)
	s.events.Send(TaskUpdated{Old: old, New: next.Clone()})
}

func (s *Session) startFile(d *fileDownload) {
	if d.transfer != nil {
		if d.pausing {
			d.resumeAfterPause = true
		}
		return
	}
	log := s.log.With("task_id", d.ID)
	req := transfer.Request{URL: d.URL, Dest: s.config.WorkDir.FilePartPath(d.ID)}
	if ref := d.ResumeTokenRef; ref != "" {
		token, err := s.config.Store.ReadToken(ref)
		if err != nil {
			if !errors.Is(err, store.ErrTokenNotFound) {
				log.Warnw("failed to read resumption token, restarting from zero", "error", err)
			}
		} else {
			req.Token = token
		}
		if err := s.config.Store.DeleteToken(ref); err != nil {
			log.Warnw("failed to delete resumption token", "error", err)
		}
		d.ResumeTokenRef = ""
	}
	if req.Token == nil && d.BytesWritten > 0 {
		d.ResetProgress()
	}
	if err := s.config.WorkDir.Prepare(d.ID); err != nil {
		s.failFile(d, err)
		return
	}

	t, err := s.config.Client.Start(s.ctx, req)
	if err != nil && req.Token != nil && errors.Is(err, transfer.ErrInvalidToken) {
		log.Warnw("resumption token rejected, restarting from zero", "error", err)
		d.ResetProgress()
		req.Token = nil
		t, err = s.config.Client.Start(s.ctx, req)
	}
	if err != nil {
		s.failFile(d, err)
		return
	}
	d.transfer = t
	d.pausing = false
	d.resumeAfterPause = false
	d.Status = model.FileDownloading
	d.Error = ""
	s.watch(t, owner{task: d.ID, segment: -1})
	log.Debugw("file transfer started", "resumed", req.Token != nil)
	s.commitFile(d)
}

func (s *Session) pauseFile(d *fileDownload) {
	if d.transfer == nil {
		d.Status = d.Status.NonRunning()
		s.commitFile(d)
		return
	}
	d.resumeAfterPause = false
	if d.pausing {
		return
	}
	d.pausing = true
	s.pendingPauses++
	d.transfer.Cancel(true)
}

func (s *Session) cancelFile(d *fileDownload) {
	if d.transfer != nil {
		delete(s.owners, d.transfer.Handle())
		d.transfer.Cancel(false)
		d.transfer = nil
		if d.pausing {
			s.pauseSettled()
		}
	}
	if d.ResumeTokenRef != "" {
		if err := s.config.Store.DeleteToken(d.ResumeTokenRef); err != nil {
			s.log.Warnw("failed to delete resumption token", "task_id", d.ID, "error", err)
		}
		d.ResumeTokenRef = ""
	}
	d.Status = model.FileFailed
	d.Error = "cancelled"
	s.commitFile(d)
	s.removeFile(d)
}

// removeFile drops a task from the session, the store and the work directory.
func (s *Session) removeFile(d *fileDownload) {
	delete(s.files, d.ID)
	s.config.Store.Delete(d.ID)
	_ = s.config.WorkDir.Remove(d.ID)
	s.events.Send(TaskRemoved{Task: d.FileTask.Clone()})
}

func (s *Session) failFile(d *fileDownload, err error) {
	s.log.Warnw("file task failed", "task_id", d.ID, "error", err)
	d.transfer = nil
	d.Status = model.FileFailed
	d.Error = err.Error()
	s.commitFile(d)
}

func (s *Session) handleFileEvent(d *fileDownload, e transfer.Event) {
	switch e.Kind {
	case transfer.EventProgress:
		d.UpdateProgress(e.Written, e.Total)
		s.commitFile(d)
	case transfer.EventCompleted:
		d.transfer = nil
		if d.pausing {
			// Finished before the pause took effect
			d.pausing = false
			s.pauseSettled()
		}
		s.completeFile(d, e)
	case transfer.EventCancelled:
		s.fileStopped(d, e.Token)
	case transfer.EventFailed:
		if d.pausing && errors.Is(e.Err, context.Canceled) {
			s.fileStopped(d, nil)
			return
		}
		if d.pausing {
			d.pausing = false
			s.pauseSettled()
		}
		s.failFile(d, e.Err)
	}
}

// fileStopped handles the end of a paused transfer: keep the token if there is one, otherwise forget the partial data.
func (s *Session) fileStopped(d *fileDownload, token []byte) {
	log := s.log.With("task_id", d.ID)
	d.transfer = nil
	wasPausing := d.pausing
	d.pausing = false
	if token != nil {
		ref := string(d.ID)
		if err := s.config.Store.WriteToken(ref, token); err != nil {
			log.Warnw("failed to store resumption token", "error", err)
			token = nil
		} else {
			d.ResumeTokenRef = ref
		}
	}
	if token == nil {
		log.Debug("paused without resumption token, progress discarded")
		d.ResetProgress()
		if err := os.Remove(s.config.WorkDir.FilePartPath(d.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnw("failed to remove partial file", "error", err)
		}
	}
	d.Status = model.FilePaused
	s.commitFile(d)
	if wasPausing {
		s.pauseSettled()
	}
	if d.resumeAfterPause {
		d.resumeAfterPause = false
		s.startFile(d)
	}
}

func (s *Session) completeFile(d *fileDownload, e transfer.Event) {
	dest := filepath.Join(s.config.DownloadDir, d.FileName)
	if err := workdir.MoveFile(e.Path, dest); err != nil {
		s.failFile(d, fmt.Errorf("move to %s: %w", dest, err))
		return
	}
	d.UpdateProgress(e.Written, e.Written)
	d.Status = model.FileCompleted
	d.Progress = 1
	d.Error = ""
	d.OutputPath = dest
	s.commitFile(d)
	_ = s.config.WorkDir.Remove(d.ID)
	delete(s.files, d.ID)
	s.completed[d.ID] = d.FileTask.Clone()
	s.log.Infow("file task completed", "task_id", d.ID, "path", dest, "bytes", e.Written)
}

func (s *Session) resumeFile(d *fileDownload) error {
	switch d.Status {
	case model.FilePaused, model.FileFailed, model.FileWaiting:
		s.startFile(d)
		return nil
	case model.FileDownloading:
		// Resuming a task that is still pausing restarts it once the pause settles
		if d.pausing {
			d.resumeAfterPause = true
		}
		return nil
	default:
		return ErrInvalidState
	}
}
