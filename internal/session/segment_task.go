package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/alanbriolat/media-fetch/internal/manifest"
	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/transfer"
	"github.com/alanbriolat/media-fetch/internal/workdir"
)

// segmentedDownload is the live record of a manifest task.
type segmentedDownload struct {
	model.SegmentedTask
	snapshot *model.SegmentedTask
	inFlight map[int]transfer.Transfer
	// lastErr is the most recent failure of each segment, for the aggregate error when retries run out.
	lastErr map[int]error
	// generation invalidates background work (manifest fetch, merge, transcode) started before a pause or cancel.
	generation   int
	stopPipeline context.CancelFunc
}

func newSegmentedDownload(t *model.SegmentedTask) *segmentedDownload {
	return &segmentedDownload{
		SegmentedTask: *t.Clone(),
		snapshot:      t.Clone(),
		inFlight:      make(map[int]transfer.Transfer),
		lastErr:       make(map[int]error),
	}
}

func (s *Session) commitSegmented(d *segmentedDownload) {
	next := d.SegmentedTask.Clone()
	old := d.snapshot
	d.snapshot = next
	s.config.Store.SaveSegmented(next)
	s.events.Send(TaskUpdated{Old: old, New: next.Clone()})
}

// beginBackground cancels any outstanding background work of the task and returns a context and generation for
// the next piece.
func (s *Session) beginBackground(d *segmentedDownload) (context.Context, int) {
	s.stopBackground(d)
	ctx, cancel := context.WithCancel(s.ctx)
	d.stopPipeline = cancel
	return ctx, d.generation
}

func (s *Session) stopBackground(d *segmentedDownload) {
	if d.stopPipeline != nil {
		d.stopPipeline()
		d.stopPipeline = nil
	}
	d.generation++
}

// current reports whether background work started at generation gen, expecting status, is still wanted.
func (s *Session) current(d *segmentedDownload, gen int, status model.SegmentedStatus) bool {
	return s.segmented[d.ID] == d && d.generation == gen && d.Status == status
}

// parseManifest fetches and parses the manifest off the loop, then initialises the segments and starts the
// scheduler.
func (s *Session) parseManifest(d *segmentedDownload) {
	d.Status = model.SegmentedParsing
	d.Error = ""
	s.commitSegmented(d)
	ctx, gen := s.beginBackground(d)
	manifestURL := d.URL
	s.goBackground(func(context.Context) func() {
		body, err := s.config.Client.Fetch(ctx, manifestURL)
		var descriptors []model.SegmentDescriptor
		if err == nil {
			descriptors, err = manifest.Parse(string(body), manifestURL)
		}
		return func() {
			if !s.current(d, gen, model.SegmentedParsing) {
				return
			}
			if err != nil {
				s.failSegmented(d, fmt.Errorf("manifest: %w", err))
				return
			}
			if err := s.config.WorkDir.Prepare(d.ID); err != nil {
				s.failSegmented(d, err)
				return
			}
			d.SetSegments(descriptors)
			d.Status = model.SegmentedDownloading
			s.log.Infow("manifest parsed", "task_id", d.ID, "segments", len(descriptors))
			s.schedule(d)
		}
	})
}

func (s *Session) failSegmented(d *segmentedDownload, err error) {
	s.log.Warnw("segmented task failed", "task_id", d.ID, "error", err)
	s.abandonTransfers(d)
	s.stopBackground(d)
	d.Status = model.SegmentedFailed
	d.Error = err.Error()
	s.commitSegmented(d)
}

// abandonTransfers cancels every in-flight segment; their events are ignored from here on.
func (s *Session) abandonTransfers(d *segmentedDownload) {
	for _, t := range d.inFlight {
		delete(s.owners, t.Handle())
		t.Cancel(false)
	}
	d.inFlight = make(map[int]transfer.Transfer)
}

// nextSegment picks the segment to start next: a retryable failed segment first, then the lowest waiting one. A
// segment marked downloading with nothing in flight counts as waiting. Returns -1 if nothing is schedulable.
func (s *Session) nextSegment(d *segmentedDownload) int {
	for i := range d.Segments {
		seg := &d.Segments[i]
		if _, busy := d.inFlight[i]; !busy && seg.State == model.SegmentFailed && seg.Retries < s.config.MaxSegmentRetries {
			return i
		}
	}
	for i := range d.Segments {
		seg := &d.Segments[i]
		if _, busy := d.inFlight[i]; busy {
			continue
		}
		if seg.State == model.SegmentWaiting || seg.State == model.SegmentDownloading {
			return i
		}
	}
	return -1
}

// schedule fills free transfer slots, then decides whether the task is finished, stuck or still going. Calling it
// again without any change in between does nothing.
func (s *Session) schedule(d *segmentedDownload) {
	if d.Status != model.SegmentedDownloading {
		return
	}
	for len(d.inFlight) < s.config.MaxConcurrentSegments {
		i := s.nextSegment(d)
		if i < 0 {
			break
		}
		s.startSegment(d, i)
	}
	if len(d.inFlight) > 0 {
		s.commitSegmented(d)
		return
	}
	if d.AllCompleted() {
		s.runPipeline(d)
		return
	}
	s.failSegmented(d, s.exhaustedError(d))
}

func (s *Session) startSegment(d *segmentedDownload, i int) {
	seg := &d.Segments[i]
	req := transfer.Request{URL: seg.URL, Dest: s.config.WorkDir.SegmentPartPath(d.ID, seg.Index)}
	t, err := s.config.Client.Start(s.ctx, req)
	if err != nil {
		s.segmentFailed(d, i, err)
		return
	}
	seg.State = model.SegmentDownloading
	d.inFlight[i] = t
	s.watch(t, owner{task: d.ID, segment: i})
}

func (s *Session) segmentFailed(d *segmentedDownload, i int, err error) {
	seg := &d.Segments[i]
	seg.State = model.SegmentFailed
	seg.Retries++
	d.lastErr[i] = err
	s.log.Debugw("segment failed", "task_id", d.ID, "segment", seg.Index, "retries", seg.Retries, "error", err)
}

func (s *Session) exhaustedError(d *segmentedDownload) error {
	var result *multierror.Error
	for i, seg := range d.Segments {
		if seg.State != model.SegmentFailed {
			continue
		}
		cause := d.lastErr[i]
		if cause == nil {
			cause = errors.New("retries exhausted")
		}
		result = multierror.Append(result, fmt.Errorf("segment %d failed after %d attempts: %w", seg.Index, seg.Retries, cause))
	}
	if result == nil {
		return errors.New("no segments left to download")
	}
	return result
}

func (s *Session) handleSegmentEvent(d *segmentedDownload, i int, e transfer.Event) {
	if !e.Kind.IsTerminal() {
		return
	}
	delete(d.inFlight, i)
	seg := &d.Segments[i]
	switch e.Kind {
	case transfer.EventCompleted:
		if err := workdir.MoveFile(e.Path, s.config.WorkDir.SegmentPath(d.ID, seg.Index)); err != nil {
			s.segmentFailed(d, i, fmt.Errorf("move segment: %w", err))
		} else {
			seg.State = model.SegmentCompleted
		}
	case transfer.EventFailed:
		s.segmentFailed(d, i, e.Err)
	case transfer.EventCancelled:
		s.segmentFailed(d, i, errors.New("transfer cancelled"))
	}
	s.schedule(d)
}

func (s *Session) pauseSegmented(d *segmentedDownload) {
	s.abandonTransfers(d)
	s.stopBackground(d)
	d.Status = model.SegmentedPaused
	s.commitSegmented(d)
	s.log.Infow("segmented task paused", "task_id", d.ID, "completed", d.Count(model.SegmentCompleted), "total", len(d.Segments))
}

func (s *Session) resumeSegmented(d *segmentedDownload) error {
	switch d.Status {
	case model.SegmentedPaused:
	case model.SegmentedFailed:
		// A retry of a failed task gets a fresh set of attempts
		for i := range d.Segments {
			if d.Segments[i].State == model.SegmentFailed {
				d.Segments[i].State = model.SegmentWaiting
				d.Segments[i].Retries = 0
			}
		}
		d.lastErr = make(map[int]error)
		d.Error = ""
	default:
		if d.Status.IsRunning() {
			return nil
		}
		return ErrInvalidState
	}
	switch {
	case len(d.Segments) == 0:
		s.parseManifest(d)
	case d.AllCompleted():
		s.runPipeline(d)
	default:
		d.Status = model.SegmentedDownloading
		for i := range d.Segments {
			if _, busy := d.inFlight[i]; !busy {
				d.Segments[i].State = d.Segments[i].State.NonRunning()
			}
		}
		s.log.Infow("segmented task resumed", "task_id", d.ID)
		s.schedule(d)
	}
	return nil
}

func (s *Session) cancelSegmented(d *segmentedDownload) {
	s.abandonTransfers(d)
	s.stopBackground(d)
	d.Status = model.SegmentedFailed
	d.Error = "cancelled"
	s.commitSegmented(d)
	s.removeSegmented(d)
}

func (s *Session) removeSegmented(d *segmentedDownload) {
	delete(s.segmented, d.ID)
	s.config.Store.Delete(d.ID)
	_ = s.config.WorkDir.Remove(d.ID)
	s.events.Send(TaskRemoved{Task: d.SegmentedTask.Clone()})
}
