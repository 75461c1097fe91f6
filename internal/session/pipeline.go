package session

import (
	"context"
	"path/filepath"

	"github.com/alanbriolat/media-fetch/internal/merge"
	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/transcode"
)

// runPipeline merges the completed segments and hands the container to the transcoder, both off the loop. A failure
// at either step fails the task but leaves every file in place for inspection or a retry.
func (s *Session) runPipeline(d *segmentedDownload) {
	d.Status = model.SegmentedMerging
	d.Error = ""
	s.commitSegmented(d)
	ctx, gen := s.beginBackground(d)
	paths := make([]string, len(d.Segments))
	for i, seg := range d.Segments {
		paths[i] = s.config.WorkDir.SegmentPath(d.ID, seg.Index)
	}
	container := s.config.WorkDir.ContainerPath(d.ID)
	s.goBackground(func(context.Context) func() {
		err := merge.Merge(ctx, paths, container)
		return func() {
			if !s.current(d, gen, model.SegmentedMerging) {
				return
			}
			if err != nil {
				s.failSegmented(d, err)
				return
			}
			s.convert(d, ctx, gen, container)
		}
	})
}

func (s *Session) convert(d *segmentedDownload, ctx context.Context, gen int, container string) {
	d.Status = model.SegmentedConverting
	s.commitSegmented(d)
	output := filepath.Join(s.config.DownloadDir, d.FileName)
	transcoder := s.config.Transcoder
	s.goBackground(func(context.Context) func() {
		err := transcode.Handoff(ctx, transcoder, container, output)
		return func() {
			if !s.current(d, gen, model.SegmentedConverting) {
				return
			}
			if err != nil {
				s.failSegmented(d, err)
				return
			}
			s.completeSegmented(d, output)
		}
	})
}

func (s *Session) completeSegmented(d *segmentedDownload, output string) {
	s.stopBackground(d)
	d.Status = model.SegmentedCompleted
	d.OutputPath = output
	d.Error = ""
	s.commitSegmented(d)
	_ = s.config.WorkDir.Remove(d.ID)
	delete(s.segmented, d.ID)
	s.completed[d.ID] = d.SegmentedTask.Clone()
	s.log.Infow("segmented task completed", "task_id", d.ID, "path", output, "segments", len(d.Segments))
}
