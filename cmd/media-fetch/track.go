package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/r3labs/diff/v3"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/alanbriolat/media-fetch/generic"
	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/pubsub"
	"github.com/alanbriolat/media-fetch/internal/session"
)

// track shows progress of the given tasks until each of them finishes, or ctx is cancelled. The returned error
// collects the failures.
func track(ctx context.Context, ses *session.Session, events pubsub.Receiver[session.Event], ids []model.TaskID) error {
	logger := zap.S()
	pending := generic.NewSet(ids...)
	bars := make(map[model.TaskID]*progressbar.ProgressBar)
	var result *multierror.Error

	finish := func(t model.Task) {
		if bar, ok := bars[t.TaskID()]; ok {
			_ = bar.Finish()
			delete(bars, t.TaskID())
		}
		pending.Remove(t.TaskID())
		if failure := t.Failure(); failure != "" {
			logger.Errorw("task failed", "task_id", t.TaskID(), "error", failure)
			result = multierror.Append(result, fmt.Errorf("task %s: %s", t.TaskID(), failure))
		} else {
			logger.Infow("task complete", "task_id", t.TaskID(), "path", outputPath(t))
		}
	}

	// Anything that finished before the subscription saw it
	for _, id := range ids {
		t, err := ses.Task(id)
		if err != nil {
			return err
		}
		if t.IsTerminal() {
			finish(t)
		}
	}

	for pending.Count() > 0 {
		select {
		case <-ctx.Done():
			logger.Infow("interrupted, pausing tasks", "task_ids", pending.ToSlice())
			return result.ErrorOrNil()
		case e, ok := <-events.Receive():
			if !ok {
				return result.ErrorOrNil()
			}
			if !pending.Contains(e.TaskID()) {
				continue
			}
			switch e := e.(type) {
			case session.TaskUpdated:
				logChanges(logger, e)
				updateBar(bars, e.New)
				if e.New.IsTerminal() {
					finish(e.New)
				}
			case session.TaskRemoved:
				pending.Remove(e.TaskID())
				logger.Warnw("task removed while tracked", "task_id", e.TaskID())
			}
		}
	}
	return result.ErrorOrNil()
}

func updateBar(bars map[model.TaskID]*progressbar.ProgressBar, t model.Task) {
	bar, ok := bars[t.TaskID()]
	switch t := t.(type) {
	case *model.FileTask:
		if !ok {
			bar = progressbar.DefaultBytes(t.BytesTotal, t.FileName)
			bars[t.ID] = bar
		}
		if t.BytesTotal > 0 && bar.GetMax64() != t.BytesTotal {
			bar.ChangeMax64(t.BytesTotal)
		}
		_ = bar.Set64(t.BytesWritten)
	case *model.SegmentedTask:
		if len(t.Segments) == 0 {
			return
		}
		if !ok {
			bar = progressbar.Default(int64(len(t.Segments)), t.FileName)
			bars[t.ID] = bar
		}
		_ = bar.Set(t.Count(model.SegmentCompleted))
		if t.Status != model.SegmentedDownloading {
			bar.Describe(fmt.Sprintf("%s (%s)", t.FileName, t.Status))
		}
	}
}

// logChanges logs every field that differs between the old and new snapshot.
func logChanges(logger *zap.SugaredLogger, e session.TaskUpdated) {
	if e.Old == nil || e.Old.TaskKind() != e.New.TaskKind() {
		return
	}
	changes, err := diff.Diff(e.Old, e.New)
	if err != nil {
		logger.Errorf("failed to diff old and new task state: %v", err)
		return
	}
	for _, change := range changes {
		logger.Debugf("%s: %v: %#v -> %#v", e.TaskID(), change.Path, change.From, change.To)
	}
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
