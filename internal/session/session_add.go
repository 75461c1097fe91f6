package session

import (
	"context"
	"net/url"

	"github.com/alanbriolat/media-fetch/internal/manifest"
	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/resolver"
)

// Submit finds a URL in free-form text (resolving short links and share pages when a Resolver is configured) and
// adds a task for it. Resolution happens on the caller's goroutine.
func (s *Session) Submit(ctx context.Context, text string, fileName string) (model.Task, error) {
	var target string
	if s.config.Resolver != nil {
		resolved, err := s.config.Resolver.Lookup(ctx, text)
		if err != nil {
			return nil, err
		}
		target = resolved
	} else if extracted, ok := resolver.ExtractURL(text); ok {
		target = extracted
	} else {
		return nil, ErrNoURL
	}
	return s.AddTask(target, fileName)
}

// AddTask creates and starts a task for rawURL: a segmented task for a manifest URL, a file task otherwise. An empty
// fileName is derived from the URL.
func (s *Session) AddTask(rawURL string, fileName string) (model.Task, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}
	segmented := manifest.IsManifestURL(rawURL)
	return call(s, func() (model.Task, error) {
		if segmented {
			t := model.NewSegmentedTask(rawURL, fileName)
			if t.FileName == "" {
				t.FileName = s.config.FileNamer(rawURL, s.config.OutputExt, t.ID)
			}
			d := newSegmentedDownload(t)
			s.segmented[t.ID] = d
			s.added(d.SegmentedTask.Clone())
			s.log.Infow("added segmented task", "task_id", t.ID, "url", rawURL, "file_name", t.FileName)
			s.parseManifest(d)
			return d.SegmentedTask.Clone(), nil
		}
		t := model.NewFileTask(rawURL, fileName)
		if t.FileName == "" {
			t.FileName = s.config.FileNamer(rawURL, "", t.ID)
		}
		d := newFileDownload(t)
		s.files[t.ID] = d
		s.added(d.FileTask.Clone())
		s.log.Infow("added file task", "task_id", t.ID, "url", rawURL, "file_name", t.FileName)
		s.startFile(d)
		return d.FileTask.Clone(), nil
	})
}

func (s *Session) added(t model.Task) {
	switch t := t.(type) {
	case *model.FileTask:
		s.config.Store.SaveFile(t)
	case *model.SegmentedTask:
		s.config.Store.SaveSegmented(t)
	}
	s.events.Send(TaskAdded{Task: t})
}
