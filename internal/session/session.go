// Package session owns every download task. A single control goroutine runs all state transitions; callers talk to
// it through lpc commands, and transfer events and background results are funnelled back into it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alanbriolat/media-fetch/async"
	"github.com/alanbriolat/media-fetch/generic"
	"github.com/alanbriolat/media-fetch/internal/lpc"
	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/pubsub"
	"github.com/alanbriolat/media-fetch/internal/resolver"
	"github.com/alanbriolat/media-fetch/internal/store"
	"github.com/alanbriolat/media-fetch/internal/sync_"
	"github.com/alanbriolat/media-fetch/internal/transcode"
	"github.com/alanbriolat/media-fetch/internal/transfer"
	"github.com/alanbriolat/media-fetch/internal/workdir"
	"github.com/alanbriolat/media-fetch/util"
)

var (
	ErrClosed       = errors.New("session closed")
	ErrNotFound     = errors.New("task not found")
	ErrInvalidURL   = errors.New("invalid URL: need an absolute http or https URL")
	ErrInvalidState = errors.New("operation not valid in the task's current state")
	ErrNoURL        = resolver.ErrNoURL
)

const (
	DefaultMaxConcurrentSegments = 3
	DefaultMaxSegmentRetries     = 3
	DefaultCloseTimeout          = 5 * time.Second
	eventBufSize                 = 64
)

// A URLResolver turns free-form input into a downloadable URL.
type URLResolver interface {
	Lookup(ctx context.Context, text string) (string, error)
}

type Config struct {
	// DownloadDir receives finished downloads.
	DownloadDir string
	WorkDir     *workdir.WorkDir
	Store       *store.Store
	Client      transfer.Client
	Transcoder  transcode.Transcoder
	// Resolver is used by Submit; when nil Submit only extracts a URL from the text.
	Resolver              URLResolver
	MaxConcurrentSegments int
	MaxSegmentRetries     int
	// OutputExt is the extension of transcoded segmented downloads.
	OutputExt string
	// FileNamer picks a file name for tasks added without one. ext is empty for whole-file downloads.
	FileNamer func(rawURL string, ext string, id model.TaskID) string
	// CloseTimeout bounds each wait in Close: for paused transfers to hand over resumption tokens, and for event
	// subscribers to drain.
	CloseTimeout time.Duration
	Logger       *zap.SugaredLogger
}

func (c *Config) applyDefaults() error {
	if c.Store == nil || c.Client == nil || c.WorkDir == nil {
		return errors.New("session: Store, Client and WorkDir are required")
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "."
	}
	if c.MaxConcurrentSegments <= 0 {
		c.MaxConcurrentSegments = DefaultMaxConcurrentSegments
	}
	if c.MaxSegmentRetries <= 0 {
		c.MaxSegmentRetries = DefaultMaxSegmentRetries
	}
	if c.OutputExt == "" {
		c.OutputExt = ".mp4"
	}
	if c.FileNamer == nil {
		c.FileNamer = func(rawURL string, ext string, id model.TaskID) string {
			return util.DefaultFilename(rawURL, "download", ext)
		}
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.S().Named("session")
	}
	return nil
}

// owner maps a transfer back to the task (and segment, or -1) it belongs to.
type owner struct {
	task    model.TaskID
	segment int
}

type Session struct {
	config    Config
	ctx       context.Context
	ctxCancel context.CancelFunc
	log       *zap.SugaredLogger

	commands   chan lpc.Runner
	results    chan func()
	transfers  *pubsub.Merger[transfer.Event]
	events     pubsub.Publisher[Event]
	background sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
	closeErr   error

	// Everything below is owned by the control loop.
	files     map[model.TaskID]*fileDownload
	segmented map[model.TaskID]*segmentedDownload
	completed map[model.TaskID]model.Task
	owners    map[transfer.Handle]owner
	// suspending is set while Close waits for paused file transfers; it fires when the last one settles.
	suspending    *sync_.Event
	pendingPauses int
}

// New creates a Session and loads persisted tasks. Loaded tasks that were running come back paused; nothing is
// resumed automatically.
//
// Cancelling ctx closes the Session the same way Close does, pausing running tasks first. Transfers never see ctx
// directly, so an interrupt cannot kill a file transfer before it hands over its resumption token.
func New(ctx context.Context, config Config) (*Session, error) {
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	loaded, err := config.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		config:    config,
		ctx:       loopCtx,
		ctxCancel: cancel,
		log:       config.Logger,

		commands:  make(chan lpc.Runner),
		results:   make(chan func()),
		transfers: pubsub.NewMergerBufSize[transfer.Event](eventBufSize),
		events:    pubsub.NewPublisherBufSize[Event](eventBufSize),
		done:      make(chan struct{}),

		files:     make(map[model.TaskID]*fileDownload),
		segmented: make(map[model.TaskID]*segmentedDownload),
		completed: make(map[model.TaskID]model.Task),
		owners:    make(map[transfer.Handle]owner),
	}
	for _, t := range loaded.Files {
		if t.Status == model.FileCompleted {
			s.completed[t.ID] = t
		} else {
			s.files[t.ID] = newFileDownload(t)
		}
	}
	for _, t := range loaded.Segmented {
		if t.Status == model.SegmentedCompleted {
			s.completed[t.ID] = t
		} else {
			s.segmented[t.ID] = newSegmentedDownload(t)
		}
	}
	s.log.Infow("session started", "active", len(s.files)+len(s.segmented), "completed", len(s.completed))
	go s.run()
	go s.closeOnCancel(ctx)
	return s, nil
}

func (s *Session) closeOnCancel(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.log.Infow("context cancelled, closing session", "cause", context.Cause(ctx))
		_ = s.Close()
	case <-s.done:
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.commands:
			cmd.Run()
		case e, ok := <-s.transfers.Receive():
			if ok {
				s.handleTransferEvent(e)
			}
		case f := <-s.results:
			f()
		}
	}
}

// call runs f on the control loop and waits for its result.
func call[T any](s *Session, f func() (T, error)) (T, error) {
	var zero T
	cmd := lpc.New(f)
	select {
	case s.commands <- cmd:
	case <-s.done:
		return zero, ErrClosed
	}
	select {
	case <-cmd.Done():
		return cmd.Wait()
	case <-s.done:
		return zero, ErrClosed
	}
}

// goBackground runs work off the loop; the closure it returns is then run on the loop. If the session closes first
// the closure is dropped.
func (s *Session) goBackground(work func(ctx context.Context) func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		post := work(s.ctx)
		select {
		case s.results <- post:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) handleTransferEvent(e transfer.Event) {
	o, ok := s.owners[e.Handle]
	if !ok {
		// Transfer was abandoned by a pause or cancel
		return
	}
	if e.Kind.IsTerminal() {
		delete(s.owners, e.Handle)
	}
	if o.segment < 0 {
		if d, ok := s.files[o.task]; ok {
			s.handleFileEvent(d, e)
		}
	} else if d, ok := s.segmented[o.task]; ok {
		s.handleSegmentEvent(d, o.segment, e)
	}
}

func (s *Session) watch(t transfer.Transfer, o owner) {
	s.owners[t.Handle()] = o
	s.transfers.Add(t.Events())
}

// Subscribe returns a stream of every task event. The subscriber must keep receiving, or Close it when done.
func (s *Session) Subscribe() (pubsub.ReceiverCloser[Event], error) {
	return s.events.Subscribe(eventBufSize)
}

// SubscribeTask is Subscribe limited to the events of one task.
func (s *Session) SubscribeTask(id model.TaskID) (pubsub.ReceiverCloser[Event], error) {
	ch := pubsub.NewChannel[Event](eventBufSize)
	filtered := pubsub.NewFilteredSender[Event](ch, func(e Event) bool {
		return e.TaskID() == id
	})
	if err := s.events.AddSubscriber(filtered, true); err != nil {
		return nil, err
	}
	return ch, nil
}

// Task returns a snapshot of one task.
func (s *Session) Task(id model.TaskID) (model.Task, error) {
	return call(s, func() (model.Task, error) {
		if t := s.snapshot(id); t != nil {
			return t, nil
		}
		return nil, ErrNotFound
	})
}

// Tasks returns snapshots of every task, oldest first.
func (s *Session) Tasks() ([]model.Task, error) {
	return call(s, func() ([]model.Task, error) {
		type entry struct {
			created time.Time
			task    model.Task
		}
		entries := make([]entry, 0, len(s.files)+len(s.segmented)+len(s.completed))
		for _, d := range s.files {
			entries = append(entries, entry{d.CreatedAt, d.FileTask.Clone()})
		}
		for _, d := range s.segmented {
			entries = append(entries, entry{d.CreatedAt, d.SegmentedTask.Clone()})
		}
		for _, t := range s.completed {
			entries = append(entries, entry{createdAt(t), cloneTask(t)})
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].created.Before(entries[j].created) })
		tasks := make([]model.Task, len(entries))
		for i, e := range entries {
			tasks[i] = e.task
		}
		return tasks, nil
	})
}

func (s *Session) snapshot(id model.TaskID) model.Task {
	if d, ok := s.files[id]; ok {
		return d.FileTask.Clone()
	}
	if d, ok := s.segmented[id]; ok {
		return d.SegmentedTask.Clone()
	}
	if t, ok := s.completed[id]; ok {
		return cloneTask(t)
	}
	return nil
}

func cloneTask(t model.Task) model.Task {
	switch t := t.(type) {
	case *model.FileTask:
		return t.Clone()
	case *model.SegmentedTask:
		return t.Clone()
	default:
		return t
	}
}

func createdAt(t model.Task) time.Time {
	switch t := t.(type) {
	case *model.FileTask:
		return t.CreatedAt
	case *model.SegmentedTask:
		return t.CreatedAt
	default:
		return time.Time{}
	}
}

// Close pauses everything that is running, giving file transfers a bounded time to hand over resumption tokens, then
// stops the control loop and flushes the store. The store itself stays open.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		timeout := s.config.CloseTimeout
		// The loop may be stuck on a subscriber that stopped receiving, so even reaching it is bounded
		suspended := async.Run(func() generic.Result[*sync_.Event] {
			return generic.NewResult(call(s, func() (*sync_.Event, error) {
				return s.suspendAll(), nil
			}))
		})
		deadline := time.After(timeout)
		select {
		case r := <-suspended:
			if ev, err := r.Parts(); err == nil {
				select {
				case <-ev.Wait():
				case <-deadline:
					s.log.Warn("timed out waiting for transfers to pause")
				}
			}
		case <-deadline:
			s.log.Warn("timed out waiting for the control loop")
		}

		s.ctxCancel()
		// Closing the publisher releases the loop if it is blocked sending an event
		eventsClosed := async.Run(func() generic.Void {
			s.events.Close()
			return generic.Void{}
		})
		<-s.done
		s.background.Wait()
		s.transfers.Close()
		select {
		case <-eventsClosed:
		case <-time.After(timeout):
			s.log.Warn("abandoning event subscribers that stopped receiving")
		}
		s.closeErr = s.config.Store.Flush()
		s.log.Info("session closed")
	})
	return s.closeErr
}

// suspendAll pauses every running task, returning an Event that is set once no file transfer is still pausing.
func (s *Session) suspendAll() *sync_.Event {
	s.suspending = sync_.NewEvent()
	for _, d := range s.files {
		if d.Status.IsRunning() {
			s.pauseFile(d)
		}
	}
	for _, d := range s.segmented {
		if d.Status.IsRunning() {
			s.pauseSegmented(d)
		}
	}
	if s.pendingPauses == 0 {
		s.suspending.Set()
	}
	return s.suspending
}

// pauseSettled records that a pausing file transfer has finished.
func (s *Session) pauseSettled() {
	if s.pendingPauses > 0 {
		s.pendingPauses--
	}
	if s.pendingPauses == 0 && s.suspending != nil {
		s.suspending.Set()
	}
}
