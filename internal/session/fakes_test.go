package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanbriolat/media-fetch/internal/pubsub"
	"github.com/alanbriolat/media-fetch/internal/transfer"
)

// behavior scripts one fake transfer. It may send progress events, and returns the terminal event.
type behavior func(ctx context.Context, ft *fakeTransfer, req transfer.Request, attempt int) transfer.Event

type fakeTransfer struct {
	handle    transfer.Handle
	events    pubsub.Channel[transfer.Event]
	cancelled chan bool
	once      sync.Once
}

func (t *fakeTransfer) Handle() transfer.Handle {
	return t.handle
}

func (t *fakeTransfer) Events() pubsub.ReceiverCloser[transfer.Event] {
	return t.events
}

func (t *fakeTransfer) Cancel(resumable bool) {
	t.once.Do(func() {
		t.cancelled <- resumable
	})
}

func (t *fakeTransfer) progress(written, total int) {
	t.events.Send(transfer.Event{Handle: t.handle, Kind: transfer.EventProgress, Written: int64(written), Total: int64(total)})
}

// fakeClient runs a behavior per URL and records what was asked of it.
type fakeClient struct {
	mu        sync.Mutex
	next      uint64
	behaviors map[string]behavior
	manifests map[string]string
	starts    map[string]int
	requests  []transfer.Request
	active    int
	maxActive int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		behaviors: make(map[string]behavior),
		manifests: make(map[string]string),
		starts:    make(map[string]int),
	}
}

func (c *fakeClient) handle(url string, b behavior) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.behaviors[url] = b
}

func (c *fakeClient) manifest(url string, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manifests[url] = body
}

func (c *fakeClient) startCount(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts[url]
}

func (c *fakeClient) totalStarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.starts {
		n += v
	}
	return n
}

func (c *fakeClient) requestsFor(url string) []transfer.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []transfer.Request
	for _, r := range c.requests {
		if r.URL == url {
			result = append(result, r)
		}
	}
	return result
}

func (c *fakeClient) peakActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxActive
}

func (c *fakeClient) Start(ctx context.Context, req transfer.Request) (transfer.Transfer, error) {
	c.mu.Lock()
	b, ok := c.behaviors[req.URL]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("no behavior for %s", req.URL)
	}
	c.starts[req.URL]++
	attempt := c.starts[req.URL]
	c.requests = append(c.requests, req)
	c.next++
	ft := &fakeTransfer{
		handle:    transfer.Handle(c.next),
		events:    pubsub.NewChannel[transfer.Event](16),
		cancelled: make(chan bool, 1),
	}
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	c.mu.Unlock()

	go func() {
		defer ft.events.Close()
		e := b(ctx, ft, req, attempt)
		e.Handle = ft.handle
		// The slot is released before the terminal event, so the session can't observe it as still taken
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
		ft.events.Send(e)
	}()
	return ft, nil
}

func (c *fakeClient) Resolve(ctx context.Context, url string) (string, error) {
	return url, nil
}

func (c *fakeClient) Fetch(ctx context.Context, url string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.manifests[url]
	if !ok {
		return nil, transfer.ErrNotFound
	}
	return []byte(body), nil
}

func writeDest(dest string, data []byte, appendTo bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendTo {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(dest, flags, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func completed(req transfer.Request, n int) transfer.Event {
	return transfer.Event{Kind: transfer.EventCompleted, Path: req.Dest, Written: int64(n), Total: int64(n)}
}

func failed(err error) transfer.Event {
	return transfer.Event{Kind: transfer.EventFailed, Err: err}
}

// serve writes data after an optional delay.
func serve(data string, delay time.Duration) behavior {
	return func(ctx context.Context, ft *fakeTransfer, req transfer.Request, attempt int) transfer.Event {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ft.cancelled:
				return transfer.Event{Kind: transfer.EventCancelled}
			case <-ctx.Done():
				return failed(ctx.Err())
			}
		}
		if err := writeDest(req.Dest, []byte(data), false); err != nil {
			return failed(err)
		}
		return completed(req, len(data))
	}
}

// failFirst fails the first n attempts, then serves data.
func failFirst(n int, data string) behavior {
	return func(ctx context.Context, ft *fakeTransfer, req transfer.Request, attempt int) transfer.Event {
		if attempt <= n {
			return failed(fmt.Errorf("HTTP 503 on attempt %d", attempt))
		}
		return serve(data, 0)(ctx, ft, req, attempt)
	}
}

func alwaysFail(err error) behavior {
	return func(ctx context.Context, ft *fakeTransfer, req transfer.Request, attempt int) transfer.Event {
		return failed(err)
	}
}

// stallFirst holds the first attempt open until it is cancelled; later attempts serve data.
func stallFirst(data string) behavior {
	return func(ctx context.Context, ft *fakeTransfer, req transfer.Request, attempt int) transfer.Event {
		if attempt == 1 {
			select {
			case <-ft.cancelled:
				return transfer.Event{Kind: transfer.EventCancelled}
			case <-ctx.Done():
				return failed(ctx.Err())
			}
		}
		return serve(data, 0)(ctx, ft, req, attempt)
	}
}

const tokenPrefix = "offset:"

// resumable writes data[:stallAt] on the first attempt and waits to be cancelled. A resumable cancel hands back a
// token when withToken is set. A request carrying a token continues from its offset.
func resumable(data []byte, stallAt int, withToken bool) behavior {
	return func(ctx context.Context, ft *fakeTransfer, req transfer.Request, attempt int) transfer.Event {
		offset := 0
		if req.Token != nil {
			if !strings.HasPrefix(string(req.Token), tokenPrefix) {
				return failed(transfer.ErrInvalidToken)
			}
			offset, _ = strconv.Atoi(strings.TrimPrefix(string(req.Token), tokenPrefix))
		}
		if attempt == 1 {
			if err := writeDest(req.Dest, data[:stallAt], false); err != nil {
				return failed(err)
			}
			ft.progress(stallAt, len(data))
			select {
			case canResume := <-ft.cancelled:
				e := transfer.Event{Kind: transfer.EventCancelled, Written: int64(stallAt), Total: int64(len(data))}
				if canResume && withToken {
					e.Token = []byte(tokenPrefix + strconv.Itoa(stallAt))
				}
				return e
			case <-ctx.Done():
				return failed(ctx.Err())
			}
		}
		if err := writeDest(req.Dest, data[offset:], offset > 0); err != nil {
			return failed(err)
		}
		return completed(req, len(data))
	}
}

// fakeTranscoder copies the input to the output, or fails with err.
type fakeTranscoder struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeTranscoder) Convert(ctx context.Context, inputPath string, outputPath string) error {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return err
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (f *fakeTranscoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errBoom = errors.New("boom")
