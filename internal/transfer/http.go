package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alanbriolat/media-fetch/internal/pubsub"
)

// Common errors.
var (
	ErrNotFound     = errors.New("http: resource not found")
	ErrForbidden    = errors.New("http: access forbidden")
	ErrUnauthorized = errors.New("http: unauthorized")
	ErrServerError  = errors.New("http: server error")
	ErrTooLarge     = errors.New("http: response body too large")
	ErrShortBody    = errors.New("http: body shorter than advertised")
)

const (
	copyBufferSize = 32 * 1024
	eventBufSize   = 16
)

// Options configures the HTTP client.
type Options struct {
	// Timeout bounds Resolve and Fetch, and the wait for response headers when streaming.
	Timeout time.Duration
	// RetryAttempts is the number of extra attempts after a network error or 5xx response.
	RetryAttempts   int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	// BandwidthLimit caps the combined streaming rate in bytes per second (0 means unlimited).
	BandwidthLimit int64
	// ProgressInterval is the minimum time between progress events of one transfer.
	ProgressInterval time.Duration
	UserAgent        string
	// MaxFetchSize bounds the bodies returned by Fetch.
	MaxFetchSize int64
}

func DefaultOptions() Options {
	return Options{
		Timeout:          30 * time.Second,
		RetryAttempts:    3,
		RetryBackoff:     500 * time.Millisecond,
		RetryMaxBackoff:  10 * time.Second,
		ProgressInterval: 250 * time.Millisecond,
		UserAgent:        "media-fetch/1.0",
		MaxFetchSize:     16 * 1024 * 1024,
	}
}

// HTTPClient is the net/http implementation of Client.
type HTTPClient struct {
	client  *http.Client
	stream  *http.Client
	opts    Options
	limiter *rate.Limiter
	next    uint64
	log     *zap.SugaredLogger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(opts Options) *HTTPClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		// Byte offsets in resumption tokens refer to the raw body
		DisableCompression: true,
	}
	return &HTTPClient{
		client:  &http.Client{Transport: transport, Timeout: opts.Timeout},
		stream:  &http.Client{Transport: transport},
		opts:    opts,
		limiter: newLimiter(opts.BandwidthLimit),
		log:     zap.S().Named("transfer"),
	}
}

func (c *HTTPClient) Start(ctx context.Context, req Request) (Transfer, error) {
	st := &streamState{url: req.URL, path: req.Dest, total: -1}
	if req.Token != nil {
		tok, err := decodeToken(req.Token)
		if err != nil {
			return nil, err
		}
		st.path, st.offset, st.etag, st.total = tok.Path, tok.Offset, tok.ETag, tok.Total
		if st.url == "" {
			st.url = tok.URL
		}
	}
	if st.url == "" || st.path == "" {
		return nil, fmt.Errorf("transfer: request needs a URL and destination")
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &httpTransfer{
		handle: Handle(atomic.AddUint64(&c.next, 1)),
		events: pubsub.NewChannel[Event](eventBufSize),
		cancel: cancel,
	}
	go t.run(ctx, c, st)
	return t, nil
}

func (c *HTTPClient) Resolve(ctx context.Context, url string) (string, error) {
	resp, err := c.do(ctx, c.client, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodHead, url)
	})
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", url, err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		// Some short-link services only answer GET
		resp, err = c.do(ctx, c.client, func() (*http.Request, error) {
			return c.newRequest(ctx, http.MethodGet, url)
		})
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", url, err)
		}
		resp.Body.Close()
	}
	if err := checkStatusCode(resp.StatusCode); err != nil {
		return "", fmt.Errorf("resolve %s: %w", url, err)
	}
	return resp.Request.URL.String(), nil
}

func (c *HTTPClient) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.do(ctx, c.client, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, url)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if err := checkStatusCode(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxFetchSize+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if int64(len(data)) > c.opts.MaxFetchSize {
		return nil, fmt.Errorf("fetch %s: %w", url, ErrTooLarge)
	}
	return data, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method string, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	return req, nil
}

// do sends a request, retrying network errors and 5xx responses with jittered exponential backoff. Any other
// response is returned for the caller to interpret.
func (c *HTTPClient) do(ctx context.Context, client *http.Client, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			c.log.Debugw("request failed, will retry", "url", req.URL.String(), "attempt", attempt, "error", err)
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %s", ErrServerError, resp.Status)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *HTTPClient) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// streamState is the bookkeeping of one transfer, kept so a cancel can describe where it stopped.
type streamState struct {
	url          string
	path         string
	offset       int64
	etag         string
	total        int64
	written      int64
	acceptRanges bool
}

func (c *HTTPClient) streamTo(ctx context.Context, st *streamState, progress func(written, total int64)) error {
	if st.offset > 0 {
		if info, err := os.Stat(st.path); err != nil || info.Size() != st.offset {
			c.log.Debugw("partial file doesn't match token, restarting", "path", st.path, "offset", st.offset)
			st.offset = 0
		}
	}
	if err := os.MkdirAll(filepath.Dir(st.path), 0755); err != nil {
		return err
	}

	resp, err := c.do(ctx, c.stream, func() (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodGet, st.url)
		if err == nil && st.offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", st.offset))
			if st.etag != "" && !strings.HasPrefix(st.etag, "W/") {
				req.Header.Set("If-Range", st.etag)
			}
		}
		return req, err
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_WRONLY | os.O_CREATE
	switch {
	case resp.StatusCode == http.StatusPartialContent && st.offset > 0:
		start, _, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return err
		}
		if start != st.offset {
			return fmt.Errorf("server resumed at byte %d, expected %d", start, st.offset)
		}
		st.total = total
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && st.offset > 0 && st.offset == st.total:
		// Everything was already on disk
		st.written = st.offset
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		st.offset = 0
		st.total = resp.ContentLength
		flags |= os.O_TRUNC
	default:
		return checkStatusCode(resp.StatusCode)
	}
	st.acceptRanges = resp.StatusCode == http.StatusPartialContent || resp.Header.Get("Accept-Ranges") == "bytes"
	if etag := resp.Header.Get("ETag"); etag != "" {
		st.etag = etag
	}

	f, err := os.OpenFile(st.path, flags, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	st.written = st.offset
	progress(st.written, st.total)
	r := &readerContext{ctx: ctx, r: resp.Body, limiter: c.limiter}
	buf := make([]byte, copyBufferSize)
	var lastReport time.Time
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
			st.written += int64(n)
			if now := time.Now(); now.Sub(lastReport) >= c.opts.ProgressInterval {
				lastReport = now
				progress(st.written, st.total)
			}
		}
		if rerr == io.EOF {
			break
		} else if rerr != nil {
			return rerr
		}
	}
	if st.total >= 0 && st.written != st.total {
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, st.written, st.total)
	}
	if st.total < 0 {
		st.total = st.written
	}
	progress(st.written, st.total)
	return f.Close()
}

type httpTransfer struct {
	handle    Handle
	events    pubsub.Channel[Event]
	cancel    context.CancelFunc
	resumable int32
}

func (t *httpTransfer) Handle() Handle {
	return t.handle
}

func (t *httpTransfer) Events() pubsub.ReceiverCloser[Event] {
	return t.events
}

func (t *httpTransfer) Cancel(resumable bool) {
	if resumable {
		atomic.StoreInt32(&t.resumable, 1)
	}
	t.cancel()
}

func (t *httpTransfer) run(ctx context.Context, c *HTTPClient, st *streamState) {
	defer t.events.Close()
	defer t.cancel()
	log := c.log.With("handle", t.handle, "url", st.url)

	err := c.streamTo(ctx, st, func(written, total int64) {
		t.events.Send(Event{Handle: t.handle, Kind: EventProgress, Written: written, Total: total})
	})
	switch {
	case err == nil:
		log.Debugw("transfer complete", "bytes", st.written)
		t.events.Send(Event{Handle: t.handle, Kind: EventCompleted, Path: st.path, Written: st.written, Total: st.total})
	case ctx.Err() != nil:
		e := Event{Handle: t.handle, Kind: EventCancelled, Written: st.written, Total: st.total}
		if atomic.LoadInt32(&t.resumable) == 1 && st.acceptRanges {
			tok := resumeToken{URL: st.url, Path: st.path, Offset: st.written, ETag: st.etag, Total: st.total}
			e.Token = tok.encode()
		}
		log.Debugw("transfer cancelled", "bytes", st.written, "resumable", e.Token != nil)
		t.events.Send(e)
	default:
		log.Debugw("transfer failed", "error", err)
		t.events.Send(Event{Handle: t.handle, Kind: EventFailed, Written: st.written, Total: st.total, Err: err})
	}
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}

// parseContentRange parses "bytes start-end/total"; total is -1 for "*".
func parseContentRange(header string) (start, end, total int64, err error) {
	value := strings.TrimPrefix(header, "bytes ")
	rangePart, totalPart, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}
	startPart, endPart, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}
	if start, err = strconv.ParseInt(startPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range start: %w", err)
	}
	if end, err = strconv.ParseInt(endPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range end: %w", err)
	}
	if totalPart == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(totalPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range total: %w", err)
	}
	return start, end, total, nil
}
