// Package transfer defines the Transfer Client consumed by the orchestrators, plus an HTTP implementation of it.
//
// A transfer streams one URL into one destination file. Its lifecycle is reported as a stream of events on a
// per-transfer channel: any number of EventProgress followed by exactly one terminal event (EventCompleted,
// EventFailed or EventCancelled), after which the channel is closed.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanbriolat/media-fetch/internal/pubsub"
)

var (
	ErrInvalidToken = errors.New("transfer: invalid resumption token")
)

// Handle identifies one in-flight request, unique within a Client.
type Handle uint64

type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
	EventFailed
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

func (k EventKind) IsTerminal() bool {
	return k != EventProgress
}

type Event struct {
	Handle Handle
	Kind   EventKind
	// Written and Total are byte counts; Total is -1 when the size isn't known.
	Written int64
	Total   int64
	// Path is where the bytes landed (EventCompleted).
	Path string
	// Token allows resuming (EventCancelled with a resumable cancel, when the server supports it).
	Token []byte
	// Err is set for EventFailed.
	Err error
}

type Request struct {
	URL string
	// Dest is the file the body is streamed into. A resumed transfer continues the file named in its token.
	Dest string
	// Token, when set, resumes a previously cancelled transfer.
	Token []byte
}

type Transfer interface {
	Handle() Handle
	// Events delivers progress and then one terminal event; it is closed afterwards.
	Events() pubsub.ReceiverCloser[Event]
	// Cancel stops the transfer. With resumable set, the terminal EventCancelled carries a token if possible.
	Cancel(resumable bool)
}

type Client interface {
	// Start begins streaming req.URL into req.Dest in the background.
	Start(ctx context.Context, req Request) (Transfer, error)
	// Resolve follows redirects with a HEAD request and returns the final URL.
	Resolve(ctx context.Context, url string) (string, error)
	// Fetch returns a (small) response body, e.g. a manifest or web page.
	Fetch(ctx context.Context, url string) ([]byte, error)
}
