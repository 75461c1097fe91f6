// Package lpc stands for "Local Procedure Call". It's a typed RPC-like mechanism implemented over Go channels, intended
// for handing work to a long-running goroutine that owns some state and waiting for the answer.
package lpc

import (
	"errors"

	"github.com/alanbriolat/media-fetch/generic"
	"github.com/alanbriolat/media-fetch/internal/sync_"
)

var (
	ErrClosed     = errors.New("command response already sent")
	ErrNoResponse = errors.New("no response")
)

// Runner is what the owning goroutine receives: it runs the command in its own context, answering the caller.
type Runner interface {
	Run()
	Close()
}

// Command is a function to be executed by the owning goroutine, plus the slot its result is delivered through.
type Command[Response any] struct {
	fn       func() (Response, error)
	response generic.Result[Response]
	done     sync_.Event
}

func New[Response any](fn func() (Response, error)) *Command[Response] {
	return &Command[Response]{
		fn:       fn,
		response: generic.Err[Response](ErrNoResponse), // Default error if closed with no response
	}
}

// Run executes the function and responds with its result. Only the first Run (or Respond) takes effect.
func (c *Command[Response]) Run() {
	if c.done.IsSet() {
		return
	}
	v, err := c.fn()
	_ = c.respond(generic.NewResult(v, err))
}

func (c *Command[Response]) Respond(response Response) error {
	return c.respond(generic.Ok(response))
}

func (c *Command[Response]) RespondError(err error) error {
	return c.respond(generic.Err[Response](err))
}

func (c *Command[Response]) respond(r generic.Result[Response]) error {
	if c.done.IsSet() {
		return ErrClosed
	}
	c.response = r
	c.done.Set()
	return nil
}

// Wait blocks until the command has been answered or closed.
func (c *Command[Response]) Wait() (Response, error) {
	<-c.done.Wait()
	return c.response.Parts()
}

// Done closes when the command has been answered or closed.
func (c *Command[Response]) Done() <-chan struct{} {
	return c.done.Wait()
}

// Close abandons the command; a waiter that got no response sees ErrNoResponse.
func (c *Command[Response]) Close() {
	c.done.Set()
}
