package stream

import (
	"context"
	"sync"
)

// Completion is a settle-once signal carrying the final error of an
// operation. The first Resolve wins; later calls are ignored.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewCompletion creates an unsettled completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolved returns a completion already settled with err.
func Resolved(err error) *Completion {
	c := NewCompletion()
	c.Resolve(err)
	return c
}

// Resolve settles the completion. It reports whether this call settled it.
func (c *Completion) Resolve(err error) bool {
	settled := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		settled = true
	})
	return settled
}

// Done is closed once the completion settles.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the settled error, or nil while still pending.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the completion settles or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
