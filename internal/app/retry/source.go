package retry

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19cast/internal/domain/stream"
)

// errEmptyAttempt marks an attempt that ended cleanly without any output.
var errEmptyAttempt = errors.New("attempt ended without output")

// Source is one logical playback backed by successive attempts of a factory.
// Its output is a single continuous byte stream across attempts.
type Source struct {
	factory stream.Factory
	input   stream.Input
	options stream.Options
	policy  Policy

	pr         *io.PipeReader
	pw         *io.PipeWriter
	ctrl       *forwardingController
	completion *stream.Completion
	attempts   atomic.Int32
}

// Wrap starts the retry loop in the background and returns immediately.
// Cancelling ctx aborts the current attempt and any pending retry delay.
func Wrap(ctx context.Context, factory stream.Factory, in stream.Input, opts stream.Options, policy Policy) *Source {
	pr, pw := io.Pipe()
	s := &Source{
		factory:    factory,
		input:      in,
		options:    opts,
		policy:     policy,
		pr:         pr,
		pw:         pw,
		ctrl:       &forwardingController{},
		completion: stream.NewCompletion(),
	}
	go s.run(ctx)
	return s
}

// Output returns the continuous output stream.
func (s *Source) Output() io.ReadCloser {
	return s.pr
}

// Controller returns the controller forwarding to the live attempt.
func (s *Source) Controller() stream.Controller {
	return s.ctrl
}

// Completion returns the completion of the whole run.
func (s *Source) Completion() *stream.Completion {
	return s.completion
}

// Handle returns the control surface of the whole run.
func (s *Source) Handle() *stream.Handle {
	return &stream.Handle{Controller: s.ctrl, Completion: s.completion}
}

// Attempts returns how many attempts have been started so far.
func (s *Source) Attempts() int {
	return int(s.attempts.Load())
}

func (s *Source) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		s.pw.CloseWithError(stream.Cancelled(ctx))
	})
	defer stop()

	var (
		retries  int
		produced bool
		lastErr  error
	)

	for ctx.Err() == nil {
		n := int(s.attempts.Add(1))
		wrote, err := s.attempt(ctx)
		if wrote {
			produced = true
		}
		if ctx.Err() != nil {
			break
		}

		if err != nil {
			lastErr = err
			zlog.Warn().Msgf("retry: attempt failed: input=%s attempt=%d output=%v error=%v", s.input, n, wrote, err)
		} else if !s.policy.RestartOnEnd {
			zlog.Debug().Msgf("retry: input ended: input=%s attempt=%d", s.input, n)
			break
		}

		if wrote {
			retries = 0
		} else {
			retries++
		}
		if !s.policy.allows(retries) {
			break
		}
		if !sleep(ctx, s.policy.RetryDelay) {
			break
		}
	}

	var err error
	switch {
	case ctx.Err() != nil:
		err = stream.Cancelled(ctx)
	case produced:
		err = nil
	default:
		err = &stream.AggregateError{
			Attempts:   s.Attempts(),
			MaxRetries: s.policy.MaxRetries,
			Cause:      lastErr,
		}
		zlog.Error().Msgf("retry: giving up: input=%s error=%v", s.input, err)
	}

	// A writer already closed by cancellation keeps its first error.
	s.pw.CloseWithError(err)
	s.completion.Resolve(err)
}

// attempt runs one factory attempt to completion and reports whether it
// produced any output. A clean end without output is reported as an error.
func (s *Source) attempt(ctx context.Context) (bool, error) {
	st, err := s.factory.Open(ctx, s.input, s.options)
	if err != nil {
		return false, err
	}
	if st == nil || st.Output == nil || st.Completion == nil {
		return false, errors.New("factory returned no stream")
	}

	s.ctrl.attach(ctx, st.Controller)
	defer s.ctrl.detach()

	counter := &countingReader{r: st.Output}
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		if _, err := io.Copy(s.pw, counter); err != nil {
			// Keep draining so the attempt can settle.
			_, _ = io.Copy(io.Discard, st.Output)
		}
	}()

	<-st.Completion.Done()
	<-copied
	_ = st.Output.Close()

	wrote := counter.n.Load() > 0
	err = st.Completion.Err()
	if err == nil && !wrote {
		err = errEmptyAttempt
	}
	return wrote, err
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
