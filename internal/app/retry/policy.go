// Package retry wraps a stream factory so that one logical playback spans
// as many underlying attempts as the retry policy allows.
package retry

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Unbounded disables the retry limit.
const Unbounded = -1

// Policy bounds how many failed attempts are tolerated.
//
// By default a run ends successfully once an attempt that produced output
// ends cleanly. With RestartOnEnd set, a clean end starts the next attempt
// instead and the run only ends on cancellation or retry exhaustion.
type Policy struct {
	MaxRetries   int           // Consecutive attempts without output tolerated after the first (-1 = unbounded)
	RetryDelay   time.Duration // Wait between attempts
	RestartOnEnd bool          // Start a new attempt when one ends cleanly (livestream mode)
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
	}
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	if p.MaxRetries < Unbounded {
		return errors.Newf("max retries must be >= %d, got %d", Unbounded, p.MaxRetries)
	}
	if p.RetryDelay < 0 {
		return errors.Newf("retry delay must not be negative, got %v", p.RetryDelay)
	}
	return nil
}

// allows reports whether another attempt may start after count consecutive
// attempts without output.
func (p Policy) allows(count int) bool {
	return p.MaxRetries == Unbounded || count <= p.MaxRetries
}
