package retry

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19cast/internal/domain/stream"
)

// forwardingController forwards to whichever attempt is currently live.
// The last volume accepted is re-applied to attempts started later.
type forwardingController struct {
	mu      sync.Mutex
	current stream.Controller
	desired *float64
}

func (c *forwardingController) Volume() float64 {
	c.mu.Lock()
	cur, desired := c.current, c.desired
	c.mu.Unlock()

	if cur != nil {
		return cur.Volume()
	}
	if desired != nil {
		return *desired
	}
	return stream.Unity
}

func (c *forwardingController) SetVolume(ctx context.Context, v float64) (bool, error) {
	if err := stream.ValidateVolume(v); err != nil {
		return false, err
	}

	c.mu.Lock()
	cur := c.current
	if cur == nil {
		c.desired = &v
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()

	applied, err := cur.SetVolume(ctx, v)
	if err != nil {
		return applied, err
	}

	c.mu.Lock()
	c.desired = &v
	c.mu.Unlock()
	return applied, nil
}

// attach makes ctrl the live controller and re-applies the remembered volume.
func (c *forwardingController) attach(ctx context.Context, ctrl stream.Controller) {
	if ctrl == nil {
		ctrl = stream.FixedVolume{}
	}

	c.mu.Lock()
	c.current = ctrl
	desired := c.desired
	c.mu.Unlock()

	if desired == nil || ctrl.Volume() == *desired {
		return
	}
	if _, err := ctrl.SetVolume(ctx, *desired); err != nil {
		if errors.Is(err, stream.ErrUnsupportedOperation) {
			zlog.Debug().Msgf("retry: source does not support volume, keeping unity gain")
			return
		}
		zlog.Warn().Msgf("retry: failed to re-apply volume: volume=%.2f error=%v", *desired, err)
	}
}

// detach clears the live controller between attempts.
func (c *forwardingController) detach() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}
