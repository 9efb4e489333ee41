package stream

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
)

// Unity is the volume level that leaves the signal untouched.
const Unity = 1.0

// Controller is the live control surface of a running stream.
//
// Volume is a linear gain: 1.0 leaves the signal untouched, 0 mutes it.
// SetVolume reports whether the new level was applied. Sources that cannot
// adjust volume return an error matching ErrUnsupportedOperation.
type Controller interface {
	Volume() float64
	SetVolume(ctx context.Context, v float64) (bool, error)
}

// ValidateVolume checks that v is a usable gain.
func ValidateVolume(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return errors.Wrapf(ErrInvalidVolume, "volume %v", v)
	}
	return nil
}

// FixedVolume is the controller of a source without volume control.
type FixedVolume struct{}

// Volume always reports unity gain.
func (FixedVolume) Volume() float64 {
	return Unity
}

// SetVolume always fails with ErrUnsupportedOperation.
func (FixedVolume) SetVolume(context.Context, float64) (bool, error) {
	return false, errors.WithStack(ErrUnsupportedOperation)
}
