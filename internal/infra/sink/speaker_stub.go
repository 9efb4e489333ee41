//go:build !portaudio

package sink

// NewSpeaker fails unless the binary is built with -tags portaudio.
func NewSpeaker(int, int) (Sink, error) {
	return nil, ErrSpeakerUnavailable
}
