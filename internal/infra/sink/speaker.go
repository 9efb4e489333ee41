//go:build portaudio

package sink

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gordonklaus/portaudio"
	zlog "github.com/rs/zerolog/log"
)

// framesPerBuffer is the PortAudio buffer size in frames.
const framesPerBuffer = 1024

// Speaker plays s16le PCM on the default output device.
type Speaker struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	buffer  []int16
	pending []byte
	closed  bool
}

// NewSpeaker opens the default output device.
func NewSpeaker(sampleRate, channels int) (*Speaker, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize portaudio")
	}

	s := &Speaker{buffer: make([]int16, framesPerBuffer*channels)}
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), framesPerBuffer, s.buffer)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, errors.Wrap(err, "failed to open output stream")
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, errors.Wrap(err, "failed to start output stream")
	}
	s.stream = stream
	zlog.Info().Msgf("sink: speaker opened: sample_rate=%d channels=%d", sampleRate, channels)
	return s, nil
}

// Write blocks until the samples have been handed to the device. Partial
// buffers are held until more data arrives.
func (s *Speaker) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	s.pending = append(s.pending, p...)
	size := len(s.buffer) * 2
	for len(s.pending) >= size {
		for i := range s.buffer {
			s.buffer[i] = int16(binary.LittleEndian.Uint16(s.pending[i*2:]))
		}
		if err := s.stream.Write(); err != nil {
			// Underflow is recoverable.
			zlog.Debug().Msgf("sink: speaker write: error=%v", err)
		}
		s.pending = s.pending[size:]
	}
	// Keep the backing array from growing without bound.
	s.pending = append([]byte(nil), s.pending...)
	return len(p), nil
}

// Close stops playback and releases the device.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs error
	if err := s.stream.Stop(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if err := s.stream.Close(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	return errs
}
