package audiofile

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/wav"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/19cast/internal/domain/stream"
)

// constStreamer yields n stereo samples of a fixed value.
type constStreamer struct {
	remaining int
	value     float64
}

func (s *constStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.remaining <= 0 {
		return 0, false
	}
	n := min(len(samples), s.remaining)
	for i := 0; i < n; i++ {
		samples[i] = [2]float64{s.value, s.value}
	}
	s.remaining -= n
	return n, true
}

func (s *constStreamer) Err() error { return nil }

func writeWAV(t *testing.T, fs afero.Fs, path string, rate, samples int, value float64) {
	t.Helper()
	f, err := fs.Create(path)
	require.NoError(t, err)
	defer f.Close()

	format := beep.Format{SampleRate: beep.SampleRate(rate), NumChannels: 2, Precision: 2}
	require.NoError(t, wav.Encode(f, &constStreamer{remaining: samples, value: value}, format))
}

func newFactory(t *testing.T, fs afero.Fs) *Factory {
	t.Helper()
	cfg, err := ParseConfig(map[string]any{"root": "/music", "buffer_samples": 512})
	require.NoError(t, err)
	return NewFactory(fs, cfg)
}

// readPCM reads the whole output and decodes the left channel.
func readPCM(t *testing.T, s *stream.Stream) ([]int16, error) {
	t.Helper()
	data, _ := io.ReadAll(s.Output)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Completion.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "stream did not settle")

	left := make([]int16, 0, len(data)/4)
	for i := 0; i+4 <= len(data); i += 4 {
		left = append(left, int16(binary.LittleEndian.Uint16(data[i:])))
	}
	return left, err
}

func TestFactory_OpenWAV(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeWAV(t, fs, "/music/tone.wav", stream.PCMSampleRate, 4800, 0.5)
	f := newFactory(t, fs)

	s, err := f.Open(context.Background(), stream.Input{URL: "file:tone.wav"}, stream.Options{Format: stream.FormatPCM, Realtime: true})
	require.NoError(t, err)
	assert.Equal(t, stream.Unity, s.Controller.Volume())

	left, err := readPCM(t, s)
	require.NoError(t, err)
	assert.Len(t, left, 4800)
	assert.InDelta(t, 0.5*32767, float64(left[100]), 3)
}

func TestFactory_Resamples(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeWAV(t, fs, "/music/low.wav", 24000, 2400, 0.25)
	f := newFactory(t, fs)

	s, err := f.Open(context.Background(), stream.Input{URL: "/music/low.wav"}, stream.Options{Realtime: true})
	require.NoError(t, err)

	left, err := readPCM(t, s)
	require.NoError(t, err)
	assert.InDelta(t, 4800, len(left), 100)
}

func TestFactory_SetVolume(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeWAV(t, fs, "/music/tone.wav", stream.PCMSampleRate, 48000, 0.5)
	f := newFactory(t, fs)

	s, err := f.Open(context.Background(), stream.Input{URL: "tone.wav"}, stream.Options{Realtime: true})
	require.NoError(t, err)

	applied, err := s.Controller.SetVolume(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Zero(t, s.Controller.Volume())

	_, err = s.Controller.SetVolume(context.Background(), -1)
	assert.True(t, errors.Is(err, stream.ErrInvalidVolume))

	left, err := readPCM(t, s)
	require.NoError(t, err)
	require.Len(t, left, 48000)
	// At most the first buffer was produced before muting.
	assert.Zero(t, left[len(left)-1])
}

func TestVolumeController_Gain(t *testing.T) {
	c := &volumeController{gain: stream.Unity, volume: &effects.Volume{Streamer: &constStreamer{remaining: 1, value: 0.5}, Base: 2}}

	_, err := c.SetVolume(context.Background(), 0.5)
	require.NoError(t, err)

	samples := make([][2]float64, 1)
	n, ok := c.stream(samples)
	require.True(t, ok)
	require.Equal(t, 1, n)
	assert.InDelta(t, 0.25, samples[0][0], 1e-9)
}

func TestFactory_Cancel(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeWAV(t, fs, "/music/long.wav", stream.PCMSampleRate, 10*stream.PCMSampleRate, 0.1)
	f := newFactory(t, fs)

	ctx, cancel := context.WithCancelCause(context.Background())
	s, err := f.Open(ctx, stream.Input{URL: "long.wav"}, stream.Options{})
	require.NoError(t, err)

	buf := make([]byte, 16)
	_, err = io.ReadFull(s.Output, buf)
	require.NoError(t, err)

	cause := errors.New("stopped")
	cancel(cause)

	_, err = readPCM(t, s)
	assert.True(t, errors.Is(err, stream.ErrCancelled))
	assert.True(t, errors.Is(err, cause))
}

func TestFactory_OpenErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/music/broken.wav", []byte("not a wav"), 0o644))
	f := newFactory(t, fs)

	tests := []struct {
		name   string
		url    string
		opts   stream.Options
		target error
	}{
		{"missing file", "absent.mp3", stream.Options{}, nil},
		{"unsupported extension", "song.ogg", stream.Options{}, ErrUnsupportedFile},
		{"broken file", "broken.wav", stream.Options{}, nil},
		{"non-pcm output", "tone.wav", stream.Options{Format: stream.FormatMatroska}, ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Open(context.Background(), stream.Input{URL: tt.url}, tt.opts)
			require.Error(t, err)
			if tt.target != nil {
				assert.True(t, errors.Is(err, tt.target))
			}
		})
	}
}

func TestSupportedAndPath(t *testing.T) {
	assert.True(t, Supported("/a/b.MP3"))
	assert.True(t, Supported("b.wav"))
	assert.False(t, Supported("b.flac"))
	assert.False(t, Supported("https://example.com/stream"))

	assert.Equal(t, "/a/b.mp3", Path("file:///a/b.mp3"))
	assert.Equal(t, "b.mp3", Path("file:b.mp3"))
	assert.Equal(t, "b.mp3", Path("b.mp3"))
}
