// Package audiofile plays local audio files as raw PCM with adjustable
// volume.
package audiofile

import (
	"context"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/osa030/19cast/internal/domain/stream"
	"github.com/osa030/19cast/internal/infra/config"
)

// Errors
var (
	ErrUnsupportedFile   = errors.New("unsupported audio file")
	ErrUnsupportedFormat = errors.New("file source only produces s16le output")
)

// Output is always s16le stereo at stream.PCMSampleRate.
var outputFormat = beep.Format{
	SampleRate:  beep.SampleRate(stream.PCMSampleRate),
	NumChannels: stream.PCMChannels,
	Precision:   2,
}

// Config represents the file source settings.
type Config struct {
	Root            string `mapstructure:"root"` // base directory for relative paths
	ResampleQuality int    `mapstructure:"resample_quality" default:"4" validate:"gte=1,lte=64"`
	BufferSamples   int    `mapstructure:"buffer_samples" default:"4096" validate:"gte=64"`
}

// ParseConfig decodes file source settings.
func ParseConfig(settings map[string]any) (Config, error) {
	var cfg Config
	err := config.DecodeSettings(settings, &cfg)
	return cfg, err
}

// Supported reports whether path has an extension this package can decode.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".wav":
		return true
	}
	return false
}

// Path strips a file: or file:// prefix.
func Path(raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "file://"):
		return raw[len("file://"):]
	case strings.HasPrefix(lower, "file:"):
		return raw[len("file:"):]
	}
	return raw
}

// Factory decodes audio files read through an afero.Fs.
type Factory struct {
	fs  afero.Fs
	cfg Config
}

// NewFactory creates a file factory.
func NewFactory(fs afero.Fs, cfg Config) *Factory {
	return &Factory{fs: fs, cfg: cfg}
}

// Open decodes in.URL. Unless opts.Realtime is set, output is paced to
// playback speed.
func (f *Factory) Open(ctx context.Context, in stream.Input, opts stream.Options) (*stream.Stream, error) {
	if opts.Format != "" && !opts.IsPCM() {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "requested %q", opts.Format)
	}
	if ctx.Err() != nil {
		return nil, stream.Cancelled(ctx)
	}

	path := Path(in.URL)
	if f.cfg.Root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(f.cfg.Root, path)
	}

	streamer, format, err := f.decode(path)
	if err != nil {
		return nil, stream.NewTransportError("file", err)
	}
	zlog.Debug().Msgf("audiofile: opened: path=%s sample_rate=%d channels=%d", path, format.SampleRate, format.NumChannels)

	var source beep.Streamer = streamer
	if format.SampleRate != outputFormat.SampleRate {
		source = beep.Resample(f.cfg.ResampleQuality, format.SampleRate, outputFormat.SampleRate, streamer)
	}

	ctrl := &volumeController{
		gain:   stream.Unity,
		volume: &effects.Volume{Streamer: source, Base: 2},
	}
	pr, pw := io.Pipe()
	completion := stream.NewCompletion()

	p := &player{
		path:       path,
		streamer:   streamer,
		ctrl:       ctrl,
		pace:       !opts.Realtime,
		bufSize:    f.cfg.BufferSamples,
		completion: completion,
	}
	go p.run(ctx, pw)

	return &stream.Stream{
		Handle: stream.Handle{
			Controller: ctrl,
			Completion: completion,
		},
		Output: pr,
	}, nil
}

func (f *Factory) decode(path string) (beep.StreamSeekCloser, beep.Format, error) {
	if !Supported(path) {
		return nil, beep.Format{}, errors.Wrapf(ErrUnsupportedFile, "path %q", path)
	}

	file, err := f.fs.Open(path)
	if err != nil {
		return nil, beep.Format{}, errors.Wrapf(err, "failed to open %s", path)
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		streamer, format, err = mp3.Decode(file)
	default:
		streamer, format, err = wav.Decode(file)
	}
	if err != nil {
		_ = file.Close()
		return nil, beep.Format{}, errors.Wrapf(err, "failed to decode %s", path)
	}
	return streamer, format, nil
}

type player struct {
	path       string
	streamer   beep.StreamSeekCloser
	ctrl       *volumeController
	pace       bool
	bufSize    int
	completion *stream.Completion
}

func (p *player) run(ctx context.Context, pw *io.PipeWriter) {
	defer func() {
		_ = p.streamer.Close()
	}()

	// Unblocks a pending write when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		pw.CloseWithError(stream.Cancelled(ctx))
	})
	defer stop()

	samples := make([][2]float64, p.bufSize)
	buf := make([]byte, p.bufSize*outputFormat.Width())
	start := time.Now()
	written := 0

	var err error
	for ctx.Err() == nil {
		n, ok := p.ctrl.stream(samples)
		if n > 0 {
			for i := 0; i < n; i++ {
				outputFormat.EncodeSigned(buf[i*outputFormat.Width():], samples[i])
			}
			if _, werr := pw.Write(buf[:n*outputFormat.Width()]); werr != nil {
				break
			}
			written += n
		}
		if !ok {
			if serr := p.streamer.Err(); serr != nil {
				err = stream.NewTransportError("file", errors.Wrapf(serr, "failed to decode %s", p.path))
			}
			break
		}
		if p.pace {
			ahead := outputFormat.SampleRate.D(written) - time.Since(start)
			if ahead > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(ahead):
				}
			}
		}
	}

	if ctx.Err() != nil {
		err = stream.Cancelled(ctx)
		zlog.Debug().Msgf("audiofile: stopped: path=%s", p.path)
	} else if err != nil {
		zlog.Warn().Msgf("audiofile: decode failed: path=%s error=%v", p.path, err)
	} else {
		zlog.Debug().Msgf("audiofile: finished: path=%s samples=%d", p.path, written)
	}

	pw.CloseWithError(err)
	p.completion.Resolve(err)
}

// volumeController adjusts gain on a live effects.Volume.
type volumeController struct {
	mu     sync.Mutex
	gain   float64
	volume *effects.Volume
}

func (c *volumeController) Volume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gain
}

func (c *volumeController) SetVolume(_ context.Context, v float64) (bool, error) {
	if err := stream.ValidateVolume(v); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gain = v
	if v == 0 {
		c.volume.Silent = true
	} else {
		c.volume.Silent = false
		c.volume.Volume = math.Log2(v)
	}
	return true, nil
}

func (c *volumeController) stream(samples [][2]float64) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume.Stream(samples)
}
