// Package ytdlp plays inputs downloaded by yt-dlp, transcoded through ffmpeg.
package ytdlp

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19cast/internal/domain/stream"
	"github.com/osa030/19cast/internal/infra/config"
	"github.com/osa030/19cast/internal/infra/ffmpeg"
)

// Prefix marks an input that must be fetched through yt-dlp.
const Prefix = "ytdl+"

// Config represents the ytdlp source settings.
type Config struct {
	Binary      string        `mapstructure:"binary" default:"yt-dlp" validate:"required"`
	Format      string        `mapstructure:"format"` // yt-dlp --format selector
	KillGraceMs int           `mapstructure:"kill_grace_ms" default:"3000" validate:"gte=0"`
	FFmpeg      ffmpeg.Config `mapstructure:"ffmpeg"`
}

// ParseConfig decodes ytdlp source settings.
func ParseConfig(settings map[string]any) (Config, error) {
	var cfg Config
	err := config.DecodeSettings(settings, &cfg)
	return cfg, err
}

// KillGrace returns the kill grace period as a duration.
func (c Config) KillGrace() time.Duration {
	return time.Duration(c.KillGraceMs) * time.Millisecond
}

// Format is one entry of the formats yt-dlp reports for a link.
type Format struct {
	FormatID   string   `json:"format_id"`
	Ext        string   `json:"ext"`
	Resolution *string  `json:"resolution"`
	FPS        *float64 `json:"fps"`
}

// Factory pipes `yt-dlp -o -` into ffmpeg.
type Factory struct {
	cfg    Config
	ffmpeg *ffmpeg.Factory
}

// NewFactory creates a ytdlp factory.
func NewFactory(cfg Config) *Factory {
	return &Factory{
		cfg:    cfg,
		ffmpeg: ffmpeg.NewFactory(cfg.FFmpeg),
	}
}

// Link strips the ytdl+ prefix from an input URL.
func Link(raw string) string {
	if len(raw) >= len(Prefix) && strings.EqualFold(raw[:len(Prefix)], Prefix) {
		return raw[len(Prefix):]
	}
	return raw
}

// Args returns the yt-dlp arguments for link.
func (f *Factory) Args(link string) []string {
	var args []string
	if f.cfg.Format != "" {
		args = append(args, "--format", f.cfg.Format)
	}
	return append(args,
		"-o", "-",
		"-R", "infinite",
		"--downloader-args", "ffmpeg_i1:-reconnect 1",
		"--downloader-args", "ffmpeg_i2:-reconnect 1",
		link,
	)
}

// Open starts yt-dlp and ffmpeg. The stream completes once both processes
// have exited.
func (f *Factory) Open(ctx context.Context, in stream.Input, opts stream.Options) (*stream.Stream, error) {
	link := Link(in.URL)
	ytp, err := ffmpeg.StartProcess(ctx, ffmpeg.ProcessConfig{
		Name:       "yt-dlp",
		Binary:     f.cfg.Binary,
		Args:       f.Args(link),
		StopSignal: syscall.SIGINT,
		KillGrace:  f.cfg.KillGrace(),
	})
	if err != nil {
		return nil, err
	}

	ff, err := f.ffmpeg.OpenReader(ctx, ytp.Output(), opts)
	if err != nil {
		_ = ytp.Output().Close()
		ytp.Stop()
		return nil, err
	}
	zlog.Debug().Msgf("ytdlp: started: link=%s ytdlp_pid=%d ffmpeg_pid=%d", link, ytp.Pid(), ff.Pid())

	done := stream.NewCompletion()
	go f.supervise(ctx, ytp, ff, done)

	return &stream.Stream{
		Handle: stream.Handle{
			Controller: stream.FixedVolume{},
			Completion: done,
		},
		Output: ff.Output(),
	}, nil
}

// supervise settles done after both processes exit. An ffmpeg failure stops
// yt-dlp; a yt-dlp failure is reported when ffmpeg itself ended cleanly.
func (f *Factory) supervise(ctx context.Context, ytp, ff *ffmpeg.Process, done *stream.Completion) {
	<-ff.Completion().Done()
	ffErr := ff.Completion().Err()

	// Nobody reads yt-dlp output any more.
	_ = ytp.Output().Close()

	stopped := false
	if ffErr != nil {
		ytp.Stop()
		stopped = true
	} else {
		select {
		case <-ytp.Completion().Done():
		case <-time.After(f.cfg.KillGrace()):
			ytp.Stop()
			stopped = true
		}
	}
	<-ytp.Completion().Done()
	ytErr := ytp.Completion().Err()

	switch {
	case ctx.Err() != nil:
		done.Resolve(stream.Cancelled(ctx))
	case ffErr != nil:
		done.Resolve(ffErr)
	case ytErr != nil && !stopped:
		done.Resolve(ytErr)
	default:
		done.Resolve(nil)
	}
}

// Formats lists the formats available for link.
func (f *Factory) Formats(ctx context.Context, link string) ([]Format, error) {
	p, err := ffmpeg.StartProcess(ctx, ffmpeg.ProcessConfig{
		Name:       "yt-dlp",
		Binary:     f.cfg.Binary,
		Args:       []string{"--print", "%(formats)+j", Link(link)},
		StopSignal: syscall.SIGINT,
		KillGrace:  f.cfg.KillGrace(),
	})
	if err != nil {
		return nil, err
	}

	data, readErr := io.ReadAll(p.Output())
	if err := p.Completion().Wait(ctx); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, errors.Wrap(readErr, "failed to read formats")
	}

	var formats []Format
	if err := json.Unmarshal(data, &formats); err != nil {
		return nil, errors.Wrap(err, "failed to parse formats")
	}
	return formats, nil
}
