package ffmpeg

import (
	"context"
	"io"
	"time"

	"github.com/osa030/19cast/internal/domain/stream"
	"github.com/osa030/19cast/internal/infra/config"
)

// Config represents the ffmpeg source settings.
type Config struct {
	Binary      string `mapstructure:"binary" default:"ffmpeg" validate:"required"`
	LogLevel    string `mapstructure:"log_level" default:"error" validate:"oneof=quiet panic fatal error warning info verbose debug"`
	KillGraceMs int    `mapstructure:"kill_grace_ms" default:"3000" validate:"gte=0"`
}

// ParseConfig decodes ffmpeg source settings.
func ParseConfig(settings map[string]any) (Config, error) {
	var cfg Config
	err := config.DecodeSettings(settings, &cfg)
	return cfg, err
}

// KillGrace returns the kill grace period as a duration.
func (c Config) KillGrace() time.Duration {
	return time.Duration(c.KillGraceMs) * time.Millisecond
}

// Factory opens inputs by running ffmpeg on them. Volume is not adjustable.
type Factory struct {
	cfg     Config
	builder Builder
}

// NewFactory creates an ffmpeg factory.
func NewFactory(cfg Config) *Factory {
	return &Factory{
		cfg:     cfg,
		builder: Builder{LogLevel: cfg.LogLevel},
	}
}

// Open starts ffmpeg on in.URL.
func (f *Factory) Open(ctx context.Context, in stream.Input, opts stream.Options) (*stream.Stream, error) {
	p, err := f.start(ctx, in.URL, nil, opts)
	if err != nil {
		return nil, err
	}
	return p.Stream(), nil
}

// OpenReader starts ffmpeg encoding whatever is written to r.
func (f *Factory) OpenReader(ctx context.Context, r io.Reader, opts stream.Options) (*Process, error) {
	return f.start(ctx, StdinInput, r, opts)
}

func (f *Factory) start(ctx context.Context, input string, stdin io.Reader, opts stream.Options) (*Process, error) {
	return StartProcess(ctx, ProcessConfig{
		Name:      "ffmpeg",
		Binary:    f.cfg.Binary,
		Args:      f.builder.Args(input, opts.Normalize()),
		Stdin:     stdin,
		KillGrace: f.cfg.KillGrace(),
	})
}
