// Package source maps inputs to the stream factory that can play them.
package source

import (
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/osa030/19cast/internal/domain/stream"
	"github.com/osa030/19cast/internal/infra/audiofile"
	"github.com/osa030/19cast/internal/infra/config"
	"github.com/osa030/19cast/internal/infra/ffmpeg"
	"github.com/osa030/19cast/internal/infra/mediamtx"
	"github.com/osa030/19cast/internal/infra/ytdlp"
)

// ErrUnknownSource is returned when an input names a source type that is not
// configured.
var ErrUnknownSource = errors.New("unknown source type")

// Registry holds one factory per configured source type.
type Registry struct {
	factories map[string]stream.Factory
	mediamtx  *mediamtx.Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]stream.Factory)}
}

// NewFromConfig creates a registry from configuration. The ffmpeg source is
// always registered since it is the fallback for every other input.
func NewFromConfig(cfg *config.Config, fs afero.Fs) (*Registry, error) {
	r := NewRegistry()

	ffCfg, err := ffmpeg.ParseConfig(cfg.GetSourceSettings(config.SourceFFmpeg))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create source (type %s)", config.SourceFFmpeg)
	}
	ff := ffmpeg.NewFactory(ffCfg)
	r.Register(config.SourceFFmpeg, ff)

	for i, scfg := range cfg.Sources {
		var (
			factory stream.Factory
			err     error
		)
		zlog.Debug().Msgf("creating source: index=%d type=%s settings=%+v", i+1, scfg.Type, scfg.Settings)
		switch scfg.Type {
		case config.SourceFFmpeg:
			continue

		case config.SourceYtdlp:
			var c ytdlp.Config
			if c, err = ytdlp.ParseConfig(scfg.Settings); err == nil {
				factory = ytdlp.NewFactory(c)
			}

		case config.SourceIngest:
			var c ffmpeg.IngestConfig
			if c, err = ffmpeg.ParseIngestConfig(scfg.Settings); err == nil {
				factory = ffmpeg.NewIngestFactory(c)
			}

		case config.SourceFile:
			var c audiofile.Config
			if c, err = audiofile.ParseConfig(scfg.Settings); err == nil {
				factory = audiofile.NewFactory(fs, c)
			}

		case config.SourceMediaMTX:
			var client *mediamtx.Client
			client, err = mediamtx.New(mediamtx.Config{
				APIURL:   cfg.MediaMTX.APIURL,
				CacheTTL: time.Duration(cfg.MediaMTX.CacheTTLSec) * time.Second,
			})
			if err == nil {
				r.mediamtx = client
				factory = mediamtx.NewFactory(client, mediamtx.FactoryConfig{
					RTSPAddr:     cfg.MediaMTX.RTSPAddr,
					ReadyTimeout: time.Duration(cfg.MediaMTX.ReadyTimeoutSec) * time.Second,
				}, ff)
			}

		default:
			return nil, errors.Newf("unsupported source type: %s (source index %d)", scfg.Type, i)
		}

		if err != nil {
			return nil, errors.Wrapf(err, "failed to create source (index %d, type %s)", i, scfg.Type)
		}
		r.Register(scfg.Type, factory)
	}

	zlog.Info().Msgf("registered sources: types=%v", r.Types())
	return r, nil
}

// Register adds or replaces the factory for a source type.
func (r *Registry) Register(sourceType string, f stream.Factory) {
	r.factories[sourceType] = f
}

// Get returns the factory of a source type.
func (r *Registry) Get(sourceType string) (stream.Factory, error) {
	f, ok := r.factories[strings.ToLower(sourceType)]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSource, "source %q", sourceType)
	}
	return f, nil
}

// Types returns the registered source types, sorted.
func (r *Registry) Types() []string {
	types := lo.Keys(r.factories)
	slices.Sort(types)
	return types
}

// MediaMTX returns the MediaMTX client, or nil when the mediamtx source is
// not configured.
func (r *Registry) MediaMTX() *mediamtx.Client {
	return r.mediamtx
}

// Resolve picks the factory for in. An explicit in.Source wins; otherwise
// the input's form decides and anything unrecognized goes to ffmpeg.
func (r *Registry) Resolve(in stream.Input, opts stream.Options) (stream.Factory, string, error) {
	sourceType := r.detect(in, opts)
	f, err := r.Get(sourceType)
	if err != nil {
		return nil, "", err
	}
	return f, sourceType, nil
}

func (r *Registry) detect(in stream.Input, opts stream.Options) string {
	if in.Source != "" {
		return strings.ToLower(in.Source)
	}

	lower := strings.ToLower(strings.TrimSpace(in.URL))
	scheme := in.Scheme()
	switch {
	case strings.HasPrefix(lower, ytdlp.Prefix):
		return config.SourceYtdlp
	case scheme == mediamtx.Scheme:
		return config.SourceMediaMTX
	case scheme == "rtmp-listen" || scheme == "srt-listen" || scheme == "rist-listen":
		return config.SourceIngest
	}

	if scheme == "" || scheme == "file" {
		_, hasFile := r.factories[config.SourceFile]
		if hasFile && opts.Normalize().IsPCM() && audiofile.Supported(audiofile.Path(in.URL)) {
			return config.SourceFile
		}
	}
	return config.SourceFFmpeg
}
