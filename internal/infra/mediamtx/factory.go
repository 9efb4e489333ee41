package mediamtx

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19cast/internal/domain/stream"
)

// Scheme prefixes inputs naming a MediaMTX path, as in "mtx:cam1".
const Scheme = "mtx"

// ErrNotReady is returned when a path has no active publisher in time.
var ErrNotReady = errors.New("mediamtx path not ready")

// FactoryConfig represents the mediamtx source settings.
type FactoryConfig struct {
	RTSPAddr     string        // host:port of the MediaMTX RTSP server
	ReadyTimeout time.Duration // how long to wait for a publisher
	PollInterval time.Duration // default 500ms
}

// Factory plays MediaMTX paths by reading them over RTSP.
type Factory struct {
	client   *Client
	cfg      FactoryConfig
	delegate stream.Factory
}

// NewFactory creates a factory that opens rtsp:// URLs through delegate.
func NewFactory(client *Client, cfg FactoryConfig, delegate stream.Factory) *Factory {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Factory{client: client, cfg: cfg, delegate: delegate}
}

// PathName extracts the path from "mtx:name" or "mtx://name".
func PathName(raw string) string {
	rest := raw
	if i := strings.Index(raw, ":"); i >= 0 && strings.EqualFold(raw[:i], Scheme) {
		rest = raw[i+1:]
	}
	return strings.Trim(rest, "/")
}

// RTSPURL returns the URL the path is served at.
func (f *Factory) RTSPURL(name string) string {
	return "rtsp://" + f.cfg.RTSPAddr + "/" + name
}

// Open waits until the path is ready, then opens it as a live input.
func (f *Factory) Open(ctx context.Context, in stream.Input, opts stream.Options) (*stream.Stream, error) {
	name := PathName(in.URL)
	if name == "" {
		return nil, errors.Newf("invalid mediamtx input %q", in.URL)
	}

	if err := f.waitReady(ctx, name); err != nil {
		return nil, err
	}

	opts.Realtime = true
	zlog.Debug().Msgf("mediamtx: path ready: name=%s url=%s", name, f.RTSPURL(name))
	return f.delegate.Open(ctx, stream.Input{URL: f.RTSPURL(name), Source: in.Source}, opts)
}

func (f *Factory) waitReady(ctx context.Context, name string) error {
	deadline := time.Now().Add(f.cfg.ReadyTimeout)
	for {
		info, err := f.client.GetPath(ctx, name)
		switch {
		case ctx.Err() != nil:
			return stream.Cancelled(ctx)
		case err == nil && info.Ready:
			return nil
		case err != nil && !errors.Is(err, ErrPathNotFound):
			return stream.NewTransportError("mediamtx", err)
		}

		if !time.Now().Before(deadline) {
			if err != nil {
				return stream.NewTransportError("mediamtx", err)
			}
			return stream.NewTransportError("mediamtx", errors.Wrapf(ErrNotReady, "path %q", name))
		}

		select {
		case <-ctx.Done():
			return stream.Cancelled(ctx)
		case <-time.After(f.cfg.PollInterval):
		}
	}
}
