package ffmpeg

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19cast/internal/domain/stream"
	"github.com/osa030/19cast/internal/infra/config"
)

// Random listener ports are picked from this range.
const (
	minIngestPort = 40000
	maxIngestPort = 50000
)

// ErrUnsupportedProtocol is returned for inputs that are not listener URLs.
var ErrUnsupportedProtocol = errors.New("unsupported ingest protocol")

// IngestConfig represents the ingest source settings.
type IngestConfig struct {
	Config   `mapstructure:",squash"`
	BindHost string `mapstructure:"bind_host" default:"0.0.0.0" validate:"required"`
	Port     int    `mapstructure:"port" validate:"gte=0,lte=65535"` // 0 = random in 40000-50000
}

// ParseIngestConfig decodes ingest source settings.
func ParseIngestConfig(settings map[string]any) (IngestConfig, error) {
	var cfg IngestConfig
	err := config.DecodeSettings(settings, &cfg)
	return cfg, err
}

// IngestFactory accepts a pushed stream: ffmpeg listens for one RTMP, SRT or
// RIST publisher and remuxes it without re-encoding video.
//
// Inputs look like "rtmp-listen:", "srt-listen://:9000" or
// "rist-listen://0.0.0.0:41000".
type IngestFactory struct {
	cfg     IngestConfig
	builder Builder
}

// NewIngestFactory creates an ingest factory.
func NewIngestFactory(cfg IngestConfig) *IngestFactory {
	return &IngestFactory{
		cfg:     cfg,
		builder: Builder{LogLevel: cfg.LogLevel},
	}
}

// Open starts an ffmpeg listener for in.
func (f *IngestFactory) Open(ctx context.Context, in stream.Input, opts stream.Options) (*stream.Stream, error) {
	args, listen, err := f.Args(in, opts.Normalize())
	if err != nil {
		return nil, err
	}

	p, err := StartProcess(ctx, ProcessConfig{
		Name:      "ffmpeg-ingest",
		Binary:    f.cfg.Binary,
		Args:      args,
		KillGrace: f.cfg.KillGrace(),
	})
	if err != nil {
		return nil, err
	}
	zlog.Info().Msgf("ffmpeg: ingest listening: url=%s", listen)
	return p.Stream(), nil
}

// Args returns the ffmpeg arguments and the URL publishers should push to.
func (f *IngestFactory) Args(in stream.Input, opts stream.Options) ([]string, string, error) {
	protocol, addr, err := parseListenInput(in.URL)
	if err != nil {
		return nil, "", err
	}

	host, port := f.cfg.BindHost, f.cfg.Port
	if addr != "" {
		h, p, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, "", errors.Wrapf(err, "invalid listen address %q", addr)
		}
		if h != "" {
			host = h
		}
		if p != "" {
			n, err := strconv.Atoi(p)
			if err != nil || n < 0 || n > 65535 {
				return nil, "", errors.Newf("invalid listen port %q", p)
			}
			port = n
		}
	}
	if port == 0 {
		port = minIngestPort + rand.Intn(maxIngestPort-minIngestPort+1)
	}
	hostPort := net.JoinHostPort(host, strconv.Itoa(port))

	args := f.builder.globalArgs()
	args = append(args,
		"-fflags", "nobuffer",
		"-fflags", "flush_packets",
		"-flags", "low_delay",
		"-err_detect", "ignore_err",
		"-thread_queue_size", "4096",
		"-flush_packets", "1",
	)

	var input, publish string
	switch protocol {
	case "rtmp":
		input = fmt.Sprintf("rtmp://%s", hostPort)
		publish = input
		args = append(args, "-f", "flv", "-listen", "1", "-tcp_nodelay", "1", "-rtmp_buffer", "20")
	case "srt":
		input = fmt.Sprintf("srt://%s?transtype=live&smoother=live", hostPort)
		publish = input
		args = append(args, "-f", "mpegts", "-mode", "listener", "-latency", "5000", "-scan_all_pmts", "0")
	case "rist":
		input = fmt.Sprintf("rist://@%s", hostPort)
		publish = fmt.Sprintf("rist://%s", hostPort)
		args = append(args, "-f", "mpegts", "-buffer_size", "20", "-scan_all_pmts", "0")
	}
	args = append(args, "-i", input)

	if opts.Format == stream.FormatMatroska || opts.Format == "" {
		opts.Format = stream.FormatNUT
	}
	args = append(args, OutputArgs(opts, true)...)
	return args, publish, nil
}

// parseListenInput splits "rtmp-listen://host:port" into protocol and
// address. The address may be empty.
func parseListenInput(raw string) (string, string, error) {
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return "", "", errors.Wrapf(ErrUnsupportedProtocol, "input %q", raw)
	}
	protocol, found := strings.CutSuffix(strings.ToLower(scheme), "-listen")
	if !found {
		return "", "", errors.Wrapf(ErrUnsupportedProtocol, "input %q", raw)
	}
	switch protocol {
	case "rtmp", "srt", "rist":
	default:
		return "", "", errors.Wrapf(ErrUnsupportedProtocol, "input %q", raw)
	}

	addr := strings.TrimPrefix(rest, "//")
	addr = strings.TrimSuffix(addr, "/")
	if addr != "" && !strings.Contains(addr, ":") {
		// Bare port
		addr = ":" + addr
	}
	return protocol, addr, nil
}
