// Package sink provides the outputs a session writes its stream into.
package sink

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/osa030/19cast/internal/domain/stream"
	"github.com/osa030/19cast/internal/infra/config"
)

// Sink receives the encoded output of a session.
type Sink interface {
	io.Writer
	Close() error
}

// Errors
var (
	ErrClosed             = errors.New("sink closed")
	ErrSpeakerUnavailable = errors.New("speaker sink not available in this build")
)

// New creates the sink described by cfg. format is the stream format the
// session produces; the speaker sink requires stream.FormatPCM.
func New(fs afero.Fs, name string, cfg config.SinkConfig, format string) (Sink, error) {
	switch cfg.Type {
	case config.SinkBroadcast, "":
		return NewBroadcast(name, ContentType(format), cfg.ListenerQueue), nil
	case config.SinkFile:
		f, err := NewFile(fs, cfg.Path)
		if err != nil {
			return nil, err
		}
		return f, nil
	case config.SinkSpeaker:
		if format != stream.FormatPCM {
			return nil, errors.Newf("speaker sink requires %s output, got %q", stream.FormatPCM, format)
		}
		s, err := NewSpeaker(cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.SinkDiscard:
		return Discard{}, nil
	default:
		return nil, errors.Newf("unknown sink type %q", cfg.Type)
	}
}

// ContentType returns the HTTP content type of a stream format.
func ContentType(format string) string {
	switch format {
	case stream.FormatMatroska, "":
		return "video/x-matroska"
	case stream.FormatPCM:
		return "audio/L16; rate=48000; channels=2"
	default:
		return "application/octet-stream"
	}
}

// Discard drops everything written to it.
type Discard struct{}

func (Discard) Write(p []byte) (int, error) { return len(p), nil }

func (Discard) Close() error { return nil }
