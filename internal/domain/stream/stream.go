// Package stream defines the contracts shared by the playback queue, the
// retrying source and the media transport adapters.
package stream

import (
	"context"
	"io"
	"strings"
)

// Input describes what to play.
type Input struct {
	URL    string // URL, local path, or scheme-prefixed descriptor
	Source string // Explicit source type (empty = resolve from URL)
}

// Scheme returns the lower-cased scheme of the input URL, or "" for plain
// paths.
func (in Input) Scheme() string {
	i := strings.Index(in.URL, ":")
	if i <= 0 {
		return ""
	}
	scheme := in.URL[:i]
	// Windows drive letters are paths, not schemes.
	if len(scheme) == 1 {
		return ""
	}
	for _, r := range scheme {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return ""
		}
	}
	return strings.ToLower(scheme)
}

// String returns the input URL.
func (in Input) String() string {
	return in.URL
}

// Handle is the live control surface and completion signal of one running
// playback.
type Handle struct {
	Controller Controller
	Completion *Completion
}

// Stream is what a Factory produces for one attempt. Output reaches EOF, or
// fails, no later than Completion settles.
type Stream struct {
	Handle
	Output io.ReadCloser
}

// Factory starts streams. Implementations must observe ctx: once it is
// cancelled the resource backing the stream is released before the
// completion settles.
type Factory interface {
	Open(ctx context.Context, in Input, opts Options) (*Stream, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, in Input, opts Options) (*Stream, error)

// Open calls f.
func (f FactoryFunc) Open(ctx context.Context, in Input, opts Options) (*Stream, error) {
	return f(ctx, in, opts)
}
