package filter

import (
	"context"
	"strings"

	"github.com/samber/lo"

	"github.com/osa030/19cast/internal/domain/stream"
)

// DuplicateInputFilter rejects inputs that are already active or pending.
// Inputs are compared after normalizeInput.
type DuplicateInputFilter struct{}

func (f *DuplicateInputFilter) Name() string {
	return "duplicate_input_filter"
}

func (f *DuplicateInputFilter) Description() string {
	return "Rejects an input that is already playing or waiting in the queue"
}

func (f *DuplicateInputFilter) ReturnCodes() []string {
	return []string{"duplicate_input"}
}

func (f *DuplicateInputFilter) ValidateConfig(settings map[string]any) error {
	// No configuration needed
	return nil
}

func (f *DuplicateInputFilter) AppliesTo(origin Origin) bool {
	return origin == OriginUser
}

func (f *DuplicateInputFilter) Check(ctx context.Context, req Request, view QueueView) Result {
	want := normalizeInput(req.Input.URL)
	queued := lo.Map(view.Inputs(), func(in stream.Input, _ int) string {
		return normalizeInput(in.URL)
	})
	if lo.Contains(queued, want) {
		return Reject("duplicate_input")
	}
	return Accept()
}

// normalizeInput trims whitespace and trailing slashes and lower-cases the
// scheme and host part of a URL.
func normalizeInput(raw string) string {
	s := strings.TrimRight(strings.TrimSpace(raw), "/")
	i := strings.Index(s, "://")
	if i < 0 {
		return s
	}
	rest := s[i+3:]
	host, path, found := strings.Cut(rest, "/")
	out := strings.ToLower(s[:i]) + "://" + strings.ToLower(host)
	if found {
		out += "/" + path
	}
	return out
}

func init() {
	Register("duplicate_input_filter", func() Filter {
		return &DuplicateInputFilter{}
	})
}
