// Package filter provides the admission filter chain for enqueue requests.
package filter

import (
	"context"
	"slices"

	"github.com/samber/lo"

	"github.com/osa030/19cast/internal/domain/stream"
)

// Origin tells who asked for an input to be played.
type Origin int

const (
	OriginUser    Origin = iota // Enqueued through the control API
	OriginStandby               // Enqueued by the session while idle
)

// String returns the string representation of the origin.
func (o Origin) String() string {
	switch o {
	case OriginUser:
		return "user"
	case OriginStandby:
		return "standby"
	default:
		return "unknown"
	}
}

// Request represents an enqueue request to be validated.
type Request struct {
	Input  stream.Input
	Label  string
	Origin Origin
}

// QueueView gives filters read access to the session queue.
type QueueView interface {
	// PendingCount returns the number of items waiting to be played.
	PendingCount() int
	// Inputs returns the inputs of the active and pending items.
	Inputs() []stream.Input
}

// Result represents the result of a filter check.
type Result struct {
	Accepted bool
	Code     string // e.g., "queue_full", "scheme_not_allowed"
}

// Accept returns an accepted result.
func Accept() Result {
	return Result{Accepted: true}
}

// Reject returns a rejected result with the given code.
func Reject(code string) Result {
	return Result{Accepted: false, Code: code}
}

// Filter is the interface for admission filters.
type Filter interface {
	// Name returns the filter name (used in config).
	Name() string
	// Description returns a human-readable description.
	Description() string
	// ReturnCodes returns the codes this filter can return.
	ReturnCodes() []string
	// ValidateConfig validates and applies the filter configuration.
	ValidateConfig(settings map[string]any) error
	// AppliesTo returns true if this filter should be applied to the given origin.
	AppliesTo(origin Origin) bool
	// Check performs the filter check.
	Check(ctx context.Context, req Request, view QueueView) Result
}

// registry holds registered filter factories.
var registry = make(map[string]func() Filter)

// Register registers a filter factory.
func Register(name string, factory func() Filter) {
	registry[name] = factory
}

// GetRegistered returns all registered filter factories.
func GetRegistered() map[string]func() Filter {
	return registry
}

// orderedNames returns the registered filter names, sorted.
func orderedNames() []string {
	names := lo.Keys(registry)
	slices.Sort(names)
	return names
}
