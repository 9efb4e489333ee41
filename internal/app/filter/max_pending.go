package filter

import (
	"context"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19cast/internal/infra/config"
)

// MaxPendingConfig represents the configuration for MaxPendingFilter.
type MaxPendingConfig struct {
	MaxItems int `yaml:"max_items" mapstructure:"max_items" default:"50" validate:"gte=1"`
}

// MaxPendingFilter rejects requests once the queue holds too many items.
type MaxPendingFilter struct {
	config MaxPendingConfig
}

// NewMaxPendingFilter creates a filter allowing at most maxItems pending items.
func NewMaxPendingFilter(maxItems int) *MaxPendingFilter {
	return &MaxPendingFilter{config: MaxPendingConfig{MaxItems: maxItems}}
}

func (f *MaxPendingFilter) Name() string {
	return "max_pending_filter"
}

func (f *MaxPendingFilter) Description() string {
	return "Rejects requests when the queue already holds max_items pending items"
}

func (f *MaxPendingFilter) ReturnCodes() []string {
	return []string{"queue_full"}
}

func (f *MaxPendingFilter) ValidateConfig(settings map[string]any) error {
	var cfg MaxPendingConfig
	if err := config.DecodeSettings(settings, &cfg); err != nil {
		return err
	}
	f.config = cfg
	zlog.Info().Msgf("max pending filter config: %+v", cfg)
	return nil
}

func (f *MaxPendingFilter) AppliesTo(origin Origin) bool {
	return origin == OriginUser
}

func (f *MaxPendingFilter) Check(ctx context.Context, req Request, view QueueView) Result {
	if f.config.MaxItems <= 0 {
		return Accept()
	}
	if view.PendingCount() >= f.config.MaxItems {
		return Reject("queue_full")
	}
	return Accept()
}

func init() {
	Register("max_pending_filter", func() Filter {
		return &MaxPendingFilter{}
	})
}
