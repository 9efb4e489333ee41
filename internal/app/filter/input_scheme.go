package filter

import (
	"context"
	"strings"

	zlog "github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/osa030/19cast/internal/infra/config"
)

// InputSchemeConfig represents the configuration for InputSchemeFilter.
type InputSchemeConfig struct {
	AllowedSchemes []string `yaml:"allowed_schemes" mapstructure:"allowed_schemes" validate:"required,min=1,dive,required"`
	AllowPaths     bool     `yaml:"allow_paths" mapstructure:"allow_paths"` // Accept plain local paths (no scheme)
}

// InputSchemeFilter only admits inputs whose URL scheme is allowed.
type InputSchemeFilter struct {
	allowed    map[string]struct{}
	allowPaths bool
}

func (f *InputSchemeFilter) Name() string {
	return "input_scheme_filter"
}

func (f *InputSchemeFilter) Description() string {
	return "Only admits inputs whose URL scheme is listed in allowed_schemes"
}

func (f *InputSchemeFilter) ReturnCodes() []string {
	return []string{"scheme_not_allowed"}
}

func (f *InputSchemeFilter) ValidateConfig(settings map[string]any) error {
	var cfg InputSchemeConfig
	if err := config.DecodeSettings(settings, &cfg); err != nil {
		return err
	}
	f.allowed = lo.SliceToMap(cfg.AllowedSchemes, func(s string) (string, struct{}) {
		return strings.ToLower(strings.TrimSuffix(s, ":")), struct{}{}
	})
	f.allowPaths = cfg.AllowPaths
	zlog.Info().Msgf("input scheme filter config: %+v", cfg)
	return nil
}

func (f *InputSchemeFilter) AppliesTo(origin Origin) bool {
	return origin == OriginUser
}

func (f *InputSchemeFilter) Check(ctx context.Context, req Request, view QueueView) Result {
	if f.allowed == nil {
		return Accept()
	}

	scheme := req.Input.Scheme()
	if scheme == "" {
		if f.allowPaths {
			return Accept()
		}
		return Reject("scheme_not_allowed")
	}
	if _, ok := f.allowed[scheme]; ok {
		return Accept()
	}
	return Reject("scheme_not_allowed")
}

func init() {
	Register("input_scheme_filter", func() Filter {
		return &InputSchemeFilter{}
	})
}
