package session

import (
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/osa030/19cast/internal/app/filter"
	"github.com/osa030/19cast/internal/app/retry"
	"github.com/osa030/19cast/internal/domain/stream"
	"github.com/osa030/19cast/internal/infra/config"
	"github.com/osa030/19cast/internal/infra/sink"
)

var ErrSessionNotFound = errors.New("session not found")

// Registry holds the named sessions with thread-safe access.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Manager
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Manager),
	}
}

// NewRegistryFromConfig creates one session per configured entry. Sessions
// created before a failure are closed.
func NewRegistryFromConfig(cfg *config.Config, fs afero.Fs, sources Resolver) (*Registry, error) {
	policy := retry.Policy{
		MaxRetries:   cfg.Retry.MaxRetries,
		RetryDelay:   cfg.Retry.RetryDelay(),
		RestartOnEnd: cfg.Retry.RestartOnEnd,
	}
	if err := policy.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid retry policy")
	}

	enabled := lo.MapValues(
		lo.PickBy(cfg.Filters, func(_ string, f config.FilterConfig) bool { return f.Enabled }),
		func(f config.FilterConfig, _ string) map[string]any { return f.Settings },
	)

	r := NewRegistry()
	for _, sc := range cfg.Sessions {
		m, err := newFromConfig(cfg, sc, fs, sources, policy, enabled)
		if err != nil {
			r.Close()
			return nil, errors.Wrapf(err, "failed to create session %s", sc.Name)
		}
		if err := r.Add(m); err != nil {
			_ = m.Close()
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

func newFromConfig(cfg *config.Config, sc config.SessionConfig, fs afero.Fs, sources Resolver, policy retry.Policy, enabled map[string]map[string]any) (*Manager, error) {
	encoder := cfg.Encoder.Normalize()
	if sc.Sink.Type == config.SinkSpeaker {
		encoder.Format = stream.FormatPCM
	}

	chain, err := filter.NewChainFromConfig(enabled)
	if err != nil {
		return nil, err
	}

	out, err := sink.New(fs, sc.Name, sc.Sink, encoder.Format)
	if err != nil {
		return nil, err
	}

	zlog.Info().Msgf("session: created: name=%s sink=%s format=%s standby=%d", sc.Name, lo.CoalesceOrEmpty(sc.Sink.Type, config.SinkBroadcast), encoder.Format, len(sc.Standby))
	return NewManager(Config{
		Name:    sc.Name,
		Encoder: encoder,
		Policy:  policy,
		Standby: lo.Map(sc.Standby, func(url string, _ int) stream.Input { return stream.Input{URL: url} }),
	}, sources, out, chain), nil
}

// Add registers a session under its name.
func (r *Registry) Add(m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[m.Name()]; ok {
		return errors.Newf("duplicate session %s", m.Name())
	}
	r.sessions[m.Name()] = m
	r.order = append(r.order, m.Name())
	return nil
}

// Get retrieves a session by name.
func (r *Registry) Get(name string) (*Manager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.sessions[name]
	if !ok {
		return nil, errors.Wrapf(ErrSessionNotFound, "session %q", name)
	}
	return m, nil
}

// All returns the sessions in registration order.
func (r *Registry) All() []*Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Map(r.order, func(name string, _ int) *Manager { return r.sessions[name] })
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Start starts standby playback on every session.
func (r *Registry) Start() {
	for _, m := range r.All() {
		m.Start()
	}
}

// Close closes every session.
func (r *Registry) Close() {
	for _, m := range r.All() {
		if err := m.Close(); err != nil {
			zlog.Warn().Msgf("session: close failed: name=%s error=%v", m.Name(), err)
		}
	}
}
