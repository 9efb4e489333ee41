package session

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/19cast/internal/app/filter"
	"github.com/osa030/19cast/internal/app/notification"
	"github.com/osa030/19cast/internal/app/playback"
	"github.com/osa030/19cast/internal/app/retry"
	"github.com/osa030/19cast/internal/app/source"
	"github.com/osa030/19cast/internal/domain/stream"
	"github.com/osa030/19cast/internal/infra/config"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// mapResolver resolves inputs by exact URL.
type mapResolver map[string]stream.Factory

func (r mapResolver) Resolve(in stream.Input, _ stream.Options) (stream.Factory, string, error) {
	f, ok := r[in.URL]
	if !ok {
		return nil, "", errors.Wrapf(source.ErrUnknownSource, "input %s", in.URL)
	}
	return f, "fake", nil
}

// static plays data once and ends cleanly.
func static(data string) stream.Factory {
	return stream.FactoryFunc(func(context.Context, stream.Input, stream.Options) (*stream.Stream, error) {
		return &stream.Stream{
			Handle: stream.Handle{Controller: stream.FixedVolume{}, Completion: stream.Resolved(nil)},
			Output: io.NopCloser(strings.NewReader(data)),
		}, nil
	})
}

// live writes chunk once and then runs until its token is cancelled.
func live(chunk string, ctrl stream.Controller) stream.Factory {
	return stream.FactoryFunc(func(ctx context.Context, _ stream.Input, _ stream.Options) (*stream.Stream, error) {
		pr, pw := io.Pipe()
		c := stream.NewCompletion()
		if chunk != "" {
			go func() { _, _ = pw.Write([]byte(chunk)) }()
		}
		context.AfterFunc(ctx, func() {
			err := stream.Cancelled(ctx)
			pw.CloseWithError(err)
			c.Resolve(err)
		})
		return &stream.Stream{Handle: stream.Handle{Controller: ctrl, Completion: c}, Output: pr}, nil
	})
}

func failing(msg string) stream.Factory {
	return stream.FactoryFunc(func(context.Context, stream.Input, stream.Options) (*stream.Stream, error) {
		return nil, stream.NewTransportError("fake", errors.New(msg))
	})
}

type bufferSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *bufferSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *bufferSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *bufferSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type collector struct {
	mu    sync.Mutex
	items []*notification.Notification
}

func (c *collector) Send(n *notification.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, n)
	return nil
}

func (c *collector) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Map(c.items, func(n *notification.Notification, _ int) string { return n.Type })
}

func (c *collector) Find(typ string) (*notification.Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Find(c.items, func(n *notification.Notification) bool { return n.Type == typ })
}

type volumeController struct {
	mu sync.Mutex
	v  float64
}

func (c *volumeController) Volume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *volumeController) SetVolume(_ context.Context, v float64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v = v
	return true, nil
}

func newTestManager(t *testing.T, cfg Config, r Resolver, chain *filter.Chain) (*Manager, *bufferSink, *collector) {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "main"
	}
	cfg.Policy = retry.Policy{MaxRetries: 0}
	out := &bufferSink{}
	m := NewManager(cfg, r, out, chain)
	events := &collector{}
	m.Notifications().Subscribe(events)
	t.Cleanup(func() { _ = m.Close() })
	return m, out, events
}

func currentInput(m *Manager) string {
	cur := m.Status().Current
	if cur == nil {
		return ""
	}
	return cur.Input
}

func input(url string) Request {
	return Request{Input: stream.Input{URL: url}}
}

func TestManager_PlaysItemsInOrder(t *testing.T) {
	ctx := context.Background()
	m, out, events := newTestManager(t, Config{}, mapResolver{
		"hold": live("", nil),
		"a":    static("hello "),
		"b":    static("world"),
	}, nil)

	_, err := m.Enqueue(ctx, input("hold"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return currentInput(m) == "hold" }, waitFor, tick)

	res, err := m.Enqueue(ctx, Request{Input: stream.Input{URL: "a"}, Label: "A"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, CodeAccepted, res.Code)
	assert.NotEmpty(t, res.ItemID)
	assert.Equal(t, "fake", res.SourceType)

	_, err = m.Enqueue(ctx, input("b"))
	require.NoError(t, err)
	assert.Equal(t, 2, m.PendingCount())

	m.Skip()

	require.Eventually(t, func() bool { return out.String() == "hello world" }, waitFor, tick)
	require.Eventually(t, func() bool { _, ok := events.Find("queue_empty"); return ok }, waitFor, tick)
	assert.Equal(t, []string{
		"item_started", "item_skipped",
		"item_started", "item_finished",
		"item_started", "item_finished",
		"queue_empty",
	}, events.Types())

	started, _ := events.Find("item_started")
	assert.Equal(t, "main", started.Session)
	assert.Equal(t, "hold", started.Label)
	assert.Equal(t, playback.StateIdle, m.Status().State)
	assert.Empty(t, m.Inputs())
}

func TestManager_EnqueueRejections(t *testing.T) {
	ctx := context.Background()
	chain := filter.NewChain()
	chain.Add(filter.NewMaxPendingFilter(1))
	m, _, _ := newTestManager(t, Config{}, mapResolver{
		"hold": live("", nil),
		"x":    static("x"),
	}, chain)

	res, err := m.Enqueue(ctx, input("hold"))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Eventually(t, func() bool { return currentInput(m) == "hold" }, waitFor, tick)

	res, err = m.Enqueue(ctx, input("missing"))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, CodeUnknownSource, res.Code)

	res, err = m.Enqueue(ctx, input("x"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	res, err = m.Enqueue(ctx, input("x"))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "queue_full", res.Code)
	assert.Empty(t, res.ItemID)

	_, err = m.Enqueue(ctx, input("   "))
	assert.True(t, errors.Is(err, ErrEmptyInput))

	assert.Equal(t, []stream.Input{{URL: "hold"}, {URL: "x"}}, m.Inputs())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err = m.Enqueue(ctx, input("x"))
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestManager_SkipAndStop(t *testing.T) {
	ctx := context.Background()
	m, _, events := newTestManager(t, Config{}, mapResolver{
		"a": live("", nil),
		"b": live("", nil),
	}, nil)

	_, err := m.Enqueue(ctx, Request{Input: stream.Input{URL: "a"}, Label: "first"})
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, Request{Input: stream.Input{URL: "b"}, Label: "second"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return currentInput(m) == "a" }, waitFor, tick)

	status := m.Status()
	assert.Equal(t, "main", status.Name)
	assert.Equal(t, playback.StatePlaying, status.State)
	assert.Equal(t, "first", status.Current.Label)
	assert.Equal(t, "fake", status.Current.SourceType)
	assert.False(t, status.Current.StartedAt.IsZero())
	require.Len(t, status.Pending, 1)
	assert.Equal(t, "second", status.Pending[0].Label)
	assert.Equal(t, stream.FormatMatroska, status.Format)
	assert.Equal(t, 1, status.Subscribers)

	m.Skip()
	require.Eventually(t, func() bool { return currentInput(m) == "b" }, waitFor, tick)
	assert.Eventually(t, func() bool { return m.Status().Current.Attempts == 1 }, waitFor, tick)

	m.Stop()
	status = m.Status()
	assert.Nil(t, status.Current)
	assert.Empty(t, status.Pending)
	assert.Empty(t, m.Inputs())

	require.Eventually(t, func() bool { _, ok := events.Find("queue_empty"); return ok }, waitFor, tick)
	assert.Equal(t, []string{"item_started", "item_skipped", "item_started", "item_stopped", "queue_empty"}, events.Types())
	assert.Equal(t, playback.StateIdle, m.Status().State)
}

func TestManager_SetVolume(t *testing.T) {
	ctx := context.Background()
	ctrl := &volumeController{v: stream.Unity}
	m, out, _ := newTestManager(t, Config{}, mapResolver{
		"vol":   live("v", ctrl),
		"fixed": live("f", nil),
	}, nil)

	applied, err := m.SetVolume(ctx, 0.5)
	require.NoError(t, err)
	assert.False(t, applied, "nothing is playing")
	assert.Equal(t, 0.5, m.Volume())

	_, err = m.SetVolume(ctx, -1)
	assert.True(t, errors.Is(err, stream.ErrInvalidVolume))

	_, err = m.Enqueue(ctx, input("vol"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return currentInput(m) == "vol" && out.String() == "v" }, waitFor, tick)
	assert.Eventually(t, func() bool { return ctrl.Volume() == 0.5 }, waitFor, tick, "session volume applies to new items")

	applied, err = m.SetVolume(ctx, 0.8)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 0.8, ctrl.Volume())
	assert.Equal(t, 0.8, m.Volume())

	m.Stop()
	_, err = m.Enqueue(ctx, input("fixed"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return currentInput(m) == "fixed" && out.String() == "vf" }, waitFor, tick)

	applied, err = m.SetVolume(ctx, 0.3)
	assert.False(t, applied)
	assert.True(t, errors.Is(err, stream.ErrUnsupportedOperation))
}

func TestManager_FailedItemDoesNotHaltSession(t *testing.T) {
	ctx := context.Background()
	m, out, events := newTestManager(t, Config{}, mapResolver{
		"hold": live("", nil),
		"bad":  failing("connection refused"),
		"ok":   static("ok"),
	}, nil)

	_, err := m.Enqueue(ctx, input("hold"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return currentInput(m) == "hold" }, waitFor, tick)
	_, err = m.Enqueue(ctx, input("bad"))
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, input("ok"))
	require.NoError(t, err)
	m.Skip()

	require.Eventually(t, func() bool { return out.String() == "ok" }, waitFor, tick)
	require.Eventually(t, func() bool { _, ok := events.Find("item_failed"); return ok }, waitFor, tick)

	failed, _ := events.Find("item_failed")
	assert.Equal(t, "bad", failed.Label)
	assert.Contains(t, failed.Error, "connection refused")
}

func TestManager_Standby(t *testing.T) {
	ctx := context.Background()
	m, out, _ := newTestManager(t, Config{
		Standby: []stream.Input{{URL: "standby-1"}, {URL: "standby-2"}},
	}, mapResolver{
		"standby-1": live("s1", nil),
		"standby-2": live("s2", nil),
		"user":      static("u"),
	}, nil)

	m.Start()
	require.Eventually(t, func() bool { return currentInput(m) == "standby-1" }, waitFor, tick)
	assert.True(t, m.Status().Current.Standby)
	require.Eventually(t, func() bool { return out.String() == "s1" }, waitFor, tick)

	// A user request preempts the standby item, then standby resumes with
	// the next entry.
	res, err := m.Enqueue(ctx, input("user"))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Eventually(t, func() bool { return currentInput(m) == "standby-2" }, waitFor, tick)
	require.Eventually(t, func() bool { return out.String() == "s1us2" }, waitFor, tick)

	// Stop pauses standby until the next user request.
	m.Stop()
	require.Eventually(t, func() bool { return m.Status().State == playback.StateIdle }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, m.Status().Current)

	_, err = m.Enqueue(ctx, input("user"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return currentInput(m) == "standby-1" }, waitFor, tick)
	assert.True(t, strings.HasPrefix(out.String(), "s1us2u"))
}

func TestManager_RequestOptionsKeepSessionFormat(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var got stream.Options
	capture := stream.FactoryFunc(func(ctx context.Context, in stream.Input, opts stream.Options) (*stream.Stream, error) {
		mu.Lock()
		got = opts
		mu.Unlock()
		return static("x").Open(ctx, in, opts)
	})

	m, out, _ := newTestManager(t, Config{Encoder: stream.Options{Format: stream.FormatPCM, BitrateAudio: 96}}, mapResolver{"x": capture}, nil)
	_, err := m.Enqueue(ctx, Request{
		Input:   stream.Input{URL: "x"},
		Options: stream.Options{Format: stream.FormatMatroska, Width: 640},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return out.String() == "x" }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, stream.FormatPCM, got.Format)
	assert.Equal(t, 640, got.Width)
	assert.Equal(t, 96, got.BitrateAudio)
}

func TestRegistry_FromConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := &config.Config{
		Retry: config.RetryConfig{MaxRetries: 1, RetryDelayMs: 10},
		Filters: map[string]config.FilterConfig{
			"max_pending_filter":  {Enabled: true, Settings: map[string]any{"max_items": 2}},
			"input_scheme_filter": {Enabled: false},
		},
		Sessions: []config.SessionConfig{
			{Name: "main", Sink: config.SinkConfig{Type: config.SinkDiscard}},
			{Name: "rec", Sink: config.SinkConfig{Type: config.SinkFile, Path: "/rec/out.mkv"}, Standby: []string{"a"}},
		},
	}

	r, err := NewRegistryFromConfig(cfg, fs, mapResolver{"a": live("", nil)})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"main", "rec"}, lo.Map(r.All(), func(m *Manager, _ int) string { return m.Name() }))

	main, err := r.Get("main")
	require.NoError(t, err)
	assert.Equal(t, stream.FormatMatroska, main.Format())
	assert.Len(t, main.filterChain.Filters(), 1)

	_, err = r.Get("nope")
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	r.Start()
	rec, err := r.Get("rec")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return currentInput(rec) == "a" }, waitFor, tick)

	exists, err := afero.Exists(fs, "/rec/out.mkv")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRegistry_FromConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.Config
	}{
		{"invalid retry policy", &config.Config{
			Retry:    config.RetryConfig{MaxRetries: -2},
			Sessions: []config.SessionConfig{{Name: "main"}},
		}},
		{"unknown filter", &config.Config{
			Filters:  map[string]config.FilterConfig{"nope": {Enabled: true}},
			Sessions: []config.SessionConfig{{Name: "main"}},
		}},
		{"file sink without path", &config.Config{
			Sessions: []config.SessionConfig{{Name: "main", Sink: config.SinkConfig{Type: config.SinkFile}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistryFromConfig(tt.cfg, afero.NewMemMapFs(), mapResolver{})
			assert.Error(t, err)
		})
	}
}
