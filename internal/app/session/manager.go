// Package session ties a playback queue to an output sink.
package session

import (
	"context"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/osa030/19cast/internal/app/filter"
	"github.com/osa030/19cast/internal/app/notification"
	"github.com/osa030/19cast/internal/app/playback"
	"github.com/osa030/19cast/internal/app/retry"
	"github.com/osa030/19cast/internal/app/source"
	"github.com/osa030/19cast/internal/domain/stream"
	"github.com/osa030/19cast/internal/infra/sink"
)

// Result codes that do not come from a filter.
const (
	CodeAccepted      = "accepted"
	CodeUnknownSource = "unknown_source"
)

const minStandbyRetryDelay = time.Second

// Errors
var (
	ErrSessionClosed = errors.New("session closed")
	ErrEmptyInput    = errors.New("input is empty")
)

// Resolver picks the factory that plays an input.
type Resolver interface {
	Resolve(in stream.Input, opts stream.Options) (stream.Factory, string, error)
}

// Config holds the settings of one session.
type Config struct {
	Name            string
	Encoder         stream.Options // Normalized before use; Format is fixed for the session
	Policy          retry.Policy
	Standby         []stream.Input
	EventBufferSize int
}

// Request is an enqueue request. Unset options fall back to the session
// encoder defaults.
type Request struct {
	Input   stream.Input
	Label   string
	Options stream.Options
}

// Result is the outcome of Enqueue.
type Result struct {
	Accepted   bool
	Code       string
	ItemID     string
	SourceType string
}

// ItemStatus describes a queued or playing item.
type ItemStatus struct {
	ID         string
	Label      string
	Input      string
	SourceType string
	Standby    bool
	AddedAt    time.Time
	StartedAt  time.Time
	Attempts   int
}

// Status is a snapshot of a session.
type Status struct {
	Name        string
	State       playback.State
	Current     *ItemStatus
	Pending     []ItemStatus
	Volume      float64
	Format      string
	Subscribers int
	Listeners   int
}

type entry struct {
	input      stream.Input
	sourceType string
	origin     filter.Origin
	addedAt    time.Time
	source     *retry.Source // Set once the item starts
}

// Manager runs one session: a queue whose items are written, one after the
// other, into a single sink.
type Manager struct {
	mu sync.RWMutex

	name    string
	encoder stream.Options
	policy  retry.Policy
	standby []stream.Input

	queue        *playback.Queue
	out          sink.Sink
	sources      Resolver
	filterChain  *filter.Chain
	notification *notification.Manager

	entries       map[string]*entry
	volume        float64
	standbyIndex  int
	standbyPaused bool // Set by Stop, cleared by the next user enqueue
	standbyFailed bool
	closed        bool

	wg   sync.WaitGroup
	done chan struct{}
}

// NewManager creates a session and starts its event loop. A nil chain
// accepts everything.
func NewManager(cfg Config, sources Resolver, out sink.Sink, chain *filter.Chain) *Manager {
	if chain == nil {
		chain = filter.NewChain()
	}
	m := &Manager{
		name:         cfg.Name,
		encoder:      cfg.Encoder.Normalize(),
		policy:       cfg.Policy,
		standby:      slices.Clone(cfg.Standby),
		queue:        playback.NewQueue(playback.Config{EventBufferSize: cfg.EventBufferSize}),
		out:          out,
		sources:      sources,
		filterChain:  chain,
		notification: notification.NewManager(),
		entries:      make(map[string]*entry),
		volume:       stream.Unity,
		done:         make(chan struct{}),
	}

	m.wg.Add(1)
	go m.eventLoop()
	return m
}

// Start begins standby playback if a standby list is configured.
func (m *Manager) Start() {
	m.fillStandby()
}

// Name returns the session name.
func (m *Manager) Name() string {
	return m.name
}

// Format returns the stream format written to the sink.
func (m *Manager) Format() string {
	return m.encoder.Format
}

// Sink returns the output sink.
func (m *Manager) Sink() sink.Sink {
	return m.out
}

// Notifications returns the notification manager.
func (m *Manager) Notifications() *notification.Manager {
	return m.notification
}

// Enqueue admits a user request. A rejected request is not an error: the
// result carries the rejection code.
func (m *Manager) Enqueue(ctx context.Context, req Request) (Result, error) {
	return m.enqueue(ctx, req, filter.OriginUser)
}

func (m *Manager) enqueue(ctx context.Context, req Request, origin filter.Origin) (Result, error) {
	if m.isClosed() {
		return Result{}, ErrSessionClosed
	}

	in := req.Input
	in.URL = strings.TrimSpace(in.URL)
	if in.URL == "" {
		return Result{}, ErrEmptyInput
	}
	label := lo.Ternary(req.Label != "", req.Label, in.String())

	res := m.filterChain.Execute(ctx, filter.Request{Input: in, Label: label, Origin: origin}, m)
	if !res.Accepted {
		zlog.Info().Msgf("session: request rejected: session=%s input=%s code=%s", m.name, in, res.Code)
		return Result{Code: res.Code}, nil
	}

	opts := req.Options.Merge(m.encoder)
	opts.Format = m.encoder.Format

	factory, sourceType, err := m.sources.Resolve(in, opts)
	if err != nil {
		if errors.Is(err, source.ErrUnknownSource) {
			zlog.Info().Msgf("session: request rejected: session=%s input=%s error=%v", m.name, in, err)
			return Result{Code: CodeUnknownSource}, nil
		}
		return Result{}, errors.Wrapf(err, "failed to resolve %s", in)
	}

	item := playback.NewItem(label, nil)
	item.Factory = m.itemFactory(item.ID, factory, in, opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Result{}, ErrSessionClosed
	}

	m.entries[item.ID] = &entry{
		input:      in,
		sourceType: sourceType,
		origin:     origin,
		addedAt:    item.AddedAt,
	}
	m.queue.Enqueue(item)

	if origin == filter.OriginUser {
		m.standbyPaused = false
		for id, e := range m.entries {
			if e.origin == filter.OriginStandby && m.queue.SkipItem(id) {
				zlog.Info().Msgf("session: standby preempted: session=%s id=%s", m.name, id)
			}
		}
	}

	zlog.Info().Msgf("session: enqueued: session=%s id=%s label=%s source=%s origin=%s", m.name, item.ID, label, sourceType, origin)
	return Result{Accepted: true, Code: CodeAccepted, ItemID: item.ID, SourceType: sourceType}, nil
}

// itemFactory starts a retrying source for the item and copies its output
// into the sink. The returned completion settles after the copy has ended.
func (m *Manager) itemFactory(id string, factory stream.Factory, in stream.Input, opts stream.Options) playback.Factory {
	return func(ctx context.Context) (*stream.Handle, error) {
		src := retry.Wrap(ctx, factory, in, opts, m.policy)

		if v := m.attach(id, src); v != stream.Unity {
			if _, err := src.Controller().SetVolume(ctx, v); err != nil && !errors.Is(err, stream.ErrUnsupportedOperation) {
				zlog.Warn().Msgf("session: failed to apply volume: session=%s id=%s volume=%.2f error=%v", m.name, id, v, err)
			}
		}

		done := stream.NewCompletion()
		go m.pump(id, src, done)
		return &stream.Handle{Controller: src.Controller(), Completion: done}, nil
	}
}

func (m *Manager) attach(id string, src *retry.Source) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.source = src
	}
	return m.volume
}

func (m *Manager) pump(id string, src *retry.Source, done *stream.Completion) {
	out := src.Output()
	defer out.Close()

	n, err := io.Copy(m.out, out)
	if err != nil && !stream.IsCancelled(err) {
		zlog.Debug().Msgf("session: output copy ended: session=%s id=%s bytes=%d error=%v", m.name, id, n, err)
		// The source must still be drained to settle.
		_, _ = io.Copy(io.Discard, out)
	}

	<-src.Completion().Done()
	done.Resolve(src.Completion().Err())
}

// Skip aborts the current item.
func (m *Manager) Skip() {
	zlog.Info().Msgf("session: skip: session=%s", m.name)
	m.queue.Skip()
}

// Stop clears the queue and aborts the current item. Standby playback stays
// paused until the next user request.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	zlog.Info().Msgf("session: stop: session=%s", m.name)
	m.standbyPaused = true
	m.queue.Stop()
	clear(m.entries)
}

// SetVolume sets the volume of the current item and of the items started
// after it. It reports whether the change was applied to a live stream.
func (m *Manager) SetVolume(ctx context.Context, v float64) (bool, error) {
	if err := stream.ValidateVolume(v); err != nil {
		return false, err
	}

	m.mu.Lock()
	m.volume = v
	m.mu.Unlock()

	cur, ok := m.queue.Current().Get()
	if !ok {
		return false, nil
	}
	applied, err := cur.Handle.Controller.SetVolume(ctx, v)
	if err != nil {
		return applied, errors.Wrapf(err, "session %s", m.name)
	}
	zlog.Info().Msgf("session: volume set: session=%s volume=%.2f applied=%v", m.name, v, applied)
	return applied, nil
}

// Volume returns the volume of the current item, or the session volume when
// nothing is playing.
func (m *Manager) Volume() float64 {
	if cur, ok := m.queue.Current().Get(); ok {
		return cur.Handle.Controller.Volume()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.volume
}

// Status returns a snapshot of the session.
func (m *Manager) Status() Status {
	current := m.queue.Current()
	pending := m.queue.Items()

	m.mu.RLock()
	status := Status{
		Name:        m.name,
		State:       m.queue.State(),
		Volume:      m.volume,
		Format:      m.encoder.Format,
		Subscribers: m.notification.SubscriberCount(),
		Pending: lo.Map(pending, func(item playback.Item, _ int) ItemStatus {
			return m.itemStatusLocked(item)
		}),
	}
	if cur, ok := current.Get(); ok {
		s := m.itemStatusLocked(cur.Item)
		s.StartedAt = cur.StartedAt
		status.Current = &s
	}
	m.mu.RUnlock()

	if cur, ok := current.Get(); ok {
		status.Volume = cur.Handle.Controller.Volume()
	}
	if l, ok := m.out.(interface{ ListenerCount() int }); ok {
		status.Listeners = l.ListenerCount()
	}
	return status
}

func (m *Manager) itemStatusLocked(item playback.Item) ItemStatus {
	s := ItemStatus{
		ID:      item.ID,
		Label:   item.Info,
		AddedAt: item.AddedAt,
	}
	if e, ok := m.entries[item.ID]; ok {
		s.Input = e.input.String()
		s.SourceType = e.sourceType
		s.Standby = e.origin == filter.OriginStandby
		if e.source != nil {
			s.Attempts = e.source.Attempts()
		}
	}
	return s
}

// PendingCount implements filter.QueueView.
func (m *Manager) PendingCount() int {
	return m.queue.Len()
}

// Inputs implements filter.QueueView. It returns the inputs of the active
// and pending items in arrival order.
func (m *Manager) Inputs() []stream.Input {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := lo.Values(m.entries)
	slices.SortFunc(entries, func(a, b *entry) int { return a.addedAt.Compare(b.addedAt) })
	return lo.Map(entries, func(e *entry, _ int) stream.Input { return e.input })
}

// Close stops playback, waits for the event loop and closes the sink.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	zlog.Info().Msgf("session: closing: session=%s", m.name)
	m.queue.Close()
	m.wg.Wait()
	m.notification.Close()
	close(m.done)
	return m.out.Close()
}

// Done is closed once the session is closed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// eventLoop relays queue events until the queue is closed.
func (m *Manager) eventLoop() {
	defer m.wg.Done()

	for event := range m.queue.Events() {
		m.handleEvent(event)
	}
	zlog.Debug().Msgf("session: event loop exited: session=%s", m.name)
}

func (m *Manager) handleEvent(event playback.Event) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Msgf("session: panic while handling event: session=%s type=%s panic=%v", m.name, event.Type, r)
		}
	}()

	m.broadcast(event)

	switch event.Type {
	case playback.EventItemFinished, playback.EventItemFailed, playback.EventItemSkipped, playback.EventItemStopped:
		m.onItemEnded(event)
	case playback.EventQueueEmpty:
		m.onQueueEmpty()
	}
}

func (m *Manager) broadcast(event playback.Event) {
	n := &notification.Notification{
		Session: m.name,
		Type:    event.Type.String(),
		State:   event.State.String(),
		Time:    time.Now(),
	}
	if event.Item != nil {
		n.ItemID = event.Item.ID
		n.Label = event.Item.Info
	}
	if event.Err != nil {
		n.Error = event.Err.Error()
	}
	zlog.Info().Msgf("broadcast %s: session=%s id=%s label=%s", strings.ToUpper(n.Type), m.name, n.ItemID, n.Label)
	m.notification.Broadcast(n)
}

func (m *Manager) onItemEnded(event playback.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[event.Item.ID]
	if !ok {
		return
	}
	delete(m.entries, event.Item.ID)
	if e.origin == filter.OriginStandby {
		m.standbyFailed = event.Type == playback.EventItemFailed
	}
}

func (m *Manager) onQueueEmpty() {
	m.mu.RLock()
	failed := m.standbyFailed
	m.mu.RUnlock()

	if failed {
		delay := max(m.policy.RetryDelay, minStandbyRetryDelay)
		zlog.Warn().Msgf("session: standby item failed, refilling later: session=%s delay=%v", m.name, delay)
		time.AfterFunc(delay, m.fillStandby)
		return
	}
	m.fillStandby()
}

// fillStandby enqueues the next standby input when the queue is idle.
func (m *Manager) fillStandby() {
	m.mu.Lock()
	if m.closed || m.standbyPaused || len(m.standby) == 0 || len(m.entries) > 0 {
		m.mu.Unlock()
		return
	}
	in := m.standby[m.standbyIndex%len(m.standby)]
	m.standbyIndex++
	m.standbyFailed = false
	m.mu.Unlock()

	res, err := m.enqueue(context.Background(), Request{Input: in}, filter.OriginStandby)
	if err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			zlog.Error().Msgf("session: failed to enqueue standby: session=%s input=%s error=%v", m.name, in, err)
		}
		return
	}
	if !res.Accepted {
		zlog.Warn().Msgf("session: standby rejected: session=%s input=%s code=%s", m.name, in, res.Code)
	}
}
