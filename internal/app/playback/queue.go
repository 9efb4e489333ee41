package playback

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
	"github.com/samber/mo"

	"github.com/osa030/19cast/internal/domain/stream"
)

// Cancellation causes attached to the token of the active item.
var (
	ErrSkipped = errors.New("item skipped")
	ErrStopped = errors.New("playback stopped")
	ErrClosed  = errors.New("queue closed")
)

// Factory starts the playback of one item. The returned handle's completion
// must settle once ctx is cancelled.
type Factory func(ctx context.Context) (*stream.Handle, error)

// Item is a pending playback request.
type Item struct {
	ID      string
	Info    string // Display label
	Factory Factory
	AddedAt time.Time
}

// NewItem creates an item with a fresh ID.
func NewItem(info string, factory Factory) Item {
	return Item{
		ID:      uuid.New().String(),
		Info:    info,
		Factory: factory,
		AddedAt: time.Now(),
	}
}

// ActiveItem is the item currently being played.
type ActiveItem struct {
	Item
	Handle    *stream.Handle
	StartedAt time.Time
}

// Config holds queue configuration.
type Config struct {
	EventBufferSize int // Capacity of the event channel
}

// Queue plays items one at a time in FIFO order.
type Queue struct {
	mu sync.Mutex

	pending  []Item
	current  *ActiveItem
	cancel   context.CancelCauseFunc // Token of the item being started or played
	activeID string                  // ID of the item owning cancel
	state    State
	running  bool
	closed   bool

	eventCh chan Event
	wg      sync.WaitGroup

	ctx        context.Context
	rootCancel context.CancelCauseFunc
}

// NewQueue creates an idle queue.
func NewQueue(config Config) *Queue {
	if config.EventBufferSize <= 0 {
		config.EventBufferSize = 64
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Queue{
		pending:    make([]Item, 0),
		state:      StateIdle,
		eventCh:    make(chan Event, config.EventBufferSize),
		ctx:        ctx,
		rootCancel: cancel,
	}
}

// Events returns the event channel. It is closed by Close.
func (q *Queue) Events() <-chan Event {
	return q.eventCh
}

// Enqueue appends an item and starts the processing loop if idle.
func (q *Queue) Enqueue(item Item) {
	q.EnqueueMultiple([]Item{item})
}

// EnqueueMultiple appends items in order and starts the processing loop if idle.
func (q *Queue) EnqueueMultiple(items []Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		zlog.Warn().Msgf("playback: enqueue on closed queue ignored: count=%d", len(items))
		return
	}

	q.pending = append(q.pending, items...)
	q.startLocked()
}

// Skip aborts the active item. The loop then advances to the next item.
func (q *Queue) Skip() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel == nil {
		return
	}
	zlog.Info().Msgf("playback: skipping current item")
	q.cancel(ErrSkipped)
}

// SkipItem aborts the active item only if its ID is id. It reports whether
// the item was aborted.
func (q *Queue) SkipItem(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel == nil || q.activeID != id {
		return false
	}
	zlog.Info().Msgf("playback: skipping item: id=%s", id)
	q.cancel(ErrSkipped)
	return true
}

// Stop clears the pending items and aborts the active item.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopLocked(ErrStopped)
}

func (q *Queue) stopLocked(cause error) {
	if len(q.pending) > 0 {
		zlog.Info().Msgf("playback: clearing pending items: count=%d", len(q.pending))
	}
	q.pending = make([]Item, 0)
	q.current = nil
	if q.cancel != nil {
		q.cancel(cause)
	}
}

// Current returns the active item, if any.
func (q *Queue) Current() mo.Option[ActiveItem] {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current == nil {
		return mo.None[ActiveItem]()
	}
	return mo.Some(*q.current)
}

// Items returns a copy of the pending items.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]Item, len(q.pending))
	copy(result, q.pending)
	return result
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// State returns the current queue state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Close aborts everything, waits for the loop to exit and closes the event
// channel.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.stopLocked(ErrClosed)
	q.mu.Unlock()

	q.rootCancel(ErrClosed)
	q.wg.Wait()
	close(q.eventCh)
}

// startLocked starts the processing loop unless it is already running.
// Must be called with lock held.
func (q *Queue) startLocked() {
	if q.running || len(q.pending) == 0 {
		return
	}
	q.running = true
	q.wg.Add(1)
	go q.loop()
}

func (q *Queue) loop() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.ctx.Err() != nil {
			q.current = nil
			q.cancel = nil
			q.activeID = ""
			q.running = false
			q.state = StateIdle
			q.sendEventLocked(Event{
				Type:  EventQueueEmpty,
				State: q.state,
			})
			q.mu.Unlock()
			return
		}

		item := q.pending[0]
		q.pending = q.pending[1:]
		ctx, cancel := context.WithCancelCause(q.ctx)
		q.cancel = cancel
		q.activeID = item.ID
		q.state = StateStarting
		q.mu.Unlock()

		q.play(ctx, cancel, item)
	}
}

// play runs one item to completion. Errors are reported as events only.
func (q *Queue) play(ctx context.Context, cancel context.CancelCauseFunc, item Item) {
	defer cancel(nil)

	zlog.Debug().Msgf("playback: starting item: id=%s info=%s", item.ID, item.Info)

	handle, err := invoke(ctx, item)
	if err != nil {
		q.finish(ctx, item, err)
		return
	}

	q.mu.Lock()
	// Skip or Stop during start: the handle settles on its own, but is never
	// exposed as current.
	if ctx.Err() == nil {
		q.current = &ActiveItem{
			Item:      item,
			Handle:    handle,
			StartedAt: time.Now(),
		}
		q.state = StatePlaying
		q.sendEventLocked(Event{
			Type:  EventItemStarted,
			Item:  &item,
			State: q.state,
		})
	}
	q.mu.Unlock()

	<-handle.Completion.Done()
	q.finish(ctx, item, handle.Completion.Err())
}

// finish clears the item and reports how it ended.
func (q *Queue) finish(ctx context.Context, item Item, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.ID == item.ID {
		q.current = nil
	}
	q.cancel = nil
	q.activeID = ""

	event := Event{Item: &item, Err: err}
	switch {
	case err == nil:
		event.Type = EventItemFinished
		zlog.Info().Msgf("playback: item finished: id=%s info=%s", item.ID, item.Info)
	case ctx.Err() != nil || stream.IsCancelled(err):
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrSkipped) {
			event.Type = EventItemSkipped
		} else {
			event.Type = EventItemStopped
		}
		zlog.Info().Msgf("playback: item aborted: id=%s info=%s cause=%v", item.ID, item.Info, cause)
	default:
		event.Type = EventItemFailed
		zlog.Warn().Msgf("playback: item failed: id=%s info=%s error=%v", item.ID, item.Info, err)
	}

	event.State = q.state
	q.sendEventLocked(event)
}

// invoke calls the item factory, converting panics into errors.
func invoke(ctx context.Context, item Item) (handle *stream.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("factory panicked: %v", r)
		}
	}()

	if item.Factory == nil {
		return nil, errors.New("item has no factory")
	}
	handle, err = item.Factory(ctx)
	if err != nil {
		return nil, err
	}
	if handle == nil || handle.Completion == nil {
		return nil, errors.New("factory returned no handle")
	}
	return handle, nil
}

// sendEventLocked sends an event without blocking.
// Must be called with lock held.
func (q *Queue) sendEventLocked(e Event) {
	select {
	case q.eventCh <- e:
	case <-q.ctx.Done():
	default:
		zlog.Warn().Msgf("playback: event channel full, dropping event: type=%s", e.Type)
	}
}
