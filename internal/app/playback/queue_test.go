package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/19cast/internal/domain/stream"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// tracker records item starts and exposes their completions.
type tracker struct {
	mu          sync.Mutex
	started     []string
	completions map[string]*stream.Completion
}

func newTracker() *tracker {
	return &tracker{completions: make(map[string]*stream.Completion)}
}

// instant returns an item that completes successfully right away.
func (tr *tracker) instant(info string) Item {
	return NewItem(info, func(ctx context.Context) (*stream.Handle, error) {
		c := stream.Resolved(nil)
		tr.record(info, c)
		return &stream.Handle{Controller: stream.FixedVolume{}, Completion: c}, nil
	})
}

// blocking returns an item that only completes when its token is cancelled.
func (tr *tracker) blocking(info string) Item {
	return NewItem(info, func(ctx context.Context) (*stream.Handle, error) {
		c := stream.NewCompletion()
		context.AfterFunc(ctx, func() {
			c.Resolve(stream.Cancelled(ctx))
		})
		tr.record(info, c)
		return &stream.Handle{Controller: stream.FixedVolume{}, Completion: c}, nil
	})
}

func (tr *tracker) record(info string, c *stream.Completion) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.started = append(tr.started, info)
	tr.completions[info] = c
}

func (tr *tracker) Started() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.started...)
}

func (tr *tracker) Completion(info string) *stream.Completion {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.completions[info]
}

func currentInfo(q *Queue) string {
	active, ok := q.Current().Get()
	if !ok {
		return ""
	}
	return active.Info
}

// collect reads events until one of type last arrives.
func collect(t *testing.T, q *Queue, last EventType) []EventType {
	t.Helper()
	var types []EventType
	timeout := time.After(waitFor)
	for {
		select {
		case e, ok := <-q.Events():
			require.True(t, ok, "event channel closed")
			types = append(types, e.Type)
			if e.Type == last {
				return types
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, got %v", last, types)
		}
	}
}

func TestQueue_PlaysItemsInOrder(t *testing.T) {
	q := NewQueue(Config{})
	defer q.Close()
	tr := newTracker()

	infos := []string{"a", "b", "c", "d", "e"}
	for _, info := range infos {
		q.Enqueue(tr.instant(info))
	}

	require.Eventually(t, func() bool {
		return len(tr.Started()) == len(infos) && q.State() == StateIdle
	}, waitFor, tick)
	assert.Equal(t, infos, tr.Started())
	assert.True(t, q.Current().IsAbsent())

	finished := 0
	for {
		select {
		case e := <-q.Events():
			if e.Type == EventItemFinished {
				finished++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, len(infos), finished)
}

func TestQueue_EnqueueMultiple(t *testing.T) {
	q := NewQueue(Config{})
	defer q.Close()
	tr := newTracker()

	q.EnqueueMultiple([]Item{tr.instant("x"), tr.instant("y")})

	collect(t, q, EventQueueEmpty)
	assert.Equal(t, []string{"x", "y"}, tr.Started())
}

func TestQueue_SkipThenStop(t *testing.T) {
	q := NewQueue(Config{})
	defer q.Close()
	tr := newTracker()

	q.Enqueue(tr.blocking("a"))
	q.Enqueue(tr.blocking("b"))

	require.Eventually(t, func() bool { return currentInfo(q) == "a" }, waitFor, tick)
	assert.Equal(t, StatePlaying, q.State())
	require.Len(t, q.Items(), 1)
	assert.Equal(t, "b", q.Items()[0].Info)

	q.Skip()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := tr.Completion("a").Wait(ctx)
	assert.True(t, stream.IsCancelled(err))
	assert.True(t, errors.Is(err, ErrSkipped))

	require.Eventually(t, func() bool { return currentInfo(q) == "b" }, waitFor, tick)

	q.Stop()
	assert.Empty(t, q.Items())
	assert.True(t, q.Current().IsAbsent())

	err = tr.Completion("b").Wait(ctx)
	assert.True(t, errors.Is(err, ErrStopped))
	require.Eventually(t, func() bool { return q.State() == StateIdle }, waitFor, tick)

	events := collect(t, q, EventQueueEmpty)
	assert.Equal(t, []EventType{EventItemStarted, EventItemSkipped, EventItemStarted, EventItemStopped, EventQueueEmpty}, events)
}

func TestQueue_EnqueueDoesNotInterrupt(t *testing.T) {
	q := NewQueue(Config{})
	defer q.Close()
	tr := newTracker()

	q.Enqueue(tr.blocking("a"))
	require.Eventually(t, func() bool { return currentInfo(q) == "a" }, waitFor, tick)

	q.Enqueue(tr.instant("b"))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, "a", currentInfo(q))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, []string{"a"}, tr.Started())

	q.Skip()
	require.Eventually(t, func() bool { return len(tr.Started()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"a", "b"}, tr.Started())
}

func TestQueue_SkipItem(t *testing.T) {
	q := NewQueue(Config{})
	defer q.Close()
	tr := newTracker()

	a := tr.blocking("a")
	b := tr.blocking("b")
	q.EnqueueMultiple([]Item{a, b})
	require.Eventually(t, func() bool { return currentInfo(q) == "a" }, waitFor, tick)

	assert.False(t, q.SkipItem(b.ID))
	assert.Equal(t, "a", currentInfo(q))

	assert.True(t, q.SkipItem(a.ID))
	require.Eventually(t, func() bool { return currentInfo(q) == "b" }, waitFor, tick)
	assert.True(t, errors.Is(tr.Completion("a").Err(), ErrSkipped))

	q.Stop()
	require.Eventually(t, func() bool { return q.State() == StateIdle }, waitFor, tick)
	assert.False(t, q.SkipItem(b.ID))
}

func TestQueue_IdleOperationsAreNoOps(t *testing.T) {
	q := NewQueue(Config{})
	defer q.Close()

	q.Skip()
	q.Stop()
	q.Stop()

	assert.Equal(t, StateIdle, q.State())
	assert.Empty(t, q.Items())
	assert.True(t, q.Current().IsAbsent())

	select {
	case e := <-q.Events():
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestQueue_FailingItemsDoNotHaltQueue(t *testing.T) {
	q := NewQueue(Config{})
	defer q.Close()
	tr := newTracker()

	q.EnqueueMultiple([]Item{
		NewItem("refused", func(ctx context.Context) (*stream.Handle, error) {
			return nil, errors.New("factory refused")
		}),
		NewItem("panics", func(ctx context.Context) (*stream.Handle, error) {
			panic("boom")
		}),
		NewItem("rejects", func(ctx context.Context) (*stream.Handle, error) {
			return &stream.Handle{
				Controller: stream.FixedVolume{},
				Completion: stream.Resolved(stream.NewTransportError("fake", errors.New("exit status 1"))),
			}, nil
		}),
		NewItem("nil handle", func(ctx context.Context) (*stream.Handle, error) {
			return nil, nil
		}),
		tr.instant("ok"),
	})

	events := collect(t, q, EventQueueEmpty)
	assert.Equal(t, []EventType{
		EventItemFailed,
		EventItemFailed,
		EventItemStarted,
		EventItemFailed,
		EventItemFailed,
		EventItemStarted,
		EventItemFinished,
		EventQueueEmpty,
	}, events)
	assert.Equal(t, []string{"ok"}, tr.Started())
}

func TestQueue_RestartsAfterIdle(t *testing.T) {
	q := NewQueue(Config{})
	defer q.Close()
	tr := newTracker()

	q.Enqueue(tr.instant("first"))
	collect(t, q, EventQueueEmpty)

	q.Enqueue(tr.instant("second"))
	collect(t, q, EventQueueEmpty)

	assert.Equal(t, []string{"first", "second"}, tr.Started())
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue(Config{})
	tr := newTracker()

	q.Enqueue(tr.blocking("a"))
	q.Enqueue(tr.blocking("b"))
	require.Eventually(t, func() bool { return currentInfo(q) == "a" }, waitFor, tick)

	q.Close()
	q.Close()

	err := tr.Completion("a").Err()
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Equal(t, []string{"a"}, tr.Started(), "pending items are dropped")

	q.Enqueue(tr.instant("late"))
	assert.Zero(t, q.Len())

	for range q.Events() {
	}
}

func TestNewItem(t *testing.T) {
	a := NewItem("a", nil)
	b := NewItem("a", nil)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.AddedAt.IsZero())
}
