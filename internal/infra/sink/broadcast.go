package sink

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
)

// Broadcast fans written chunks out to HTTP listeners. Writes never block:
// a listener whose queue is full is disconnected.
type Broadcast struct {
	name        string
	contentType string
	queueSize   int

	mu        sync.Mutex
	listeners map[string]chan []byte
	closed    bool
}

// NewBroadcast creates a broadcast sink. queueSize is the number of chunks
// buffered per listener.
func NewBroadcast(name, contentType string, queueSize int) *Broadcast {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Broadcast{
		name:        name,
		contentType: contentType,
		queueSize:   queueSize,
		listeners:   make(map[string]chan []byte),
	}
}

// Write sends a copy of p to every listener.
func (b *Broadcast) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	if len(b.listeners) == 0 {
		return len(p), nil
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)
	for id, ch := range b.listeners {
		select {
		case ch <- chunk:
		default:
			zlog.Warn().Msgf("sink: dropping slow listener: session=%s listener=%s", b.name, id)
			b.removeLocked(id)
		}
	}
	return len(p), nil
}

// ServeHTTP streams the output to the client until it disconnects or is
// dropped.
func (b *Broadcast) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ch, ok := b.subscribe()
	if !ok {
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}
	defer b.unsubscribe(id)
	zlog.Info().Msgf("sink: listener connected: session=%s listener=%s remote=%s", b.name, id, r.RemoteAddr)

	w.Header().Set("Content-Type", b.contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			zlog.Info().Msgf("sink: listener disconnected: session=%s listener=%s", b.name, id)
			return
		case chunk, open := <-ch:
			if !open {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// ListenerCount returns the number of connected listeners.
func (b *Broadcast) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Close disconnects every listener. Later writes fail with ErrClosed.
func (b *Broadcast) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id := range b.listeners {
		b.removeLocked(id)
	}
	return nil
}

func (b *Broadcast) subscribe() (string, chan []byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", nil, false
	}
	id := uuid.New().String()
	ch := make(chan []byte, b.queueSize)
	b.listeners[id] = ch
	return id, ch, true
}

func (b *Broadcast) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Broadcast) removeLocked(id string) {
	if ch, ok := b.listeners[id]; ok {
		close(ch)
		delete(b.listeners, id)
	}
}
