// Package live serves the broadcast output of sessions over HTTP.
package live

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/osa030/19cast/internal/app/session"
)

// Handler routes GET <prefix><session> to the session's broadcast sink.
type Handler struct {
	prefix   string
	sessions *session.Registry
}

// NewHandler creates a handler mounted on prefix, e.g. "/live/".
func NewHandler(prefix string, sessions *session.Registry) *Handler {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Handler{prefix: prefix, sessions: sessions}
}

// Prefix returns the mount path.
func (h *Handler) Prefix() string {
	return h.prefix
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.Trim(strings.TrimPrefix(r.URL.Path, h.prefix), "/")
	m, err := h.sessions.Get(name)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out, ok := m.Sink().(http.Handler)
	if !ok {
		http.Error(w, "session output is not served over http", http.StatusNotFound)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	out.ServeHTTP(w, r)
}
