package connect

import (
	"time"

	"github.com/osa030/19cast/internal/app/notification"
	"github.com/osa030/19cast/internal/app/session"
	"github.com/osa030/19cast/internal/domain/stream"
	"github.com/osa030/19cast/internal/infra/mediamtx"
)

// An empty Session field addresses the first configured session.

type EnqueueRequest struct {
	Session string         `json:"session,omitempty"`
	URL     string         `json:"url" validate:"required"`
	Source  string         `json:"source,omitempty"`
	Label   string         `json:"label,omitempty" validate:"max=256"`
	Options stream.Options `json:"options"`
}

type EnqueueResponse struct {
	Accepted   bool   `json:"accepted"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	ItemID     string `json:"itemId,omitempty"`
	SourceType string `json:"sourceType,omitempty"`
}

type SkipRequest struct {
	Session string `json:"session,omitempty"`
}

type SkipResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type StopRequest struct {
	Session string `json:"session,omitempty"`
}

type StopResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type SetVolumeRequest struct {
	Session string  `json:"session,omitempty"`
	Volume  float64 `json:"volume" validate:"gte=0"`
}

type SetVolumeResponse struct {
	Applied bool    `json:"applied"` // False when nothing is playing; the volume still applies to later items
	Volume  float64 `json:"volume"`
}

type GetStatusRequest struct {
	Session string `json:"session,omitempty"`
}

type GetStatusResponse struct {
	Status SessionStatus `json:"status"`
}

type ListSessionsRequest struct{}

type ListSessionsResponse struct {
	Sessions []SessionStatus `json:"sessions"`
}

type ListPathsRequest struct{}

type ListPathsResponse struct {
	Paths []PathInfo `json:"paths"`
}

type WatchRequest struct {
	Session string `json:"session,omitempty"`
}

// Notification is the message streamed by Watch.
type Notification = notification.Notification

// SessionStatus is the wire form of session.Status.
type SessionStatus struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Format      string     `json:"format"`
	Volume      float64    `json:"volume"`
	Current     *ItemInfo  `json:"current,omitempty"`
	Pending     []ItemInfo `json:"pending"`
	Subscribers int        `json:"subscribers"`
	Listeners   int        `json:"listeners"`
}

type ItemInfo struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Input      string     `json:"input"`
	SourceType string     `json:"sourceType"`
	Standby    bool       `json:"standby,omitempty"`
	AddedAt    time.Time  `json:"addedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
}

// PathInfo describes a MediaMTX path that can be enqueued as URL.
type PathInfo struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	Ready      bool   `json:"ready"`
	SourceType string `json:"sourceType,omitempty"`
	Readers    int    `json:"readers"`
}

func newSessionStatus(s session.Status) SessionStatus {
	out := SessionStatus{
		Name:        s.Name,
		State:       s.State.String(),
		Format:      s.Format,
		Volume:      s.Volume,
		Pending:     make([]ItemInfo, 0, len(s.Pending)),
		Subscribers: s.Subscribers,
		Listeners:   s.Listeners,
	}
	if s.Current != nil {
		item := newItemInfo(*s.Current)
		out.Current = &item
	}
	for _, p := range s.Pending {
		out.Pending = append(out.Pending, newItemInfo(p))
	}
	return out
}

func newItemInfo(s session.ItemStatus) ItemInfo {
	info := ItemInfo{
		ID:         s.ID,
		Label:      s.Label,
		Input:      s.Input,
		SourceType: s.SourceType,
		Standby:    s.Standby,
		AddedAt:    s.AddedAt,
		Attempts:   s.Attempts,
	}
	if !s.StartedAt.IsZero() {
		startedAt := s.StartedAt
		info.StartedAt = &startedAt
	}
	return info
}

func newPathInfo(p mediamtx.PathInfo) PathInfo {
	return PathInfo{
		Name:       p.Name,
		URL:        mediamtx.Scheme + ":" + p.Name,
		Ready:      p.Ready,
		SourceType: p.SourceType(),
		Readers:    len(p.Readers),
	}
}
