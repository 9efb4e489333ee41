package connect

import (
	"context"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	zlog "github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/osa030/19cast/internal/app/notification"
	"github.com/osa030/19cast/internal/app/session"
	"github.com/osa030/19cast/internal/domain/stream"
	"github.com/osa030/19cast/internal/infra/config"
	"github.com/osa030/19cast/internal/infra/mediamtx"
)

// NotificationInitialState is the type of the first notification sent by
// Watch. It carries the session state at subscription time.
const NotificationInitialState = "initial_state"

// PathLister lists MediaMTX paths.
type PathLister interface {
	AllPaths(ctx context.Context) ([]mediamtx.PathInfo, error)
}

// ControlService implements the control RPCs.
type ControlService struct {
	sessions *session.Registry
	paths    PathLister
	config   *config.Config
	validate *validator.Validate
}

// NewControlService creates a new ControlService. paths may be nil when
// MediaMTX is not configured.
func NewControlService(sessions *session.Registry, paths PathLister, cfg *config.Config) *ControlService {
	return &ControlService{
		sessions: sessions,
		paths:    paths,
		config:   cfg,
		validate: validator.New(),
	}
}

func (s *ControlService) session(name string) (*session.Manager, error) {
	if name == "" {
		all := s.sessions.All()
		if len(all) == 0 {
			return nil, toConnectError(session.ErrSessionNotFound)
		}
		return all[0], nil
	}
	m, err := s.sessions.Get(name)
	if err != nil {
		return nil, toConnectError(err)
	}
	return m, nil
}

// Enqueue handles enqueue requests.
func (s *ControlService) Enqueue(
	ctx context.Context,
	req *connect.Request[EnqueueRequest],
) (*connect.Response[EnqueueResponse], error) {
	if err := s.validate.Struct(req.Msg); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	m, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}

	res, err := m.Enqueue(ctx, session.Request{
		Input:   stream.Input{URL: req.Msg.URL, Source: req.Msg.Source},
		Label:   req.Msg.Label,
		Options: req.Msg.Options,
	})
	if err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&EnqueueResponse{
		Accepted:   res.Accepted,
		Code:       res.Code,
		Message:    s.config.GetMessage(res.Code),
		ItemID:     res.ItemID,
		SourceType: res.SourceType,
	}), nil
}

// Skip skips the current item.
func (s *ControlService) Skip(
	ctx context.Context,
	req *connect.Request[SkipRequest],
) (*connect.Response[SkipResponse], error) {
	m, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	m.Skip()
	return connect.NewResponse(&SkipResponse{
		Success: true,
		Message: "Item skipped",
	}), nil
}

// Stop clears the queue of a session.
func (s *ControlService) Stop(
	ctx context.Context,
	req *connect.Request[StopRequest],
) (*connect.Response[StopResponse], error) {
	m, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	m.Stop()
	return connect.NewResponse(&StopResponse{
		Success: true,
		Message: "Playback stopped",
	}), nil
}

// SetVolume changes the volume of a session.
func (s *ControlService) SetVolume(
	ctx context.Context,
	req *connect.Request[SetVolumeRequest],
) (*connect.Response[SetVolumeResponse], error) {
	m, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	applied, err := m.SetVolume(ctx, req.Msg.Volume)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&SetVolumeResponse{
		Applied: applied,
		Volume:  m.Volume(),
	}), nil
}

// GetStatus returns the status of a session.
func (s *ControlService) GetStatus(
	ctx context.Context,
	req *connect.Request[GetStatusRequest],
) (*connect.Response[GetStatusResponse], error) {
	m, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&GetStatusResponse{
		Status: newSessionStatus(m.Status()),
	}), nil
}

// ListSessions returns the status of every session.
func (s *ControlService) ListSessions(
	ctx context.Context,
	req *connect.Request[ListSessionsRequest],
) (*connect.Response[ListSessionsResponse], error) {
	sessions := lo.Map(s.sessions.All(), func(m *session.Manager, _ int) SessionStatus {
		return newSessionStatus(m.Status())
	})
	return connect.NewResponse(&ListSessionsResponse{Sessions: sessions}), nil
}

// ListPaths lists the MediaMTX paths.
func (s *ControlService) ListPaths(
	ctx context.Context,
	req *connect.Request[ListPathsRequest],
) (*connect.Response[ListPathsResponse], error) {
	if s.paths == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("mediamtx source is not configured"))
	}
	paths, err := s.paths.AllPaths(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewResponse(&ListPathsResponse{
		Paths: lo.Map(paths, func(p mediamtx.PathInfo, _ int) PathInfo { return newPathInfo(p) }),
	}), nil
}

// Watch streams the queue events of a session, starting with its current
// state.
func (s *ControlService) Watch(
	ctx context.Context,
	req *connect.Request[WatchRequest],
	stream *connect.ServerStream[Notification],
) error {
	m, err := s.session(req.Msg.Session)
	if err != nil {
		return err
	}

	status := m.Status()
	initial := &Notification{
		Session: status.Name,
		Type:    NotificationInitialState,
		State:   status.State.String(),
		Time:    time.Now(),
	}
	if status.Current != nil {
		initial.ItemID = status.Current.ID
		initial.Label = status.Current.Label
	}

	adapter := &notificationStreamAdapter{stream: stream}
	if err := adapter.Send(initial); err != nil {
		return err
	}

	notifManager := m.Notifications()
	subscriptionID := notifManager.Subscribe(adapter)
	defer notifManager.Unsubscribe(subscriptionID)
	zlog.Debug().Msgf("connect: watch started: session=%s subscription=%s", status.Name, subscriptionID)

	select {
	case <-ctx.Done():
	case <-m.Done():
	}
	return nil
}

// notificationStreamAdapter adapts connect.ServerStream to
// notification.Stream. Sends are serialized.
type notificationStreamAdapter struct {
	mu     sync.Mutex
	stream *connect.ServerStream[Notification]
}

func (a *notificationStreamAdapter) Send(n *notification.Notification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream.Send(n)
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, session.ErrEmptyInput), errors.Is(err, stream.ErrInvalidVolume):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, stream.ErrUnsupportedOperation):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, session.ErrSessionClosed):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
