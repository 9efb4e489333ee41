package connect

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// Client calls the control service.
type Client struct {
	enqueue      *connect.Client[EnqueueRequest, EnqueueResponse]
	skip         *connect.Client[SkipRequest, SkipResponse]
	stop         *connect.Client[StopRequest, StopResponse]
	setVolume    *connect.Client[SetVolumeRequest, SetVolumeResponse]
	getStatus    *connect.Client[GetStatusRequest, GetStatusResponse]
	listSessions *connect.Client[ListSessionsRequest, ListSessionsResponse]
	listPaths    *connect.Client[ListPathsRequest, ListPathsResponse]
	watch        *connect.Client[WatchRequest, Notification]
}

// NewClient creates a client for the server at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &Client{
		enqueue:      connect.NewClient[EnqueueRequest, EnqueueResponse](httpClient, baseURL+EnqueueProcedure, opts...),
		skip:         connect.NewClient[SkipRequest, SkipResponse](httpClient, baseURL+SkipProcedure, opts...),
		stop:         connect.NewClient[StopRequest, StopResponse](httpClient, baseURL+StopProcedure, opts...),
		setVolume:    connect.NewClient[SetVolumeRequest, SetVolumeResponse](httpClient, baseURL+SetVolumeProcedure, opts...),
		getStatus:    connect.NewClient[GetStatusRequest, GetStatusResponse](httpClient, baseURL+GetStatusProcedure, opts...),
		listSessions: connect.NewClient[ListSessionsRequest, ListSessionsResponse](httpClient, baseURL+ListSessionsProcedure, opts...),
		listPaths:    connect.NewClient[ListPathsRequest, ListPathsResponse](httpClient, baseURL+ListPathsProcedure, opts...),
		watch:        connect.NewClient[WatchRequest, Notification](httpClient, baseURL+WatchProcedure, opts...),
	}
}

func (c *Client) Enqueue(ctx context.Context, req *EnqueueRequest) (*EnqueueResponse, error) {
	resp, err := c.enqueue.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Skip(ctx context.Context, req *SkipRequest) (*SkipResponse, error) {
	resp, err := c.skip.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Stop(ctx context.Context, req *StopRequest) (*StopResponse, error) {
	resp, err := c.stop.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) SetVolume(ctx context.Context, req *SetVolumeRequest) (*SetVolumeResponse, error) {
	resp, err := c.setVolume.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) GetStatus(ctx context.Context, req *GetStatusRequest) (*GetStatusResponse, error) {
	resp, err := c.getStatus.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) ListSessions(ctx context.Context, req *ListSessionsRequest) (*ListSessionsResponse, error) {
	resp, err := c.listSessions.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) ListPaths(ctx context.Context, req *ListPathsRequest) (*ListPathsResponse, error) {
	resp, err := c.listPaths.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Watch opens the notification stream of a session. The caller must close
// the returned stream.
func (c *Client) Watch(ctx context.Context, req *WatchRequest) (*connect.ServerStreamForClient[Notification], error) {
	return c.watch.CallServerStream(ctx, connect.NewRequest(req))
}
