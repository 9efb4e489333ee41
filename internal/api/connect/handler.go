package connect

import (
	"net/http"

	"connectrpc.com/connect"
)

// ServiceName is the fully-qualified name of the control service.
const ServiceName = "cast.v1.ControlService"

// Procedure paths.
const (
	EnqueueProcedure      = "/" + ServiceName + "/Enqueue"
	SkipProcedure         = "/" + ServiceName + "/Skip"
	StopProcedure         = "/" + ServiceName + "/Stop"
	SetVolumeProcedure    = "/" + ServiceName + "/SetVolume"
	GetStatusProcedure    = "/" + ServiceName + "/GetStatus"
	ListSessionsProcedure = "/" + ServiceName + "/ListSessions"
	ListPathsProcedure    = "/" + ServiceName + "/ListPaths"
	WatchProcedure        = "/" + ServiceName + "/Watch"
)

// NewHandler builds the HTTP handler of svc and returns the path to mount it
// on.
func NewHandler(svc *ControlService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(EnqueueProcedure, connect.NewUnaryHandler(EnqueueProcedure, svc.Enqueue, opts...))
	mux.Handle(SkipProcedure, connect.NewUnaryHandler(SkipProcedure, svc.Skip, opts...))
	mux.Handle(StopProcedure, connect.NewUnaryHandler(StopProcedure, svc.Stop, opts...))
	mux.Handle(SetVolumeProcedure, connect.NewUnaryHandler(SetVolumeProcedure, svc.SetVolume, opts...))
	mux.Handle(GetStatusProcedure, connect.NewUnaryHandler(GetStatusProcedure, svc.GetStatus, opts...))
	mux.Handle(ListSessionsProcedure, connect.NewUnaryHandler(ListSessionsProcedure, svc.ListSessions, opts...))
	mux.Handle(ListPathsProcedure, connect.NewUnaryHandler(ListPathsProcedure, svc.ListPaths, opts...))
	mux.Handle(WatchProcedure, connect.NewServerStreamHandler(WatchProcedure, svc.Watch, opts...))
	return "/" + ServiceName + "/", mux
}
