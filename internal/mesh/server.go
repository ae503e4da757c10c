package mesh

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/nocturne-games/loquat/internal/handler"
	"github.com/nocturne-games/loquat/internal/message"
	"github.com/nocturne-games/loquat/internal/session"
)

// Dispatcher is the inbound contract of the dispatch engine as the mesh
// sees it. ForwardMessage delivers already-routed messages, so the mesh
// invokes the local-handle path, not the full global dispatch.
type Dispatcher interface {
	Handle(ctx context.Context, msg *message.Message, s session.Session, cb handler.Callback)
}

// Server exposes the mesh procedures of one process.
//
// Every process serves ForwardMessage. Only frontends serve the session
// remotes; on a backend the sessions registry is nil and those procedures
// answer Unimplemented.
type Server struct {
	logger     *slog.Logger
	dispatcher Dispatcher
	sessions   *session.Service
	remote     session.Remote
}

// NewServer creates the mesh server for one process. dispatcher handles
// forwarded messages; sessions (frontends only) backs the session
// remotes; remote is handed to the backend session snapshots built for
// forwarded requests so their pushes can travel back.
func NewServer(logger *slog.Logger, dispatcher Dispatcher, sessions *session.Service, remote session.Remote) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:     logger.With(slog.String("component", "mesh")),
		dispatcher: dispatcher,
		sessions:   sessions,
		remote:     remote,
	}
}

// Routes mounts the mesh procedures on mux. The JSON codec and the
// logging/recovery interceptors are always installed; opts are appended
// after them.
func (s *Server) Routes(mux *http.ServeMux, opts ...connect.HandlerOption) {
	base := []connect.HandlerOption{
		connect.WithCodec(JSONCodec{}),
		connect.WithInterceptors(
			RecoveryInterceptor(s.logger),
			LoggingInterceptor(s.logger),
		),
	}
	base = append(base, opts...)

	mux.Handle(ForwardMessageProcedure,
		connect.NewUnaryHandler(ForwardMessageProcedure, s.handleForward, base...))
	mux.Handle(BindSessionProcedure,
		connect.NewUnaryHandler(BindSessionProcedure, s.handleBind, base...))
	mux.Handle(UnbindSessionProcedure,
		connect.NewUnaryHandler(UnbindSessionProcedure, s.handleUnbind, base...))
	mux.Handle(PushSessionProcedure,
		connect.NewUnaryHandler(PushSessionProcedure, s.handlePush, base...))
}

// handleForward reconstructs the backend session snapshot and hands the
// message to the local dispatch engine, bridging its callback back into
// the unary reply.
func (s *Server) handleForward(ctx context.Context, req *connect.Request[ForwardRequest]) (*connect.Response[ForwardResponse], error) {
	if s.dispatcher == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("process accepts no forwards"))
	}

	msg := req.Msg.Message
	bs := session.FromExport(req.Msg.Session, s.remote)

	type outcome struct {
		resp any
		err  error
	}
	done := make(chan outcome, 1)

	s.dispatcher.Handle(ctx, &msg, bs, func(err error, resp any) {
		done <- outcome{resp: resp, err: err}
	})

	select {
	case <-ctx.Done():
		return nil, connect.NewError(connect.CodeCanceled, ctx.Err())
	case o := <-done:
		if o.err != nil {
			return nil, connect.NewError(connect.CodeUnknown, o.err)
		}
		return connect.NewResponse(&ForwardResponse{Body: o.resp}), nil
	}
}

func (s *Server) handleBind(_ context.Context, req *connect.Request[SessionBindRequest]) (*connect.Response[SessionReply], error) {
	if s.sessions == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("process owns no sessions"))
	}
	if err := s.sessions.Bind(req.Msg.SessionID, req.Msg.UID); err != nil {
		return nil, sessionError(err)
	}
	return connect.NewResponse(&SessionReply{}), nil
}

func (s *Server) handleUnbind(_ context.Context, req *connect.Request[SessionBindRequest]) (*connect.Response[SessionReply], error) {
	if s.sessions == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("process owns no sessions"))
	}
	if err := s.sessions.Unbind(req.Msg.SessionID, req.Msg.UID); err != nil {
		return nil, sessionError(err)
	}
	return connect.NewResponse(&SessionReply{}), nil
}

func (s *Server) handlePush(_ context.Context, req *connect.Request[SessionPushRequest]) (*connect.Response[SessionReply], error) {
	if s.sessions == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("process owns no sessions"))
	}
	if err := s.sessions.ImportSettings(req.Msg.SessionID, req.Msg.Settings); err != nil {
		return nil, sessionError(err)
	}
	return connect.NewResponse(&SessionReply{}), nil
}

// sessionError maps session registry errors onto Connect codes.
func sessionError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, session.ErrUIDMismatch):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
