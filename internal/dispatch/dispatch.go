// Package dispatch implements the per-process request dispatch engine:
// the state machine that orchestrates route parsing, the global and
// per-server filter chains, the handler registry, cross-process forwards,
// and the cron scheduler.
//
// A request entering GlobalHandle runs the global before chain, is either
// handled locally (per-server befores, handler, per-server afters) or
// forwarded to a peer of the route's server type, and is answered through
// the request callback; the global after chain runs fire-and-forget after
// the answer. Handle is the narrow entry used by the mesh for messages a
// peer already routed here: state check, route parse, straight into the
// local handler.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/nocturne-games/loquat/internal/cron"
	"github.com/nocturne-games/loquat/internal/filter"
	"github.com/nocturne-games/loquat/internal/handler"
	"github.com/nocturne-games/loquat/internal/message"
	dispatchmetrics "github.com/nocturne-games/loquat/internal/metrics"
	"github.com/nocturne-games/loquat/internal/route"
	"github.com/nocturne-games/loquat/internal/session"
)

// Sentinel errors for the dispatch engine.
var (
	// ErrServerNotStarted rejects requests outside the Started state.
	// Fatal to the call, not to the server.
	ErrServerNotStarted = errors.New("server not started")

	// ErrUnknownRoute indicates a message whose route did not parse.
	ErrUnknownRoute = errors.New("unknown route")

	// ErrNoForwarder indicates a cross-type route on a process configured
	// without a mesh forwarder.
	ErrNoForwarder = errors.New("no forwarder configured")

	// ErrMissingIdentity indicates Options without a server type or id.
	ErrMissingIdentity = errors.New("server type and id are required")
)

// Forwarder sends a message to a peer of the given server type and
// returns the remote handler's reply body. Implemented by the mesh
// client.
type Forwarder interface {
	ForwardMessage(ctx context.Context, serverType string, msg *message.Message, sess session.Export) (any, error)
}

// ErrorHandler transforms an error escaping the before filters or the
// handler before it reaches the request callback. It must invoke cb
// exactly once.
type ErrorHandler func(err error, msg *message.Message, resp any, s session.Session, cb handler.Callback)

// Options is the explicit configuration record of the dispatch server.
// Every field mirrors one recognized application setting; zero values
// disable the corresponding hook.
type Options struct {
	// ServerType and ServerID identify this process in the cluster.
	ServerType string
	ServerID   string

	// Base is the deployment root the crontab is resolved against; Env
	// selects the environment-scoped config subdirectory.
	Base string
	Env  string

	// Filter chains, outermost first. Entries are plain filter functions
	// or values with a Before/After method.
	GlobalBefores []any
	GlobalAfters  []any
	Befores       []any
	Afters        []any

	// Error hooks. GlobalErrorHandler serves the GlobalHandle path,
	// ErrorHandler the Handle path. Nil hooks pass errors through
	// unchanged.
	GlobalErrorHandler ErrorHandler
	ErrorHandler       ErrorHandler

	// Handlers is the request-handler registry content for this server
	// type, materialized at Start.
	Handlers map[string]map[string]handler.HandlerFunc

	// CronHandlers is the registry cron actions resolve against.
	CronHandlers cron.Registry

	// Crons are static entries scheduled in addition to the crontab file.
	Crons []cron.Entry

	// Forwarder carries cross-type messages. Nil on processes that never
	// forward (pure backends reached only via the mesh).
	Forwarder Forwarder

	Logger  *slog.Logger
	Metrics *dispatchmetrics.Collector
}

// Server is the dispatch engine of one process.
//
// Construction leaves it Inited; Start materializes the filter services,
// the handler registry, and the cron list; AfterStart arms the crons. The
// zero value is not usable, use NewServer.
type Server struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	state State

	globalFilters *filter.Service
	serverFilters *filter.Service
	handlers      *handler.Service
	crons         *cron.Scheduler
}

// NewServer creates a dispatch server in the Inited state.
func NewServer(opts Options) (*Server, error) {
	if opts.ServerType == "" || opts.ServerID == "" {
		return nil, ErrMissingIdentity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts: opts,
		logger: logger.With(
			slog.String("component", "dispatch"),
			slog.String("server", opts.ServerID),
		),
		state: StateInited,
	}, nil
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start builds the filter services from the configured chains, registers
// the handlers, loads the crontab, and admits the cron list. No cron is
// armed yet; AfterStart does that once the rest of the process is ready.
//
// Start is idempotent past Inited: a second call is a no-op, including on
// a stopped server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state > StateInited {
		return nil
	}

	s.globalFilters = filter.NewService("global", s.logger)
	for _, f := range s.opts.GlobalBefores {
		s.globalFilters.AddBefore(f)
	}
	for _, f := range s.opts.GlobalAfters {
		s.globalFilters.AddAfter(f)
	}

	s.serverFilters = filter.NewService(s.opts.ServerType, s.logger)
	for _, f := range s.opts.Befores {
		s.serverFilters.AddBefore(f)
	}
	for _, f := range s.opts.Afters {
		s.serverFilters.AddAfter(f)
	}

	s.handlers = handler.NewService(s.opts.ServerType, s.logger)
	for name, methods := range s.opts.Handlers {
		if err := s.handlers.Register(name, methods); err != nil {
			return fmt.Errorf("start dispatch server: %w", err)
		}
	}

	var schedOpts []cron.Option
	if s.opts.Metrics != nil {
		fires := s.opts.Metrics.CronFires
		schedOpts = append(schedOpts, cron.WithFireHook(func(_, action string) {
			fires.WithLabelValues(action).Inc()
		}))
	}
	s.crons = cron.NewScheduler(s.opts.ServerType, s.opts.ServerID, s.opts.CronHandlers, s.logger, schedOpts...)

	table, err := cron.LoadTable(s.opts.Base, s.opts.Env)
	if err != nil {
		return fmt.Errorf("start dispatch server: %w", err)
	}
	entries := append(table.ForType(s.opts.ServerType), s.opts.Crons...)
	s.crons.Add(entries)
	s.setCronGauge()

	s.state = StateStarted
	gBefores, gAfters := s.globalFilters.Len()
	sBefores, sAfters := s.serverFilters.Len()
	s.logger.Info("dispatch server started",
		slog.String("server_type", s.opts.ServerType),
		slog.Any("handlers", s.handlers.Handlers()),
		slog.Int("global_filters", gBefores+gAfters),
		slog.Int("server_filters", sBefores+sAfters),
		slog.Int("crons", s.crons.Count()),
	)
	return nil
}

// AfterStart arms the loaded crons. Kept separate from Start so no cron
// fires before the process has finished wiring its collaborators.
func (s *Server) AfterStart() error {
	if s.State() != StateStarted {
		return ErrServerNotStarted
	}
	s.crons.Start()
	return nil
}

// Stop moves the server to Stopped. In-flight requests and armed crons
// keep running; use Close when the process is torn down.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarted {
		s.state = StateStopped
		s.logger.Info("dispatch server stopped")
	}
}

// Close stops the cron runner and waits for in-flight cron jobs. Safe to
// call in any state.
func (s *Server) Close() {
	s.mu.Lock()
	crons := s.crons
	s.mu.Unlock()
	if crons != nil {
		crons.Stop()
	}
}

// Handle is the local-delivery path: the caller (in production, the mesh
// procedure receiving an already-forwarded message) vouches that the
// route targets this process. No global or per-server filters run; errors
// pass through the per-server error hook.
func (s *Server) Handle(ctx context.Context, msg *message.Message, sess session.Session, cb handler.Callback) {
	if s.State() != StateStarted {
		cb(ErrServerNotStarted, nil)
		return
	}

	rec, err := route.Parse(msg.Route)
	if err != nil {
		cb(fmt.Errorf("%w: %s", ErrUnknownRoute, msg.Route), nil)
		return
	}

	s.observeInFlight(1)
	s.handlers.Handle(ctx, rec, msg, sess, func(err error, resp any) {
		if err != nil {
			s.applyErrorHandler(s.opts.ErrorHandler, err, msg, resp, sess, func(err error, resp any) {
				s.finishLocal(err, resp, cb)
			})
			return
		}
		s.finishLocal(nil, resp, cb)
	})
}

func (s *Server) finishLocal(err error, resp any, cb handler.Callback) {
	s.observeInFlight(-1)
	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveRequest(s.opts.ServerType, err)
	}
	cb(err, resp)
}

// GlobalHandle is the full dispatch path: global befores, then either the
// local per-server layer or a mesh forward, then the reply, then the
// global afters fire-and-forget.
func (s *Server) GlobalHandle(ctx context.Context, msg *message.Message, sess session.Session, cb handler.Callback) {
	if s.State() != StateStarted {
		cb(ErrServerNotStarted, nil)
		return
	}

	s.observeInFlight(1)

	rec, err := route.Parse(msg.Route)
	if err != nil {
		s.respond(ctx, fmt.Errorf("%w: %s", ErrUnknownRoute, msg.Route), msg, nil, sess, cb)
		return
	}

	s.globalFilters.RunBefore(ctx, msg, sess, func(err error, resp, _ any) {
		if err != nil {
			s.countFilterError(dispatchmetrics.ChainGlobalBefore)
			s.applyErrorHandler(s.opts.GlobalErrorHandler, err, msg, resp, sess, func(err error, resp any) {
				s.respond(ctx, err, msg, resp, sess, cb)
			})
			return
		}

		if rec.ServerType != s.opts.ServerType {
			s.forward(ctx, rec, msg, sess, cb)
			return
		}

		s.handleLocal(ctx, rec, msg, sess, func(err error, resp any) {
			s.respond(ctx, err, msg, resp, sess, cb)
		})
	})
}

// handleLocal runs the per-server layer: befores, handler, afters. Errors
// from the befores or the handler pass through the global error hook, and
// the per-server afters run in every outcome, feeding their error into
// the reply.
func (s *Server) handleLocal(ctx context.Context, rec *route.Record, msg *message.Message, sess session.Session, cb handler.Callback) {
	s.serverFilters.RunBefore(ctx, msg, sess, func(err error, resp, _ any) {
		if err != nil {
			s.countFilterError(dispatchmetrics.ChainServerBefore)
			s.localError(ctx, err, msg, resp, sess, cb)
			return
		}

		s.handlers.Handle(ctx, rec, msg, sess, func(err error, resp any) {
			if err != nil {
				s.localError(ctx, err, msg, resp, sess, cb)
				return
			}
			s.runServerAfters(ctx, nil, msg, sess, resp, cb)
		})
	})
}

// localError routes an error through the global error hook, then the
// per-server after chain.
func (s *Server) localError(ctx context.Context, err error, msg *message.Message, resp any, sess session.Session, cb handler.Callback) {
	s.applyErrorHandler(s.opts.GlobalErrorHandler, err, msg, resp, sess, func(err error, resp any) {
		s.runServerAfters(ctx, err, msg, sess, resp, cb)
	})
}

// runServerAfters drains the per-server after chain. Its final error, not
// the response, may differ from what the handler produced.
func (s *Server) runServerAfters(ctx context.Context, err error, msg *message.Message, sess session.Session, resp any, cb handler.Callback) {
	seed := err
	s.serverFilters.RunAfter(ctx, err, msg, sess, resp, func(err error) {
		if err != nil && !errors.Is(err, seed) {
			s.countFilterError(dispatchmetrics.ChainServerAfter)
		}
		cb(err, resp)
	})
}

// forward carries the message to a peer of the route's server type. A
// once-guard keeps the synchronous return and the panic path from
// reporting twice; forward errors bypass the error hooks and reach the
// caller directly.
func (s *Server) forward(ctx context.Context, rec *route.Record, msg *message.Message, sess session.Session, cb handler.Callback) {
	if s.opts.Forwarder == nil {
		s.respond(ctx, fmt.Errorf("%w: route %q", ErrNoForwarder, msg.Route), msg, nil, sess, cb)
		return
	}

	var finished atomic.Bool
	finish := func(err error, resp any) {
		if !finished.CompareAndSwap(false, true) {
			s.logger.Error("forward completion reported twice",
				slog.String("route", msg.Route),
			)
			return
		}
		if err != nil {
			s.logger.Error("forward failed",
				slog.String("route", msg.Route),
				slog.String("target_type", rec.ServerType),
				slog.String("error", err.Error()),
			)
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.ObserveForward(rec.ServerType, err)
		}
		s.respond(ctx, err, msg, resp, sess, cb)
	}

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			s.logger.Error("panic in forward path",
				slog.String("route", msg.Route),
				slog.Any("panic", r),
				slog.String("stack", string(buf[:n])),
			)
			finish(fmt.Errorf("forward %q: %v", msg.Route, r), nil)
		}
	}()

	var export session.Export
	if sess != nil {
		export = sess.Export()
	}
	resp, err := s.opts.Forwarder.ForwardMessage(ctx, rec.ServerType, msg, export)
	finish(err, resp)
}

// respond answers the request, then drains the global after chain
// fire-and-forget: its errors are counted and logged, never surfaced to
// the caller.
func (s *Server) respond(ctx context.Context, err error, msg *message.Message, resp any, sess session.Session, cb handler.Callback) {
	s.observeInFlight(-1)
	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveRequest(s.opts.ServerType, err)
	}

	cb(err, resp)

	seed := err
	s.globalFilters.RunAfter(ctx, err, msg, sess, resp, func(err error) {
		if err != nil && !errors.Is(err, seed) {
			s.countFilterError(dispatchmetrics.ChainGlobalAfter)
			s.logger.Error("global after filter failed",
				slog.String("route", msg.Route),
				slog.String("error", err.Error()),
			)
		}
	})
}

// applyErrorHandler passes (err, resp) through hook when one is
// configured. Without a hook the error is logged and passed through
// unchanged.
func (s *Server) applyErrorHandler(hook ErrorHandler, err error, msg *message.Message, resp any, sess session.Session, cb handler.Callback) {
	if hook == nil {
		s.logger.Error("request failed",
			slog.String("route", msg.Route),
			slog.String("error", err.Error()),
		)
		cb(err, resp)
		return
	}
	hook(err, msg, resp, sess, cb)
}

// AddCrons admits and schedules entries at runtime. Entries scoped to
// another server id, duplicate ids, and unresolvable actions are skipped
// with a warning, exactly as at load time.
func (s *Server) AddCrons(entries []cron.Entry) {
	if s.State() != StateStarted {
		s.logger.Warn("add crons ignored, server not started")
		return
	}
	s.crons.Add(entries)
	s.setCronGauge()
}

// RemoveCrons cancels the scheduler handles of the given entries. Unknown
// ids are logged and ignored.
func (s *Server) RemoveCrons(entries []cron.Entry) {
	if s.State() != StateStarted {
		s.logger.Warn("remove crons ignored, server not started")
		return
	}
	s.crons.Remove(entries)
	s.setCronGauge()
}

// CronScheduled reports whether the cron id holds a live schedule.
func (s *Server) CronScheduled(id string) bool {
	s.mu.Lock()
	crons := s.crons
	s.mu.Unlock()
	return crons != nil && crons.Scheduled(id)
}

// CronOp selects the mutation a CronEvent applies.
type CronOp uint8

const (
	// CronAdd schedules the event's entries.
	CronAdd CronOp = iota + 1

	// CronRemove cancels the event's entries.
	CronRemove
)

// CronEvent is one cron mutation delivered over the event channel.
type CronEvent struct {
	Op      CronOp
	Entries []cron.Entry
}

// ServeCronEvents applies cron mutations from events until the channel
// closes or ctx is done. This is the serialization point for components
// that push cron changes from outside the dispatch path.
func (s *Server) ServeCronEvents(ctx context.Context, events <-chan CronEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Op {
			case CronAdd:
				s.AddCrons(ev.Entries)
			case CronRemove:
				s.RemoveCrons(ev.Entries)
			default:
				s.logger.Warn("unknown cron event op", slog.Int("op", int(ev.Op)))
			}
		}
	}
}

func (s *Server) setCronGauge() {
	if s.opts.Metrics != nil {
		s.opts.Metrics.CronJobs.Set(float64(s.crons.Count()))
	}
}

func (s *Server) countFilterError(chain string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.FilterErrors.WithLabelValues(chain).Inc()
	}
}

func (s *Server) observeInFlight(delta float64) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.InFlight.Add(delta)
	}
}
