// Package handler implements the per-server-type handler registry and
// invocation contract.
//
// The registry is a two-level map handler → method → function, materialized
// before the server starts and read-only afterwards. Handlers are user
// code: the service looks them up and invokes them, but does not wrap them
// in exception barriers beyond the process-level recovery at the mesh
// boundary.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/nocturne-games/loquat/internal/message"
	"github.com/nocturne-games/loquat/internal/route"
	"github.com/nocturne-games/loquat/internal/session"
)

// Sentinel errors for handler registration and dispatch.
var (
	// ErrHandlerNotFound indicates the route names a handler this server
	// type does not register.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrMethodNotFound indicates the handler exists but has no such
	// method.
	ErrMethodNotFound = errors.New("handler method not found")

	// ErrDuplicateHandler indicates two registrations under the same
	// handler name.
	ErrDuplicateHandler = errors.New("handler already registered")

	// ErrNoMethods indicates a component registration that contributed no
	// usable handler methods.
	ErrNoMethods = errors.New("component has no handler methods")
)

// Callback delivers a handler's outcome: a non-nil err or a resp payload.
// Single-use by contract.
type Callback func(err error, resp any)

// HandlerFunc is the invocation contract for user handlers.
type HandlerFunc func(ctx context.Context, msg *message.Message, s session.Session, cb Callback)

// Service is the handler registry for one server type.
type Service struct {
	serverType string
	logger     *slog.Logger
	handlers   map[string]map[string]HandlerFunc
}

// NewService creates an empty registry for serverType.
func NewService(serverType string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		serverType: serverType,
		logger:     logger.With(slog.String("component", "handler")),
		handlers:   make(map[string]map[string]HandlerFunc),
	}
}

// Register installs an explicit method table under name. Registration
// happens before the dispatch server starts; the registry is read-only
// afterwards.
func (s *Service) Register(name string, methods map[string]HandlerFunc) error {
	if _, ok := s.handlers[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateHandler)
	}

	table := make(map[string]HandlerFunc, len(methods))
	for m, fn := range methods {
		table[m] = fn
		s.logger.Debug("registered handler method",
			slog.String("handler", name),
			slog.String("method", m),
		)
	}
	s.handlers[name] = table
	return nil
}

// RegisterComponent extracts handler methods from comp by reflection and
// installs them under name. A method qualifies when it is exported and has
// the exact HandlerFunc shape minus the receiver; its registered name is
// the method name with the first rune lowered ("Login" serves
// "type.name.login").
func (s *Service) RegisterComponent(name string, comp any) error {
	methods := extract(comp)
	if len(methods) == 0 {
		return fmt.Errorf("register %q: %w", name, ErrNoMethods)
	}
	return s.Register(name, methods)
}

// Handle looks up the method addressed by r and invokes it with
// (ctx, msg, sess, cb). Lookup failures are reported through cb.
func (s *Service) Handle(ctx context.Context, r *route.Record, msg *message.Message, sess session.Session, cb Callback) {
	methods, ok := s.handlers[r.Handler]
	if !ok {
		cb(fmt.Errorf("route %q: %w", r.Route, ErrHandlerNotFound), nil)
		return
	}
	fn, ok := methods[r.Method]
	if !ok {
		cb(fmt.Errorf("route %q: %w", r.Route, ErrMethodNotFound), nil)
		return
	}

	fn(ctx, msg, sess, cb)
}

// Handlers returns the registered handler names, for startup logging.
func (s *Service) Handlers() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	return names
}

// handlerMethodType is the method shape RegisterComponent accepts.
var handlerMethodType = reflect.TypeOf(HandlerFunc(nil))

// extract walks comp's method set and collects every exported method with
// the handler shape.
func extract(comp any) map[string]HandlerFunc {
	out := make(map[string]HandlerFunc)

	v := reflect.ValueOf(comp)
	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !m.IsExported() {
			continue
		}
		fn := v.Method(i)
		if !fn.Type().ConvertibleTo(handlerMethodType) {
			continue
		}
		out[lowerFirst(m.Name)] = fn.Convert(handlerMethodType).Interface().(HandlerFunc)
	}
	return out
}

// lowerFirst lowers the first rune: exported Go method names map to the
// lowerCamel method segment used in routes.
func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}
