// Package filter implements the bidirectional request filter chains.
//
// A filter is either a plain function or a value exposing a Before/After
// method; the two forms are interchangeable at every chain position. Before
// filters run in registration order and may short-circuit the request by
// passing an error to their continuation. After filters are cleanup
// handlers: they run in reverse-registration order and are never skipped,
// even when an earlier after filter reports an error.
package filter

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/nocturne-games/loquat/internal/message"
	"github.com/nocturne-games/loquat/internal/session"
)

// Sentinel errors for filter chain execution.
var (
	// ErrInvalidFilter indicates a registered filter is neither a plain
	// filter function nor a value with a Before/After method. The error is
	// fatal to the chain that hits it, not to the server.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrNextReused is logged when a filter invokes its single-use next
	// continuation more than once. The extra invocation is dropped.
	ErrNextReused = errors.New("filter continuation invoked twice")
)

// Next resumes a before chain. A non-nil err short-circuits the chain;
// resp and opts are carried to the chain callback verbatim, whether the
// chain short-circuits or drains. Next is single-use: a second invocation
// is detected, logged, and ignored.
type Next func(err error, resp, opts any)

// AfterNext resumes an after chain. Only err propagates; a non-nil err
// does not stop the remaining after filters from running.
type AfterNext func(err error)

// BeforeFunc is the plain-function form of a before filter.
type BeforeFunc func(ctx context.Context, msg *message.Message, s session.Session, next Next)

// AfterFunc is the plain-function form of an after filter.
type AfterFunc func(ctx context.Context, err error, msg *message.Message, s session.Session, resp any, next AfterNext)

// Before is the method form of a before filter.
type Before interface {
	Before(ctx context.Context, msg *message.Message, s session.Session, next Next)
}

// After is the method form of an after filter.
type After interface {
	After(ctx context.Context, err error, msg *message.Message, s session.Session, resp any, next AfterNext)
}

// BeforeCallback receives the outcome of a before chain: the
// short-circuiting error (or nil), and the resp/opts last supplied to a
// continuation.
type BeforeCallback func(err error, resp, opts any)

// AfterCallback receives the final error of a drained after chain.
type AfterCallback func(err error)

// filterKind tags the resolved variant of a registered filter.
type filterKind uint8

const (
	kindInvalid filterKind = iota
	kindPlain
	kindObject
)

// beforeEntry is one slot in the before chain.
type beforeEntry struct {
	kind filterKind
	fn   BeforeFunc
	obj  Before
}

// afterEntry is one slot in the after chain.
type afterEntry struct {
	kind filterKind
	fn   AfterFunc
	obj  After
}

// Service holds one ordered pair of before/after chains. The dispatch
// server owns two: the global chains and the per-server chains.
//
// Chains are populated before the server starts and are read-only
// afterwards; Add calls are not synchronized against concurrent Run calls.
type Service struct {
	name    string
	logger  *slog.Logger
	befores []beforeEntry
	afters  []afterEntry
}

// NewService creates an empty filter service. name distinguishes the
// global and per-server layers in logs.
func NewService(name string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		name:   name,
		logger: logger.With(slog.String("filter_service", name)),
	}
}

// AddBefore appends f to the tail of the before chain. f must be a
// BeforeFunc (or a function of the same signature) or a Before value;
// anything else is admitted but fails the chain with ErrInvalidFilter when
// it is reached, matching the chain's runtime error contract.
func (s *Service) AddBefore(f any) {
	switch v := f.(type) {
	case BeforeFunc:
		s.befores = append(s.befores, beforeEntry{kind: kindPlain, fn: v})
	case func(context.Context, *message.Message, session.Session, Next):
		s.befores = append(s.befores, beforeEntry{kind: kindPlain, fn: v})
	case Before:
		s.befores = append(s.befores, beforeEntry{kind: kindObject, obj: v})
	default:
		s.logger.Error("registered before filter has invalid shape",
			slog.Any("filter", f),
		)
		s.befores = append(s.befores, beforeEntry{kind: kindInvalid})
	}
}

// AddAfter prepends f to the head of the after chain, so the most recently
// registered after filter runs first. Shape rules match AddBefore.
func (s *Service) AddAfter(f any) {
	var e afterEntry
	switch v := f.(type) {
	case AfterFunc:
		e = afterEntry{kind: kindPlain, fn: v}
	case func(context.Context, error, *message.Message, session.Session, any, AfterNext):
		e = afterEntry{kind: kindPlain, fn: v}
	case After:
		e = afterEntry{kind: kindObject, obj: v}
	default:
		s.logger.Error("registered after filter has invalid shape",
			slog.Any("filter", f),
		)
		e = afterEntry{kind: kindInvalid}
	}
	s.afters = append([]afterEntry{e}, s.afters...)
}

// Len reports the chain sizes, befores first.
func (s *Service) Len() (int, int) {
	return len(s.befores), len(s.afters)
}

// RunBefore walks the before chain in registration order. Each filter
// receives a single-use next continuation; the walk stops when a filter
// passes a non-nil error or when the chain drains, and cb receives the
// error plus whatever resp/opts were last supplied. A filter that never
// calls next stalls the request; that is the documented contract, not a
// condition the service detects.
func (s *Service) RunBefore(ctx context.Context, msg *message.Message, sess session.Session, cb BeforeCallback) {
	s.advanceBefore(ctx, 0, nil, nil, nil, msg, sess, cb)
}

func (s *Service) advanceBefore(ctx context.Context, i int, err error, resp, opts any, msg *message.Message, sess session.Session, cb BeforeCallback) {
	if err != nil || i >= len(s.befores) {
		cb(err, resp, opts)
		return
	}

	entry := s.befores[i]
	next := s.onceNext(func(err error, resp, opts any) {
		s.advanceBefore(ctx, i+1, err, resp, opts, msg, sess, cb)
	})

	switch entry.kind {
	case kindPlain:
		entry.fn(ctx, msg, sess, next)
	case kindObject:
		entry.obj.Before(ctx, msg, sess, next)
	default:
		s.logger.Error("before chain aborted on invalid filter",
			slog.Int("position", i),
			slog.String("route", msg.Route),
		)
		cb(ErrInvalidFilter, nil, nil)
	}
}

// RunAfter walks the after chain from the head (most recently registered
// first). err seeds the chain; each filter may replace it via its
// continuation, and every filter runs regardless of the error. cb receives
// the final error once the chain drains.
func (s *Service) RunAfter(ctx context.Context, err error, msg *message.Message, sess session.Session, resp any, cb AfterCallback) {
	s.advanceAfter(ctx, 0, err, msg, sess, resp, cb)
}

func (s *Service) advanceAfter(ctx context.Context, i int, err error, msg *message.Message, sess session.Session, resp any, cb AfterCallback) {
	if i >= len(s.afters) {
		cb(err)
		return
	}

	entry := s.afters[i]
	next := s.onceAfterNext(func(err error) {
		s.advanceAfter(ctx, i+1, err, msg, sess, resp, cb)
	})

	switch entry.kind {
	case kindPlain:
		entry.fn(ctx, err, msg, sess, resp, next)
	case kindObject:
		entry.obj.After(ctx, err, msg, sess, resp, next)
	default:
		s.logger.Error("after chain aborted on invalid filter",
			slog.Int("position", i),
			slog.String("route", msg.Route),
		)
		cb(ErrInvalidFilter)
	}
}

// onceNext wraps fn so the second and later invocations are dropped with
// an error log. Filters are user code; double resumption is a programming
// error the engine detects rather than trusts away.
func (s *Service) onceNext(fn func(err error, resp, opts any)) Next {
	var used atomic.Bool
	return func(err error, resp, opts any) {
		if !used.CompareAndSwap(false, true) {
			s.logger.Error(ErrNextReused.Error())
			return
		}
		fn(err, resp, opts)
	}
}

// onceAfterNext is onceNext for the after chain's narrower continuation.
func (s *Service) onceAfterNext(fn func(err error)) AfterNext {
	var used atomic.Bool
	return func(err error) {
		if !used.CompareAndSwap(false, true) {
			s.logger.Error(ErrNextReused.Error())
			return
		}
		fn(err)
	}
}
