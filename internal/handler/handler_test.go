package handler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nocturne-games/loquat/internal/handler"
	"github.com/nocturne-games/loquat/internal/message"
	"github.com/nocturne-games/loquat/internal/route"
	"github.com/nocturne-games/loquat/internal/session"
)

func newService(t *testing.T) *handler.Service {
	t.Helper()
	return handler.NewService("area", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mustParse(t *testing.T, r string) *route.Record {
	t.Helper()
	rec, err := route.Parse(r)
	if err != nil {
		t.Fatalf("Parse(%q): %v", r, err)
	}
	return rec
}

func TestHandleInvokesRegisteredMethod(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	err := svc.Register("player", map[string]handler.HandlerFunc{
		"login": func(_ context.Context, msg *message.Message, _ session.Session, cb handler.Callback) {
			cb(nil, map[string]any{"echo": msg.Body})
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	var got any
	svc.Handle(context.Background(), mustParse(t, "area.player.login"),
		&message.Message{Route: "area.player.login", Body: "hi"}, nil,
		func(err error, resp any) {
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			got = resp
		})

	resp, ok := got.(map[string]any)
	if !ok || resp["echo"] != "hi" {
		t.Fatalf("resp = %v, want echo of body", got)
	}
}

func TestHandleUnknownHandler(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	svc.Handle(context.Background(), mustParse(t, "area.ghost.login"),
		&message.Message{Route: "area.ghost.login"}, nil,
		func(err error, resp any) {
			if !errors.Is(err, handler.ErrHandlerNotFound) {
				t.Fatalf("err = %v, want ErrHandlerNotFound", err)
			}
			if resp != nil {
				t.Fatalf("resp = %v, want nil", resp)
			}
		})
}

func TestHandleUnknownMethod(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	if err := svc.Register("player", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	svc.Handle(context.Background(), mustParse(t, "area.player.logout"),
		&message.Message{Route: "area.player.logout"}, nil,
		func(err error, _ any) {
			if !errors.Is(err, handler.ErrMethodNotFound) {
				t.Fatalf("err = %v, want ErrMethodNotFound", err)
			}
		})
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	if err := svc.Register("player", nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := svc.Register("player", nil); !errors.Is(err, handler.ErrDuplicateHandler) {
		t.Fatalf("second Register err = %v, want ErrDuplicateHandler", err)
	}
}

// playerComponent exercises reflection extraction: two handler-shaped
// methods, one helper that must be skipped.
type playerComponent struct {
	logins int
}

func (p *playerComponent) Login(_ context.Context, _ *message.Message, _ session.Session, cb handler.Callback) {
	p.logins++
	cb(nil, "ok")
}

func (p *playerComponent) Logout(_ context.Context, _ *message.Message, _ session.Session, cb handler.Callback) {
	cb(nil, nil)
}

// Helper has the wrong shape and must not be extracted.
func (p *playerComponent) Helper(n int) int { return n }

func TestRegisterComponent(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	comp := &playerComponent{}
	if err := svc.RegisterComponent("player", comp); err != nil {
		t.Fatalf("RegisterComponent: %v", err)
	}

	svc.Handle(context.Background(), mustParse(t, "area.player.login"),
		&message.Message{Route: "area.player.login"}, nil,
		func(err error, resp any) {
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if resp != "ok" {
				t.Fatalf("resp = %v, want ok", resp)
			}
		})
	if comp.logins != 1 {
		t.Fatalf("logins = %d, want 1", comp.logins)
	}

	// Helper must not be reachable as a method.
	svc.Handle(context.Background(), mustParse(t, "area.player.helper"),
		&message.Message{Route: "area.player.helper"}, nil,
		func(err error, _ any) {
			if !errors.Is(err, handler.ErrMethodNotFound) {
				t.Fatalf("err = %v, want ErrMethodNotFound for non-handler method", err)
			}
		})
}

type emptyComponent struct{}

func TestRegisterComponentNoMethods(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	if err := svc.RegisterComponent("empty", &emptyComponent{}); !errors.Is(err, handler.ErrNoMethods) {
		t.Fatalf("err = %v, want ErrNoMethods", err)
	}
}
