package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/nocturne-games/loquat/internal/cron"
	"github.com/nocturne-games/loquat/internal/dispatch"
	"github.com/nocturne-games/loquat/internal/filter"
	"github.com/nocturne-games/loquat/internal/handler"
	"github.com/nocturne-games/loquat/internal/message"
	"github.com/nocturne-games/loquat/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSession() session.Session {
	return session.FromExport(session.Export{
		ID:         "s1",
		FrontendID: "connector-1",
		UID:        "u1",
	}, nil)
}

// trace records, in order, every stage a request passes through.
type trace struct {
	mu     sync.Mutex
	stages []string
}

func (tr *trace) add(stage string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.stages = append(tr.stages, stage)
}

func (tr *trace) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, len(tr.stages))
	copy(out, tr.stages)
	return out
}

func (tr *trace) before(name string) filter.BeforeFunc {
	return func(_ context.Context, _ *message.Message, _ session.Session, next filter.Next) {
		tr.add(name)
		next(nil, nil, nil)
	}
}

func (tr *trace) after(name string) filter.AfterFunc {
	return func(_ context.Context, err error, _ *message.Message, _ session.Session, _ any, next filter.AfterNext) {
		tr.add(name)
		next(err)
	}
}

// recordingForwarder captures the forward call the dispatch server makes.
type recordingForwarder struct {
	mu         sync.Mutex
	serverType string
	msg        *message.Message
	export     session.Export
	calls      int

	resp any
	err  error
}

func (f *recordingForwarder) ForwardMessage(_ context.Context, serverType string, msg *message.Message, sess session.Export) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.serverType = serverType
	f.msg = msg
	f.export = sess
	return f.resp, f.err
}

func newStarted(t *testing.T, opts dispatch.Options) *dispatch.Server {
	t.Helper()
	if opts.ServerType == "" {
		opts.ServerType = "area"
	}
	if opts.ServerID == "" {
		opts.ServerID = "area-1"
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Base == "" {
		opts.Base = t.TempDir()
	}
	srv, err := dispatch.NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func echoHandlers(tr *trace) map[string]map[string]handler.HandlerFunc {
	return map[string]map[string]handler.HandlerFunc{
		"player": {
			"login": func(_ context.Context, msg *message.Message, _ session.Session, cb handler.Callback) {
				if tr != nil {
					tr.add("handler")
				}
				cb(nil, msg.Body)
			},
		},
	}
}

func TestNewServerRequiresIdentity(t *testing.T) {
	t.Parallel()

	_, err := dispatch.NewServer(dispatch.Options{ServerType: "area"})
	if !errors.Is(err, dispatch.ErrMissingIdentity) {
		t.Fatalf("err = %v, want ErrMissingIdentity", err)
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	srv, err := dispatch.NewServer(dispatch.Options{
		ServerType: "area", ServerID: "area-1",
		Base: t.TempDir(), Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	if srv.State() != dispatch.StateInited {
		t.Fatalf("state = %v, want Inited", srv.State())
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if srv.State() != dispatch.StateStarted {
		t.Fatalf("state = %v, want Started", srv.State())
	}

	// Second Start is a no-op.
	if err := srv.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if srv.State() != dispatch.StateStarted {
		t.Fatalf("state after second Start = %v, want Started", srv.State())
	}

	srv.Stop()
	if srv.State() != dispatch.StateStopped {
		t.Fatalf("state = %v, want Stopped", srv.State())
	}

	// No resurrection.
	if err := srv.Start(); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	if srv.State() != dispatch.StateStopped {
		t.Fatalf("state = %v, want Stopped to stick", srv.State())
	}
}

// TestHandleBeforeStart pins the boundary rule: a request outside Started
// fails with the lifecycle error and touches no filters.
func TestHandleBeforeStart(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	srv, err := dispatch.NewServer(dispatch.Options{
		ServerType: "area", ServerID: "area-1",
		GlobalBefores: []any{tr.before("gb")},
		Befores:       []any{tr.before("sb")},
		Logger:        discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	msg := &message.Message{Route: "area.player.login"}
	for _, call := range []func(){
		func() {
			srv.GlobalHandle(context.Background(), msg, testSession(), func(err error, _ any) {
				if !errors.Is(err, dispatch.ErrServerNotStarted) {
					t.Errorf("GlobalHandle err = %v, want ErrServerNotStarted", err)
				}
			})
		},
		func() {
			srv.Handle(context.Background(), msg, testSession(), func(err error, _ any) {
				if !errors.Is(err, dispatch.ErrServerNotStarted) {
					t.Errorf("Handle err = %v, want ErrServerNotStarted", err)
				}
			})
		},
	} {
		call()
	}

	if got := tr.get(); len(got) != 0 {
		t.Fatalf("filters touched before start: %v", got)
	}
}

func TestGlobalHandleUnknownRoute(t *testing.T) {
	t.Parallel()

	srv := newStarted(t, dispatch.Options{})
	srv.GlobalHandle(context.Background(), &message.Message{Route: "area.player"}, testSession(),
		func(err error, _ any) {
			if !errors.Is(err, dispatch.ErrUnknownRoute) {
				t.Fatalf("err = %v, want ErrUnknownRoute", err)
			}
		})
}

// TestGlobalHandleLocalOrder pins the full local pipeline order: global
// befores, per-server befores, handler, per-server afters, reply, global
// afters.
func TestGlobalHandleLocalOrder(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	srv := newStarted(t, dispatch.Options{
		GlobalBefores: []any{tr.before("gb1"), tr.before("gb2")},
		GlobalAfters:  []any{tr.after("ga")},
		Befores:       []any{tr.before("sb")},
		Afters:        []any{tr.after("sa")},
		Handlers:      echoHandlers(tr),
	})

	srv.GlobalHandle(context.Background(),
		&message.Message{Route: "area.player.login", Body: "hello"}, testSession(),
		func(err error, resp any) {
			tr.add("cb")
			if err != nil {
				t.Errorf("err = %v", err)
			}
			if resp != "hello" {
				t.Errorf("resp = %v, want handler resp unchanged", resp)
			}
		})

	want := []string{"gb1", "gb2", "sb", "handler", "sa", "cb", "ga"}
	got := tr.get()
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stages = %v, want %v", got, want)
		}
	}
}

// TestBeforeShortCircuit is the filter short-circuit scenario: the first
// per-server before passes an error, the second before and the handler
// are skipped, the error hook sees the error, the per-server afters still
// run, and the reply carries the error.
func TestBeforeShortCircuit(t *testing.T) {
	t.Parallel()

	errX := errors.New("denied")
	tr := &trace{}
	var hookErr error

	srv := newStarted(t, dispatch.Options{
		Befores: []any{
			filter.BeforeFunc(func(_ context.Context, _ *message.Message, _ session.Session, next filter.Next) {
				tr.add("f1")
				next(errX, nil, nil)
			}),
			tr.before("f2"),
		},
		Afters:   []any{tr.after("sa")},
		Handlers: echoHandlers(tr),
		GlobalErrorHandler: func(err error, _ *message.Message, resp any, _ session.Session, cb handler.Callback) {
			hookErr = err
			tr.add("hook")
			cb(err, resp)
		},
	})

	srv.GlobalHandle(context.Background(),
		&message.Message{Route: "area.player.login"}, testSession(),
		func(err error, resp any) {
			tr.add("cb")
			if !errors.Is(err, errX) {
				t.Errorf("err = %v, want errX", err)
			}
			if resp != nil {
				t.Errorf("resp = %v, want nil", resp)
			}
		})

	if !errors.Is(hookErr, errX) {
		t.Fatalf("hook saw %v, want errX", hookErr)
	}
	want := []string{"f1", "hook", "sa", "cb"}
	got := tr.get()
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stages = %v, want %v", got, want)
		}
	}
}

// TestForwardCrossType is the local-vs-forward decision: a route for
// another server type runs the global befores, forwards with the session
// export, and never touches the local handler.
func TestForwardCrossType(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	fwd := &recordingForwarder{resp: "remote-resp"}

	srv := newStarted(t, dispatch.Options{
		ServerType:    "chat",
		ServerID:      "chat-1",
		GlobalBefores: []any{tr.before("gb")},
		Handlers:      echoHandlers(tr),
		Forwarder:     fwd,
	})

	sess := testSession()
	srv.GlobalHandle(context.Background(),
		&message.Message{Route: "area.player.login", Body: "x"}, sess,
		func(err error, resp any) {
			if err != nil {
				t.Errorf("err = %v", err)
			}
			if resp != "remote-resp" {
				t.Errorf("resp = %v, want remote-resp", resp)
			}
		})

	if fwd.calls != 1 {
		t.Fatalf("forward calls = %d, want 1", fwd.calls)
	}
	if fwd.serverType != "area" {
		t.Fatalf("forward target = %q, want area", fwd.serverType)
	}
	if fwd.export.ID != sess.ID() || fwd.export.FrontendID != sess.FrontendID() {
		t.Fatalf("forward export = %+v, want the session export", fwd.export)
	}

	got := tr.get()
	if len(got) != 1 || got[0] != "gb" {
		t.Fatalf("stages = %v, want only the global before", got)
	}
}

// TestForwardErrorBypassesHooks verifies that an RPC failure reaches the
// caller directly, without passing through the error hook.
func TestForwardErrorBypassesHooks(t *testing.T) {
	t.Parallel()

	rpcErr := errors.New("peer unreachable")
	hooked := false

	srv := newStarted(t, dispatch.Options{
		ServerType: "chat",
		ServerID:   "chat-1",
		Forwarder:  &recordingForwarder{err: rpcErr},
		GlobalErrorHandler: func(err error, _ *message.Message, resp any, _ session.Session, cb handler.Callback) {
			hooked = true
			cb(err, resp)
		},
	})

	srv.GlobalHandle(context.Background(),
		&message.Message{Route: "area.player.login"}, testSession(),
		func(err error, _ any) {
			if !errors.Is(err, rpcErr) {
				t.Errorf("err = %v, want the rpc error", err)
			}
		})

	if hooked {
		t.Fatal("error hook invoked for a forward error")
	}
}

func TestForwardWithoutForwarder(t *testing.T) {
	t.Parallel()

	srv := newStarted(t, dispatch.Options{ServerType: "chat", ServerID: "chat-1"})
	srv.GlobalHandle(context.Background(),
		&message.Message{Route: "area.player.login"}, testSession(),
		func(err error, _ any) {
			if !errors.Is(err, dispatch.ErrNoForwarder) {
				t.Fatalf("err = %v, want ErrNoForwarder", err)
			}
		})
}

// TestGlobalAfterRunsAfterReply pins the response ordering: the reply
// callback fires first, the global afters after it, and an error they
// raise never reaches the caller.
func TestGlobalAfterRunsAfterReply(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	srv := newStarted(t, dispatch.Options{
		GlobalAfters: []any{
			filter.AfterFunc(func(_ context.Context, _ error, _ *message.Message, _ session.Session, _ any, next filter.AfterNext) {
				tr.add("ga")
				next(errors.New("after exploded"))
			}),
		},
		Handlers: echoHandlers(tr),
	})

	var replyErr error
	srv.GlobalHandle(context.Background(),
		&message.Message{Route: "area.player.login", Body: "ok"}, testSession(),
		func(err error, _ any) {
			tr.add("cb")
			replyErr = err
		})

	if replyErr != nil {
		t.Fatalf("reply err = %v, want nil despite global after error", replyErr)
	}
	got := tr.get()
	want := []string{"handler", "cb", "ga"}
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stages = %v, want %v", got, want)
		}
	}
}

// TestServerAfterErrorReachesReply pins the per-server/global asymmetry:
// an error raised by a per-server after filter does surface in the reply.
func TestServerAfterErrorReachesReply(t *testing.T) {
	t.Parallel()

	afterErr := errors.New("cleanup failed")
	srv := newStarted(t, dispatch.Options{
		Afters: []any{
			filter.AfterFunc(func(_ context.Context, _ error, _ *message.Message, _ session.Session, _ any, next filter.AfterNext) {
				next(afterErr)
			}),
		},
		Handlers: echoHandlers(nil),
	})

	srv.GlobalHandle(context.Background(),
		&message.Message{Route: "area.player.login", Body: "ok"}, testSession(),
		func(err error, resp any) {
			if !errors.Is(err, afterErr) {
				t.Fatalf("err = %v, want the per-server after error", err)
			}
			if resp != "ok" {
				t.Fatalf("resp = %v, want handler resp preserved", resp)
			}
		})
}

// TestHandleSkipsFilters pins the narrow local path: Handle runs the
// handler without any filter chain and uses the per-server error hook.
func TestHandleSkipsFilters(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	handlerErr := errors.New("boom")
	var hookSaw error

	srv := newStarted(t, dispatch.Options{
		GlobalBefores: []any{tr.before("gb")},
		Befores:       []any{tr.before("sb")},
		Afters:        []any{tr.after("sa")},
		Handlers: map[string]map[string]handler.HandlerFunc{
			"player": {
				"login": func(_ context.Context, _ *message.Message, _ session.Session, cb handler.Callback) {
					tr.add("handler")
					cb(handlerErr, nil)
				},
			},
		},
		ErrorHandler: func(err error, _ *message.Message, resp any, _ session.Session, cb handler.Callback) {
			hookSaw = err
			cb(err, resp)
		},
	})

	srv.Handle(context.Background(),
		&message.Message{Route: "area.player.login"}, testSession(),
		func(err error, _ any) {
			if !errors.Is(err, handlerErr) {
				t.Errorf("err = %v, want handler error", err)
			}
		})

	if !errors.Is(hookSaw, handlerErr) {
		t.Fatalf("per-server hook saw %v, want handler error", hookSaw)
	}
	got := tr.get()
	if len(got) != 1 || got[0] != "handler" {
		t.Fatalf("stages = %v, want only the handler", got)
	}
}

// TestStartLoadsCrontab verifies that Start admits only this server
// type's crontab entries and that AfterStart, not Start, arms them.
func TestStartLoadsCrontab(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	crontab := `{
  "area": [{"id": "tick", "time": "0 0 4 * * *", "action": "daily.tick"}],
  "chat": [{"id": "purge", "time": "@daily", "action": "purge.rooms"}]
}`
	if err := os.WriteFile(filepath.Join(base, "crons.json"), []byte(crontab), 0o600); err != nil {
		t.Fatal(err)
	}

	srv := newStarted(t, dispatch.Options{
		Base: base,
		CronHandlers: cron.Registry{
			"daily": {"tick": func() {}},
		},
	})

	if !srv.CronScheduled("tick") {
		t.Fatal("own-type crontab entry not scheduled")
	}
	if srv.CronScheduled("purge") {
		t.Fatal("other-type crontab entry scheduled")
	}

	if err := srv.AfterStart(); err != nil {
		t.Fatalf("AfterStart: %v", err)
	}
}

// TestAddRemoveCrons covers the runtime mutation round trip through the
// server and the event channel.
func TestAddRemoveCrons(t *testing.T) {
	t.Parallel()

	srv := newStarted(t, dispatch.Options{
		CronHandlers: cron.Registry{"daily": {"tick": func() {}}},
	})

	e := cron.Entry{ID: "97", Time: "@hourly", Action: "daily.tick"}
	srv.AddCrons([]cron.Entry{e})
	if !srv.CronScheduled("97") {
		t.Fatal("cron not scheduled after AddCrons")
	}

	srv.RemoveCrons([]cron.Entry{e})
	if srv.CronScheduled("97") {
		t.Fatal("cron still scheduled after RemoveCrons")
	}

	// The same mutations through the event channel.
	events := make(chan dispatch.CronEvent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeCronEvents(context.Background(), events)
	}()

	events <- dispatch.CronEvent{Op: dispatch.CronAdd, Entries: []cron.Entry{e}}
	events <- dispatch.CronEvent{Op: dispatch.CronRemove, Entries: []cron.Entry{e}}
	close(events)
	<-done

	if srv.CronScheduled("97") {
		t.Fatal("cron still scheduled after event-driven remove")
	}
}
