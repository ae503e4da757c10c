// Package cron schedules time-triggered handler invocations.
//
// A cron entry binds a schedule expression to an "handler.method" action
// resolved against a registry of parameterless cron jobs. Entries come from
// the crontab file (crons.json) or from runtime AddCrons requests; admitted
// entries are deduplicated by id and recorded in the job table so they can
// be cancelled later.
package cron

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

// Sentinel errors for cron admission and binding.
var (
	// ErrDuplicateCron indicates an entry whose id is already admitted.
	// The later entry is dropped with a warning.
	ErrDuplicateCron = errors.New("duplicate cron id")

	// ErrBadCronAction indicates an action that is not two non-empty
	// segments joined by a dot.
	ErrBadCronAction = errors.New("malformed cron action")

	// ErrCronHandlerNotFound indicates the action names a handler or
	// method absent from the cron handler registry.
	ErrCronHandlerNotFound = errors.New("cron handler not found")
)

// Entry is one crontab record. Time is passed verbatim to the scheduling
// parser (five or six fields; six-field expressions carry seconds).
// ServerID, when set, restricts the entry to a single process.
type Entry struct {
	ID       string `json:"id" koanf:"id"`
	Time     string `json:"time" koanf:"time"`
	Action   string `json:"action" koanf:"action"`
	ServerID string `json:"serverId,omitempty" koanf:"serverId"`
}

// Job is a scheduled cron action. Jobs receive no message and no session.
type Job func()

// Registry maps handler name to method name to job, mirroring the shape of
// the request-handler registry without its invocation contract.
type Registry map[string]map[string]Job

// Scheduler owns the admitted cron list and the job table for one process.
//
// Add and Remove serialize against each other and against the firing path
// under the scheduler's lock; the runner itself is robfig/cron, which
// delivers each fire on its own goroutine.
type Scheduler struct {
	logger     *slog.Logger
	serverType string
	serverID   string
	handlers   Registry
	fireHook   func(id, action string)

	runner *cron.Cron

	mu      sync.Mutex
	entries map[string]Entry
	jobs    map[string]cron.EntryID
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithFireHook installs a hook invoked on every cron fire, after the job
// returns. Used for metrics.
func WithFireHook(hook func(id, action string)) Option {
	return func(s *Scheduler) {
		s.fireHook = hook
	}
}

// NewScheduler creates a scheduler for the process (serverType, serverID)
// bound to the given cron handler registry. The runner is not armed until
// Start.
func NewScheduler(serverType, serverID string, handlers Registry, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "cron"))

	s := &Scheduler{
		logger:     logger,
		serverType: serverType,
		serverID:   serverID,
		handlers:   handlers,
		entries:    make(map[string]Entry),
		jobs:       make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.runner = cron.New(
		cron.WithParser(cron.NewParser(
			cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
		cron.WithChain(cron.Recover(&cronLogger{logger: logger})),
		cron.WithLogger(&cronLogger{logger: logger}),
	)
	return s
}

// Add admits and registers entries. Per entry: entries scoped to another
// serverId are skipped; duplicate ids are dropped with a warning; a
// malformed action, a missing handler, or an unparsable time expression is
// logged and skipped. Successfully registered entries land in the job
// table keyed by their string id.
//
// Registered jobs do not fire until Start arms the runner; entries added
// afterwards fire on their own schedule immediately.
func (s *Scheduler) Add(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if e.ServerID != "" && e.ServerID != s.serverID {
			continue
		}
		if _, dup := s.entries[e.ID]; dup {
			s.logger.Warn(ErrDuplicateCron.Error(),
				slog.String("id", e.ID),
				slog.String("action", e.Action),
			)
			continue
		}

		job, err := s.bind(e)
		if err != nil {
			s.logger.Warn("cron entry skipped",
				slog.String("id", e.ID),
				slog.String("action", e.Action),
				slog.String("error", err.Error()),
			)
			continue
		}

		entryID, err := s.runner.AddFunc(e.Time, job)
		if err != nil {
			s.logger.Warn("cron schedule rejected",
				slog.String("id", e.ID),
				slog.String("time", e.Time),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.entries[e.ID] = e
		s.jobs[e.ID] = entryID
		s.logger.Info("cron scheduled",
			slog.String("id", e.ID),
			slog.String("time", e.Time),
			slog.String("action", e.Action),
		)
	}
}

// Remove cancels the scheduler handles for the given entries. Ids without
// a job table record are logged and ignored.
func (s *Scheduler) Remove(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		entryID, ok := s.jobs[e.ID]
		if !ok {
			s.logger.Warn("cron not scheduled, cannot remove",
				slog.String("id", e.ID),
			)
			continue
		}
		s.runner.Remove(entryID)
		delete(s.jobs, e.ID)
		delete(s.entries, e.ID)
		s.logger.Info("cron removed", slog.String("id", e.ID))
	}
}

// Scheduled reports whether id has a live job table record.
func (s *Scheduler) Scheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// Count returns the number of scheduled crons.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Start arms the runner. Separated from construction and Add so that no
// cron fires before the rest of the process is ready.
func (s *Scheduler) Start() {
	s.runner.Start()
}

// Stop stops the runner and waits for in-flight jobs to return.
func (s *Scheduler) Stop() {
	<-s.runner.Stop().Done()
}

// bind resolves an action "handler.method" against the registry and wraps
// the job with the fire hook.
func (s *Scheduler) bind(e Entry) (Job, error) {
	name, method, ok := strings.Cut(e.Action, ".")
	if !ok || name == "" || method == "" {
		return nil, fmt.Errorf("action %q: %w", e.Action, ErrBadCronAction)
	}

	methods, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("action %q: %w", e.Action, ErrCronHandlerNotFound)
	}
	job, ok := methods[method]
	if !ok || job == nil {
		return nil, fmt.Errorf("action %q: %w", e.Action, ErrCronHandlerNotFound)
	}

	if s.fireHook == nil {
		return job, nil
	}
	id, action := e.ID, e.Action
	return func() {
		job()
		s.fireHook(id, action)
	}, nil
}

// cronLogger adapts slog to the robfig/cron logger interface. Fires are
// logged at debug to keep steady-state logs quiet.
type cronLogger struct {
	logger *slog.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, slog.Any("detail", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg,
		slog.String("error", err.Error()),
		slog.Any("detail", keysAndValues),
	)
}
