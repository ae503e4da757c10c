package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Service is the frontend-side session registry. It owns every
// FrontendSession created for the connections this process terminates and
// maintains the id and uid indexes the mesh session remotes resolve
// against.
type Service struct {
	logger     *slog.Logger
	frontendID string

	mu    sync.RWMutex
	byID  map[string]*FrontendSession
	byUID map[string][]*FrontendSession

	store Store
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithStore configures a write-through persistence store for session
// settings pushed via FrontendSession.Push.
func WithStore(store Store) ServiceOption {
	return func(s *Service) {
		s.store = store
	}
}

// NewService creates a session registry for the frontend process
// frontendID.
func NewService(frontendID string, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger:     logger.With(slog.String("component", "session")),
		frontendID: frontendID,
		byID:       make(map[string]*FrontendSession),
		byUID:      make(map[string][]*FrontendSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create allocates a new unbound session for a freshly accepted connection.
func (s *Service) Create() *FrontendSession {
	sess := &FrontendSession{
		id:         uuid.NewString(),
		frontendID: s.frontendID,
		settings:   make(map[string]any),
		store:      s.store,
	}

	s.mu.Lock()
	s.byID[sess.id] = sess
	s.mu.Unlock()

	return sess
}

// Get returns the session with the given id.
func (s *Service) Get(sid string) (*FrontendSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[sid]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sid, ErrSessionNotFound)
	}
	return sess, nil
}

// GetByUID returns every session bound to uid. A user may hold more than
// one live connection (e.g. reconnect races); callers decide whether to
// kick the older one.
func (s *Service) GetByUID(uid string) []*FrontendSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*FrontendSession, len(s.byUID[uid]))
	copy(out, s.byUID[uid])
	return out
}

// Bind binds uid to the session sid and indexes it for GetByUID.
// Rebinding an already-bound session moves it between uid buckets.
func (s *Service) Bind(sid, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[sid]
	if !ok {
		return fmt.Errorf("bind session %q: %w", sid, ErrSessionNotFound)
	}

	if old := sess.UID(); old != "" {
		s.dropUIDIndex(old, sess)
	}

	sess.bind(uid)
	s.byUID[uid] = append(s.byUID[uid], sess)

	s.logger.Debug("session bound",
		slog.String("sid", sid),
		slog.String("uid", uid),
	)
	return nil
}

// Unbind removes the uid binding from session sid. The uid must match the
// one currently bound.
func (s *Service) Unbind(sid, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[sid]
	if !ok {
		return fmt.Errorf("unbind session %q: %w", sid, ErrSessionNotFound)
	}
	if sess.UID() != uid {
		return fmt.Errorf("unbind session %q uid %q: %w", sid, uid, ErrUIDMismatch)
	}

	s.dropUIDIndex(uid, sess)
	sess.bind("")

	s.logger.Debug("session unbound",
		slog.String("sid", sid),
		slog.String("uid", uid),
	)
	return nil
}

// ImportSettings overwrites the named settings on session sid. This is the
// landing point of a backend PushSession RPC.
func (s *Service) ImportSettings(sid string, settings map[string]any) error {
	sess, err := s.Get(sid)
	if err != nil {
		return err
	}
	sess.importSettings(settings)
	return nil
}

// Remove drops the session from both indexes, typically when the
// underlying connection closes. Unknown ids are ignored.
func (s *Service) Remove(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[sid]
	if !ok {
		return
	}
	if uid := sess.UID(); uid != "" {
		s.dropUIDIndex(uid, sess)
	}
	delete(s.byID, sid)
}

// Count returns the number of live sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// dropUIDIndex removes sess from the uid bucket. Caller holds s.mu.
func (s *Service) dropUIDIndex(uid string, sess *FrontendSession) {
	bucket := s.byUID[uid]
	for i, b := range bucket {
		if b == sess {
			s.byUID[uid] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(s.byUID[uid]) == 0 {
		delete(s.byUID, uid)
	}
}
