package session

import (
	"sync"
)

// FrontendSession is the authoritative per-connection session living on the
// connector process. Mutations are visible to every subsequent request of
// the same connection.
//
// All methods are safe for concurrent use; the connector may push settings
// from one goroutine while a forwarded request's PushSession RPC lands on
// another.
type FrontendSession struct {
	mu         sync.RWMutex
	id         string
	frontendID string
	uid        string
	settings   map[string]any

	// store, when non-nil, receives a write-through copy of the settings
	// on every Push. Persistence backends are host-configured.
	store Store
}

// Store is an optional write-through persistence hook for frontend session
// settings. The engine calls Save on FrontendSession.Push; everything else
// (expiry, recovery) is the host's concern.
type Store interface {
	Save(sid string, settings map[string]any) error
}

// ID returns the session id.
func (s *FrontendSession) ID() string {
	return s.id
}

// FrontendID returns the id of the owning frontend process.
func (s *FrontendSession) FrontendID() string {
	return s.frontendID
}

// UID returns the bound user id, or "" if the session is unbound.
func (s *FrontendSession) UID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid
}

// Get returns the setting stored under key, or nil.
func (s *FrontendSession) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[key]
}

// Set stores a setting on the authoritative session.
func (s *FrontendSession) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
}

// Push writes the named setting through to the configured persistent store.
// Without a store it is a no-op: the in-memory value is already
// authoritative.
func (s *FrontendSession) Push(key string) error {
	if s.store == nil {
		return nil
	}
	s.mu.RLock()
	snapshot := map[string]any{key: s.settings[key]}
	s.mu.RUnlock()
	return s.store.Save(s.id, snapshot)
}

// Export returns a plain-data view of the session for forwarding. The
// settings map is copied, so later mutation of the session does not leak
// into an in-flight export.
func (s *FrontendSession) Export() Export {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Export{
		ID:         s.id,
		FrontendID: s.frontendID,
		UID:        s.uid,
		Settings:   cloneSettings(s.settings),
	}
}

// bind sets the uid. Called by the Service so the uid index stays
// consistent with the session.
func (s *FrontendSession) bind(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = uid
}

// importSettings overwrites the named keys atomically. Last writer wins
// when two backends push the same key; the framework promises no
// transactionality beyond the single map write.
func (s *FrontendSession) importSettings(settings map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range settings {
		s.settings[k] = v
	}
}
