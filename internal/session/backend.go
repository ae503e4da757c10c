package session

import (
	"context"
	"fmt"
	"sync"
)

// BackendSession is a per-request snapshot of a FrontendSession held by a
// backend for the duration of one forwarded request.
//
// Set mutates only the snapshot; unpushed changes are silently discarded
// when the snapshot goes out of scope. Push and PushAll are explicit RPCs
// that overwrite the named keys on the authoritative session; concurrent
// pushes of the same key from different processes are last-writer-wins.
type BackendSession struct {
	remote Remote

	mu         sync.RWMutex
	id         string
	frontendID string
	uid        string
	settings   map[string]any
}

// FromExport reconstructs a backend snapshot from a forwarded session
// export. remote may be nil for snapshots that will never push back
// (e.g. cron-less unit tests); mesh-touching methods then fail with
// ErrNoRemote.
func FromExport(ex Export, remote Remote) *BackendSession {
	settings := ex.Settings
	if settings == nil {
		settings = make(map[string]any)
	}
	return &BackendSession{
		remote:     remote,
		id:         ex.ID,
		frontendID: ex.FrontendID,
		uid:        ex.UID,
		settings:   cloneSettings(settings),
	}
}

// ID returns the session id.
func (b *BackendSession) ID() string {
	return b.id
}

// FrontendID returns the id of the frontend owning the authoritative
// session.
func (b *BackendSession) FrontendID() string {
	return b.frontendID
}

// UID returns the bound user id as of the snapshot (or a later Bind on
// this snapshot).
func (b *BackendSession) UID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.uid
}

// Get returns the snapshot setting stored under key, or nil.
func (b *BackendSession) Get(key string) any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings[key]
}

// Set stores a setting on the snapshot only. The authoritative session is
// untouched until Push or PushAll.
func (b *BackendSession) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings[key] = value
}

// Bind RPCs the owning frontend to bind uid to the authoritative session,
// then records it on the snapshot.
func (b *BackendSession) Bind(ctx context.Context, uid string) error {
	if b.remote == nil {
		return fmt.Errorf("bind uid %q: %w", uid, ErrNoRemote)
	}
	if err := b.remote.BindSession(ctx, b.frontendID, b.id, uid); err != nil {
		return fmt.Errorf("bind uid %q: %w", uid, err)
	}

	b.mu.Lock()
	b.uid = uid
	b.mu.Unlock()
	return nil
}

// Unbind RPCs the owning frontend to remove the uid binding, then clears
// it on the snapshot.
func (b *BackendSession) Unbind(ctx context.Context, uid string) error {
	if b.remote == nil {
		return fmt.Errorf("unbind uid %q: %w", uid, ErrNoRemote)
	}
	if err := b.remote.UnbindSession(ctx, b.frontendID, b.id, uid); err != nil {
		return fmt.Errorf("unbind uid %q: %w", uid, err)
	}

	b.mu.Lock()
	b.uid = ""
	b.mu.Unlock()
	return nil
}

// Push RPCs a single setting to the authoritative session.
func (b *BackendSession) Push(ctx context.Context, key string) error {
	if b.remote == nil {
		return fmt.Errorf("push %q: %w", key, ErrNoRemote)
	}

	b.mu.RLock()
	payload := map[string]any{key: b.settings[key]}
	b.mu.RUnlock()

	if err := b.remote.PushSession(ctx, b.frontendID, b.id, payload); err != nil {
		return fmt.Errorf("push %q: %w", key, err)
	}
	return nil
}

// PushAll RPCs every snapshot setting to the authoritative session.
func (b *BackendSession) PushAll(ctx context.Context) error {
	if b.remote == nil {
		return fmt.Errorf("push all: %w", ErrNoRemote)
	}

	b.mu.RLock()
	payload := cloneSettings(b.settings)
	b.mu.RUnlock()

	if err := b.remote.PushSession(ctx, b.frontendID, b.id, payload); err != nil {
		return fmt.Errorf("push all: %w", err)
	}
	return nil
}

// Export returns a plain-data view of the snapshot for a further forward
// hop.
func (b *BackendSession) Export() Export {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Export{
		ID:         b.id,
		FrontendID: b.frontendID,
		UID:        b.uid,
		Settings:   cloneSettings(b.settings),
	}
}
