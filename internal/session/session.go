// Package session implements the two session proxies seen by the dispatch
// engine.
//
// A FrontendSession is the authoritative, mutable per-connection session
// owned by the connector process that accepted the client. A BackendSession
// is a read-mostly snapshot of a FrontendSession taken for the duration of
// one forwarded request; local writes stay local until explicitly pushed
// back to the owning frontend over the mesh.
package session

import (
	"context"
	"errors"
)

// Sentinel errors for session operations.
var (
	// ErrSessionNotFound indicates no session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUIDMismatch indicates an unbind named a uid other than the one
	// currently bound to the session.
	ErrUIDMismatch = errors.New("uid does not match bound session")

	// ErrNoRemote indicates a BackendSession operation that requires the
	// mesh was attempted on a snapshot constructed without a Remote.
	ErrNoRemote = errors.New("backend session has no remote")
)

// Session is the common view of a session handed to filters and handlers.
//
// Both FrontendSession and BackendSession implement it. Handlers that need
// the push-back or bind RPCs type-assert to *BackendSession.
type Session interface {
	// ID is the framework-assigned session identifier, unique within the
	// owning frontend.
	ID() string

	// FrontendID identifies the frontend process that owns the
	// authoritative session.
	FrontendID() string

	// UID is the user id bound to the session, or "" if unbound.
	UID() string

	// Get returns the setting stored under key, or nil.
	Get(key string) any

	// Set stores a setting. On a FrontendSession the write is
	// authoritative; on a BackendSession it mutates only the snapshot.
	Set(key string, value any)

	// Export returns a plain-data view of the session for forwarding.
	Export() Export
}

// Export is the wire representation of a session: what a frontend sends
// along with a forwarded message and what a backend reconstructs its
// snapshot from.
type Export struct {
	ID         string         `json:"id"`
	FrontendID string         `json:"frontendId"`
	UID        string         `json:"uid,omitempty"`
	Settings   map[string]any `json:"settings,omitempty"`
}

// Remote is the mesh surface a BackendSession uses to mutate the
// authoritative session on its owning frontend. Implemented by the mesh
// client; every call is a blocking RPC.
type Remote interface {
	// BindSession binds uid to the session sid on frontend frontendID.
	BindSession(ctx context.Context, frontendID, sid, uid string) error

	// UnbindSession removes the uid binding from session sid.
	UnbindSession(ctx context.Context, frontendID, sid, uid string) error

	// PushSession overwrites the named settings on the authoritative
	// session. Keys absent from settings are left untouched.
	PushSession(ctx context.Context, frontendID, sid string, settings map[string]any) error
}

// cloneSettings copies a settings map one level deep. Values are plain data
// by contract, so a shallow value copy is sufficient.
func cloneSettings(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		out[k] = v
	}
	return out
}
