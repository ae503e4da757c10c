// Package mesh implements the RPC surface between loquat processes: the
// forward path that carries a client message from a frontend to the
// backend owning its route, and the session remotes a backend uses to
// mutate the authoritative session on its frontend.
//
// Transport is ConnectRPC unary calls over HTTP/2 (h2c inside the
// cluster). Payloads are plain Go structs under a JSON codec; the mesh
// does not use generated protobuf types.
package mesh

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nocturne-games/loquat/internal/message"
	"github.com/nocturne-games/loquat/internal/session"
)

// Sentinel errors for mesh routing.
var (
	// ErrNoPeer indicates the peer table has no entry for the requested
	// server type.
	ErrNoPeer = errors.New("no peer for server type")

	// ErrUnknownFrontend indicates a session remote addressed a frontend
	// id absent from the peer table.
	ErrUnknownFrontend = errors.New("unknown frontend id")
)

// Procedure paths for the mesh services.
const (
	ForwardMessageProcedure = "/loquat.mesh.v1.MeshService/ForwardMessage"
	BindSessionProcedure    = "/loquat.mesh.v1.SessionService/BindSession"
	UnbindSessionProcedure  = "/loquat.mesh.v1.SessionService/UnbindSession"
	PushSessionProcedure    = "/loquat.mesh.v1.SessionService/PushSession"
)

// Peer is one reachable process in the cluster.
type Peer struct {
	// ServerType is the peer's logical role (route segment one).
	ServerType string

	// ID is the unique process id (e.g. "area-1"). Session remotes
	// address peers by id; forwards address them by server type.
	ID string

	// Addr is the peer's mesh base URL (e.g. "http://10.0.0.5:4050").
	Addr string
}

// ForwardRequest carries a client message and the exporting session to the
// backend that owns the route.
type ForwardRequest struct {
	Message message.Message `json:"message"`
	Session session.Export  `json:"session"`
}

// ForwardResponse returns the handler's reply body.
type ForwardResponse struct {
	Body any `json:"body,omitempty"`
}

// SessionBindRequest binds or unbinds a uid on the authoritative session.
type SessionBindRequest struct {
	SessionID string `json:"sessionId"`
	UID       string `json:"uid"`
}

// SessionPushRequest overwrites the named settings on the authoritative
// session.
type SessionPushRequest struct {
	SessionID string         `json:"sessionId"`
	Settings  map[string]any `json:"settings"`
}

// SessionReply is the empty reply of the session remotes.
type SessionReply struct{}

// JSONCodec marshals mesh payloads with encoding/json. Registered on both
// the clients and the handlers in place of the default protobuf codecs.
type JSONCodec struct{}

// Name returns the codec name used in the Connect content type
// (application/json).
func (JSONCodec) Name() string { return "json" }

// Marshal encodes v as JSON.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mesh marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes JSON data into v.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("mesh unmarshal: %w", err)
	}
	return nil
}
