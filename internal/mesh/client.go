package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"connectrpc.com/connect"

	"github.com/nocturne-games/loquat/internal/message"
	"github.com/nocturne-games/loquat/internal/session"
)

// peerClients holds the per-peer Connect clients, one per procedure.
type peerClients struct {
	peer    Peer
	forward *connect.Client[ForwardRequest, ForwardResponse]
	bind    *connect.Client[SessionBindRequest, SessionReply]
	unbind  *connect.Client[SessionBindRequest, SessionReply]
	push    *connect.Client[SessionPushRequest, SessionReply]
}

// Client is the outbound half of the mesh. It implements the dispatch
// server's forwarder contract and the session.Remote contract.
//
// Forwards select a peer of the target server type round-robin; session
// remotes address the owning frontend by process id. The peer table is
// fixed at construction: membership changes mean a new Client (cluster
// membership itself is outside the dispatch core).
type Client struct {
	logger *slog.Logger

	byType map[string][]*peerClients
	byID   map[string]*peerClients

	// rr holds one round-robin cursor per server type.
	rr map[string]*atomic.Uint64
}

// NewClient builds a mesh client over the given peer table. httpClient
// must speak HTTP/2 to the peers (h2c inside the cluster). Extra opts are
// appended to every per-procedure client, after the JSON codec.
func NewClient(logger *slog.Logger, httpClient connect.HTTPClient, peers []Peer, opts ...connect.ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		logger: logger.With(slog.String("component", "mesh")),
		byType: make(map[string][]*peerClients),
		byID:   make(map[string]*peerClients),
		rr:     make(map[string]*atomic.Uint64),
	}

	clientOpts := append([]connect.ClientOption{connect.WithCodec(JSONCodec{})}, opts...)

	for _, p := range peers {
		pc := &peerClients{
			peer:    p,
			forward: connect.NewClient[ForwardRequest, ForwardResponse](httpClient, p.Addr+ForwardMessageProcedure, clientOpts...),
			bind:    connect.NewClient[SessionBindRequest, SessionReply](httpClient, p.Addr+BindSessionProcedure, clientOpts...),
			unbind:  connect.NewClient[SessionBindRequest, SessionReply](httpClient, p.Addr+UnbindSessionProcedure, clientOpts...),
			push:    connect.NewClient[SessionPushRequest, SessionReply](httpClient, p.Addr+PushSessionProcedure, clientOpts...),
		}
		c.byType[p.ServerType] = append(c.byType[p.ServerType], pc)
		c.byID[p.ID] = pc
		if _, ok := c.rr[p.ServerType]; !ok {
			c.rr[p.ServerType] = &atomic.Uint64{}
		}
	}

	return c
}

// ForwardMessage delivers msg and the exporting session to a peer of
// serverType and returns the handler's reply body.
func (c *Client) ForwardMessage(ctx context.Context, serverType string, msg *message.Message, sess session.Export) (any, error) {
	pc, err := c.pick(serverType)
	if err != nil {
		return nil, err
	}

	resp, err := pc.forward.CallUnary(ctx, connect.NewRequest(&ForwardRequest{
		Message: *msg,
		Session: sess,
	}))
	if err != nil {
		return nil, fmt.Errorf("forward %q to %s: %w", msg.Route, pc.peer.ID, err)
	}
	return resp.Msg.Body, nil
}

// BindSession binds uid to session sid on frontend frontendID.
func (c *Client) BindSession(ctx context.Context, frontendID, sid, uid string) error {
	pc, ok := c.byID[frontendID]
	if !ok {
		return fmt.Errorf("bind on %q: %w", frontendID, ErrUnknownFrontend)
	}
	_, err := pc.bind.CallUnary(ctx, connect.NewRequest(&SessionBindRequest{SessionID: sid, UID: uid}))
	if err != nil {
		return fmt.Errorf("bind on %q: %w", frontendID, err)
	}
	return nil
}

// UnbindSession removes the uid binding from session sid on frontend
// frontendID.
func (c *Client) UnbindSession(ctx context.Context, frontendID, sid, uid string) error {
	pc, ok := c.byID[frontendID]
	if !ok {
		return fmt.Errorf("unbind on %q: %w", frontendID, ErrUnknownFrontend)
	}
	_, err := pc.unbind.CallUnary(ctx, connect.NewRequest(&SessionBindRequest{SessionID: sid, UID: uid}))
	if err != nil {
		return fmt.Errorf("unbind on %q: %w", frontendID, err)
	}
	return nil
}

// PushSession overwrites the named settings on the authoritative session
// sid owned by frontend frontendID.
func (c *Client) PushSession(ctx context.Context, frontendID, sid string, settings map[string]any) error {
	pc, ok := c.byID[frontendID]
	if !ok {
		return fmt.Errorf("push on %q: %w", frontendID, ErrUnknownFrontend)
	}
	_, err := pc.push.CallUnary(ctx, connect.NewRequest(&SessionPushRequest{SessionID: sid, Settings: settings}))
	if err != nil {
		return fmt.Errorf("push on %q: %w", frontendID, err)
	}
	return nil
}

// pick returns the next peer of serverType round-robin.
func (c *Client) pick(serverType string) (*peerClients, error) {
	peers := c.byType[serverType]
	if len(peers) == 0 {
		return nil, fmt.Errorf("server type %q: %w", serverType, ErrNoPeer)
	}
	n := c.rr[serverType].Add(1)
	return peers[(n-1)%uint64(len(peers))], nil
}
