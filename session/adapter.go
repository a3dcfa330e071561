// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

package session

import (
	"sync"

	"github.com/cmitproto/cmit"
)

// An Adapter owns the transport used to execute exchanges for a family of
// locators. Adapters are mounted on a Session under a locator prefix.
type Adapter interface {
	// Send executes one exchange for the prepared request and builds its
	// high-level response. Send does not set the response's Elapsed
	// field; the session times the dispatch.
	Send(*PreparedRequest) (*Response, error)

	// Close releases the adapter's pooled transport state.
	Close() error
}

// A SocketAdapter is the built-in UNIX socket adapter. It pools at most
// one live connection, keyed by the resolved socket path; sending to a
// different target closes the stale connection before opening a fresh
// one.
type SocketAdapter struct {
	mu   sync.Mutex
	conn *cmit.ClientConn
}

// NewAdapter constructs a SocketAdapter with no pooled connection.
func NewAdapter() *SocketAdapter { return new(SocketAdapter) }

// connection returns the pooled connection for socketPath, replacing the
// pool entry if its target differs.
func (a *SocketAdapter) connection(socketPath string) (*cmit.ClientConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil && a.conn.SocketPath() != socketPath {
		stale := a.conn
		a.conn = nil
		stale.Close()
	}
	if a.conn == nil {
		conn, err := cmit.NewClientConn(socketPath)
		if err != nil {
			return nil, err
		}
		a.conn = conn
	}
	return a.conn, nil
}

// Send implements a method of the Adapter interface: connect, write the
// request, read the reply, and map it into a Response.
func (a *SocketAdapter) Send(prep *PreparedRequest) (*Response, error) {
	conn, err := a.connection(prep.SocketPath)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	id, err := conn.Request(prep.Command, prep.Topic, prep.Payload, prep.MsgID)
	if err != nil {
		return nil, err
	}
	prep.MsgID = id
	raw, err := conn.GetResponse()
	if err != nil {
		return nil, err
	}
	return buildResponse(prep, raw), nil
}

// buildResponse maps a protocol-level reply onto the high-level Response
// and releases the raw response.
func buildResponse(prep *PreparedRequest, raw *cmit.Response) *Response {
	defer raw.Close()
	return &Response{
		StatusCode: raw.Status,
		Reason:     raw.Reason,
		SocketPath: raw.SocketPath(),
		Topic:      raw.Msg.Topic(),
		MsgID:      raw.Msg.ID(),
		Msg:        raw.Msg,
		Request:    prep,
	}
}

// Close implements a method of the Adapter interface.
func (a *SocketAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}
