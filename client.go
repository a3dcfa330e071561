// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

package cmit

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultSocketPath is the conventional location of a CMIT server socket.
const DefaultSocketPath = "/tmp/cmitp.sock"

// DefaultReadTimeout is the read deadline applied to a client connection
// after it connects.
const DefaultReadTimeout = 120 * time.Second

// A State is a position in the client connection request cycle.
type State int

// The client request cycle. A connection issues exactly one exchange at a
// time: Idle until a request begins, RequestStarted while the request is
// being written, RequestSent until its response has been read, then Idle
// again.
const (
	Idle State = iota
	RequestStarted
	RequestSent
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case RequestStarted:
		return "Request-Started"
	case RequestSent:
		return "Request-Sent"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// A ClientConn is a client connection to a CMIT server over a UNIX domain
// socket. The connection is strictly half-duplex: Request writes one
// complete exchange and GetResponse reads its reply, and the methods
// report a *StateError when invoked out of that order. Every completed
// exchange closes the underlying socket; the next Request reconnects.
//
// A ClientConn is synchronous. Callers needing parallel requests must use
// independent connections.
type ClientConn struct {
	socketPath string
	timeout    time.Duration

	mu    sync.Mutex
	conn  net.Conn
	br    *bufio.Reader
	state State
}

// NewClientConn validates the socket target and returns an unconnected
// client for it. If socketPath == "", DefaultSocketPath is used. The
// target must contain no control or delimiter bytes and must exist on the
// filesystem; violations report a *TargetError before any I/O happens.
func NewClientConn(socketPath string) (*ClientConn, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if err := validateSocketPath(socketPath); err != nil {
		return nil, err
	}
	return &ClientConn{socketPath: socketPath, timeout: DefaultReadTimeout}, nil
}

// validateSocketPath checks that path contains no control or delimiter
// bytes (0x00..0x20, 0x7F) and names an existing filesystem entry.
func validateSocketPath(path string) error {
	for i := 0; i < len(path); i++ {
		if b := path[i]; b <= 0x20 || b == 0x7f {
			return &TargetError{Target: path, Reason: fmt.Sprintf("illegal character %q", string(b))}
		}
	}
	if _, err := os.Stat(path); err != nil {
		return &TargetError{Target: path, Reason: "path does not exist"}
	}
	return nil
}

// SocketPath reports the filesystem target of c.
func (c *ClientConn) SocketPath() string { return c.socketPath }

// SetReadTimeout replaces the post-connect read deadline. A zero or
// negative value disables the deadline. It applies to connections opened
// after the call.
func (c *ClientConn) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Connect dials the socket target if the connection is not already open.
// Request connects automatically; Connect is for callers that want the
// dial error separately from the send error.
func (c *ClientConn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *ClientConn) connectLocked() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.socketPath, err)
	}
	if c.timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	c.conn = conn
	c.br = bufio.NewReader(conn)
	return nil
}

// Request writes one complete request: the control line, the blank
// separator, and the encoded message. If id == "", a fresh random 128-bit
// hex id is generated; the id actually sent is returned. The request body
// is a single message line, so the request is finalized as soon as it is
// written and the connection moves to RequestSent.
//
// Request reports a *StateError unless the connection is Idle. A
// transport failure closes the connection.
func (c *ClientConn) Request(command string, topic, payload any, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		return "", &StateError{Op: "send request", State: c.state}
	}
	if id == "" {
		id = NewID()
	}
	msg, err := NewMessage(topic, id)
	if err != nil {
		return "", err
	}
	if err := msg.SetPayload(payload); err != nil {
		return "", err
	}
	if err := c.connectLocked(); err != nil {
		return "", err
	}
	c.state = RequestStarted

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s\r\n\r\n", strings.ToUpper(command), Version)
	buf.Write(msg.Encode())
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		c.closeLocked()
		return "", fmt.Errorf("send request: %w", err)
	}
	c.state = RequestSent
	return id, nil
}

// GetResponse reads the reply to the most recent request. It reports a
// *StateError unless a request has been sent and its response has not yet
// been read. On a transport or protocol failure the connection is closed
// and the failure returned. Every CMIT v1 exchange closes the connection
// once its response is complete, so on success the socket is closed and
// the state returns to Idle; the parsed Response remains readable.
func (c *ClientConn) GetResponse() (*Response, error) {
	c.mu.Lock()
	if c.state != RequestSent {
		defer c.mu.Unlock()
		return nil, &StateError{Op: "read response", State: c.state}
	}
	if c.timeout > 0 && c.conn != nil {
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	rsp := newResponse(c.br, c.socketPath)
	c.mu.Unlock()

	if err := rsp.Begin(); err != nil {
		rsp.Close()
		c.Close()
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Idle
	c.closeLocked()
	return rsp, nil
}

// Close closes the connection and resets the state to Idle. It is
// idempotent.
func (c *ClientConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *ClientConn) closeLocked() error {
	c.state = Idle
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
		c.br = nil
	}
	return err
}
