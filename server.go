// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

package cmit

import (
	"bufio"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
)

// A Request is one parsed inbound exchange delivered to a Handler.
type Request struct {
	Command string   // control-line command verb
	Version string   // control-line protocol version token
	Msg     *Message // the decoded request message
}

// A Handler services one command verb. It receives the parsed request and
// returns the status and message of the single response the dispatch loop
// writes back; the loop serializes every (status, message) pair the same
// way. A non-nil error instead produces an Internal Server Error response
// carrying the error text. A nil message is answered with an empty message
// echoing the request's topic and id.
type Handler func(*Request) (Status, *Message, error)

// A Logf receives server log lines. Logging is injected at construction;
// the server itself never writes anywhere else.
type Logf func(format string, args ...any)

// ServerOptions are optional settings for a Server. A nil *ServerOptions
// is ready for use and provides defaults.
type ServerOptions struct {
	// Threaded, if true, services each accepted connection on its own
	// worker. Otherwise connections are handled serially on the accept
	// loop.
	Threaded bool

	// Log receives server log lines. If nil, logging is disabled.
	Log Logf

	// Status is the table used to render status phrases and descriptions.
	// If nil, DefaultStatusTable is used.
	Status StatusTable

	// ReadTimeout bounds each read on an accepted connection. If zero or
	// negative, reads do not time out.
	ReadTimeout time.Duration
}

// A Server accepts CMIT connections on a UNIX domain socket and
// dispatches each request to the handler registered for its command verb.
// Handler lookup is exact and case-sensitive; a request naming an
// unregistered verb is answered with Not Implemented.
//
// The protocol core keeps no state shared across connections; handlers
// that need shared state must provide their own synchronization.
type Server struct {
	socketPath string
	opts       ServerOptions
	handlers   map[string]Handler

	mu  sync.Mutex
	lst net.Listener
}

// NewServer constructs a server for the given socket path. The server
// does not listen until Listen or ListenAndServe is called.
func NewServer(socketPath string, opts *ServerOptions) *Server {
	s := &Server{socketPath: socketPath, handlers: make(map[string]Handler)}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.Status == nil {
		s.opts.Status = DefaultStatusTable
	}
	return s
}

// Handle registers handler for the given command verb, replacing any
// existing registration. A nil handler removes the verb. Handle returns s
// to permit chaining. Register handlers before serving; Handle is not
// safe to call concurrently with Serve.
func (s *Server) Handle(command string, handler Handler) *Server {
	if handler == nil {
		delete(s.handlers, command)
	} else {
		s.handlers[command] = handler
	}
	return s
}

// SocketPath reports the filesystem target of s.
func (s *Server) SocketPath() string { return s.socketPath }

// Metrics returns the metrics map shared by servers. It is safe for the
// caller to add additional metrics to the map.
func (s *Server) Metrics() *expvar.Map { return serverMetrics.emap }

// Listen binds the server's socket. A stale socket file left by an
// earlier run is removed first.
func (s *Server) Listen() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	lst, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.socketPath, err)
	}
	s.logf("listening on %s (%s)", s.socketPath, value.Cond(s.opts.Threaded, "threaded", "serial"))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lst = lst
	return nil
}

// Serve accepts connections until the listener closes. In threaded mode
// each connection runs on its own worker and Serve waits for in-flight
// connections before returning; in serial mode connections are handled
// one at a time on the accept loop. Closing the server reports success.
func (s *Server) Serve() error {
	s.mu.Lock()
	lst := s.lst
	s.mu.Unlock()
	if lst == nil {
		return errors.New("server is not listening")
	}

	g := taskgroup.New(nil)
	for {
		conn, err := lst.Accept()
		if err != nil {
			g.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		serverMetrics.connAccepted.Add(1)
		sc := &serverConn{srv: s, conn: conn}
		if s.opts.Threaded {
			g.Go(func() error { sc.handle(); return nil })
		} else {
			sc.handle()
		}
	}
}

// ListenAndServe binds the socket and serves until the listener closes.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Close closes the listener, causing Serve to return. It is safe to call
// Close more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lst == nil {
		return nil
	}
	err := s.lst.Close()
	s.lst = nil
	return err
}

func (s *Server) logf(format string, args ...any) {
	if s.opts.Log != nil {
		s.opts.Log(format, args...)
	}
}

// serverConn is the per-connection request loop.
type serverConn struct {
	srv  *Server
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	closeConn bool
	reqLine   string // the current control line, for logging
}

// handle services requests until the close flag is set. Every CMIT v1
// exchange closes the connection after its response, so the flag is set
// on each pass; the loop shape leaves room for persistent connections in
// a later minor version.
func (sc *serverConn) handle() {
	defer sc.conn.Close()
	sc.br = bufio.NewReader(sc.conn)
	sc.bw = bufio.NewWriter(sc.conn)

	sc.handleOne()
	for !sc.closeConn {
		sc.handleOne()
	}
}

// handleOne services a single request: control line, handler resolution,
// body, dispatch, response, flush.
func (sc *serverConn) handleOne() {
	sc.closeConn = true
	defer sc.bw.Flush()

	if d := sc.srv.opts.ReadTimeout; d > 0 {
		sc.conn.SetReadDeadline(time.Now().Add(d))
	}

	line, err := readLine(sc.br, "request")
	if err != nil {
		var tooLong *LineTooLongError
		if errors.As(err, &tooLong) {
			sc.reqLine = ""
			sc.sendError(StatusBadRequest, "", "", "", "")
			return
		}
		// An empty read means the peer closed the connection without a
		// request; that is not an error. Anything else (a timeout, a
		// reset) likewise just discards the connection.
		if !errors.Is(err, io.EOF) {
			sc.srv.logf("read request: %v", err)
		}
		return
	}

	req, ok := sc.parseRequest(line)
	if !ok {
		return // parseRequest has sent the error response
	}

	handler, ok := sc.srv.handlers[req.Command]
	if !ok {
		sc.sendError(StatusNotImplemented, fmt.Sprintf("Unsupported command (%q)", req.Command), "", "", "")
		return
	}

	msg, err := readMessage(sc.br)
	if err != nil {
		if errors.Is(err, ErrRemoteClosed) {
			return
		}
		sc.srv.logf("invalid request body: %v", err)
		sc.sendError(StatusBadRequest, "Malformed request body", "", "", "")
		return
	}
	req.Msg = msg
	serverMetrics.reqReceived.Add(1)

	status, rsp, herr := func() (_ Status, _ *Message, err error) {
		// A panic out of the handler becomes a graceful error response.
		defer func() {
			if x := recover(); x != nil && err == nil {
				err = fmt.Errorf("handler panicked (recovered): %v", x)
			}
		}()
		return handler(req)
	}()
	if herr != nil {
		serverMetrics.reqFailed.Add(1)
		sc.sendError(StatusInternalServerError, herr.Error(), "", msg.Topic(), msg.ID())
		return
	}
	if rsp == nil {
		rsp, _ = NewMessage(msg.Topic(), msg.ID())
	}

	sc.sendResponse(status, "")
	sc.bw.WriteString("\r\n")
	sc.bw.Write(rsp.Encode())
	serverMetrics.rspSent.Add(1)
}

// parseRequest validates the control line. On failure it sends the error
// response itself and reports ok == false.
func (sc *serverConn) parseRequest(line string) (_ *Request, ok bool) {
	sc.reqLine = trimEOL(line)

	words := splitWords(sc.reqLine, 3)
	if len(words) != 2 {
		sc.sendError(StatusBadRequest, fmt.Sprintf("Bad request syntax (%q)", sc.reqLine), "", "", "")
		return nil, false
	}
	command, version := words[0], words[1]

	major, minor, err := parseVersion(version)
	if err != nil {
		sc.sendError(StatusBadRequest, fmt.Sprintf("Bad protocol version (%s)", version), "", "", "")
		return nil, false
	}
	if !versionSupported(major, minor) {
		sc.sendError(StatusBadRequest, fmt.Sprintf("Invalid CMIT version (%d.%d)", major, minor), "", "", "")
		return nil, false
	}
	return &Request{Command: command, Version: version}, true
}

// sendResponse logs the exchange and writes the response status line. An
// empty phrase takes the registered phrase for the code.
func (sc *serverConn) sendResponse(code Status, phrase string) {
	if phrase == "" {
		phrase = sc.srv.opts.Status.Text(code).Phrase
	}
	sc.srv.logf("%q %d %s", sc.reqLine, int(code), phrase)
	fmt.Fprintf(sc.bw, "%s %d %s\r\n", Version, int(code), phrase)
}

// sendError writes and logs an error reply: the status line, the blank
// separator, and a base64-JSON error message whose payload carries the
// code and reason. It must be the first output written for the exchange;
// that is not enforced, only expected. Empty arguments take defaults: the
// phrase and description registered for the code, an error.<phrase>
// topic, and a fresh random id.
func (sc *serverConn) sendError(code Status, message, explain, topic, id string) {
	text := sc.srv.opts.Status.Text(code)
	if message == "" {
		message = text.Phrase
	}
	if explain == "" {
		explain = text.Description
	}
	if topic == "" {
		topic = "error." + message
	}
	if id == "" {
		id = NewID()
	}
	serverMetrics.errSent.Add(1)
	sc.srv.logf("code %d, message %s", int(code), message)

	msg := newErrorMessage(topic, id, code, fmt.Sprintf("%s - %s", message, explain))
	sc.sendResponse(code, message)
	sc.bw.WriteString("\r\n")
	sc.bw.Write(msg.Encode())
}

// newErrorMessage builds the body of an error response.
func newErrorMessage(topic, id string, code Status, reason string) *Message {
	m, err := NewMessage(topic, id)
	if err != nil {
		panic(fmt.Errorf("error message topic: %w", err)) // topic is always a string here
	}
	m.SetPayload(map[string]any{"code": int(code), "reason": reason})
	return m
}
