// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

package cmit_test

import (
	"bufio"
	"errors"
	"expvar"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cmitproto/cmit"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

// startServer runs a server on a fresh socket in the test's temp
// directory and arranges for it to shut down at cleanup. The setup
// callback registers handlers before the server begins listening.
func startServer(t *testing.T, opts *cmit.ServerOptions, setup func(*cmit.Server)) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "server.sock")
	if opts == nil {
		opts = &cmit.ServerOptions{Threaded: true}
	}
	srv := cmit.NewServer(sock, opts)
	setup(srv)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := taskgroup.Go(func() error { return srv.Serve() })
	t.Cleanup(func() {
		srv.Close()
		if err := done.Wait(); err != nil {
			t.Errorf("Server exit: %v", err)
		}
	})
	return sock
}

// metric reads the named counter from the shared server metrics map.
func metric(m *expvar.Map, name string) int64 {
	if v, ok := m.Get(name).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

func TestPingExchange(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	var srv *cmit.Server
	sock := startServer(t, &cmit.ServerOptions{Threaded: true, Log: t.Logf}, func(s *cmit.Server) {
		srv = cmit.SimpleHandlers(s)
	})
	reqBefore := metric(srv.Metrics(), "requests_received")

	conn, err := cmit.NewClientConn(sock)
	if err != nil {
		t.Fatalf("NewClientConn: %v", err)
	}
	defer conn.Close()

	id, err := conn.Request("PING", "t1", "hello", "")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	rsp, err := conn.GetResponse()
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if rsp.Status != cmit.StatusOK {
		t.Errorf("Status: got %v, want %v", rsp.Status, cmit.StatusOK)
	}
	if rsp.Version != cmit.Version {
		t.Errorf("Version: got %q, want %q", rsp.Version, cmit.Version)
	}
	if rsp.Reason != "OK" {
		t.Errorf("Reason: got %q, want OK", rsp.Reason)
	}
	if rsp.Msg.Topic() != "t1" || rsp.Msg.Payload() != "hello" {
		t.Errorf("Echo: got (%q, %q), want (t1, hello)", rsp.Msg.Topic(), rsp.Msg.Payload())
	}
	if rsp.Msg.ID() != id {
		t.Errorf("Echo id: got %q, want %q", rsp.Msg.ID(), id)
	}
	if rsp.SocketPath() != sock {
		t.Errorf("SocketPath: got %q, want %q", rsp.SocketPath(), sock)
	}

	// The exchange closes the socket; the next request reconnects, and a
	// caller-provided id is sent verbatim.
	id2, err := conn.Request("PING", "t2", "again", "fixed-id")
	if err != nil {
		t.Fatalf("Request (second): %v", err)
	}
	if id2 != "fixed-id" {
		t.Errorf("Request id: got %q, want fixed-id", id2)
	}
	rsp2, err := conn.GetResponse()
	if err != nil {
		t.Fatalf("GetResponse (second): %v", err)
	}
	if rsp2.Msg.ID() != "fixed-id" || rsp2.Msg.Topic() != "t2" {
		t.Errorf("Echo: got (%q, %q), want (fixed-id, t2)", rsp2.Msg.ID(), rsp2.Msg.Topic())
	}

	if got := metric(srv.Metrics(), "requests_received") - reqBefore; got != 2 {
		t.Errorf("requests_received delta: got %d, want 2", got)
	}
}

func TestRequestCycleStates(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	sock := startServer(t, nil, func(s *cmit.Server) { cmit.SimpleHandlers(s) })

	conn, err := cmit.NewClientConn(sock)
	if err != nil {
		t.Fatalf("NewClientConn: %v", err)
	}
	defer conn.Close()

	// Reading with no request outstanding is out of order.
	var se *cmit.StateError
	if _, err := conn.GetResponse(); !errors.As(err, &se) {
		t.Fatalf("GetResponse while idle: got %v, want *StateError", err)
	} else if se.State != cmit.Idle {
		t.Errorf("StateError state: got %v, want Idle", se.State)
	}

	if _, err := conn.Request("PING", "t", "x", ""); err != nil {
		t.Fatalf("Request: %v", err)
	}

	// A second request before the response is read is out of order.
	if _, err := conn.Request("PING", "t", "y", ""); !errors.As(err, &se) {
		t.Fatalf("Request while pending: got %v, want *StateError", err)
	} else if se.State != cmit.RequestSent {
		t.Errorf("StateError state: got %v, want RequestSent", se.State)
	}

	// The cycle completes normally after the violations.
	if _, err := conn.GetResponse(); err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if _, err := conn.Request("PING", "t", "z", ""); err != nil {
		t.Errorf("Request after cycle: %v", err)
	}
	if _, err := conn.GetResponse(); err != nil {
		t.Errorf("GetResponse after cycle: %v", err)
	}
}

func TestUnsupportedCommand(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	sock := startServer(t, nil, func(s *cmit.Server) { cmit.SimpleHandlers(s) })

	conn, err := cmit.NewClientConn(sock)
	if err != nil {
		t.Fatalf("NewClientConn: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Request("BOGUS", "t", nil, ""); err != nil {
		t.Fatalf("Request: %v", err)
	}
	rsp, err := conn.GetResponse()
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if rsp.Status != cmit.StatusNotImplemented {
		t.Errorf("Status: got %v, want %v", rsp.Status, cmit.StatusNotImplemented)
	}
	if want := `Unsupported command ("BOGUS")`; rsp.Reason != want {
		t.Errorf("Reason: got %q, want %q", rsp.Reason, want)
	}
	if !strings.HasPrefix(rsp.Msg.Topic(), "error.") {
		t.Errorf("Topic: got %q, want error.* prefix", rsp.Msg.Topic())
	}
	body, ok := rsp.Msg.PayloadValue().(map[string]any)
	if !ok {
		t.Fatalf("PayloadValue: got %T, want map", rsp.Msg.PayloadValue())
	}
	if code, _ := body["code"].(float64); code != 401 {
		t.Errorf("Payload code: got %v, want 401", body["code"])
	}
	if reason, _ := body["reason"].(string); !strings.Contains(reason, " - ") {
		t.Errorf("Payload reason: got %q, want message - explanation", body["reason"])
	}
}

func TestHandlerFailure(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	sock := startServer(t, nil, func(s *cmit.Server) {
		s.Handle("FAIL", func(req *cmit.Request) (cmit.Status, *cmit.Message, error) {
			return 0, nil, errors.New("task store offline")
		})
		s.Handle("PANIC", func(req *cmit.Request) (cmit.Status, *cmit.Message, error) {
			panic("unexpected state")
		})
		s.Handle("EMPTY", func(req *cmit.Request) (cmit.Status, *cmit.Message, error) {
			return cmit.StatusOK, nil, nil
		})
	})

	exchange := func(t *testing.T, command string) *cmit.Response {
		t.Helper()
		conn, err := cmit.NewClientConn(sock)
		if err != nil {
			t.Fatalf("NewClientConn: %v", err)
		}
		defer conn.Close()
		if _, err := conn.Request(command, "job.1", "x", "req-id"); err != nil {
			t.Fatalf("Request: %v", err)
		}
		rsp, err := conn.GetResponse()
		if err != nil {
			t.Fatalf("GetResponse: %v", err)
		}
		return rsp
	}

	t.Run("Error", func(t *testing.T) {
		rsp := exchange(t, "FAIL")
		if rsp.Status != cmit.StatusInternalServerError {
			t.Errorf("Status: got %v, want %v", rsp.Status, cmit.StatusInternalServerError)
		}
		// A failed dispatch reports under the request's own topic and id.
		if rsp.Msg.Topic() != "job.1" || rsp.Msg.ID() != "req-id" {
			t.Errorf("Error message: got (%q, %q), want (job.1, req-id)", rsp.Msg.Topic(), rsp.Msg.ID())
		}
		if rsp.Reason != "task store offline" {
			t.Errorf("Reason: got %q, want task store offline", rsp.Reason)
		}
	})

	t.Run("Panic", func(t *testing.T) {
		rsp := exchange(t, "PANIC")
		if rsp.Status != cmit.StatusInternalServerError {
			t.Errorf("Status: got %v, want %v", rsp.Status, cmit.StatusInternalServerError)
		}
		if !strings.Contains(rsp.Reason, "handler panicked") {
			t.Errorf("Reason: got %q, want handler panic report", rsp.Reason)
		}
	})

	t.Run("NilMessage", func(t *testing.T) {
		rsp := exchange(t, "EMPTY")
		if rsp.Status != cmit.StatusOK {
			t.Errorf("Status: got %v, want %v", rsp.Status, cmit.StatusOK)
		}
		// A nil handler message is answered with an empty echo.
		if rsp.Msg.Topic() != "job.1" || rsp.Msg.ID() != "req-id" || rsp.Msg.Payload() != "" {
			t.Errorf("Echo: got (%q, %q, %q), want (job.1, req-id, empty)",
				rsp.Msg.Topic(), rsp.Msg.ID(), rsp.Msg.Payload())
		}
	})
}

// rawExchange writes raw bytes to the server socket and reads back one
// complete reply.
func rawExchange(t *testing.T, sock, request string) (statusLine string, msg *cmit.Message) {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("Read status: %v", err)
	}
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("Read separator: %v", err)
	}
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("Read message: %v", err)
	}
	m, err := cmit.DecodeMessage([]byte(line))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	return strings.TrimRight(status, "\r\n"), m
}

func TestMalformedRequests(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	sock := startServer(t, nil, func(s *cmit.Server) { cmit.SimpleHandlers(s) })

	body := func() string {
		msg, err := cmit.NewMessage("t", "id")
		if err != nil {
			t.Fatalf("NewMessage: %v", err)
		}
		return "\r\n" + string(msg.Encode())
	}()

	tests := []struct {
		name    string
		request string
		want    string
	}{
		{"FutureVersion", "PING CMIT/2.0\r\n" + body, "CMIT/1.0 300 Invalid CMIT version (2.0)"},
		{"NotAVersion", "PING HTTP/1.0\r\n" + body, "CMIT/1.0 300 Bad protocol version (HTTP/1.0)"},
		{"OneWord", "PING\r\n" + body, `CMIT/1.0 300 Bad request syntax ("PING")`},
		{"ThreeWords", "PING PONG CMIT/1.0\r\n" + body, `CMIT/1.0 300 Bad request syntax ("PING PONG CMIT/1.0")`},
		{"BadBody", "PING CMIT/1.0\r\n\r\nnot-base64!\r\n", "CMIT/1.0 300 Malformed request body"},
		{"Oversize", strings.Repeat("A", 70000) + "\r\n", "CMIT/1.0 300 Bad Request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, msg := rawExchange(t, sock, tc.request)
			if status != tc.want {
				t.Errorf("Status line: got %q, want %q", status, tc.want)
			}
			body, ok := msg.PayloadValue().(map[string]any)
			if !ok {
				t.Fatalf("PayloadValue: got %T, want map", msg.PayloadValue())
			}
			if code, _ := body["code"].(float64); code != 300 {
				t.Errorf("Payload code: got %v, want 300", body["code"])
			}
		})
	}
}

// fakeServer accepts a single connection on a fresh socket and hands it
// to respond. It is used to exercise the client against replies a real
// server will not produce.
func fakeServer(t *testing.T, respond func(conn net.Conn, br *bufio.Reader)) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "fake.sock")
	lst, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := taskgroup.Go(func() error {
		conn, err := lst.Accept()
		if err != nil {
			return nil
		}
		defer conn.Close()
		respond(conn, bufio.NewReader(conn))
		return nil
	})
	t.Cleanup(func() {
		lst.Close()
		done.Wait()
	})
	return sock
}

// readRequest consumes one complete client request.
func readRequest(br *bufio.Reader) {
	for range 3 {
		br.ReadString('\n')
	}
}

func TestInterimStatus(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	msg, err := cmit.NewMessage("t", "id")
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	sock := fakeServer(t, func(conn net.Conn, br *bufio.Reader) {
		readRequest(br)
		// Interim informational statuses precede the final reply.
		fmt.Fprintf(conn, "CMIT/1.0 100 Continue\r\n")
		fmt.Fprintf(conn, "CMIT/1.0 100 Continue\r\n")
		fmt.Fprintf(conn, "CMIT/1.0 200 OK\r\n\r\n")
		conn.Write(msg.Encode())
	})

	conn, err := cmit.NewClientConn(sock)
	if err != nil {
		t.Fatalf("NewClientConn: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Request("PING", "t", nil, ""); err != nil {
		t.Fatalf("Request: %v", err)
	}
	rsp, err := conn.GetResponse()
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if rsp.Status != cmit.StatusOK {
		t.Errorf("Status: got %v, want %v", rsp.Status, cmit.StatusOK)
	}
}

func TestClientRejectsBadReplies(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	exchange := func(t *testing.T, sock string) error {
		t.Helper()
		conn, err := cmit.NewClientConn(sock)
		if err != nil {
			t.Fatalf("NewClientConn: %v", err)
		}
		defer conn.Close()
		if _, err := conn.Request("PING", "t", nil, ""); err != nil {
			t.Fatalf("Request: %v", err)
		}
		_, err = conn.GetResponse()
		return err
	}

	t.Run("FutureVersion", func(t *testing.T) {
		sock := fakeServer(t, func(conn net.Conn, br *bufio.Reader) {
			readRequest(br)
			fmt.Fprintf(conn, "CMIT/2.0 200 OK\r\n\r\nZm9v\r\n")
		})
		err := exchange(t, sock)
		var fe *cmit.FormatError
		if !errors.As(err, &fe) {
			t.Fatalf("GetResponse: got %v, want *FormatError", err)
		}
	})

	t.Run("OversizeStatus", func(t *testing.T) {
		sock := fakeServer(t, func(conn net.Conn, br *bufio.Reader) {
			readRequest(br)
			conn.Write([]byte(strings.Repeat("X", 70000) + "\r\n"))
		})
		err := exchange(t, sock)
		var tooLong *cmit.LineTooLongError
		if !errors.As(err, &tooLong) {
			t.Fatalf("GetResponse: got %v, want *LineTooLongError", err)
		}
	})

	t.Run("ClosedEarly", func(t *testing.T) {
		sock := fakeServer(t, func(conn net.Conn, br *bufio.Reader) {
			readRequest(br)
		})
		if err := exchange(t, sock); !errors.Is(err, cmit.ErrRemoteClosed) {
			t.Fatalf("GetResponse: got %v, want ErrRemoteClosed", err)
		}
	})
}

func TestSocketValidation(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nonesuch.sock")
	var te *cmit.TargetError
	for _, bad := range []string{missing, "/tmp/has space.sock", "/tmp/has\nnewline"} {
		if _, err := cmit.NewClientConn(bad); !errors.As(err, &te) {
			t.Errorf("NewClientConn(%q): got %v, want *TargetError", bad, err)
		}
	}
}

func TestCustomStatusTable(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	table := cmit.StatusTable{cmit.StatusOK: {Phrase: "Fine", Description: "All well"}}
	sock := startServer(t, &cmit.ServerOptions{Threaded: true, Status: table}, func(s *cmit.Server) {
		cmit.SimpleHandlers(s)
	})

	conn, err := cmit.NewClientConn(sock)
	if err != nil {
		t.Fatalf("NewClientConn: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Request("PING", "t", nil, ""); err != nil {
		t.Fatalf("Request: %v", err)
	}
	rsp, err := conn.GetResponse()
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if rsp.Reason != "Fine" {
		t.Errorf("Reason: got %q, want Fine", rsp.Reason)
	}
}

func TestConcurrentClients(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	sock := startServer(t, nil, func(s *cmit.Server) { cmit.SimpleHandlers(s) })

	g := taskgroup.New(func(err error) { t.Errorf("Task error: %v", err) })
	for i := range 5 {
		topic := fmt.Sprintf("client.%d", i)
		g.Go(func() error {
			conn, err := cmit.NewClientConn(sock)
			if err != nil {
				return err
			}
			defer conn.Close()
			for range 3 {
				if _, err := conn.Request("PING", topic, "x", ""); err != nil {
					return err
				}
				rsp, err := conn.GetResponse()
				if err != nil {
					return err
				}
				if rsp.Msg.Topic() != topic {
					return fmt.Errorf("topic: got %q, want %q", rsp.Msg.Topic(), topic)
				}
			}
			return nil
		})
	}
	g.Wait()
}

func TestSerialServer(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	sock := startServer(t, &cmit.ServerOptions{Threaded: false}, func(s *cmit.Server) {
		cmit.SimpleHandlers(s)
	})

	conn, err := cmit.NewClientConn(sock)
	if err != nil {
		t.Fatalf("NewClientConn: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Request("PING", "t", "serial", ""); err != nil {
		t.Fatalf("Request: %v", err)
	}
	rsp, err := conn.GetResponse()
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if rsp.Status != cmit.StatusOK || rsp.Msg.Payload() != "serial" {
		t.Errorf("Exchange: got (%v, %q), want (200, serial)", rsp.Status, rsp.Msg.Payload())
	}
}
