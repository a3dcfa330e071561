// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

// Package cmit implements the Common Messaging Interface Transport (CMIT)
// protocol, version 1.
//
// CMIT is a lightweight, HTTP-inspired, message-oriented IPC protocol
// carried over a UNIX domain socket. Instead of headers and bodies, every
// exchange carries a single topic-addressed JSON message, framed as three
// text lines: a control line, a blank separator, and one base64-encoded
// message line. Exchanges are strictly half-duplex; a connection carries
// one request and its response, then closes.
//
// # Messages
//
// A [Message] combines an opaque id, a timestamp, a routing topic, and a
// payload. Topics and payloads are resolved once, at assignment, into
// canonical bytes; structured payloads are stored as JSON text and
// recovered as structured values when a message is decoded:
//
//	m, err := cmit.NewMessage("task.created", cmit.NewID())
//	if err != nil {
//	   log.Fatal(err)
//	}
//	m.SetPayload(map[string]any{"res": "Processed"})
//
// # Servers
//
// A [Server] accepts connections on a UNIX domain socket and dispatches
// each request to the [Handler] registered for its command verb:
//
//	srv := cmit.NewServer("/tmp/cmitp.sock", nil)
//	srv.Handle("PING", cmit.PingHandler)
//	if err := srv.ListenAndServe(); err != nil {
//	   log.Fatalf("Server failed: %v", err)
//	}
//
// A handler returns the status and message for exactly one response,
// which the dispatch loop serializes uniformly. Requests naming an
// unregistered verb are answered with 401 Not Implemented; malformed
// control lines and bodies with 300 Bad Request.
//
// # Clients
//
// A [ClientConn] issues one exchange at a time against a socket target:
//
//	conn, err := cmit.NewClientConn("/tmp/cmitp.sock")
//	...
//	id, err := conn.Request("PING", "ping", "hello", "")
//	...
//	rsp, err := conn.GetResponse()
//
// Most callers use the session package instead, which adds locator
// parsing, adapter pooling, and the ping/execute/poll convenience verbs.
//
// # Metrics
//
// Servers maintain a collection of expvar counters while running; use
// [Server.Metrics] to obtain the map. The metrics currently exported are:
//
//   - connections_accepted: counter of accepted connections
//   - requests_received: counter of fully parsed requests dispatched
//   - requests_failed: counter of requests whose handler reported an error
//   - responses_sent: counter of non-error responses written
//   - errors_sent: counter of error responses written
package cmit
