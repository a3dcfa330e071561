// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

package cmit

// The handlers in this file are reference implementations of the built-in
// command verbs. They acknowledge requests without doing any real work;
// an embedding application replaces EXECUTE and POLL with handlers bound
// to its own task store.

// PingHandler serves a PING request by echoing the request message back
// with 200 OK.
func PingHandler(req *Request) (Status, *Message, error) {
	return StatusOK, req.Msg, nil
}

// ExecuteHandler accepts an EXECUTE request without processing it,
// answering 202 Accepted with a canned acknowledgement payload.
func ExecuteHandler(req *Request) (Status, *Message, error) {
	m, err := NewMessage(req.Msg.Topic(), req.Msg.ID())
	if err != nil {
		return 0, nil, err
	}
	m.SetPayload(map[string]any{"res": "Processed"})
	return StatusAccepted, m, nil
}

// PollHandler answers a POLL request with 200 OK and a canned status
// payload reporting an empty queue for any topic.
func PollHandler(req *Request) (Status, *Message, error) {
	m, err := NewMessage(req.Msg.Topic(), req.Msg.ID())
	if err != nil {
		return 0, nil, err
	}
	m.SetPayload(map[string]any{"depth": 0})
	return StatusOK, m, nil
}

// SimpleHandlers registers the reference PING, EXECUTE, and POLL handlers
// on s and returns s.
func SimpleHandlers(s *Server) *Server {
	return s.Handle("PING", PingHandler).
		Handle("EXECUTE", ExecuteHandler).
		Handle("POLL", PollHandler)
}
