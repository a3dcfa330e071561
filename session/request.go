// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cmitproto/cmit"
)

// NullTopic is the topic assigned to a request that does not name one.
const NullTopic = "topic.null"

// A Request holds the unresolved arguments for one exchange. Fields may
// be filled in any order; Prepare resolves them into a PreparedRequest.
type Request struct {
	Command string         // command verb, folded to upper case
	Target  string         // socket locator: bare path or scheme://path
	Topic   any            // string or func() string; NullTopic if empty
	Data    any            // request data carried in the payload
	Args    []any          // positional call arguments
	KWArgs  map[string]any // keyword call arguments
}

// A PreparedRequest is the fully resolved, serialization-ready form of a
// Request. MsgID is assigned when the request is sent.
type PreparedRequest struct {
	Command    string // resolved command verb
	Target     string // canonical scheme://path locator used for routing
	SocketPath string // filesystem path of the socket
	Topic      string // resolved routing topic
	Payload    string // JSON-encoded {"args", "kwargs", "data"} body
	MsgID      string // id of the message sent for this request
}

// Prepare resolves r into a PreparedRequest. The command must be
// non-empty, the target must resolve to an existing socket, and the
// payload is the JSON encoding of the args, kwargs, and data fields.
func (r *Request) Prepare() (*PreparedRequest, error) {
	command := strings.ToUpper(strings.TrimSpace(r.Command))
	if command == "" {
		return nil, errors.New("empty command")
	}
	target, socketPath, err := ResolveTarget(r.Target)
	if err != nil {
		return nil, err
	}

	topic := NullTopic
	switch t := r.Topic.(type) {
	case nil:
	case string:
		if t != "" {
			topic = t
		}
	case func() string:
		topic = t()
	default:
		return nil, fmt.Errorf("topic must be a string or func() string, got %T", r.Topic)
	}

	args := r.Args
	if args == nil {
		args = []any{}
	}
	kwargs := r.KWArgs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	var data any = r.Data
	if data == nil {
		data = []any{}
	}
	payload, err := json.Marshal(map[string]any{"args": args, "kwargs": kwargs, "data": data})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	return &PreparedRequest{
		Command:    command,
		Target:     target,
		SocketPath: socketPath,
		Topic:      topic,
		Payload:    string(payload),
	}, nil
}

// ResolveTarget parses a socket locator and reports the canonical locator
// used for adapter routing and the filesystem path it names. A locator is
// a bare filesystem path or a cmit:// or unix:// prefixed path; bare
// paths canonicalize under the unix scheme. When the path has no
// extension, the default .sock suffix is appended. The named socket must
// exist at resolution time.
func ResolveTarget(locator string) (target, socketPath string, _ error) {
	s := strings.TrimSpace(locator)
	if s == "" {
		return "", "", &cmit.TargetError{Target: locator, Reason: "empty target"}
	}

	scheme, rest := "unix", s
	if i := strings.Index(s, "://"); i >= 0 {
		scheme, rest = strings.ToLower(s[:i]), s[i+3:]
		if scheme != "cmit" && scheme != "unix" {
			return "", "", &cmit.TargetError{Target: locator, Reason: fmt.Sprintf("unsupported scheme %q", scheme)}
		}
	} else if strings.Contains(s, ":") {
		return "", "", &cmit.TargetError{Target: locator, Reason: "target must be a unix domain socket"}
	}
	if rest == "" {
		return "", "", &cmit.TargetError{Target: locator, Reason: "no path supplied"}
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	if path.Ext(rest) == "" {
		rest += ".sock"
	}
	if _, err := os.Stat(rest); err != nil {
		return "", "", &cmit.TargetError{Target: locator, Reason: "path does not exist"}
	}
	return scheme + "://" + strings.TrimPrefix(rest, "/"), rest, nil
}

// A Response is the high-level outcome of one exchange.
type Response struct {
	StatusCode cmit.Status      // response status code
	Reason     string           // reason text from the status line
	SocketPath string           // filesystem path the exchange used
	Topic      string           // topic of the response message
	MsgID      string           // id of the response message
	Msg        *cmit.Message    // the decoded response message
	Elapsed    time.Duration    // round-trip time of the exchange
	Request    *PreparedRequest // the request that produced this response
}

// OK reports whether the response status is in the success range.
func (r *Response) OK() bool { return r.StatusCode.IsSuccess() }

func (r *Response) String() string { return fmt.Sprintf("<Response [%d]>", int(r.StatusCode)) }
