// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

package cmit

import (
	"errors"
	"fmt"
)

// ErrRemoteClosed is reported when the peer closes its end of the
// connection partway through an exchange. An empty read on a control line
// is a clean close, not a protocol violation; callers that see it should
// discard the connection without retrying the exchange.
var ErrRemoteClosed = errors.New("remote closed connection without response")

// A StateError reports that a connection method was invoked out of
// sequence, for example reading a response before a request has been sent.
type StateError struct {
	Op    string // the operation that was attempted
	State State  // the connection state at the time
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s in state %v", e.Op, e.State)
}

// A LineTooLongError reports that a protocol line exceeded the maximum
// line length. The exchange that produced it yields no partial message.
type LineTooLongError struct {
	LineType string // which line overflowed ("request", "status", "message", ...)
}

func (e *LineTooLongError) Error() string {
	return fmt.Sprintf("got more than %d bytes reading %s line", maxLine, e.LineType)
}

// A FormatError reports malformed protocol input: a bad control line, an
// unsupported protocol version, a non-blank separator, or a message line
// that does not decode.
type FormatError struct {
	LineType string // which line was malformed
	Line     string // the offending input, possibly truncated
	Reason   string
}

func (e *FormatError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("invalid %s line: %s", e.LineType, e.Reason)
	}
	return fmt.Sprintf("invalid %s line %.40q: %s", e.LineType, e.Line, e.Reason)
}

// A TargetError reports an unusable socket target: a path containing
// control or delimiter bytes, or one that does not exist on the
// filesystem.
type TargetError struct {
	Target string
	Reason string
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("invalid socket target %q: %s", e.Target, e.Reason)
}
