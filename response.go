// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

package cmit

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// A Response parses a server reply from the read side of a client
// connection. The reply is a status line, a blank separator, and one
// message line. Call Begin to read and parse the reply; the parsed fields
// remain valid after the connection closes.
type Response struct {
	br         *bufio.Reader
	socketPath string

	Status  Status   // final response status
	Reason  string   // reason text from the status line
	Version string   // protocol version token from the status line
	Msg     *Message // the decoded response message
}

func newResponse(br *bufio.Reader, socketPath string) *Response {
	return &Response{br: br, socketPath: socketPath}
}

// SocketPath reports the socket target the response was read from.
func (r *Response) SocketPath() string { return r.socketPath }

// Begin reads and parses the reply. Interim informational status lines
// (100 Continue) are silently absorbed; the first other status is final.
// An unsupported protocol version or malformed line reports a
// *FormatError, an oversized line a *LineTooLongError, and a peer close
// mid-read ErrRemoteClosed. Begin is idempotent: once a message has been
// parsed, further calls do nothing.
func (r *Response) Begin() error {
	if r.Msg != nil {
		return nil
	}

	var version, reason string
	var status Status
	for {
		line, err := readLine(r.br, "status")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrRemoteClosed
			}
			return err
		}
		version, status, reason, err = parseStatusLine(line)
		if err != nil {
			return err
		}
		if status != StatusContinue {
			break
		}
	}

	major, minor, err := parseVersion(version)
	if err != nil || !versionSupported(major, minor) {
		return &FormatError{LineType: "status", Line: version, Reason: "unknown protocol version"}
	}
	r.Status = status
	r.Reason = strings.TrimSpace(reason)
	r.Version = version

	msg, err := readMessage(r.br)
	if err != nil {
		return err
	}
	r.Msg = msg
	return nil
}

// Close releases the response's hold on the connection's read side. The
// parsed fields remain valid after Close. Close is idempotent.
func (r *Response) Close() { r.br = nil }

// IsClosed reports whether the underlying stream has been released.
func (r *Response) IsClosed() bool { return r.br == nil }
