// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

package cmit

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

const (
	// Version is the protocol version string sent on every control line.
	Version = "CMIT/1.0"

	// maxLine is the maximum length in bytes of any single protocol line,
	// including its terminator.
	maxLine = 65536
)

// readLine reads one protocol line from br, enforcing the line length cap.
// An empty read at EOF is reported as io.EOF so callers can tell a clean
// peer close from a truncated line; a partial final line without its
// terminator is returned as-is, and the EOF surfaces on the next read.
func readLine(br *bufio.Reader, lineType string) (string, error) {
	var buf []byte
	for {
		frag, err := br.ReadSlice('\n')
		buf = append(buf, frag...)
		if len(buf) > maxLine {
			return "", &LineTooLongError{LineType: lineType}
		}
		switch {
		case err == nil:
			return string(buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) == 0 {
				return "", io.EOF
			}
			return string(buf), nil
		default:
			return "", err
		}
	}
}

// trimEOL strips the line terminator, accepting LF in place of CRLF.
func trimEOL(line string) string { return strings.TrimRight(line, "\r\n") }

// splitWords splits s on runs of ASCII blanks into at most n fields, with
// any remainder retained verbatim in the final field.
func splitWords(s string, n int) []string {
	var out []string
	for len(out) < n-1 {
		s = strings.TrimLeft(s, " \t")
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			break
		}
		out = append(out, s[:i])
		s = s[i+1:]
	}
	s = strings.Trim(s, " \t")
	if s != "" {
		out = append(out, s)
	}
	return out
}

// parseVersion validates the grammar of a protocol version token and
// reports its components. The accepted form is CMIT/<major>.<minor>, with
// both components numeric and at most three digits.
func parseVersion(s string) (major, minor int, _ error) {
	rest, ok := strings.CutPrefix(s, "CMIT/")
	if !ok {
		return 0, 0, &FormatError{LineType: "version", Line: s, Reason: "not a CMIT version"}
	}
	mj, mn, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, 0, &FormatError{LineType: "version", Line: s, Reason: "missing minor version"}
	}
	major, ok = parseVersionPart(mj)
	if !ok {
		return 0, 0, &FormatError{LineType: "version", Line: s, Reason: "bad major version"}
	}
	minor, ok = parseVersionPart(mn)
	if !ok {
		return 0, 0, &FormatError{LineType: "version", Line: s, Reason: "bad minor version"}
	}
	return major, minor, nil
}

// parseVersionPart parses one numeric version component of at most three
// digits.
func parseVersionPart(s string) (int, bool) {
	if s == "" || len(s) > 3 {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	v, err := strconv.Atoi(s)
	return v, err == nil
}

// versionSupported reports whether major.minor is a version this
// implementation speaks. Anything at or above 2.0 is not.
func versionSupported(major, minor int) bool { return major < 2 }

// parseStatusLine splits a response control line into its version token,
// status code, and reason. The reason may be empty. The status must be a
// 3-digit decimal number.
func parseStatusLine(line string) (version string, status Status, reason string, _ error) {
	words := splitWords(trimEOL(line), 3)
	if len(words) == 0 || !strings.HasPrefix(words[0], "CMIT/") {
		return "", 0, "", &FormatError{LineType: "status", Line: trimEOL(line), Reason: "bad status line"}
	}
	version = words[0]
	if len(words) < 2 {
		return "", 0, "", &FormatError{LineType: "status", Line: trimEOL(line), Reason: "missing status code"}
	}
	code, err := strconv.Atoi(words[1])
	if err != nil || !Status(code).Valid() {
		return "", 0, "", &FormatError{LineType: "status", Line: trimEOL(line), Reason: "bad status code"}
	}
	if len(words) == 3 {
		reason = words[2]
	}
	return version, Status(code), reason, nil
}

// readMessage consumes the blank separator line and the following message
// line, and decodes the message. An empty read on either line reports
// ErrRemoteClosed.
func readMessage(br *bufio.Reader) (*Message, error) {
	sep, err := readLine(br, "separation")
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrRemoteClosed
		}
		return nil, err
	}
	if trimEOL(sep) != "" {
		return nil, &FormatError{LineType: "separation", Line: trimEOL(sep), Reason: "separator line not blank"}
	}
	line, err := readLine(br, "message")
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrRemoteClosed
		}
		return nil, err
	}
	if trimEOL(line) == "" {
		return nil, &FormatError{LineType: "message", Reason: "empty message line"}
	}
	return DecodeMessage([]byte(line))
}
