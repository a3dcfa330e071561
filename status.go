// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

package cmit

import "fmt"

// A Status is a CMIT response status code. The wire form of a status is
// exactly three decimal digits, so valid codes fall in the range 100..999.
// Codes are grouped by their leading digit: 1xx informational, 2xx success,
// 3xx client error, 4xx server error.
type Status int

// The status codes defined by CMIT v1.
const (
	// 1xx Informational
	StatusContinue   Status = 100
	StatusProcessing Status = 102

	// 2xx Success
	StatusOK       Status = 200
	StatusAccepted Status = 202

	// 3xx Client error
	StatusBadRequest   Status = 300
	StatusUnauthorized Status = 301

	// 4xx Server error
	StatusInternalServerError Status = 400
	StatusNotImplemented      Status = 401
	StatusBadGateway          Status = 402
	StatusServiceUnavailable  Status = 403
)

// StatusText is the phrase and description registered for a status code.
// The phrase appears on the response control line; the description is
// folded into the payload of error responses.
type StatusText struct {
	Phrase      string
	Description string
}

// A StatusTable maps status codes to their phrase and description. A table
// is injected into a Server at construction; most callers want
// DefaultStatusTable.
type StatusTable map[Status]StatusText

// Text returns the phrase and description for code. Codes not present in
// the table report "???" for both, which is how unregistered codes are
// rendered in error responses.
func (t StatusTable) Text(code Status) StatusText {
	if st, ok := t[code]; ok {
		return st
	}
	return StatusText{Phrase: "???", Description: "???"}
}

// DefaultStatusTable registers the status codes defined by CMIT v1.
var DefaultStatusTable = StatusTable{
	StatusContinue:   {"Continue", "Request received, please continue"},
	StatusProcessing: {"Processing", "Request in progress"},

	StatusOK:       {"OK", "Request fulfilled, document follows"},
	StatusAccepted: {"Accepted", "Request accepted, processing continues off-line"},

	StatusBadRequest:   {"Bad Request", "Bad request syntax or unsupported method"},
	StatusUnauthorized: {"Unauthorized", "No permission -- see authorization schemes"},

	StatusInternalServerError: {"Internal Server Error", "Server got itself in trouble"},
	StatusNotImplemented:      {"Not Implemented", "Server does not support this operation"},
	StatusBadGateway:          {"Bad Gateway", "Invalid responses from another server/proxy"},
	StatusServiceUnavailable:  {"Service Unavailable", "The server cannot process the request due to a high load"},
}

// Valid reports whether s has a 3-digit wire form.
func (s Status) Valid() bool { return s >= 100 && s <= 999 }

// IsInformational reports whether s is in the 1xx range.
func (s Status) IsInformational() bool { return s >= 100 && s <= 199 }

// IsSuccess reports whether s is in the 2xx range.
func (s Status) IsSuccess() bool { return s >= 200 && s <= 299 }

// IsClientError reports whether s is in the 3xx range.
func (s Status) IsClientError() bool { return s >= 300 && s <= 399 }

// IsServerError reports whether s is in the 4xx range.
func (s Status) IsServerError() bool { return s >= 400 && s <= 499 }

// Phrase returns the phrase for s from the default table.
func (s Status) Phrase() string { return DefaultStatusTable.Text(s).Phrase }

// Description returns the description for s from the default table.
func (s Status) Description() string { return DefaultStatusTable.Text(s).Description }

func (s Status) String() string { return fmt.Sprintf("%d %s", int(s), s.Phrase()) }
