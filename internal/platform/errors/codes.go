// Package errors provides structured error codes shared by the chat transport
// and its HTTP surface.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Session gate errors
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeNotParticipant  Code = "NOT_PARTICIPANT"

	// Request errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Storage errors
	CodeNotFound    Code = "NOT_FOUND"
	CodeUnavailable Code = "UNAVAILABLE"
)

// WebSocket close codes sent when a connection is refused or ends.
// 4403 sits in the application range (4000-4999) so clients can tell
// "no access" apart from "log in again".
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseNotParticipant  = 4403
)

// HTTPStatus maps the code to an HTTP response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNotParticipant:
		return http.StatusForbidden
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CloseCode maps the code to the websocket close code used when a
// connection is refused for that reason.
func (c Code) CloseCode() int {
	switch c {
	case CodeUnauthenticated, CodeInvalidArgument:
		return ClosePolicyViolation
	case CodeNotParticipant, CodeNotFound:
		return CloseNotParticipant
	default:
		return CloseInternalError
	}
}
