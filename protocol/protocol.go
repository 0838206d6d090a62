// Package protocol implements the relay's line-oriented wire format.
//
// A frame is a header line followed by a fixed, header-specific number of
// payload lines. Headers are matched case-insensitively. Message bodies are
// carried as opaque base64 text and are never decoded on the server side.
package protocol

import "strings"

// Opaque markers written around a message body by well-behaved clients. The
// server echoes whatever markers it receives.
const (
	BeginMarker = "---BEGIN MESSAGE---"
	EndMarker   = "---END MESSAGE---"
)

// LineReader yields one protocol line at a time without its terminator. It
// returns io.EOF once the stream is exhausted.
type LineReader interface {
	ReadLine() (string, error)
}

// RequestType enumerates the frames a client may send.
type RequestType int

const (
	RequestConnect RequestType = iota + 1
	RequestMessage
	RequestLogout
)

var requestHeaders = map[RequestType]string{
	RequestConnect: "CONNECT",
	RequestMessage: "MESSAGE",
	RequestLogout:  "LOGOUT",
}

// Header returns the wire header for t.
func (t RequestType) Header() string {
	return requestHeaders[t]
}

func (t RequestType) String() string {
	if h, ok := requestHeaders[t]; ok {
		return h
	}

	return "UNKNOWN"
}

// payloadLines is the number of lines following the header.
func (t RequestType) payloadLines() int {
	switch t {
	case RequestConnect:
		return 1
	case RequestMessage:
		return 5
	default:
		return 0
	}
}

// ParseRequestType matches header against the request headers ignoring case.
func ParseRequestType(header string) (RequestType, bool) {
	for t, h := range requestHeaders {
		if strings.EqualFold(h, header) {
			return t, true
		}
	}

	return 0, false
}

// ResponseType enumerates the frames the server sends.
type ResponseType int

const (
	ResponseConnectionSuccess ResponseType = iota + 1
	ResponseConnectionFailed
	ResponseMessage
	ResponseUserConnected
)

var responseHeaders = map[ResponseType]string{
	ResponseConnectionSuccess: "CONNECTION_SUCCESS",
	ResponseConnectionFailed:  "CONNECTION_FAILED",
	ResponseMessage:           "MESSAGE",
	ResponseUserConnected:     "USER_CONNECTED",
}

// Header returns the wire header for t.
func (t ResponseType) Header() string {
	return responseHeaders[t]
}

func (t ResponseType) String() string {
	if h, ok := responseHeaders[t]; ok {
		return h
	}

	return "UNKNOWN"
}

// ParseResponseType matches header against the response headers ignoring case.
func ParseResponseType(header string) (ResponseType, bool) {
	for t, h := range responseHeaders {
		if strings.EqualFold(h, header) {
			return t, true
		}
	}

	return 0, false
}

// FailReason is the payload of a CONNECTION_FAILED response.
type FailReason string

// Unauthorized is currently the only failure reason on the wire.
const Unauthorized FailReason = "UNAUTHORIZED"
