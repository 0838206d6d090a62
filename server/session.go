package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cyberinferno/chatrelay/auth"
	"github.com/cyberinferno/chatrelay/chatconn"
	"github.com/cyberinferno/chatrelay/logger"
	"github.com/cyberinferno/chatrelay/protocol"
	"github.com/cyberinferno/chatrelay/registry"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateActive
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Reasons a session ended, used as log field and metric label.
const (
	EndLogout            = "logout"
	EndEOF               = "eof"
	EndProtocolViolation = "protocol_violation"
	EndRejected          = "rejected"
	EndDuplicate         = "duplicate"
	EndTimeout           = "timeout"
	EndTransport         = "transport"
	EndShutdown          = "shutdown"
)

var (
	errLogout   = errors.New("client logged out")
	errRejected = errors.New("authentication rejected")
)

// session is the control loop for one authenticated-or-not connection. Only
// its own goroutine reads from conn.
type session struct {
	srv      *Server
	seq      uint32
	conn     *chatconn.Conn
	log      logger.Logger
	state    State
	identity registry.Identity
}

func newSession(srv *Server, seq uint32, conn *chatconn.Conn, log logger.Logger) *session {
	return &session{srv: srv, seq: seq, conn: conn, log: log, state: StateUnauthenticated}
}

// run drives the session to completion and always closes the connection,
// which fires the close hook for an authenticated identity.
func (ss *session) run() {
	err := ss.authenticate()
	if err == nil {
		ss.log.Info("client authenticated", logger.F("username", ss.identity.Username))
		err = ss.serve()
	}

	if ss.state != StateRejected {
		ss.state = StateClosed
	}
	_ = ss.conn.Close()

	reason := ss.endReason(err)
	ss.srv.metrics.SessionClosed(reason)

	fields := []logger.Field{logger.F("reason", reason), logger.F("state", ss.state.String())}
	switch reason {
	case EndProtocolViolation, EndTransport:
		ss.log.Warn("session closed", append(fields, logger.Err(err))...)
	case EndRejected, EndDuplicate:
		ss.log.Info("session closed", append(fields, logger.Err(err))...)
	default:
		ss.log.Info("session closed", fields...)
	}
}

// authenticate expects CONNECT as the first frame. On success the identity
// is registered, its close hook installed, presence broadcast and
// CONNECTION_SUCCESS written.
func (ss *session) authenticate() error {
	t, err := protocol.ReadRequestType(ss.conn)
	if err != nil {
		return err
	}
	if t != protocol.RequestConnect {
		return &protocol.ViolationError{Header: t.Header(), Reason: "first request must be CONNECT"}
	}

	start := time.Now()
	req, err := protocol.ReadRequestPayload(ss.conn, t)
	if err != nil {
		return err
	}

	ss.state = StateAuthenticating
	ctx, cancel := context.WithTimeout(ss.srv.ctx, ss.srv.cfg.AuthTimeout)
	identity, err := ss.srv.auth.Authenticate(ctx, req.Credential)
	cancel()
	if err == nil && strings.ContainsAny(identity.Username, "\r\n") {
		err = fmt.Errorf("identity %d: username contains a line break", identity.ID)
	}
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			ss.srv.metrics.AuthResult("rejected")
		} else {
			ss.srv.metrics.AuthResult("error")
			ss.log.Error("authenticator failed", logger.Err(err))
		}
		return ss.reject(auth.ReasonOf(err), err)
	}

	if err := ss.srv.registry.Register(identity, ss.conn); err != nil {
		ss.srv.metrics.AuthResult("duplicate")
		return ss.reject(protocol.Unauthorized, err)
	}

	conn := ss.conn
	if err := conn.SetCloseHook(func() { ss.srv.registry.RemoveHandle(identity.ID, conn) }); err != nil {
		ss.srv.registry.RemoveHandle(identity.ID, conn)
		return err
	}

	ss.identity = identity
	ss.log = ss.log.With(logger.F("user_id", identity.ID))

	result := ss.srv.registry.BroadcastPresence(identity)
	ss.log.Debug("presence broadcast",
		logger.F("delivered", result.Delivered),
		logger.F("failed", result.Failed),
		logger.F("pruned", result.Pruned))

	ss.srv.metrics.AuthResult("success")
	ss.srv.metrics.ObserveRequest(t.String(), time.Since(start))
	if err := ss.conn.WriteLines(protocol.ConnectionSuccess(identity.ID)...); err != nil {
		return err
	}

	ss.state = StateActive
	return nil
}

// reject answers CONNECTION_FAILED; the caller closes the connection.
func (ss *session) reject(reason protocol.FailReason, cause error) error {
	ss.state = StateRejected
	if err := ss.conn.WriteLines(protocol.ConnectionFailed(reason)...); err != nil {
		ss.log.Debug("failed to deliver rejection", logger.Err(err))
	}

	return fmt.Errorf("%w: %w", errRejected, cause)
}

// serve processes requests in arrival order until logout, end of stream or
// an error.
func (ss *session) serve() error {
	for {
		if ss.conn.IsClosed() {
			return io.EOF
		}

		t, err := protocol.ReadRequestType(ss.conn)
		if err != nil {
			return err
		}

		start := time.Now()
		switch t {
		case protocol.RequestMessage:
			req, err := protocol.ReadRequestPayload(ss.conn, t)
			if err != nil {
				return err
			}
			ss.forward(req.Message)
		case protocol.RequestLogout:
			ss.srv.metrics.ObserveRequest(t.String(), time.Since(start))
			return errLogout
		default:
			return &protocol.ViolationError{Header: t.Header(), Reason: "already authenticated"}
		}

		ss.srv.metrics.ObserveRequest(t.String(), time.Since(start))
	}
}

// forward relays m to its receiver. An offline receiver or a failed write
// only drops the message; the sender is never told.
func (ss *session) forward(m protocol.Message) {
	h, err := ss.srv.registry.Lookup(m.To)
	if err != nil {
		ss.srv.metrics.MessageDropped()
		ss.log.Debug("receiver offline, message dropped", logger.F("to", m.To))
		return
	}

	if err := h.WriteLines(protocol.ForwardMessage(m)...); err != nil {
		ss.srv.metrics.MessageDropped()
		ss.log.Debug("message delivery failed", logger.F("to", m.To), logger.Err(err))
	}
}

func (ss *session) endReason(err error) string {
	switch {
	case errors.Is(err, errLogout):
		return EndLogout
	case errors.Is(err, registry.ErrDuplicateIdentity):
		return EndDuplicate
	case errors.Is(err, errRejected):
		return EndRejected
	case errors.Is(err, protocol.ErrProtocolViolation), errors.Is(err, chatconn.ErrLineTooLong):
		return EndProtocolViolation
	case ss.srv.stopping.Load():
		return EndShutdown
	case errors.Is(err, io.EOF):
		return EndEOF
	case chatconn.IsTimeout(err):
		return EndTimeout
	default:
		return EndTransport
	}
}
