package websocket

import (
	"fmt"

	"github.com/juju/errors"
)

var (
	// ErrNotConnected means the connection is not established when the client
	// tried to e.g. send a message, or close the connection.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed means the session was closed, either by Close or after a
	// fatal login failure, and it can't connect anymore.
	ErrClosed = errors.New("session is closed")

	// ErrPingTimeout means nothing was received from the server in time after
	// the session pinged it; the connection is dropped.
	ErrPingTimeout = errors.New("no data from server after ping")
)

// SessionFatalError means the server refused the login. The session is
// closed and never reconnects.
type SessionFatalError struct {
	Session string
	Stream  string
	Data    string
	Text    string
}

func (e *SessionFatalError) Error() string {
	return fmt.Sprintf(
		"%s: login refused (stream %q, data %q): %s", e.Session, e.Stream, e.Data, e.Text,
	)
}

// TransportError means the connection was lost or couldn't be established;
// the session reconnects on its own.
type TransportError struct {
	Session string
	Cause   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %s", e.Session, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}
