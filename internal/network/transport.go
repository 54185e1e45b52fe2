//go:build linux

package network

import (
	"errors"
	"io"
	"time"

	"golang.org/x/sys/unix"
)

// ErrUnimplemented is returned by backends that exist only as a contract.
var ErrUnimplemented = errors.New("transport is unimplemented")

// Connection is an established point-to-point channel. Handles obtained via
// Clone share the underlying socket; each handle must be closed, and the
// socket is released when the last one is.
type Connection interface {
	io.Reader
	io.Writer
	io.Closer

	// Clone returns another owner of the same channel.
	Clone() Connection
	// SetReadTimeout bounds subsequent reads; zero clears the bound.
	SetReadTimeout(d time.Duration) error
	// HeaderSize is the number of leading transport framing bytes in every
	// inbound read.
	HeaderSize() int
}

// Listener accepts connections on the server side.
type Listener interface {
	Accept() (Connection, error)
	Close() error
}

// Server produces a Listener.
type Server interface {
	Listen() (Listener, error)
}

// Client produces one Connection.
type Client interface {
	Connect() (Connection, error)
}

// IsTransient reports send failures worth retrying unchanged, such as
// exhausted outbound buffers.
func IsTransient(err error) bool {
	return errors.Is(err, unix.ENOBUFS)
}

// IsReset reports failures that mean the peer went away.
func IsReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, io.EOF)
}

// IsTimeout reports whether err came from an expired read timeout.
func IsTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
