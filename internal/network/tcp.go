//go:build linux

package network

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"netbench/internal/sockets"
)

// TCPConnection is a connected stream socket.
type TCPConnection struct {
	sock   *sockets.Socket
	closed atomic.Bool
}

func newTCPConnection(sock *sockets.Socket) *TCPConnection {
	return &TCPConnection{sock: sock}
}

// Read reads whatever the kernel has buffered. A closed peer yields io.EOF.
func (c *TCPConnection) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := c.sock.Recv(p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write performs a single send and may write fewer bytes than len(p).
func (c *TCPConnection) Write(p []byte) (int, error) {
	return c.sock.Send(p)
}

func (c *TCPConnection) Clone() Connection {
	return newTCPConnection(c.sock.Retain())
}

func (c *TCPConnection) SetReadTimeout(d time.Duration) error {
	return c.sock.SetReadTimeout(d)
}

func (c *TCPConnection) HeaderSize() int {
	return 0
}

// Close releases this handle.
func (c *TCPConnection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.sock.Release()
}

// TCPServer listens on a fixed address.
type TCPServer struct {
	address netip.AddrPort
}

// NewTCPServer creates a TCP server bound to address.
func NewTCPServer(address netip.AddrPort) *TCPServer {
	return &TCPServer{address: address}
}

// Listen creates, binds and listens with a zero backlog.
func (s *TCPServer) Listen() (Listener, error) {
	sock, err := sockets.New(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := sock.SetReuseAddr(); err != nil {
		_ = sock.Release()
		return nil, err
	}
	if err := sock.Bind(s.address); err != nil {
		_ = sock.Release()
		return nil, fmt.Errorf("failed to bind TCP to %s: %w", s.address, err)
	}
	if err := sock.Listen(0); err != nil {
		_ = sock.Release()
		return nil, err
	}

	log.WithField("address", s.address).Info("TCP server listening")
	return &TCPListener{sock: sock}, nil
}

// TCPListener accepts stream connections.
type TCPListener struct {
	sock   *sockets.Socket
	closed atomic.Bool
}

func (l *TCPListener) Accept() (Connection, error) {
	sock, peer, err := l.sock.Accept()
	if l.closed.Load() {
		if err == nil {
			_ = sock.Release()
		}
		return nil, net.ErrClosed
	}
	if err != nil {
		return nil, err
	}
	log.WithField("peer", peer).Debug("Accepted TCP connection")
	return newTCPConnection(sock), nil
}

// Close unblocks a pending Accept and releases the socket.
func (l *TCPListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = l.sock.Shutdown()
	return l.sock.Release()
}

// Addr returns the bound local address.
func (l *TCPListener) Addr() netip.AddrPort {
	return localAddr(l.sock)
}

// TCPClient connects to a fixed address.
type TCPClient struct {
	address netip.AddrPort
}

// NewTCPClient creates a TCP client targeting address.
func NewTCPClient(address netip.AddrPort) *TCPClient {
	return &TCPClient{address: address}
}

func (c *TCPClient) Connect() (Connection, error) {
	sock, err := sockets.New(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := sock.Connect(c.address); err != nil {
		_ = sock.Release()
		return nil, fmt.Errorf("failed to connect to %s: %w", c.address, err)
	}
	return newTCPConnection(sock), nil
}

func localAddr(sock *sockets.Socket) netip.AddrPort {
	sa, err := unix.Getsockname(sock.FD())
	if err != nil {
		return netip.AddrPort{}
	}
	return sockets.FromSockaddr(sa)
}
