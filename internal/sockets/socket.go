//go:build linux

// Package sockets is a thin wrapper over the Linux socket syscalls used by the
// transport backends. A Socket is reference counted: every owner calls Retain
// once and Release once, and the descriptor is closed on the final Release.
package sockets

import (
	"fmt"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Socket is a shared OS socket descriptor.
type Socket struct {
	fd     int
	refs   atomic.Int32
	closed atomic.Bool
}

func newSocket(fd int) *Socket {
	s := &Socket{fd: fd}
	s.refs.Store(1)
	return s
}

// New creates a socket. The caller owns the first reference.
func New(domain, typ, proto int) (*Socket, error) {
	fd, err := unix.Socket(domain, typ|unix.SOCK_CLOEXEC, proto)
	if err := check("socket", fd, err); err != nil {
		return nil, err
	}
	return newSocket(fd), nil
}

// FD returns the raw descriptor.
func (s *Socket) FD() int {
	return s.fd
}

// Retain adds an owner.
func (s *Socket) Retain() *Socket {
	s.refs.Add(1)
	return s
}

// Release drops an owner and closes the descriptor when none remain.
func (s *Socket) Release() error {
	if s.refs.Add(-1) > 0 {
		return nil
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(s.fd))
}

// Shutdown stops both directions. Threads blocked in accept or recv on this
// socket return with an error.
func (s *Socket) Shutdown() error {
	return os.NewSyscallError("shutdown", unix.Shutdown(s.fd, unix.SHUT_RDWR))
}

// SetReuseAddr enables SO_REUSEADDR.
func (s *Socket) SetReuseAddr() error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
}

// BindToDevice restricts the socket to the named network interface.
func (s *Socket) BindToDevice(iface string) error {
	if err := unix.BindToDevice(s.fd, iface); err != nil {
		return fmt.Errorf("bind to device %q: %w", iface, os.NewSyscallError("setsockopt", err))
	}
	return nil
}

// SetReadTimeout arms SO_RCVTIMEO. A zero duration clears it; the kernel
// treats a zero timeval as no timeout.
func (s *Socket) SetReadTimeout(d time.Duration) error {
	var tv unix.Timeval
	if d > 0 {
		tv = unix.NsecToTimeval(d.Nanoseconds())
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv))
}

// Bind assigns a local IPv4 address.
func (s *Socket) Bind(addr netip.AddrPort) error {
	sa, err := ToSockaddr(addr)
	if err != nil {
		return err
	}
	return os.NewSyscallError("bind", unix.Bind(s.fd, sa))
}

// Listen marks the socket passive.
func (s *Socket) Listen(backlog int) error {
	return os.NewSyscallError("listen", unix.Listen(s.fd, backlog))
}

// Accept waits for an inbound stream connection.
func (s *Socket) Accept() (*Socket, netip.AddrPort, error) {
	for {
		nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err := check("accept", nfd, err); err != nil {
			return nil, netip.AddrPort{}, err
		}
		return newSocket(nfd), FromSockaddr(sa), nil
	}
}

// Connect connects to a remote IPv4 address.
func (s *Socket) Connect(addr netip.AddrPort) error {
	sa, err := ToSockaddr(addr)
	if err != nil {
		return err
	}
	return os.NewSyscallError("connect", unix.Connect(s.fd, sa))
}

// Send writes to a connected socket.
func (s *Socket) Send(p []byte) (int, error) {
	return s.sendmsg(p, nil)
}

// SendTo writes one datagram to addr. An empty p sends a zero-length datagram.
func (s *Socket) SendTo(p []byte, addr netip.AddrPort) (int, error) {
	sa, err := ToSockaddr(addr)
	if err != nil {
		return 0, err
	}
	return s.sendmsg(p, sa)
}

func (s *Socket) sendmsg(p []byte, to unix.Sockaddr) (int, error) {
	for {
		n, err := unix.SendmsgN(s.fd, p, nil, to, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err := check("sendmsg", n, err); err != nil {
			return 0, err
		}
		return n, nil
	}
}

// Recv reads from a connected socket. Zero with a nil error means the peer
// closed a stream socket.
func (s *Socket) Recv(p []byte) (int, error) {
	n, _, err := s.RecvFrom(p)
	return n, err
}

// RecvFrom reads one datagram and reports its source address.
func (s *Socket) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	for {
		n, sa, err := unix.Recvfrom(s.fd, p, 0)
		if err == unix.EINTR {
			continue
		}
		if err := check("recvfrom", n, err); err != nil {
			return 0, netip.AddrPort{}, err
		}
		return n, FromSockaddr(sa), nil
	}
}

// check turns a failed syscall result into an *os.SyscallError. Negative
// results without an errno are reported as EIO.
func check(op string, n int, err error) error {
	if err != nil {
		return os.NewSyscallError(op, err)
	}
	if n < 0 {
		return os.NewSyscallError(op, unix.EIO)
	}
	return nil
}
