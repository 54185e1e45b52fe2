//go:build linux

package sockets

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ToSockaddr converts a host IPv4 address and port into the sockaddr_in the
// kernel expects. x/sys/unix stores the port in network byte order when the
// structure is marshalled; Addr holds the octets in wire order already.
func ToSockaddr(addr netip.AddrPort) (*unix.SockaddrInet4, error) {
	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return nil, fmt.Errorf("address %s is not IPv4", addr)
	}
	return &unix.SockaddrInet4{
		Port: int(addr.Port()),
		Addr: ip.As4(),
	}, nil
}

// FromSockaddr converts a kernel sockaddr back into a host address. Anything
// other than IPv4 yields the zero AddrPort.
func FromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(netip.AddrFrom4(in4.Addr), uint16(in4.Port))
}
