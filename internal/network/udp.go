//go:build linux

package network

import (
	"fmt"
	"net/netip"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"netbench/internal/sockets"
)

// UDPServer accepts emulated connections on one bound datagram socket.
type UDPServer struct {
	address netip.AddrPort
}

// NewUDPServer creates a UDP server bound to address.
func NewUDPServer(address netip.AddrPort) *UDPServer {
	return &UDPServer{address: address}
}

func (s *UDPServer) Listen() (Listener, error) {
	sock, err := sockets.New(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}
	if err := sock.SetReuseAddr(); err != nil {
		_ = sock.Release()
		return nil, err
	}
	if err := sock.Bind(s.address); err != nil {
		_ = sock.Release()
		return nil, fmt.Errorf("failed to bind UDP to %s: %w", s.address, err)
	}

	log.WithField("address", s.address).Info("UDP server listening")
	return &dgramListener{socket: newDgramSocket(sock, 0, parsePlain)}, nil
}

// UDPClient opens an emulated connection to a UDP server.
type UDPClient struct {
	address netip.AddrPort
}

// NewUDPClient creates a UDP client targeting address.
func NewUDPClient(address netip.AddrPort) *UDPClient {
	return &UDPClient{address: address}
}

// Connect sends the zero-length hello datagram and pins the server address.
func (c *UDPClient) Connect() (Connection, error) {
	sock, err := sockets.New(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}
	if _, err := sock.SendTo(nil, c.address); err != nil {
		_ = sock.Release()
		return nil, fmt.Errorf("failed to send hello to %s: %w", c.address, err)
	}
	return newDgramConnection(newDgramSocket(sock, 0, parsePlain), c.address, sock), nil
}
