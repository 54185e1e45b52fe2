//go:build linux

package network

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"netbench/internal/sockets"
)

const (
	// RawProtocol is the IP protocol number carried by raw transport packets.
	RawProtocol = 200
	// IPv4HeaderSize is the fixed part of the IPv4 header the kernel prepends
	// to every datagram read from a raw socket.
	IPv4HeaderSize = 20
)

// parseIPv4 strips the IPv4 header the kernel hands to raw sockets.
func parseIPv4(datagram []byte) ([]byte, bool) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(datagram, gopacket.NilDecodeFeedback); err != nil {
		return nil, false
	}
	if ip.Version != 4 {
		return nil, false
	}
	return ip.Payload, true
}

func openRawSocket(iface string) (*sockets.Socket, error) {
	sock, err := sockets.New(unix.AF_INET, unix.SOCK_RAW, RawProtocol)
	if err != nil {
		return nil, err
	}
	if err := sock.BindToDevice(iface); err != nil {
		_ = sock.Release()
		return nil, err
	}
	return sock, nil
}

// RawServer accepts emulated connections over raw IP on one interface.
type RawServer struct {
	iface string
}

// NewRawServer creates a raw IP server bound to the named interface.
func NewRawServer(iface string) *RawServer {
	return &RawServer{iface: iface}
}

func (s *RawServer) Listen() (Listener, error) {
	sock, err := openRawSocket(s.iface)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"interface": s.iface,
		"protocol":  RawProtocol,
	}).Info("Raw IP server listening")
	return &dgramListener{socket: newDgramSocket(sock, IPv4HeaderSize, parseIPv4)}, nil
}

// RawClient opens an emulated raw IP connection to a peer host.
type RawClient struct {
	iface   string
	address netip.Addr
}

// NewRawClient creates a raw IP client on iface targeting address.
func NewRawClient(iface string, address netip.Addr) *RawClient {
	return &RawClient{iface: iface, address: address}
}

func (c *RawClient) Connect() (Connection, error) {
	sock, err := openRawSocket(c.iface)
	if err != nil {
		return nil, err
	}
	peer := netip.AddrPortFrom(c.address, 0)
	if _, err := sock.SendTo(nil, peer); err != nil {
		_ = sock.Release()
		return nil, fmt.Errorf("failed to send hello to %s: %w", c.address, err)
	}
	return newDgramConnection(newDgramSocket(sock, IPv4HeaderSize, parseIPv4), peer, sock), nil
}
