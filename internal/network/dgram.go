//go:build linux

package network

import (
	"bytes"
	"io"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"netbench/internal/sockets"
)

const (
	acceptBufferSize = 2048
	maxPendingPeers  = 64
	// maxStashedDatagrams caps what is kept for one peer that is waiting
	// in the accept queue.
	maxStashedDatagrams = 16
)

// peerState tracks the emulated connection with one remote address on a
// connectionless socket. A zero-length datagram from an Unbound or Closed
// peer binds it (hello); one from a Bound or Closing peer closes it
// (goodbye). Closing means the local side closed first and the peer's
// goodbye is still due.
type peerState int

const (
	peerUnbound peerState = iota
	peerBound
	peerClosing
	peerClosed
)

func (s peerState) String() string {
	switch s {
	case peerBound:
		return "bound"
	case peerClosing:
		return "closing"
	case peerClosed:
		return "closed"
	default:
		return "unbound"
	}
}

// parseFunc extracts the application payload from an inbound datagram.
// Datagrams it rejects are dropped.
type parseFunc func(datagram []byte) (payload []byte, ok bool)

func parsePlain(datagram []byte) ([]byte, bool) {
	return datagram, true
}

// dgramSocket is one datagram socket shared by a listener and every
// connection it produced.
type dgramSocket struct {
	sock       *sockets.Socket
	headerSize int
	parse      parseFunc

	mu      sync.Mutex
	peers   map[netip.AddrPort]peerState
	pending []netip.AddrPort
	stashed map[netip.AddrPort][][]byte
}

func newDgramSocket(sock *sockets.Socket, headerSize int, parse parseFunc) *dgramSocket {
	return &dgramSocket{
		sock:       sock,
		headerSize: headerSize,
		parse:      parse,
		peers:      make(map[netip.AddrPort]peerState),
		stashed:    make(map[netip.AddrPort][][]byte),
	}
}

func (d *dgramSocket) state(peer netip.AddrPort) peerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peers[peer]
}

func (d *dgramSocket) setState(peer netip.AddrPort, st peerState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[peer] = st
}

// observeEmpty applies a zero-length datagram from peer to the state table
// and reports whether it opened a new connection.
func (d *dgramSocket) observeEmpty(peer netip.AddrPort) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.peers[peer] {
	case peerBound, peerClosing:
		d.peers[peer] = peerClosed
		log.WithField("peer", peer).Debug("Datagram peer said goodbye")
		return false
	default:
		d.peers[peer] = peerBound
		return true
	}
}

// closeLocal records that the local side closed its connection with peer.
func (d *dgramSocket) closeLocal(peer netip.AddrPort) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.peers[peer] == peerBound {
		d.peers[peer] = peerClosing
	}
}

// enqueue parks a hello seen by a connection's read for the next accept.
func (d *dgramSocket) enqueue(peer netip.AddrPort) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) >= maxPendingPeers {
		d.peers[peer] = peerUnbound
		log.WithField("peer", peer).Warn("Pending datagram peer queue full, dropping hello")
		return
	}
	d.pending = append(d.pending, peer)
}

func (d *dgramSocket) popPending() (netip.AddrPort, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.pending) > 0 {
		peer := d.pending[0]
		d.pending = d.pending[1:]
		if d.peers[peer] == peerBound {
			return peer, true
		}
		delete(d.stashed, peer)
	}
	return netip.AddrPort{}, false
}

// stash keeps a copy of a datagram from a peer still waiting in the accept
// queue, so its first messages survive until the connection exists. Other
// datagrams are dropped.
func (d *dgramSocket) stash(peer netip.AddrPort, datagram []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.peers[peer] != peerBound || !slices.Contains(d.pending, peer) {
		return
	}
	if len(d.stashed[peer]) >= maxStashedDatagrams {
		log.WithField("peer", peer).Debug("Stash full, dropping datagram")
		return
	}
	d.stashed[peer] = append(d.stashed[peer], bytes.Clone(datagram))
}

func (d *dgramSocket) takeStash(peer netip.AddrPort) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	stashed := d.stashed[peer]
	delete(d.stashed, peer)
	return stashed
}

// dgramListener emulates accept on a connectionless socket.
type dgramListener struct {
	socket *dgramSocket
	closed atomic.Bool
}

func (l *dgramListener) Accept() (Connection, error) {
	buf := make([]byte, acceptBufferSize)
	for {
		// A connection's read may have queued a hello since the last pass.
		if peer, ok := l.socket.popPending(); ok {
			return l.connect(peer), nil
		}

		n, from, err := l.socket.sock.RecvFrom(buf)
		if l.closed.Load() {
			return nil, net.ErrClosed
		}
		if err != nil {
			return nil, err
		}
		if !from.IsValid() {
			continue
		}

		payload, ok := l.socket.parse(buf[:n])
		if !ok {
			log.WithField("from", from).Debug("Discarding malformed datagram")
			continue
		}
		if len(payload) != 0 {
			l.socket.stash(from, buf[:n])
			continue
		}
		if l.socket.observeEmpty(from) {
			return l.connect(from), nil
		}
	}
}

func (l *dgramListener) connect(peer netip.AddrPort) Connection {
	log.WithField("peer", peer).Debug("Accepted datagram connection")
	return newDgramConnection(l.socket, peer, l.socket.sock.Retain())
}

// Close unblocks a pending Accept and drops the listener's socket reference.
func (l *dgramListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = l.socket.sock.Shutdown()
	return l.socket.sock.Release()
}

// Addr returns the bound local address.
func (l *dgramListener) Addr() netip.AddrPort {
	return localAddr(l.socket.sock)
}

// dgramLink is the state shared by every clone of one emulated connection.
type dgramLink struct {
	socket *dgramSocket
	peer   netip.AddrPort
	sock   *sockets.Socket
	refs   atomic.Int32

	mu      sync.Mutex
	backlog [][]byte // datagrams that arrived before the connection existed
}

func (l *dgramLink) nextBacklog() ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.backlog) == 0 {
		return nil, false
	}
	datagram := l.backlog[0]
	l.backlog = l.backlog[1:]
	return datagram, true
}

// DgramConnection pins a peer address on a shared datagram socket.
type DgramConnection struct {
	link   *dgramLink
	closed atomic.Bool
}

func newDgramConnection(socket *dgramSocket, peer netip.AddrPort, sock *sockets.Socket) *DgramConnection {
	link := &dgramLink{socket: socket, peer: peer, sock: sock, backlog: socket.takeStash(peer)}
	link.refs.Store(1)
	socket.setState(peer, peerBound)
	return &DgramConnection{link: link}
}

// Peer returns the pinned remote address.
func (c *DgramConnection) Peer() netip.AddrPort {
	return c.link.peer
}

// Read returns the next datagram from the pinned peer, transport header
// included. Datagrams from other addresses are never delivered; a hello from
// a new peer is queued for the listener along with what that peer sends
// next. A goodbye from the pinned peer yields io.EOF.
func (c *DgramConnection) Read(p []byte) (int, error) {
	if datagram, ok := c.link.nextBacklog(); ok {
		return copy(p, datagram), nil
	}

	socket := c.link.socket
	for {
		n, from, err := c.link.sock.RecvFrom(p)
		if err != nil {
			return 0, err
		}
		if !from.IsValid() {
			return 0, io.EOF
		}

		payload, ok := socket.parse(p[:n])
		if !ok {
			continue
		}

		if from != c.link.peer {
			if len(payload) != 0 {
				socket.stash(from, p[:n])
			} else if socket.observeEmpty(from) {
				socket.enqueue(from)
			}
			continue
		}

		if len(payload) == 0 {
			socket.setState(from, peerClosed)
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write sends p as one datagram to the pinned peer.
func (c *DgramConnection) Write(p []byte) (int, error) {
	return c.link.sock.SendTo(p, c.link.peer)
}

func (c *DgramConnection) Clone() Connection {
	c.link.refs.Add(1)
	return &DgramConnection{link: c.link}
}

func (c *DgramConnection) SetReadTimeout(d time.Duration) error {
	return c.link.sock.SetReadTimeout(d)
}

func (c *DgramConnection) HeaderSize() int {
	return c.link.socket.headerSize
}

// Close releases this handle. The last handle sends a best-effort goodbye
// datagram and releases its socket reference.
func (c *DgramConnection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.link.refs.Add(-1) > 0 {
		return nil
	}

	link := c.link
	if _, err := link.sock.SendTo(nil, link.peer); err != nil {
		log.WithError(err).WithField("peer", link.peer).Debug("Failed to send goodbye datagram")
	}
	link.socket.closeLocal(link.peer)
	return link.sock.Release()
}
