//go:build linux

package network

import (
	"io"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

type addrListener interface {
	Listener
	Addr() netip.AddrPort
}

func listen(t *testing.T, srv Server) addrListener {
	t.Helper()
	ln, err := srv.Listen()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln.(addrListener)
}

type acceptResult struct {
	conn Connection
	err  error
}

func acceptAsync(ln Listener) <-chan acceptResult {
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- acceptResult{conn, err}
	}()
	return ch
}

func waitAccept(t *testing.T, ch <-chan acceptResult) Connection {
	t.Helper()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.conn
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
		return nil
	}
}

func TestTCP_ConnectAcceptExchange(t *testing.T) {
	ln := listen(t, NewTCPServer(loopback))
	accepted := acceptAsync(ln)

	client, err := NewTCPClient(ln.Addr()).Connect()
	require.NoError(t, err)
	defer client.Close()

	server := waitAccept(t, accepted)
	defer server.Close()
	assert.Equal(t, 0, server.HeaderSize())

	_, err = client.Write([]byte("payload"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
}

func TestTCP_CloneKeepsSocketOpen(t *testing.T) {
	ln := listen(t, NewTCPServer(loopback))
	accepted := acceptAsync(ln)

	client, err := NewTCPClient(ln.Addr()).Connect()
	require.NoError(t, err)
	server := waitAccept(t, accepted)
	defer server.Close()

	clone := client.Clone()
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err = clone.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, clone.Close())
	_, err = server.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTCP_ReadTimeout(t *testing.T) {
	ln := listen(t, NewTCPServer(loopback))
	accepted := acceptAsync(ln)

	client, err := NewTCPClient(ln.Addr()).Connect()
	require.NoError(t, err)
	defer client.Close()
	server := waitAccept(t, accepted)
	defer server.Close()

	require.NoError(t, server.SetReadTimeout(30*time.Millisecond))
	_, err = server.Read(make([]byte, 4))
	assert.True(t, IsTimeout(err))
}

func TestTCP_ListenerCloseUnblocksAccept(t *testing.T) {
	ln, err := NewTCPServer(loopback).Listen()
	require.NoError(t, err)
	accepted := acceptAsync(ln)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ln.Close())

	select {
	case r := <-accepted:
		assert.ErrorIs(t, r.err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not return")
	}
	assert.NoError(t, ln.Close(), "second close is a no-op")
}

func TestUDP_HelloCreatesConnection(t *testing.T) {
	ln := listen(t, NewUDPServer(loopback))
	accepted := acceptAsync(ln)

	client, err := NewUDPClient(ln.Addr()).Connect()
	require.NoError(t, err)
	defer client.Close()

	server := waitAccept(t, accepted)
	defer server.Close()

	_, err = client.Write([]byte("data"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buf[:n]))

	_, err = server.Write([]byte("back"))
	require.NoError(t, err)
	n, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "back", string(buf[:n]))
}

func TestUDP_HelloFromNewPeerIsNotDelivered(t *testing.T) {
	ln := listen(t, NewUDPServer(loopback))
	accepted := acceptAsync(ln)

	first, err := NewUDPClient(ln.Addr()).Connect()
	require.NoError(t, err)
	defer first.Close()
	server := waitAccept(t, accepted)
	defer server.Close()

	second, err := NewUDPClient(ln.Addr()).Connect()
	require.NoError(t, err)
	defer second.Close()

	_, err = first.Write([]byte("one"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(buf[:n]))

	// The second hello was parked for the listener rather than delivered.
	next := waitAccept(t, acceptAsync(ln))
	defer next.Close()
	// The client socket is autobound to the wildcard address, so compare ports.
	assert.Equal(t, localAddr(second.(*DgramConnection).link.sock).Port(), next.(*DgramConnection).Peer().Port())
	assert.NotEqual(t, server.(*DgramConnection).Peer(), next.(*DgramConnection).Peer())
}

func TestUDP_StrayPayloadIsDropped(t *testing.T) {
	ln := listen(t, NewUDPServer(loopback))
	accepted := acceptAsync(ln)

	client, err := NewUDPClient(ln.Addr()).Connect()
	require.NoError(t, err)
	defer client.Close()
	server := waitAccept(t, accepted)
	defer server.Close()

	stray, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(ln.Addr()))
	require.NoError(t, err)
	defer stray.Close()
	_, err = stray.Write([]byte("noise"))
	require.NoError(t, err)

	_, err = client.Write([]byte("real"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "real", string(buf[:n]))
}

func TestUDP_GoodbyeOnLastClose(t *testing.T) {
	ln := listen(t, NewUDPServer(loopback))
	accepted := acceptAsync(ln)

	client, err := NewUDPClient(ln.Addr()).Connect()
	require.NoError(t, err)
	server := waitAccept(t, accepted)
	defer server.Close()

	clone := client.Clone()
	require.NoError(t, client.Close())
	_, err = clone.Write([]byte("still open"))
	require.NoError(t, err)
	require.NoError(t, clone.Close())

	buf := make([]byte, 32)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "still open", string(buf[:n]))

	_, err = server.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	dc := server.(*DgramConnection)
	assert.Equal(t, peerClosed, dc.link.socket.state(dc.Peer()))
}

func TestDgramSocket_PeerStateMachine(t *testing.T) {
	d := newDgramSocket(nil, 0, parsePlain)
	peer := netip.MustParseAddrPort("10.0.0.1:5000")

	assert.Equal(t, peerUnbound, d.state(peer))
	assert.True(t, d.observeEmpty(peer), "hello from unbound peer")
	assert.Equal(t, peerBound, d.state(peer))
	assert.False(t, d.observeEmpty(peer), "goodbye from bound peer")
	assert.Equal(t, peerClosed, d.state(peer))
	assert.True(t, d.observeEmpty(peer), "hello from closed peer rebinds")

	d.closeLocal(peer)
	assert.Equal(t, peerClosing, d.state(peer))
	assert.False(t, d.observeEmpty(peer), "late goodbye after local close")
	assert.Equal(t, peerClosed, d.state(peer))

	d.closeLocal(peer)
	assert.Equal(t, peerClosed, d.state(peer), "closed stays closed")
}

func TestUDP_LateGoodbyeDoesNotReopen(t *testing.T) {
	ln := listen(t, NewUDPServer(loopback))
	accepted := acceptAsync(ln)

	first, err := NewUDPClient(ln.Addr()).Connect()
	require.NoError(t, err)
	server := waitAccept(t, accepted)
	require.NoError(t, server.Close())
	require.NoError(t, first.Close())

	second, err := NewUDPClient(ln.Addr()).Connect()
	require.NoError(t, err)
	defer second.Close()

	next := waitAccept(t, acceptAsync(ln))
	defer next.Close()
	assert.Equal(t, localAddr(second.(*DgramConnection).link.sock).Port(), next.(*DgramConnection).Peer().Port())
}

func TestDgramSocket_PendingSkipsClosedPeers(t *testing.T) {
	d := newDgramSocket(nil, 0, parsePlain)
	a := netip.MustParseAddrPort("10.0.0.1:1")
	b := netip.MustParseAddrPort("10.0.0.2:2")

	require.True(t, d.observeEmpty(a))
	d.enqueue(a)
	require.True(t, d.observeEmpty(b))
	d.enqueue(b)
	require.False(t, d.observeEmpty(a))

	peer, ok := d.popPending()
	require.True(t, ok)
	assert.Equal(t, b, peer)
	_, ok = d.popPending()
	assert.False(t, ok)
}

func TestUDP_QueuedPeerKeepsEarlyDatagrams(t *testing.T) {
	ln := listen(t, NewUDPServer(loopback))
	accepted := acceptAsync(ln)

	first, err := NewUDPClient(ln.Addr()).Connect()
	require.NoError(t, err)
	defer first.Close()
	server := waitAccept(t, accepted)
	defer server.Close()

	// The second peer says hello and starts talking while the first
	// connection owns the socket.
	second, err := NewUDPClient(ln.Addr()).Connect()
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Write([]byte("early"))
	require.NoError(t, err)
	_, err = first.Write([]byte("one"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(buf[:n]))

	next := waitAccept(t, acceptAsync(ln))
	defer next.Close()
	n, err = next.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "early", string(buf[:n]))
}

func TestDgramSocket_StashOnlyForQueuedPeers(t *testing.T) {
	d := newDgramSocket(nil, 0, parsePlain)
	queued := netip.MustParseAddrPort("10.0.0.1:1")
	unknown := netip.MustParseAddrPort("10.0.0.2:2")

	d.stash(unknown, []byte("x"))
	assert.Empty(t, d.takeStash(unknown))

	require.True(t, d.observeEmpty(queued))
	d.enqueue(queued)
	datagram := []byte("syn")
	d.stash(queued, datagram)
	datagram[0] = 'X'
	for i := 0; i < maxStashedDatagrams; i++ {
		d.stash(queued, []byte("more"))
	}

	stashed := d.takeStash(queued)
	require.Len(t, stashed, maxStashedDatagrams)
	assert.Equal(t, "syn", string(stashed[0]), "stash keeps a copy")
	assert.Empty(t, d.takeStash(queued))

	d.stash(queued, []byte("late"))
	require.False(t, d.observeEmpty(queued), "goodbye before accept")
	_, ok := d.popPending()
	assert.False(t, ok)
	assert.Empty(t, d.takeStash(queued), "dropped with the closed peer")
}

func ipv4Datagram(t *testing.T, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocol(RawProtocol),
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestParseIPv4_StripsHeader(t *testing.T) {
	datagram := ipv4Datagram(t, []byte("hello"))
	require.Len(t, datagram, IPv4HeaderSize+5)

	payload, ok := parseIPv4(datagram)
	require.True(t, ok)
	assert.Equal(t, "hello", string(payload))
}

func TestParseIPv4_EmptyPayloadIsMarker(t *testing.T) {
	payload, ok := parseIPv4(ipv4Datagram(t, nil))
	require.True(t, ok)
	assert.Empty(t, payload)
}

func TestParseIPv4_RejectsMalformed(t *testing.T) {
	_, ok := parseIPv4([]byte{0x45, 0x00})
	assert.False(t, ok)

	bad := ipv4Datagram(t, []byte("x"))
	bad[0] = 0x41 // IHL below minimum
	_, ok = parseIPv4(bad)
	assert.False(t, ok)

	v6 := ipv4Datagram(t, []byte("x"))
	v6[0] = 0x65
	_, ok = parseIPv4(v6)
	assert.False(t, ok)
}

func TestZeroCopy_Unimplemented(t *testing.T) {
	_, err := ZeroCopyServer{}.Listen()
	assert.ErrorIs(t, err, ErrUnimplemented)
	_, err = ZeroCopyClient{}.Connect()
	assert.ErrorIs(t, err, ErrUnimplemented)
}

func TestIsTransientAndReset(t *testing.T) {
	assert.True(t, IsTransient(os.NewSyscallError("sendmsg", unix.ENOBUFS)))
	assert.False(t, IsTransient(io.ErrUnexpectedEOF))

	for _, errno := range []unix.Errno{unix.ECONNRESET, unix.EPIPE, unix.ECONNREFUSED} {
		assert.True(t, IsReset(os.NewSyscallError("sendmsg", errno)), errno.Error())
	}
	assert.True(t, IsReset(io.EOF))
	assert.False(t, IsReset(os.NewSyscallError("sendmsg", unix.ENOBUFS)))

	assert.True(t, IsTimeout(os.NewSyscallError("recvfrom", unix.EAGAIN)))
	assert.False(t, IsTimeout(io.EOF))
}
