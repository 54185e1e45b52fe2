package capture

import (
	"bytes"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netbench/internal/message"
	"netbench/internal/network"
	"netbench/pkg/types"
)

var (
	clientIP = net.IPv4(10, 0, 0, 1).To4()
	serverIP = net.IPv4(10, 0, 0, 2).To4()
	plan     = types.TestPlan{Duration: 2, PacketSize: 1400}
)

func framed(t *testing.T, msgs ...message.Message) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := message.NewWriter(&buf)
	for _, msg := range msgs {
		require.NoError(t, w.Write(msg))
	}
	return buf.Bytes()
}

type captureWriter struct {
	t  *testing.T
	w  *pcapgo.Writer
	ts time.Time
}

func newCapture(t *testing.T) (*captureWriter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	return &captureWriter{t: t, w: w, ts: time.Unix(1700000000, 0)}, path
}

func (c *captureWriter) write(src, dst net.IP, transport gopacket.SerializableLayer, proto layers.IPProtocol, payload []byte) {
	c.t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: src, DstIP: dst}

	stack := []gopacket.SerializableLayer{eth, ip}
	switch l := transport.(type) {
	case *layers.TCP:
		require.NoError(c.t, l.SetNetworkLayerForChecksum(ip))
		stack = append(stack, l)
	case *layers.UDP:
		require.NoError(c.t, l.SetNetworkLayerForChecksum(ip))
		stack = append(stack, l)
	}
	stack = append(stack, gopacket.Payload(payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(c.t, gopacket.SerializeLayers(buf, opts, stack...))

	c.ts = c.ts.Add(time.Millisecond)
	data := buf.Bytes()
	require.NoError(c.t, c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     c.ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data))
}

func (c *captureWriter) tcp(src, dst net.IP, sport, dport uint16, payload []byte) {
	c.write(src, dst, &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), PSH: true, ACK: true, Window: 65535},
		layers.IPProtocolTCP, payload)
}

func (c *captureWriter) udp(src, dst net.IP, sport, dport uint16, payload []byte) {
	c.write(src, dst, &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)},
		layers.IPProtocolUDP, payload)
}

func TestParser_TCPSession(t *testing.T) {
	c, path := newCapture(t)
	c.tcp(clientIP, serverIP, 40000, 9000, framed(t, &message.Syn{Mode: types.ModeSend, Plan: plan}))
	c.tcp(serverIP, clientIP, 9000, 40000, framed(t, &message.SynAck{SessionID: 1, Plan: plan}))
	c.tcp(clientIP, serverIP, 40000, 9000, make([]byte, 1400))
	c.tcp(clientIP, serverIP, 40000, 9000, nil)
	c.tcp(serverIP, clientIP, 9000, 40000, framed(t, &message.Fin{}))
	c.tcp(clientIP, serverIP, 40000, 9000, framed(t, &message.FinAck{}))

	result, err := NewParser().Parse(path)
	require.NoError(t, err)

	assert.Equal(t, 6, result.TotalPackets)
	assert.Equal(t, 4, result.FramedPackets)
	require.Len(t, result.Records, 4)

	syn := result.Records[0]
	assert.Equal(t, 1, syn.Packet)
	assert.Equal(t, "tcp", syn.Protocol)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:40000"), syn.Src)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:9000"), syn.Dst)
	assert.Equal(t, &message.Syn{Mode: types.ModeSend, Plan: plan}, syn.Message)

	assert.Equal(t, 5, result.Records[2].Packet)
	assert.Equal(t, map[string]int{"Syn": 1, "SynAck": 1, "Fin": 1, "FinAck": 1}, Count(result.Records))
	assert.Equal(t, []uint64{1}, SessionIDs(result.Records))
}

func TestParser_UDPDatagramWithHeaderAndPayload(t *testing.T) {
	c, path := newCapture(t)
	c.udp(clientIP, serverIP, 40001, 9001, framed(t, &message.Syn{Mode: types.ModeReceive, Plan: plan}))
	c.udp(serverIP, clientIP, 9001, 40001, framed(t, &message.SynAck{SessionID: 3, Plan: plan}))
	c.udp(serverIP, clientIP, 9001, 40001, make([]byte, 64))
	c.udp(clientIP, serverIP, 40001, 9001, framed(t, &message.SynAck{SessionID: 3, Plan: plan}, &message.Fin{}))

	result, err := NewParser().Parse(path)
	require.NoError(t, err)

	require.Len(t, result.Records, 4)
	assert.Equal(t, "udp", result.Records[0].Protocol)
	assert.Equal(t, result.Records[3].Packet, result.Records[2].Packet, "two frames in one datagram")
	assert.Equal(t, []uint64{3}, SessionIDs(result.Records))
}

func TestParser_RawIPProtocol(t *testing.T) {
	c, path := newCapture(t)
	c.write(clientIP, serverIP, nil, layers.IPProtocol(network.RawProtocol),
		append([]byte("junk"), framed(t, &message.Fin{})...))
	c.write(clientIP, serverIP, nil, layers.IPProtocolICMPv4, framed(t, &message.Fin{}))

	result, err := NewParser().Parse(path)
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalPackets)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "raw", result.Records[0].Protocol)
	assert.Equal(t, netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), 0), result.Records[0].Src)
}

func TestParser_MissingFile(t *testing.T) {
	_, err := NewParser().Parse(filepath.Join(t.TempDir(), "missing.pcap"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open pcap file")
}

func TestSessionIDs_SortedAndDistinct(t *testing.T) {
	records := []Record{
		{Message: &message.SynAck{SessionID: 5}},
		{Message: &message.Fin{}},
		{Message: &message.SynAck{SessionID: 2}},
		{Message: &message.SynAck{SessionID: 5}},
	}
	assert.Equal(t, []uint64{2, 5}, SessionIDs(records))
	assert.Empty(t, SessionIDs(nil))
}
