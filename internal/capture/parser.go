package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	log "github.com/sirupsen/logrus"

	"netbench/internal/message"
	"netbench/internal/network"
)

// Record is one control message found in a capture.
type Record struct {
	Packet    int
	Timestamp time.Time
	Protocol  string
	Src       netip.AddrPort
	Dst       netip.AddrPort
	Message   message.Message
}

// Result holds the control messages of a capture in packet order.
type Result struct {
	Records       []Record
	TotalPackets  int
	PayloadBytes  uint64
	FramedPackets int
}

// Parser reads pcap files and extracts netbench control frames from TCP,
// UDP and raw IP payloads. Frames split across TCP segments are not
// reassembled.
type Parser struct{}

// NewParser creates a new capture parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse reads a pcap file and returns every decodable control message.
func (p *Parser) Parse(filename string) (*Result, error) {
	handle, err := pcap.OpenOffline(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", filename, err)
	}
	defer handle.Close()

	linkType := handle.LinkType()
	log.WithField("link_type", linkType.String()).Debug("PCAP link type detected")

	packetSource := gopacket.NewPacketSource(handle, linkType)
	packetSource.DecodeOptions.Lazy = true
	packetSource.DecodeOptions.NoCopy = true

	result := &Result{}
	for packet := range packetSource.Packets() {
		result.TotalPackets++

		seg, ok := extract(packet)
		if !ok || len(seg.payload) == 0 {
			continue
		}
		result.PayloadBytes += uint64(len(seg.payload))

		msgs := scan(seg.payload)
		if len(msgs) == 0 {
			continue
		}
		result.FramedPackets++

		for _, msg := range msgs {
			rec := Record{
				Packet:    result.TotalPackets,
				Timestamp: packet.Metadata().Timestamp,
				Protocol:  seg.protocol,
				Src:       seg.src,
				Dst:       seg.dst,
				Message:   msg,
			}
			result.Records = append(result.Records, rec)

			log.WithFields(log.Fields{
				"packet":   rec.Packet,
				"msg_type": message.TypeName(msg.MessageType()),
				"src":      rec.Src.String(),
				"dst":      rec.Dst.String(),
			}).Debug("Extracted control message")
		}
	}

	log.WithFields(log.Fields{
		"total_packets":  result.TotalPackets,
		"framed_packets": result.FramedPackets,
		"messages":       len(result.Records),
	}).Info("Capture parsing complete")

	return result, nil
}

// Count returns how many messages of each type the records hold.
func Count(records []Record) map[string]int {
	counts := make(map[string]int)
	for _, rec := range records {
		counts[message.TypeName(rec.Message.MessageType())]++
	}
	return counts
}

// SessionIDs returns the distinct session ids announced by SynAck messages,
// in ascending order.
func SessionIDs(records []Record) []uint64 {
	seen := make(map[uint64]bool)
	var ids []uint64
	for _, rec := range records {
		ack, ok := rec.Message.(*message.SynAck)
		if !ok || seen[ack.SessionID] {
			continue
		}
		seen[ack.SessionID] = true
		ids = append(ids, ack.SessionID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type segment struct {
	protocol string
	src, dst netip.AddrPort
	payload  []byte
}

func extract(packet gopacket.Packet) (segment, bool) {
	var srcIP, dstIP netip.Addr
	var ipv4 *layers.IPv4
	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ipv4, _ = l.(*layers.IPv4)
	}
	if ipv4 != nil {
		srcIP, dstIP = toAddr(ipv4.SrcIP), toAddr(ipv4.DstIP)
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ipv6, _ := l.(*layers.IPv6)
		srcIP, dstIP = toAddr(ipv6.SrcIP), toAddr(ipv6.DstIP)
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp, _ := l.(*layers.TCP)
		return segment{
			protocol: "tcp",
			src:      netip.AddrPortFrom(srcIP, uint16(tcp.SrcPort)),
			dst:      netip.AddrPortFrom(dstIP, uint16(tcp.DstPort)),
			payload:  tcp.Payload,
		}, true
	}
	if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp, _ := l.(*layers.UDP)
		return segment{
			protocol: "udp",
			src:      netip.AddrPortFrom(srcIP, uint16(udp.SrcPort)),
			dst:      netip.AddrPortFrom(dstIP, uint16(udp.DstPort)),
			payload:  udp.Payload,
		}, true
	}
	if ipv4 != nil && ipv4.Protocol == layers.IPProtocol(network.RawProtocol) {
		return segment{
			protocol: "raw",
			src:      netip.AddrPortFrom(srcIP, 0),
			dst:      netip.AddrPortFrom(dstIP, 0),
			payload:  ipv4.Payload,
		}, true
	}
	return segment{}, false
}

func toAddr(ip net.IP) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip)
	return addr.Unmap()
}

// payloadSource feeds a captured payload to a message.Reader.
type payloadSource struct {
	*bytes.Reader
}

func (payloadSource) SetReadTimeout(time.Duration) error { return nil }

// scan returns the control messages framed inside payload.
func scan(payload []byte) []message.Message {
	if !bytes.Contains(payload, message.Signature) {
		return nil
	}
	r := message.NewReader(payloadSource{bytes.NewReader(payload)})
	var msgs []message.Message
	for {
		msg, err := r.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				log.WithError(err).Debug("Stopped scanning payload")
			}
			return msgs
		}
		msgs = append(msgs, msg)
	}
}
