package message

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Payload sizes of each variant, tag included.
const (
	synSize    = 4 + 4 + 16
	synAckSize = 4 + 8 + 16
	emptySize  = 4
)

// EncodedLen returns the serialized payload size of msg.
func EncodedLen(msg Message) (int, error) {
	switch msg.(type) {
	case *Syn:
		return synSize, nil
	case *SynAck:
		return synAckSize, nil
	case *Fin, *FinAck:
		return emptySize, nil
	default:
		return 0, fmt.Errorf("cannot encode message of type %T", msg)
	}
}

// Encode serializes a message payload. The layout is fixed-width little
// endian: u32 variant tag, u32 mode, f64 durations, u64 sizes and ids.
func Encode(msg Message) ([]byte, error) {
	size, err := EncodedLen(msg)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, size)
	b = binary.LittleEndian.AppendUint32(b, uint32(msg.MessageType()))

	switch m := msg.(type) {
	case *Syn:
		b = binary.LittleEndian.AppendUint32(b, uint32(m.Mode))
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(m.Plan.Duration))
		b = binary.LittleEndian.AppendUint64(b, m.Plan.PacketSize)
	case *SynAck:
		b = binary.LittleEndian.AppendUint64(b, m.SessionID)
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(m.Plan.Duration))
		b = binary.LittleEndian.AppendUint64(b, m.Plan.PacketSize)
	}
	return b, nil
}
