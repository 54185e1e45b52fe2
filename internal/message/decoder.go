package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"netbench/pkg/types"
)

var (
	// ErrMalformed is returned for payloads that do not match their variant layout.
	ErrMalformed = errors.New("malformed message payload")
	// ErrUnknownType is returned for an unrecognized variant tag.
	ErrUnknownType = errors.New("unknown message type")
)

// Decode parses a serialized payload. Trailing bytes are rejected.
func Decode(data []byte) (Message, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	t := Type(binary.LittleEndian.Uint32(data))

	var msg Message
	var want int
	switch t {
	case TypeSyn:
		want = synSize
	case TypeSynAck:
		want = synAckSize
	case TypeFin, TypeFinAck:
		want = emptySize
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint32(t))
	}
	if len(data) != want {
		return nil, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrMalformed, TypeName(t), len(data), want)
	}

	switch t {
	case TypeSyn:
		mode := types.Mode(binary.LittleEndian.Uint32(data[4:]))
		if mode != types.ModeSend && mode != types.ModeReceive {
			return nil, fmt.Errorf("%w: invalid mode %d", ErrMalformed, uint32(mode))
		}
		msg = &Syn{Mode: mode, Plan: decodePlan(data[8:])}
	case TypeSynAck:
		msg = &SynAck{
			SessionID: binary.LittleEndian.Uint64(data[4:]),
			Plan:      decodePlan(data[12:]),
		}
	case TypeFin:
		msg = &Fin{}
	case TypeFinAck:
		msg = &FinAck{}
	}
	return msg, nil
}

func decodePlan(b []byte) types.TestPlan {
	return types.TestPlan{
		Duration:   math.Float64frombits(binary.LittleEndian.Uint64(b)),
		PacketSize: binary.LittleEndian.Uint64(b[8:]),
	}
}
