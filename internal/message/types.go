package message

import (
	"fmt"

	"netbench/pkg/types"
)

// Type is the variant tag carried as the first field of every payload.
type Type uint32

const (
	TypeSyn Type = iota
	TypeSynAck
	TypeFin
	TypeFinAck
)

// Message is one control message exchanged over the framed protocol.
type Message interface {
	MessageType() Type
}

// Syn opens a session and proposes the test plan.
type Syn struct {
	Mode types.Mode
	Plan types.TestPlan
}

// SynAck confirms a session and echoes the adopted plan.
type SynAck struct {
	SessionID uint64
	Plan      types.TestPlan
}

// Fin asks the data sender to stop.
type Fin struct{}

// FinAck confirms the sender stopped.
type FinAck struct{}

func (*Syn) MessageType() Type    { return TypeSyn }
func (*SynAck) MessageType() Type { return TypeSynAck }
func (*Fin) MessageType() Type    { return TypeFin }
func (*FinAck) MessageType() Type { return TypeFinAck }

// TypeName returns a human-readable name for a message type.
func TypeName(t Type) string {
	switch t {
	case TypeSyn:
		return "Syn"
	case TypeSynAck:
		return "SynAck"
	case TypeFin:
		return "Fin"
	case TypeFinAck:
		return "FinAck"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(t))
	}
}
