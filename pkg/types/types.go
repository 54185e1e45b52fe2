package types

import (
	"fmt"
	"strings"
	"time"
)

// TestPlan is shared between client and server. The responder always adopts
// the plan carried by the Syn.
type TestPlan struct {
	Duration   float64 `json:"duration"    yaml:"duration"    mapstructure:"duration"`    // seconds
	PacketSize uint64  `json:"packet_size" yaml:"packet_size" mapstructure:"packet_size"` // bytes per write
}

// DurationTime returns the plan duration as a time.Duration.
func (p TestPlan) DurationTime() time.Duration {
	return time.Duration(p.Duration * float64(time.Second))
}

// Mode declares which end pushes payload during the data phase.
type Mode uint32

const (
	ModeSend Mode = iota
	ModeReceive
)

// ParseMode parses "send" or "receive".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "send":
		return ModeSend, nil
	case "receive":
		return ModeReceive, nil
	default:
		return 0, fmt.Errorf("unknown transport mode %q (expected send|receive)", s)
	}
}

// Opposite returns the role the peer takes for this mode.
func (m Mode) Opposite() Mode {
	if m == ModeSend {
		return ModeReceive
	}
	return ModeSend
}

func (m Mode) String() string {
	switch m {
	case ModeSend:
		return "send"
	case ModeReceive:
		return "receive"
	default:
		return fmt.Sprintf("Mode(%d)", uint32(m))
	}
}

// TestData is an immutable snapshot of a running session.
type TestData struct {
	ID            uint64    `json:"id"             yaml:"id"`
	TotalTransfer uint64    `json:"total_transfer" yaml:"total_transfer"`
	TotalPackets  uint64    `json:"total_packets"  yaml:"total_packets"`
	Plan          TestPlan  `json:"plan"           yaml:"plan"`
	Elapsed       float64   `json:"elapsed"        yaml:"elapsed"` // seconds since start at snapshot time
	StartTime     time.Time `json:"-"              yaml:"-"`
	ReportCount   uint64    `json:"-"              yaml:"-"` // reports fired so far
}

// EventType identifies a measurement event.
type EventType string

const (
	EventStart  EventType = "Start"
	EventReport EventType = "Report"
	EventFinish EventType = "Finish"
)

// Event is what the output formats render.
type Event struct {
	Type         EventType `json:"type"          yaml:"type"`
	Data         TestData  `json:"data"          yaml:"data"`
	PreviousData *TestData `json:"previous_data" yaml:"previous_data"`
	Timestamp    time.Time `json:"timestamp"     yaml:"timestamp"`
}
