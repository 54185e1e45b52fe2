package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/viper"

	"netbench/pkg/types"
)

// Transport names accepted in SessionConfig.Transport.
const (
	TransportTCPServer      = "tcp-server"
	TransportTCPClient      = "tcp-client"
	TransportUDPServer      = "udp-server"
	TransportUDPClient      = "udp-client"
	TransportRawServer      = "raw-server"
	TransportRawClient      = "raw-client"
	TransportZeroCopyServer = "zero-copy-server"
	TransportZeroCopyClient = "zero-copy-client"
)

// SessionConfig is one entry of the session stream. Only the sections the
// selected transport needs have to be present.
type SessionConfig struct {
	Transport string           `json:"transport"            mapstructure:"transport"`
	Client    *ClientConfig    `json:"client,omitempty"     mapstructure:"client"`
	TCPServer *AddressConfig   `json:"tcp_server,omitempty" mapstructure:"tcp_server"`
	TCPClient *AddressConfig   `json:"tcp_client,omitempty" mapstructure:"tcp_client"`
	UDPServer *AddressConfig   `json:"udp_server,omitempty" mapstructure:"udp_server"`
	UDPClient *AddressConfig   `json:"udp_client,omitempty" mapstructure:"udp_client"`
	RawServer *RawServerConfig `json:"raw_server,omitempty" mapstructure:"raw_server"`
	RawClient *RawClientConfig `json:"raw_client,omitempty" mapstructure:"raw_client"`
}

// ClientConfig is the initiator's request.
type ClientConfig struct {
	Mode     string         `json:"mode"      mapstructure:"mode"`
	TestPlan types.TestPlan `json:"test_plan" mapstructure:"test_plan"`
}

type AddressConfig struct {
	Address string `json:"address" mapstructure:"address"`
}

type RawServerConfig struct {
	Interface string `json:"interface" mapstructure:"interface"`
}

type RawClientConfig struct {
	Interface string `json:"interface" mapstructure:"interface"`
	Address   string `json:"address"   mapstructure:"address"`
}

// IsServer reports whether the transport name selects the responder role.
func (s *SessionConfig) IsServer() bool {
	switch s.Transport {
	case TransportTCPServer, TransportUDPServer, TransportRawServer, TransportZeroCopyServer:
		return true
	default:
		return false
	}
}

// StreamDecoder reads consecutive JSON session entries from a byte stream.
// Entries may be separated by any whitespace.
type StreamDecoder struct {
	dec *json.Decoder
}

// NewStreamDecoder creates a StreamDecoder over r.
func NewStreamDecoder(r io.Reader) *StreamDecoder {
	return &StreamDecoder{dec: json.NewDecoder(r)}
}

// Next decodes the next entry. It returns io.EOF once the stream is drained.
// Entries are decoded but not validated.
func (d *StreamDecoder) Next() (*SessionConfig, error) {
	var raw json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode session entry: %w", err)
	}
	return ParseSession(raw)
}

// ParseSession decodes one JSON session entry.
func ParseSession(raw []byte) (*SessionConfig, error) {
	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to read session entry: %w", err)
	}

	var cfg SessionConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session entry: %w", err)
	}
	return &cfg, nil
}
