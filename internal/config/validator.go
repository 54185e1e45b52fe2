package config

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strings"

	"netbench/pkg/types"
)

var (
	// ErrMissingField is wrapped by errors about absent required settings.
	ErrMissingField = errors.New("missing required field")
	// ErrUnknownTransport is wrapped when the transport name is not recognized.
	ErrUnknownTransport = errors.New("unknown transport")
)

// ValidationError lists every problem found in one configuration value.
type ValidationError struct {
	Errs []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

func (e *ValidationError) Unwrap() []error {
	return e.Errs
}

type collector []error

func (c *collector) add(format string, args ...interface{}) {
	*c = append(*c, fmt.Errorf(format, args...))
}

func (c *collector) missing(field string) {
	c.add("%w: %s", ErrMissingField, field)
}

func (c collector) err() error {
	if len(c) == 0 {
		return nil
	}
	return &ValidationError{Errs: c}
}

// Validate checks that the application options are valid.
func (c *Config) Validate() error {
	var errs collector

	switch strings.ToLower(c.Output.Format) {
	case "pretty", "json", "yaml":
	default:
		errs.add("output.format must be one of pretty/json/yaml, got %q", c.Output.Format)
	}

	// Zero disables reports
	if c.Stats.ReportIntervalSec < 0 || math.IsNaN(c.Stats.ReportIntervalSec) {
		errs.add("stats.report_interval_sec must be >= 0, got %g", c.Stats.ReportIntervalSec)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs.add("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}

	return errs.err()
}

// Validate checks that the selected transport has every field it needs.
func (s *SessionConfig) Validate() error {
	var errs collector

	switch s.Transport {
	case "":
		errs.missing("transport")
	case TransportTCPServer:
		validateAddress(&errs, "tcp_server", s.TCPServer)
	case TransportUDPServer:
		validateAddress(&errs, "udp_server", s.UDPServer)
	case TransportTCPClient:
		validateClient(&errs, s.Client)
		validateAddress(&errs, "tcp_client", s.TCPClient)
	case TransportUDPClient:
		validateClient(&errs, s.Client)
		validateAddress(&errs, "udp_client", s.UDPClient)
	case TransportRawServer:
		if s.RawServer == nil {
			errs.missing("raw_server")
		} else if s.RawServer.Interface == "" {
			errs.missing("raw_server.interface")
		}
	case TransportRawClient:
		validateClient(&errs, s.Client)
		if s.RawClient == nil {
			errs.missing("raw_client")
			break
		}
		if s.RawClient.Interface == "" {
			errs.missing("raw_client.interface")
		}
		if _, err := s.RawClient.Addr(); err != nil {
			errs.add("raw_client.address: %w", err)
		}
	case TransportZeroCopyServer:
	case TransportZeroCopyClient:
		validateClient(&errs, s.Client)
	default:
		errs.add("%w %q", ErrUnknownTransport, s.Transport)
	}

	return errs.err()
}

func validateAddress(errs *collector, section string, a *AddressConfig) {
	if a == nil {
		errs.missing(section)
		return
	}
	if _, err := a.AddrPort(); err != nil {
		errs.add("%s.address: %w", section, err)
	}
}

func validateClient(errs *collector, c *ClientConfig) {
	if c == nil {
		errs.missing("client")
		return
	}
	if _, err := c.ParsedMode(); err != nil {
		errs.add("client.mode: %w", err)
	}
	if err := ValidatePlan(c.TestPlan); err != nil {
		errs.add("client.test_plan: %w", err)
	}
}

// ValidatePlan checks that a test plan can be run.
func ValidatePlan(p types.TestPlan) error {
	if !(p.Duration > 0) || math.IsInf(p.Duration, 0) {
		return fmt.Errorf("duration must be a positive number of seconds, got %g", p.Duration)
	}
	if p.PacketSize == 0 {
		return fmt.Errorf("packet_size must be > 0")
	}
	return nil
}

// ParsedMode returns the requested transport mode.
func (c *ClientConfig) ParsedMode() (types.Mode, error) {
	return types.ParseMode(c.Mode)
}

// AddrPort parses the IPv4 socket address.
func (a *AddressConfig) AddrPort() (netip.AddrPort, error) {
	if a.Address == "" {
		return netip.AddrPort{}, fmt.Errorf("%w: address", ErrMissingField)
	}
	ap, err := netip.ParseAddrPort(a.Address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid socket address %q: %w", a.Address, err)
	}
	if !ap.Addr().Unmap().Is4() {
		return netip.AddrPort{}, fmt.Errorf("socket address %q is not IPv4", a.Address)
	}
	return ap, nil
}

// Addr parses the peer host address.
func (r *RawClientConfig) Addr() (netip.Addr, error) {
	if r.Address == "" {
		return netip.Addr{}, fmt.Errorf("%w: address", ErrMissingField)
	}
	addr, err := netip.ParseAddr(r.Address)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid IP address %q: %w", r.Address, err)
	}
	if !addr.Unmap().Is4() {
		return netip.Addr{}, fmt.Errorf("IP address %q is not IPv4", r.Address)
	}
	return addr.Unmap(), nil
}
