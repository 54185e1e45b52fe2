package session

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"netbench/internal/config"
	"netbench/internal/network"
)

// Run validates one session entry and executes it. Server transports serve
// until ctx is cancelled; client transports run a single session.
func Run(ctx context.Context, cfg *config.SessionConfig, opts Options) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.IsServer() {
		srv, err := NewServer(cfg)
		if err != nil {
			return err
		}
		log.WithField("transport", cfg.Transport).Info("Starting server")
		return Serve(ctx, srv, opts)
	}

	client, err := NewClient(cfg)
	if err != nil {
		return err
	}
	mode, err := cfg.Client.ParsedMode()
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"transport": cfg.Transport,
		"mode":      mode,
	}).Info("Starting client")

	data, err := Dial(client, mode, cfg.Client.TestPlan, opts)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"session_id":     data.ID,
		"total_transfer": data.TotalTransfer,
		"total_packets":  data.TotalPackets,
	}).Info("Session finished")
	return nil
}

// NewServer builds the responder backend named by cfg.Transport.
func NewServer(cfg *config.SessionConfig) (network.Server, error) {
	switch cfg.Transport {
	case config.TransportTCPServer:
		addr, err := cfg.TCPServer.AddrPort()
		if err != nil {
			return nil, err
		}
		return network.NewTCPServer(addr), nil
	case config.TransportUDPServer:
		addr, err := cfg.UDPServer.AddrPort()
		if err != nil {
			return nil, err
		}
		return network.NewUDPServer(addr), nil
	case config.TransportRawServer:
		return network.NewRawServer(cfg.RawServer.Interface), nil
	case config.TransportZeroCopyServer:
		return network.ZeroCopyServer{}, nil
	default:
		return nil, fmt.Errorf("%w %q", config.ErrUnknownTransport, cfg.Transport)
	}
}

// NewClient builds the initiator backend named by cfg.Transport.
func NewClient(cfg *config.SessionConfig) (network.Client, error) {
	switch cfg.Transport {
	case config.TransportTCPClient:
		addr, err := cfg.TCPClient.AddrPort()
		if err != nil {
			return nil, err
		}
		return network.NewTCPClient(addr), nil
	case config.TransportUDPClient:
		addr, err := cfg.UDPClient.AddrPort()
		if err != nil {
			return nil, err
		}
		return network.NewUDPClient(addr), nil
	case config.TransportRawClient:
		addr, err := cfg.RawClient.Addr()
		if err != nil {
			return nil, err
		}
		return network.NewRawClient(cfg.RawClient.Interface, addr), nil
	case config.TransportZeroCopyClient:
		return network.ZeroCopyClient{}, nil
	default:
		return nil, fmt.Errorf("%w %q", config.ErrUnknownTransport, cfg.Transport)
	}
}
