package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blockfort/blockfort/internal/config"
	"github.com/blockfort/blockfort/internal/protocol"
)

// PlayerCounter reports live counts. *Protocol implements it.
type PlayerCounter interface {
	Counts() (connections, players int)
}

// InfoResponder answers server browser probes on port+1. A client sends
// the single magic byte 0xCA and receives name, map, player counts and
// protocol version.
type InfoResponder struct {
	cfg     config.ServerConfig
	counter PlayerCounter
	conn    *net.UDPConn
}

// NewInfoResponder creates a responder for the given server settings.
func NewInfoResponder(cfg config.ServerConfig, counter PlayerCounter) *InfoResponder {
	return &InfoResponder{
		cfg:     cfg,
		counter: counter,
	}
}

// Port returns the responder's UDP port.
func (r *InfoResponder) Port() int {
	return r.cfg.Port + 1
}

// Start listens and answers probes until ctx is cancelled.
func (r *InfoResponder) Start(ctx context.Context) error {
	port := r.Port()
	conn, err := ListenUDP(ctx, r.cfg.BindAddress, port)
	if err != nil {
		return fmt.Errorf("failed to start info responder: %w", err)
	}
	r.conn = conn

	log.Info().Int("port", port).Msg("info responder started")

	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, 64)
	for {
		n, remote, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("info responder stopping")
				return nil
			default:
				log.Error().Err(err).Msg("info responder read error")
				continue
			}
		}

		response := r.Respond(buf[:n])
		if response == nil {
			continue
		}
		if _, err := r.conn.WriteToUDPAddrPort(response, remote); err != nil {
			log.Warn().Err(err).Str("remote", remote.String()).Msg("failed to send info response")
			continue
		}
		log.Trace().Str("remote", remote.String()).Msg("responded to info probe")
	}
}

// Respond builds the reply for one probe, or nil if it is not a probe.
func (r *InfoResponder) Respond(probe []byte) []byte {
	if len(probe) != 1 || probe[0] != protocol.InfoProbeMagicByte {
		return nil
	}
	_, players := r.counter.Counts()
	return protocol.BuildInfoResponse(r.cfg.Name, r.cfg.MapName, players, r.cfg.MaxPlayers, r.cfg.ProtocolVersion)
}

// SelfTest sends a probe to the local responder and waits for the reply.
func (r *InfoResponder) SelfTest() error {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.Port()}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("self-test dial failed: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{protocol.InfoProbeMagicByte}); err != nil {
		return fmt.Errorf("self-test write failed: %w", err)
	}

	buf := make([]byte, 512)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("self-test read failed: %w", err)
	}
	if n < 1 || buf[0] != protocol.InfoProbeMagicByte {
		return fmt.Errorf("self-test got unexpected reply")
	}

	log.Debug().Int("port", r.Port()).Msg("info responder self-test passed")
	return nil
}

// Stop closes the listener.
func (r *InfoResponder) Stop() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
