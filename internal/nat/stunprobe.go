package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

const probeTimeout = 5 * time.Second

// STUNProber performs an active two-server probe from a single local
// socket. Both servers see the same local port; if the NAT maps it to
// different public ports per destination, the NAT is symmetric and a
// direct connection is infeasible. Equal mappings mean a cone NAT, but
// without server cooperation the cone subtypes cannot be separated, so
// the conservative port-restricted-cone is reported.
type STUNProber struct {
	// Servers are STUN URIs or host:port addresses. Two distinct
	// servers are required.
	Servers []string
}

func (p *STUNProber) Classify(ctx context.Context, _ string) (Classification, error) {
	if len(p.Servers) < 2 {
		return Classification{}, errors.New("stun probe requires two servers")
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return Classification{}, fmt.Errorf("open probe socket: %w", err)
	}
	defer conn.Close()

	first, err := bindingRequest(ctx, conn, p.Servers[0])
	if err != nil {
		return Classification{}, fmt.Errorf("probe %s: %w", p.Servers[0], err)
	}
	second, err := bindingRequest(ctx, conn, p.Servers[1])
	if err != nil {
		return Classification{}, fmt.Errorf("probe %s: %w", p.Servers[1], err)
	}

	public := Address{IP: first.IP.String(), Port: first.Port}

	if first.IP.Equal(second.IP) && first.Port != second.Port {
		return Classification{
			Type:           Symmetric,
			CanP2P:         false,
			Confidence:     90,
			PublicAddress:  public,
			Recommendation: "symmetric NAT detected; direct connection is infeasible, switch networks or configure a TURN relay",
			RequiresSync:   false,
		}, nil
	}

	return Classification{
		Type:           PortRestrictedCone,
		CanP2P:         true,
		Confidence:     60,
		PublicAddress:  public,
		Recommendation: "cone NAT detected; synchronized candidate release will be used to improve hole punching",
		RequiresSync:   true,
	}, nil
}

// bindingRequest sends one STUN binding request from conn and returns
// the XOR-MAPPED-ADDRESS the server saw.
func bindingRequest(ctx context.Context, conn *net.UDPConn, server string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", hostPort(server))
	if err != nil {
		return nil, err
	}

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.WriteToUDP(msg.Raw, addr); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(probeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		// Responses from other probes may still be in flight.
		if !from.IP.Equal(addr.IP) || from.Port != addr.Port {
			continue
		}

		resp := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := resp.Decode(); err != nil {
			return nil, err
		}
		if resp.TransactionID != msg.TransactionID {
			continue
		}

		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(resp); err != nil {
			return nil, err
		}
		return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
	}
}

// hostPort strips a stun: scheme and defaults the port to 3478.
func hostPort(server string) string {
	s := strings.TrimPrefix(server, "stun:")
	if !strings.Contains(s, ":") {
		s += ":3478"
	}
	return s
}
