package session

import (
	"context"
	"fmt"
	"net"

	"github.com/socks5d/socks5d/internal/socks5addr"
	"github.com/socks5d/socks5d/internal/socks5err"
	"github.com/socks5d/socks5d/internal/udpassoc"
)

// handleUDPAssociate allocates a UDP relay socket on an address family
// matching the client TCP socket's local family, replies with its bound
// endpoint, and runs the relay loop until the client connection or the
// relay socket closes.
func (s *Session) handleUDPAssociate(ctx context.Context, addr socks5addr.Addr) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.UDPAssociateTotal.Inc()
	}

	network := "udp4"
	if local, ok := s.conn.LocalAddr().(*net.TCPAddr); ok && local.IP.To4() == nil {
		network = "udp6"
	}

	listen := s.deps.ListenUDP
	if listen == nil {
		listen = net.ListenUDP
	}

	laddr := &net.UDPAddr{IP: net.IPv4zero}
	if network == "udp6" {
		laddr = &net.UDPAddr{IP: net.IPv6zero}
	}

	conn, err := listen(network, laddr)
	if err != nil {
		s.writeReply(nil, fmt.Errorf("%w: %v", socks5err.ErrServerFailure, err))
		return
	}

	relay := udpassoc.NewRelay(conn, addr, s.deps.Resolver, s.logger, s.deps.Metrics)
	s.udp = relay

	local := relay.LocalAddrPort()
	bnd := socks5addr.FromIP(net.IP(local.Addr().AsSlice()), local.Port())
	s.writeReply(&bnd, nil)

	s.state = StateUDPRelay

	// RFC 1928 ties the UDP association's lifetime to the TCP control
	// connection: once it closes, the relay must stop even if the idle
	// timer hasn't fired yet. The control connection carries no further
	// protocol traffic after this point, so any read completing (EOF or
	// error) means it closed.
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		one := make([]byte, 1)
		s.conn.Read(one)
		cancel()
	}()

	relay.Serve(relayCtx, s.guard.Renew)
}
