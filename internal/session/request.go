package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/socks5d/socks5d/internal/logging"
	"github.com/socks5d/socks5d/internal/socks5addr"
	"github.com/socks5d/socks5d/internal/socks5auth"
	"github.com/socks5d/socks5d/internal/socks5err"
)

const (
	cmdConnect     = 0x01
	cmdBind        = 0x02
	cmdUDPAssociate = 0x03
)

// greet reads VER ‖ NMETHODS ‖ METHODS, selects an authenticator from the
// client's offered methods, and writes VER ‖ METHOD. It returns the
// selected Authenticator, or a non-nil error (ErrUnsupportedMethod after
// writing 0xFF, or ErrProtocolViolation for malformed framing) otherwise.
func (s *Session) greet(br *bufio.Reader) (socks5auth.Authenticator, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("%w: %v", socks5err.ErrProtocolViolation, err)
	}
	if header[0] != socksVersion {
		return nil, fmt.Errorf("%w: unexpected version %#x", socks5err.ErrProtocolViolation, header[0])
	}

	methods := make([]byte, header[1])
	if len(methods) > 0 {
		if _, err := io.ReadFull(br, methods); err != nil {
			return nil, fmt.Errorf("%w: %v", socks5err.ErrProtocolViolation, err)
		}
	}

	auth := socks5auth.Select(s.auths, methods)
	if auth == nil {
		s.conn.Write([]byte{socksVersion, socks5auth.MethodNoAcceptable})
		if s.deps.Metrics != nil {
			s.deps.Metrics.NoAcceptableAuth.Inc()
		}
		return nil, socks5err.ErrUnsupportedMethod
	}

	if _, err := s.conn.Write([]byte{socksVersion, auth.Method()}); err != nil {
		return nil, fmt.Errorf("%w: %v", socks5err.ErrPeerClosed, err)
	}
	return auth, nil
}

// readRequest reads VER ‖ CMD ‖ RSV ‖ ATYP ‖ DST.ADDR ‖ DST.PORT.
func (s *Session) readRequest(br *bufio.Reader) (byte, socks5addr.Addr, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(br, header); err != nil {
		return 0, socks5addr.Addr{}, fmt.Errorf("%w: %v", socks5err.ErrProtocolViolation, err)
	}
	if header[0] != socksVersion {
		return 0, socks5addr.Addr{}, fmt.Errorf("%w: unexpected version %#x", socks5err.ErrProtocolViolation, header[0])
	}

	cmd := header[1]
	atyp := header[3]

	addr, err := socks5addr.Decode(br, atyp)
	if err != nil {
		s.writeReply(nil, socks5err.ErrUnsupportedAddrType)
		return 0, socks5addr.Addr{}, socks5err.ErrUnsupportedAddrType
	}
	return cmd, addr, nil
}

// handleConnect resolves (if needed) and tries each candidate endpoint in
// order, replies, and on success enters the TCP relay.
func (s *Session) handleConnect(ctx context.Context, addr socks5addr.Addr) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ConnectTotal.Inc()
	}

	targets, err := s.candidateEndpoints(ctx, addr)
	if err != nil {
		s.writeReply(nil, err)
		s.recordConnectFailure(err)
		return
	}

	dialStart := time.Now()
	var upstream net.Conn
	var lastErr error
	for _, target := range targets {
		conn, err := s.deps.Dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			lastErr = err
			continue
		}
		upstream = conn
		break
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ConnectLatency.Observe(time.Since(dialStart).Seconds())
	}
	if upstream == nil {
		err := fmt.Errorf("%w: %v", socks5err.ErrNetworkUnreachable, lastErr)
		s.writeReply(nil, err)
		s.recordConnectFailure(err)
		return
	}
	s.upstream = upstream

	local, ok := upstream.LocalAddr().(*net.TCPAddr)
	if !ok {
		err := socks5err.ErrConnRefused
		s.writeReply(nil, err)
		s.recordConnectFailure(err)
		return
	}
	bnd := socks5addr.FromIP(local.IP, uint16(local.Port))
	s.writeReply(&bnd, nil)

	s.logger.Debug("connect established", logging.KeyAddress, socks5addr.Format(addr))
	s.state = StateTCPRelay
	s.relayTCP(ctx)
}

func (s *Session) recordConnectFailure(err error) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.ConnectFailures.WithLabelValues(replyLabel(err)).Inc()
}

func replyLabel(err error) string {
	var kind *socks5err.Kind
	if errors.As(err, &kind) {
		return kind.Name()
	}
	return "unknown"
}

// candidateEndpoints resolves addr to a list of "host:port" dial targets,
// in order.
func (s *Session) candidateEndpoints(ctx context.Context, addr socks5addr.Addr) ([]string, error) {
	if addr.Type == socks5addr.TypeDomain {
		eps, err := s.deps.Resolver.Resolve(ctx, addr.Domain, addr.Port)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", socks5err.ErrHostUnreachable, err)
		}
		out := make([]string, len(eps))
		for i, ep := range eps {
			out[i] = ep.String()
		}
		return out, nil
	}
	return []string{net.JoinHostPort(addr.IP.String(), fmtPort(addr.Port))}, nil
}

func fmtPort(port uint16) string {
	return fmt.Sprintf("%d", port)
}
